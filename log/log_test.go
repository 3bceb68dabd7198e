// Licensed under the Apache License, Version 2.0 (the "License"); you may not
// use this file except in compliance with the License. You may obtain a copy of
// the License at
//
//  http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
// WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the
// License for the specific language governing permissions and limitations under
// the License.

package log

import (
	"bytes"
	"testing"

	"gitlab.com/flimzy/testy"
)

func TestStreamLogger(t *testing.T) {
	type tt struct {
		debug   bool
		log     func(Logger)
		wantOut string
		wantErr string
	}

	tests := testy.NewTable()
	tests.Add("info", tt{
		log:     func(l Logger) { l.Infof("connected to %s", "db") },
		wantOut: "connected to db\n",
	})
	tests.Add("error", tt{
		log:     func(l Logger) { l.Error("boom ") },
		wantErr: "boom\n",
	})
	tests.Add("debug suppressed", tt{
		log: func(l Logger) { l.Debug("noisy") },
	})
	tests.Add("debug enabled", tt{
		debug:   true,
		log:     func(l Logger) { l.Debugf("state %d", 2) },
		wantErr: "state 2\n",
	})

	tests.Run(t, func(t *testing.T, tt tt) {
		out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
		l := New()
		l.SetOut(out)
		l.SetErr(errOut)
		l.SetDebug(tt.debug)
		tt.log(l)
		if d := testy.DiffText(tt.wantOut, out.String()); d != nil {
			t.Errorf("stdout: %s", d)
		}
		if d := testy.DiffText(tt.wantErr, errOut.String()); d != nil {
			t.Errorf("stderr: %s", d)
		}
	})
}

func TestTestLogger(t *testing.T) {
	l := NewTest()
	l.Info("one")
	l.Errorf("two %d", 2)
	l.Debug("three")
	want := []string{"[INFO] one", "[ERROR] two 2", "[DEBUG] three"}
	if d := testy.DiffInterface(want, l.Logs()); d != nil {
		t.Error(d)
	}
	if !l.Contains("two") {
		t.Error("expected Contains to match")
	}
}

func TestNil(*testing.T) {
	l := Nil()
	l.Info("discarded")
	l.Errorf("discarded %d", 1)
}
