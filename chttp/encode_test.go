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

package chttp

import (
	"testing"

	"gitlab.com/flimzy/testy"
)

func TestEncodeDocID(t *testing.T) {
	type tt struct {
		input string
		want  string
	}

	tests := testy.NewTable()
	tests.Add("simple", tt{input: "foo", want: "foo"})
	tests.Add("space", tt{input: "foo bar", want: "foo%20bar"})
	tests.Add("slash", tt{input: "foo/bar", want: "foo%2Fbar"})
	tests.Add("design doc", tt{input: "_design/foo/bar", want: "_design/foo%2Fbar"})
	tests.Add("local doc", tt{input: "_local/a b", want: "_local/a%20b"})
	tests.Add("unicode", tt{input: "Iñtër", want: "I%C3%B1t%C3%ABr"})

	tests.Run(t, func(t *testing.T, tt tt) {
		if got := EncodeDocID(tt.input); got != tt.want {
			t.Errorf("Unexpected result: %s", got)
		}
	})
}

func TestEncodeSegment(t *testing.T) {
	if got := EncodeSegment("img/cat pic.png"); got != "img%2Fcat%20pic.png" {
		t.Errorf("Unexpected result: %s", got)
	}
}
