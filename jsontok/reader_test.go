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

package jsontok

import (
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"gitlab.com/flimzy/testy"
)

func TestReader_Value(t *testing.T) {
	r := NewReaderSize(iotest.OneByteReader(strings.NewReader(sampleView)), 1)
	var rows []string
	for {
		ev, err := r.Next()
		if err != nil {
			t.Fatal(err)
		}
		if ev.Kind == FieldName && ev.Value == "rows" {
			break
		}
	}
	if ev, _ := r.Next(); ev.Kind != StartArray {
		t.Fatalf("expected array, got %s", ev.Kind)
	}
	for {
		ev, err := r.Next()
		if err != nil {
			t.Fatal(err)
		}
		if ev.Kind == EndArray {
			break
		}
		raw, err := r.Value(ev)
		if err != nil {
			t.Fatal(err)
		}
		rows = append(rows, string(raw))
	}
	want := []string{
		`{"id":"a","key":["a",1],"value":{"rev":"1-abc"}}`,
		`{"id":"b","key":"bé\"q","value":-12.5e+3}`,
		`{"id":"c","key":null,"value":[true,false,null,{}]}`,
	}
	if d := testy.DiffInterface(want, rows); d != nil {
		t.Error(d)
	}
	if ev, _ := r.Next(); ev.Kind != EndObject {
		t.Errorf("expected end of object, got %s", ev.Kind)
	}
	if _, err := r.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("expected EOF, got %v", err)
	}
}

func TestReader_NextValue_ndjson(t *testing.T) {
	input := "{\"seq\":1}\n\n\n{\"seq\":2}\n[]\n"
	r := NewReader(strings.NewReader(input))
	var got []string
	for {
		raw, err := r.NextValue()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, string(raw))
	}
	want := []string{`{"seq":1}`, `{"seq":2}`, `[]`}
	if d := testy.DiffInterface(want, got); d != nil {
		t.Error(d)
	}
}

func TestReader_Skip(t *testing.T) {
	r := NewReader(strings.NewReader(`{"skip":{"a":[1,{"b":2}]},"keep":3}`))
	_, _ = r.Next() // {
	_, _ = r.Next() // skip
	ev, _ := r.Next()
	if err := r.Skip(ev); err != nil {
		t.Fatal(err)
	}
	ev, _ = r.Next()
	if ev.Kind != FieldName || ev.Value != "keep" {
		t.Errorf("unexpected event after skip: %+v", ev)
	}
	if r.Depth() != 1 {
		t.Errorf("unexpected depth %d", r.Depth())
	}
}

func TestReader_readError(t *testing.T) {
	r := NewReader(io.MultiReader(strings.NewReader(`{"a":`), testy.ErrorReader("", errors.New("connection reset"))))
	var err error
	for err == nil {
		_, err = r.Next()
	}
	if !testy.ErrorMatches("connection reset", err) {
		t.Errorf("Unexpected error: %v", err)
	}
	var synErr *SyntaxError
	if errors.As(err, &synErr) {
		t.Error("read errors must not be reported as syntax errors")
	}
}

func TestReader_truncatedValue(t *testing.T) {
	r := NewReader(strings.NewReader(`{"a":[1,2`))
	ev, _ := r.Next()
	_, err := r.Value(ev)
	if !testy.ErrorMatches("jsontok: unexpected end of input at offset 9", err) {
		t.Errorf("Unexpected error: %v", err)
	}
}

func TestReader_longStringSmallChunks(t *testing.T) {
	long := strings.Repeat("a", 1<<20)
	r := NewReaderSize(strings.NewReader(`{"s":"`+long+`"}`), 64)
	raw, err := r.NextValue()
	if err != nil {
		t.Fatal(err)
	}
	if want := len(long) + 8; len(raw) != want {
		t.Errorf("value is %d bytes, want %d", len(raw), want)
	}
}
