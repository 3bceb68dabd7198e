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

package couchstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gitlab.com/flimzy/testy"

	"github.com/go-kivik/couchstream/internal/couchtest"
)

var (
	byN = &couchtest.View{
		Map: func(doc map[string]interface{}, emit couchtest.Emit) {
			if n, ok := doc["n"].(float64); ok {
				emit(n, nil)
			}
		},
	}
	sumByParity = &couchtest.View{
		Map: func(doc map[string]interface{}, emit couchtest.Emit) {
			if n, ok := doc["n"].(float64); ok {
				emit(int(n)%2, n)
			}
		},
		Reduce: couchtest.Sum,
	}
)

// newViewDB returns a database holding n1..n5, with the views by_n and
// sum_by_parity in the design document "nums".
func newViewDB(t *testing.T) *DB {
	t.Helper()
	_, db := newTestDB(t, []couchtest.Option{
		couchtest.WithView("nums", "by_n", byN),
		couchtest.WithView("nums", "sum_by_parity", sumByParity),
	})
	for i := 1; i <= 5; i++ {
		mustCreate(t, db, fmt.Sprintf("n%d", i), fmt.Sprintf(`{"n":%d}`, i))
	}
	return db
}

func collectEvents(t *testing.T, ev *ViewEvents) ([]ViewEvent, error) {
	t.Helper()
	defer ev.Close() // nolint:errcheck
	var events []ViewEvent
	for ev.Next() {
		e, err := ev.Event()
		if err != nil {
			t.Fatal(err)
		}
		events = append(events, e)
	}
	return events, ev.Err()
}

func countKinds(events []ViewEvent) (rows, meta int) {
	for _, e := range events {
		switch e.Kind {
		case ViewEventRow:
			rows++
		case ViewEventMetadata:
			meta++
		}
	}
	return rows, meta
}

func TestDB_QueryView_limit(t *testing.T) {
	db := newViewDB(t)
	for _, limit := range []int{0, 1, 3, 5, 10} {
		t.Run(fmt.Sprint(limit), func(t *testing.T) {
			events, err := collectEvents(t, db.QueryView(context.Background(), ViewQuery{
				DesignDoc: "nums",
				View:      "by_n",
				Limit:     limit,
			}))
			if err != nil {
				t.Fatal(err)
			}
			want := limit
			if limit == 0 || limit > 5 {
				want = 5
			}
			rows, meta := countKinds(events)
			if rows != want {
				t.Errorf("got %d rows, want %d", rows, want)
			}
			if meta != 1 {
				t.Errorf("got %d metadata events, want 1", meta)
			}
			if events[0].Kind != ViewEventMetadata {
				t.Errorf("metadata preceding rows was delivered as %s", events[0].Kind)
			}
			if events[0].Metadata.TotalRows != 5 {
				t.Errorf("Unexpected total rows: %d", events[0].Metadata.TotalRows)
			}
		})
	}
}

func TestDB_QueryView_ordering(t *testing.T) {
	db := newViewDB(t)
	rows := db.QueryViewIncludeDocs(context.Background(), ViewQuery{
		DesignDoc:  "_design/nums",
		View:       "by_n",
		Descending: true,
		Skip:       1,
		Limit:      2,
	})
	defer rows.Close() // nolint:errcheck
	var ids []string
	for rows.Next() {
		id, err := rows.ID()
		if err != nil {
			t.Fatal(err)
		}
		var doc struct {
			N int `json:"n"`
		}
		if err := rows.ScanDoc(&doc); err != nil {
			t.Fatal(err)
		}
		if want := fmt.Sprintf("n%d", doc.N); want != id {
			t.Errorf("doc %s returned with row %s", want, id)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		t.Fatal(err)
	}
	if d := cmp.Diff([]string{"n4", "n3"}, ids); d != "" {
		t.Error(d)
	}
	meta, ok := rows.Metadata()
	if !ok {
		t.Fatal("metadata not observed")
	}
	if d := cmp.Diff(ViewMetadata{TotalRows: 5, Offset: 1}, meta); d != "" {
		t.Error(d)
	}
}

func TestDB_QueryView_keyRange(t *testing.T) {
	db := newViewDB(t)
	rows := db.QueryViewIncludeDocs(context.Background(), ViewQuery{
		DesignDoc: "nums",
		View:      "by_n",
		StartKey:  2,
		EndKey:    4,
	})
	defer rows.Close() // nolint:errcheck
	var keys []int
	for rows.Next() {
		var key int
		if err := rows.ScanKey(&key); err != nil {
			t.Fatal(err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		t.Fatal(err)
	}
	if d := cmp.Diff([]int{2, 3, 4}, keys); d != "" {
		t.Error(d)
	}
}

func TestDB_QueryView_reduce(t *testing.T) {
	db := newViewDB(t)
	events, err := collectEvents(t, db.QueryView(context.Background(), ViewQuery{
		DesignDoc: "nums",
		View:      "sum_by_parity",
		Group:     true,
	}))
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	if events[2].Kind != ViewEventMetadata {
		t.Errorf("metadata missing from the end of a reduced result")
	}
	got := map[string]string{}
	for _, e := range events[:2] {
		got[string(e.Row.Key)] = string(e.Row.Value)
	}
	if d := cmp.Diff(map[string]string{"0": "6", "1": "9"}, got); d != "" {
		t.Error(d)
	}
}

func TestDB_QueryView_updateSeq(t *testing.T) {
	db := newViewDB(t)
	events, err := collectEvents(t, db.QueryView(context.Background(), ViewQuery{
		DesignDoc: "nums",
		View:      "by_n",
		UpdateSeq: true,
		Limit:     1,
	}))
	if err != nil {
		t.Fatal(err)
	}
	if events[0].Kind != ViewEventMetadata || events[0].Metadata.UpdateSeq == "" {
		t.Errorf("Unexpected first event: %+v", events[0])
	}
}

func TestDB_QueryView_responses(t *testing.T) {
	type tt struct {
		status int
		body   string
		events []ViewEvent
		kind   ErrorKind
	}
	row := func(id string) ViewEvent {
		return ViewEvent{Kind: ViewEventRow, Row: &ViewRow{ID: id, Key: json.RawMessage(`"` + id + `"`), Value: json.RawMessage(`null`)}}
	}
	meta := func(total, offset int64) ViewEvent {
		return ViewEvent{Kind: ViewEventMetadata, Metadata: &ViewMetadata{TotalRows: total, Offset: offset}}
	}
	tests := testy.NewTable()
	tests.Add("metadata first", tt{
		status: http.StatusOK,
		body:   `{"total_rows":2,"offset":0,"rows":[{"id":"a","key":"a","value":null},{"id":"b","key":"b","value":null}]}`,
		events: []ViewEvent{meta(2, 0), row("a"), row("b")},
	})
	tests.Add("metadata last", tt{
		status: http.StatusOK,
		body:   `{"rows":[{"id":"a","key":"a","value":null}],"total_rows":7,"offset":3}`,
		events: []ViewEvent{row("a"), meta(7, 3)},
	})
	tests.Add("no metadata", tt{
		status: http.StatusOK,
		body:   `{"rows":[]}`,
		events: []ViewEvent{meta(0, 0)},
	})
	tests.Add("unknown fields ignored", tt{
		status: http.StatusOK,
		body:   `{"total_rows":1,"extra":{"x":[1,2]},"rows":[{"id":"a","key":"a","value":null}]}`,
		events: []ViewEvent{meta(1, 0), row("a")},
	})
	tests.Add("error in body", tt{
		status: http.StatusOK,
		body:   `{"total_rows":1,"rows":[{"id":"a","key":"a","value":null}],"error":"timeout","reason":"too slow"}`,
		events: []ViewEvent{meta(1, 0), row("a")},
		kind:   KindRemote,
	})
	tests.Add("not found", tt{
		status: http.StatusNotFound,
		body:   `{"error":"not_found","reason":"missing_named_view"}`,
		kind:   KindNotFound,
	})
	tests.Add("server error", tt{
		status: http.StatusInternalServerError,
		body:   `{"error":"os_process_error","reason":"crash"}`,
		kind:   KindRemote,
	})
	tests.Add("not an object", tt{
		status: http.StatusOK,
		body:   `[1,2,3]`,
		kind:   KindMalformed,
	})
	tests.Add("invalid json", tt{
		status: http.StatusOK,
		body:   `{"total_rows":1,"rows":[}`,
		events: []ViewEvent{meta(1, 0)},
		kind:   KindMalformed,
	})
	tests.Add("metadata on both sides of rows", tt{
		status: http.StatusOK,
		body:   `{"total_rows":3,"rows":[{"id":"a","key":"a","value":null}],"offset":1}`,
		events: []ViewEvent{meta(3, 0), row("a")},
		kind:   KindMalformed,
	})
	tests.Add("rows not an array", tt{
		status: http.StatusOK,
		body:   `{"rows":{}}`,
		kind:   KindMalformed,
	})
	tests.Run(t, func(t *testing.T, tt tt) {
		c, _ := newMockClient(t, canned(tt.status, tt.body))
		events, err := collectEvents(t, c.DB("db").QueryView(context.Background(), ViewQuery{DesignDoc: "d", View: "v"}))
		if kind := KindOf(err); kind != tt.kind {
			t.Errorf("Unexpected error kind %s: %v", kind, err)
		}
		if d := cmp.Diff(tt.events, events); d != "" {
			t.Error(d)
		}
	})
}

func TestViewRows_Metadata_whileIterating(t *testing.T) {
	c, _ := newMockClient(t, canned(http.StatusOK, `{"total_rows":2,"offset":0,"rows":[{"id":"a","key":"a","value":null},{"id":"b","key":"b","value":null}]}`))
	rows := c.DB("db").AllDocs(context.Background(), ViewQuery{})
	done := make(chan struct{})
	polled := make(chan struct{})
	go func() {
		defer close(polled)
		for {
			select {
			case <-done:
				return
			default:
				_, _ = rows.Metadata()
			}
		}
	}()
	n := 0
	for rows.Next() {
		n++
	}
	close(done)
	<-polled
	if err := rows.Err(); err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("Unexpected row count: %d", n)
	}
	meta, ok := rows.Metadata()
	if !ok {
		t.Fatal("metadata not observed")
	}
	if d := cmp.Diff(ViewMetadata{TotalRows: 2}, meta); d != "" {
		t.Error(d)
	}
}

func TestDB_QueryView_invalid(t *testing.T) {
	tests := []struct {
		name string
		q    ViewQuery
	}{
		{name: "keys with range", q: ViewQuery{DesignDoc: "d", View: "v", Keys: []interface{}{"a"}, StartKey: "a"}},
		{name: "negative limit", q: ViewQuery{DesignDoc: "d", View: "v", Limit: -1}},
		{name: "view without ddoc", q: ViewQuery{View: "v"}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			c, tr := newMockClient(t, canned(http.StatusOK, `{"rows":[]}`))
			_, err := collectEvents(t, c.DB("db").QueryView(context.Background(), test.q))
			if status := HTTPStatus(err); status != http.StatusBadRequest {
				t.Errorf("Unexpected status %d: %v", status, err)
			}
			if n := len(tr.Requests()); n != 0 {
				t.Errorf("%d requests sent for an invalid query", n)
			}
		})
	}
}

func TestDB_QueryView_lazy(t *testing.T) {
	c, tr := newMockClient(t, canned(http.StatusOK, `{"rows":[]}`))
	ev := c.DB("db").QueryView(context.Background(), ViewQuery{DesignDoc: "d", View: "v"})
	if n := len(tr.Requests()); n != 0 {
		t.Errorf("%d requests sent before Next", n)
	}
	if err := ev.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestDB_QueryView_keysArePosted(t *testing.T) {
	var body []byte
	c, tr := newMockClient(t, func(req *http.Request) (*http.Response, error) {
		var err error
		body, err = requestBody(req)
		if err != nil {
			return nil, err
		}
		return respond(req, http.StatusOK, `{"rows":[]}`), nil
	})
	_, err := collectEvents(t, c.DB("db").QueryView(context.Background(), ViewQuery{
		DesignDoc: "d",
		View:      "v",
		Keys:      []interface{}{"a", 1},
	}))
	if err != nil {
		t.Fatal(err)
	}
	req := tr.Requests()[0]
	if req.Method != http.MethodPost || req.URL.Path != "/db/_design/d/_view/v" {
		t.Errorf("Unexpected request: %s %s", req.Method, req.URL.Path)
	}
	if d := testy.DiffAsJSON([]byte(`{"keys":["a",1]}`), body); d != nil {
		t.Error(d)
	}
}

func TestViewQuery_values(t *testing.T) {
	reduce := false
	q := ViewQuery{
		Limit:       10,
		StartKey:    []interface{}{"a", 1},
		EndKey:      "z" + EndKeySuffix,
		IncludeDocs: true,
		Reduce:      &reduce,
	}
	values, err := q.values()
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]string{
		"limit":        "10",
		"startkey":     `["a",1]`,
		"endkey":       `"z` + EndKeySuffix + `"`,
		"include_docs": "true",
		"reduce":       "false",
	}
	got := map[string]string{}
	for k := range values {
		got[k] = values.Get(k)
	}
	if d := cmp.Diff(want, got); d != "" {
		t.Error(d)
	}
}

func TestDB_AllDocs(t *testing.T) {
	db := newViewDB(t)
	ctx := context.Background()

	t.Run("keys", func(t *testing.T) {
		rows := db.AllDocs(ctx, ViewQuery{Keys: []interface{}{"n2", "nope"}})
		defer rows.Close() // nolint:errcheck
		var got []ViewRow
		for rows.Next() {
			row, err := rows.Row()
			if err != nil {
				t.Fatal(err)
			}
			got = append(got, row)
		}
		if err := rows.Err(); err != nil {
			t.Fatal(err)
		}
		if len(got) != 2 {
			t.Fatalf("got %d rows", len(got))
		}
		if got[0].ID != "n2" || got[1].Error != "not_found" {
			t.Errorf("Unexpected rows: %+v", got)
		}
	})
	t.Run("design doc rejected", func(t *testing.T) {
		rows := db.AllDocs(ctx, ViewQuery{DesignDoc: "nums", View: "by_n"})
		if rows.Next() {
			t.Error("Next returned true")
		}
		if status := HTTPStatus(rows.Err()); status != http.StatusBadRequest {
			t.Errorf("Unexpected error: %v", rows.Err())
		}
	})
	t.Run("scan doc without docs", func(t *testing.T) {
		rows := db.AllDocs(ctx, ViewQuery{Limit: 1})
		defer rows.Close() // nolint:errcheck
		if !rows.Next() {
			t.Fatal(rows.Err())
		}
		var v interface{}
		if err := rows.ScanDoc(&v); !testy.ErrorMatches("couchstream: doc is nil; does your query include docs?", err) {
			t.Errorf("Unexpected error: %v", err)
		}
	})
}
