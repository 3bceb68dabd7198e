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

package couchtest

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"gitlab.com/flimzy/testy"
)

type response struct {
	status int
	body   map[string]interface{}
	raw    string
}

func do(t *testing.T, s http.Handler, method, path, body string) response {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	res := response{status: rec.Code, raw: rec.Body.String()}
	_ = json.Unmarshal(rec.Body.Bytes(), &res.body)
	return res
}

func TestServer_documents(t *testing.T) {
	s := New()
	if r := do(t, s, http.MethodPut, "/db", ""); r.status != http.StatusCreated {
		t.Fatalf("create db: %d %s", r.status, r.raw)
	}
	if r := do(t, s, http.MethodGet, "/missing/foo", ""); r.status != http.StatusNotFound || r.body["reason"] != "Database does not exist." {
		t.Errorf("missing db: %d %s", r.status, r.raw)
	}
	if r := do(t, s, http.MethodGet, "/db/foo", ""); r.status != http.StatusNotFound || r.body["reason"] != "missing" {
		t.Errorf("missing doc: %d %s", r.status, r.raw)
	}
	r := do(t, s, http.MethodPut, "/db/foo", `{"a":1}`)
	if r.status != http.StatusCreated {
		t.Fatalf("put: %d %s", r.status, r.raw)
	}
	rev1, _ := r.body["rev"].(string)
	if !strings.HasPrefix(rev1, "1-") {
		t.Errorf("unexpected rev %q", rev1)
	}
	if r := do(t, s, http.MethodPut, "/db/foo", `{"a":2}`); r.status != http.StatusConflict || r.body["error"] != "conflict" {
		t.Errorf("conflict: %d %s", r.status, r.raw)
	}
	r = do(t, s, http.MethodPut, "/db/foo", `{"_rev":"`+rev1+`","a":2}`)
	rev2, _ := r.body["rev"].(string)
	if !strings.HasPrefix(rev2, "2-") {
		t.Fatalf("update: %d %s", r.status, r.raw)
	}
	r = do(t, s, http.MethodGet, "/db/foo", "")
	if r.body["_rev"] != rev2 || r.body["a"] != float64(2) {
		t.Errorf("get: %s", r.raw)
	}
	if r := do(t, s, http.MethodDelete, "/db/foo?rev="+rev2, ""); r.status != http.StatusOK {
		t.Errorf("delete: %d %s", r.status, r.raw)
	}
	if r := do(t, s, http.MethodGet, "/db/foo", ""); r.body["reason"] != "deleted" {
		t.Errorf("deleted doc: %d %s", r.status, r.raw)
	}
}

func TestServer_bulkDocs(t *testing.T) {
	s := New(WithReversedBulkResults())
	s.CreateDB("db")
	r := do(t, s, http.MethodPost, "/db/_bulk_docs", `{"docs":[{"_id":"a"},{"_id":"b"},{"_id":"a"}]}`)
	if r.status != http.StatusCreated {
		t.Fatalf("bulk: %d %s", r.status, r.raw)
	}
	var results []bulkResult
	if err := json.Unmarshal([]byte(r.raw), &results); err != nil {
		t.Fatal(err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].ID != "a" || results[0].Error != "conflict" {
		t.Errorf("expected the reversed duplicate to conflict, got %+v", results[0])
	}
	if results[2].ID != "a" || results[2].Rev == "" {
		t.Errorf("expected the first write to succeed, got %+v", results[2])
	}
}

func TestServer_changesNormal(t *testing.T) {
	s := New()
	s.CreateDB("db")
	for _, id := range []string{"a", "b", "c"} {
		do(t, s, http.MethodPut, "/db/"+id, `{}`)
	}
	r := do(t, s, http.MethodGet, "/db/_changes", "")
	results, _ := r.body["results"].([]interface{})
	if len(results) != 3 {
		t.Fatalf("expected 3 changes: %s", r.raw)
	}
	first, _ := results[0].(map[string]interface{})
	r = do(t, s, http.MethodGet, "/db/_changes?since="+first["seq"].(string), "")
	results, _ = r.body["results"].([]interface{})
	if len(results) != 2 {
		t.Errorf("expected 2 changes after the first: %s", r.raw)
	}
	r = do(t, s, http.MethodPost, "/db/_changes?filter=_doc_ids", `{"doc_ids":["c"]}`)
	results, _ = r.body["results"].([]interface{})
	if len(results) != 1 {
		t.Errorf("expected 1 filtered change: %s", r.raw)
	}
}

func TestServer_views(t *testing.T) {
	byType := &View{
		Map: func(doc map[string]interface{}, emit Emit) {
			emit(doc["type"], 1)
		},
		Reduce: Count,
	}
	s := New(WithView("app", "by_type", byType))
	s.CreateDB("db")
	for i, typ := range []string{"b", "a", "b", "c"} {
		do(t, s, http.MethodPut, "/db/doc"+string(rune('0'+i)), `{"type":"`+typ+`"}`)
	}
	type tt struct {
		path string
		want string
	}
	tests := testy.NewTable()
	tests.Add("reduced", tt{
		path: "/db/_design/app/_view/by_type",
		want: `{"rows":[{"key":null,"value":4}]}`,
	})
	tests.Add("grouped", tt{
		path: "/db/_design/app/_view/by_type?group=true",
		want: `{"rows":[{"key":"a","value":1},{"key":"b","value":2},{"key":"c","value":1}]}`,
	})
	tests.Add("map with limit", tt{
		path: "/db/_design/app/_view/by_type?reduce=false&limit=2&skip=1",
		want: `{"total_rows":4,"offset":1,"rows":[{"id":"doc0","key":"b","value":1},{"id":"doc2","key":"b","value":1}]}`,
	})
	tests.Add("key range", tt{
		path: `/db/_design/app/_view/by_type?reduce=false&startkey=%22b%22&endkey=%22c%22&inclusive_end=false`,
		want: `{"total_rows":4,"offset":1,"rows":[{"id":"doc0","key":"b","value":1},{"id":"doc2","key":"b","value":1}]}`,
	})
	tests.Add("all docs", tt{
		path: "/db/_all_docs?limit=1",
		want: `{"total_rows":4,"offset":0,"rows":[{"id":"doc0","key":"doc0","value":{"rev":"` + "REV" + `"}}]}`,
	})

	tests.Run(t, func(t *testing.T, tt tt) {
		r := do(t, s, http.MethodGet, tt.path, "")
		want := tt.want
		if strings.Contains(want, "REV") {
			doc := do(t, s, http.MethodGet, "/db/doc0", "")
			want = strings.Replace(want, "REV", doc.body["_rev"].(string), 1)
		}
		if d := testy.DiffAsJSON([]byte(want), []byte(r.raw)); d != nil {
			t.Error(d)
		}
	})
}

func TestServer_attachments(t *testing.T) {
	s := New()
	s.CreateDB("db")
	r := do(t, s, http.MethodPut, "/db/doc/file.txt", "hello")
	if r.status != http.StatusCreated {
		t.Fatalf("put attachment: %d %s", r.status, r.raw)
	}
	r = do(t, s, http.MethodGet, "/db/doc/file.txt", "")
	if r.raw != "hello" {
		t.Errorf("unexpected content %q", r.raw)
	}
	r = do(t, s, http.MethodGet, "/db/doc/other.txt", "")
	if r.status != http.StatusNotFound {
		t.Errorf("missing attachment: %d %s", r.status, r.raw)
	}
	r = do(t, s, http.MethodGet, "/db/doc", "")
	atts, _ := r.body["_attachments"].(map[string]interface{})
	if stub, _ := atts["file.txt"].(map[string]interface{}); stub["stub"] != true || stub["length"] != float64(5) {
		t.Errorf("unexpected stub: %s", r.raw)
	}
}

func TestServer_scheduler(t *testing.T) {
	s := New()
	do(t, s, http.MethodPut, "/_replicator/job1", `{"source":{"url":"http://u:p@example.com/a"},"target":{"url":"http://example.com/b"},"continuous":true}`)
	r := do(t, s, http.MethodGet, "/_scheduler/docs/_replicator/job1", "")
	if r.body["state"] != "running" || r.body["source"] != "http://example.com/a" {
		t.Errorf("unexpected status: %s", r.raw)
	}
	r = do(t, s, http.MethodGet, "/_scheduler/jobs", "")
	if jobs, _ := r.body["jobs"].([]interface{}); len(jobs) != 1 {
		t.Errorf("unexpected jobs: %s", r.raw)
	}
}
