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
	"net/http"
	"sort"
	"strings"

	"gitlab.com/flimzy/httpe"

	"github.com/go-kivik/couchstream/internal/collate"
)

// Emit adds a row to a view index.
type Emit func(key, value interface{})

// MapFunc is a view map function. doc is the document in its CouchDB form.
type MapFunc func(doc map[string]interface{}, emit Emit)

// ReduceFunc is a view reduce function.
type ReduceFunc func(keys, values []interface{}, rereduce bool) interface{}

// View is a view defined in Go.
type View struct {
	Map    MapFunc
	Reduce ReduceFunc
}

// Count is the equivalent of the _count built-in reduce function.
func Count(_, values []interface{}, rereduce bool) interface{} {
	if !rereduce {
		return float64(len(values))
	}
	return Sum(nil, values, false)
}

// Sum is the equivalent of the _sum built-in reduce function, for numeric
// values.
func Sum(_, values []interface{}, _ bool) interface{} {
	var sum float64
	for _, v := range values {
		if f, ok := v.(float64); ok {
			sum += f
		}
	}
	return sum
}

type viewQuery struct {
	Limit        int    `form:"limit"`
	Skip         int    `form:"skip"`
	StartKey     string `form:"startkey"`
	EndKey       string `form:"endkey"`
	Key          string `form:"key"`
	Keys         string `form:"keys"`
	IncludeDocs  bool   `form:"include_docs"`
	Descending   bool   `form:"descending"`
	Reduce       string `form:"reduce"`
	Group        bool   `form:"group"`
	GroupLevel   int    `form:"group_level"`
	InclusiveEnd string `form:"inclusive_end"`
	UpdateSeq    bool   `form:"update_seq"`

	startKey, endKey, key interface{}
	hasStart, hasEnd      bool
	hasKey                bool
	keys                  []interface{}
	hasKeys               bool
}

func decodeKey(raw string) (interface{}, error) {
	var v interface{}
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, badRequest("invalid JSON key: " + raw)
	}
	return v, nil
}

func (s *Server) viewQuery(r *http.Request) (*viewQuery, error) {
	q := &viewQuery{}
	if err := s.query(r, q); err != nil {
		return nil, err
	}
	var err error
	if q.StartKey != "" {
		if q.startKey, err = decodeKey(q.StartKey); err != nil {
			return nil, err
		}
		q.hasStart = true
	}
	if q.EndKey != "" {
		if q.endKey, err = decodeKey(q.EndKey); err != nil {
			return nil, err
		}
		q.hasEnd = true
	}
	if q.Key != "" {
		if q.key, err = decodeKey(q.Key); err != nil {
			return nil, err
		}
		q.hasKey = true
	}
	if q.Keys != "" {
		if err := json.Unmarshal([]byte(q.Keys), &q.keys); err != nil {
			return nil, badRequest("invalid keys")
		}
		q.hasKeys = true
	}
	if r.Method == http.MethodPost {
		var body struct {
			Keys []interface{} `json:"keys"`
		}
		if err := bind(r, &body); err != nil {
			return nil, err
		}
		if body.Keys != nil {
			q.keys, q.hasKeys = body.Keys, true
		}
	}
	if q.hasKeys && (q.hasStart || q.hasEnd || q.hasKey) {
		return nil, badRequest("`keys` is incompatible with `key`, `start_key` and `end_key`")
	}
	if q.Limit < 0 || q.Skip < 0 {
		return nil, badRequest("limit and skip must be positive integers")
	}
	return q, nil
}

type indexRow struct {
	id    string
	key   interface{}
	value interface{}
	doc   map[string]interface{}
}

type viewRow struct {
	ID    string                 `json:"id,omitempty"`
	Key   interface{}            `json:"key"`
	Value interface{}            `json:"value"`
	Doc   map[string]interface{} `json:"doc,omitempty"`
	Error string                 `json:"error,omitempty"`
}

type viewResult struct {
	TotalRows *int      `json:"total_rows,omitempty"`
	Offset    *int      `json:"offset,omitempty"`
	UpdateSeq string    `json:"update_seq,omitempty"`
	Rows      []viewRow `json:"rows"`
}

// normalize converts v to the form encoding/json decodes it to, so that
// collation sees only JSON types.
func normalize(v interface{}) interface{} {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out interface{}
	_ = json.Unmarshal(b, &out)
	return out
}

func compareRows(a, b indexRow) int {
	if c := collate.Compare(a.key, b.key); c != 0 {
		return c
	}
	return collate.Strings(a.id, b.id)
}

// index runs the map function over every live document. db.mu must be held.
func (v *View) index(db *database) []indexRow {
	var rows []indexRow
	for _, doc := range db.live() {
		if strings.HasPrefix(doc.id, "_design/") || strings.HasPrefix(doc.id, "_local/") {
			continue
		}
		couchDoc := doc.latest().couchDoc(doc.id)
		v.Map(couchDoc, func(key, value interface{}) {
			rows = append(rows, indexRow{
				id:    doc.id,
				key:   normalize(key),
				value: normalize(value),
				doc:   couchDoc,
			})
		})
	}
	sort.SliceStable(rows, func(i, j int) bool { return compareRows(rows[i], rows[j]) < 0 })
	return rows
}

// selectRows applies keys, key ranges and direction to rows, returning the
// selected rows and the number of rows preceding the first of them.
func (q *viewQuery) selectRows(rows []indexRow) ([]indexRow, int) {
	if q.Descending {
		reversed := make([]indexRow, len(rows))
		for i, row := range rows {
			reversed[len(rows)-1-i] = row
		}
		rows = reversed
	}
	if q.hasKeys {
		var out []indexRow
		for _, key := range q.keys {
			key = normalize(key)
			for _, row := range rows {
				if collate.Compare(row.key, key) == 0 {
					out = append(out, row)
				}
			}
		}
		return out, 0
	}
	dir := 1
	if q.Descending {
		dir = -1
	}
	inclusiveEnd := q.InclusiveEnd != "false"
	var out []indexRow
	offset := 0
	for _, row := range rows {
		if q.hasKey && collate.Compare(row.key, q.key) != 0 {
			if len(out) == 0 {
				offset++
			}
			continue
		}
		if q.hasStart && dir*collate.Compare(row.key, q.startKey) < 0 {
			offset++
			continue
		}
		if q.hasEnd {
			c := dir * collate.Compare(row.key, q.endKey)
			if c > 0 || (c == 0 && !inclusiveEnd) {
				break
			}
		}
		out = append(out, row)
	}
	return out, offset
}

func (q *viewQuery) page(rows []viewRow) []viewRow {
	if q.Skip >= len(rows) {
		return []viewRow{}
	}
	rows = rows[q.Skip:]
	if q.Limit > 0 && q.Limit < len(rows) {
		rows = rows[:q.Limit]
	}
	return rows
}

func groupKey(key interface{}, q *viewQuery) interface{} {
	if q.GroupLevel > 0 {
		if arr, ok := key.([]interface{}); ok && len(arr) > q.GroupLevel {
			return arr[:q.GroupLevel]
		}
		return key
	}
	if q.Group {
		return key
	}
	return nil
}

func (q *viewQuery) reduce(fn ReduceFunc, rows []indexRow) []viewRow {
	var out []viewRow
	var keys, values []interface{}
	var current interface{}
	flush := func() {
		if len(values) > 0 {
			out = append(out, viewRow{Key: current, Value: normalize(fn(keys, values, false))})
		}
		keys, values = nil, nil
	}
	for _, row := range rows {
		gk := groupKey(row.key, q)
		if len(values) > 0 && collate.Compare(gk, current) != 0 {
			flush()
		}
		current = gk
		keys = append(keys, []interface{}{row.key, row.id})
		values = append(values, row.value)
	}
	flush()
	if out == nil {
		out = []viewRow{}
	}
	return out
}

func (s *Server) queryView() httpe.HandlerWithError {
	return httpe.HandlerWithErrorFunc(func(w http.ResponseWriter, r *http.Request) error {
		db, err := s.database(r)
		if err != nil {
			return err
		}
		view, ok := s.views[param(r, "ddoc")+"/"+param(r, "view")]
		if !ok {
			return &couchError{status: http.StatusNotFound, Err: "not_found", Reason: "missing_named_view"}
		}
		q, err := s.viewQuery(r)
		if err != nil {
			return err
		}
		reduce := view.Reduce != nil && q.Reduce != "false"
		if reduce && q.IncludeDocs {
			return &couchError{status: http.StatusBadRequest, Err: "query_parse_error", Reason: "`include_docs` is invalid for reduce"}
		}
		if !reduce && (q.Group || q.GroupLevel > 0) {
			return &couchError{status: http.StatusBadRequest, Err: "query_parse_error", Reason: "Invalid use of grouping on a map view."}
		}
		db.mu.RLock()
		index := view.index(db)
		updateSeq := db.seq
		db.mu.RUnlock()
		selected, offset := q.selectRows(index)
		result := viewResult{}
		if reduce {
			result.Rows = q.page(q.reduce(view.Reduce, selected))
		} else {
			rows := make([]viewRow, len(selected))
			for i, row := range selected {
				rows[i] = viewRow{ID: row.id, Key: row.key, Value: row.value}
				if q.IncludeDocs {
					rows[i].Doc = row.doc
				}
			}
			total := len(index)
			offset += q.Skip
			if offset > total {
				offset = total
			}
			result.TotalRows, result.Offset = &total, &offset
			result.Rows = q.page(rows)
		}
		if q.UpdateSeq {
			result.UpdateSeq = updateSeq
		}
		return serveJSON(w, http.StatusOK, result)
	})
}

func (s *Server) allDocs() httpe.HandlerWithError {
	return httpe.HandlerWithErrorFunc(func(w http.ResponseWriter, r *http.Request) error {
		db, err := s.database(r)
		if err != nil {
			return err
		}
		q, err := s.viewQuery(r)
		if err != nil {
			return err
		}
		db.mu.RLock()
		live := db.live()
		index := make([]indexRow, len(live))
		for i, doc := range live {
			rev := doc.latest()
			index[i] = indexRow{
				id:    doc.id,
				key:   doc.id,
				value: map[string]interface{}{"rev": rev.rev},
				doc:   rev.couchDoc(doc.id),
			}
		}
		updateSeq := db.seq
		db.mu.RUnlock()

		var rows []viewRow
		offset := 0
		if q.hasKeys {
			byID := make(map[string]indexRow, len(index))
			for _, row := range index {
				byID[row.id] = row
			}
			for _, key := range q.keys {
				id, _ := key.(string)
				row, ok := byID[id]
				if !ok {
					rows = append(rows, viewRow{Key: key, Error: "not_found"})
					continue
				}
				rows = append(rows, allDocsRow(row, q.IncludeDocs))
			}
		} else {
			var selected []indexRow
			selected, offset = q.selectRows(index)
			for _, row := range selected {
				rows = append(rows, allDocsRow(row, q.IncludeDocs))
			}
		}
		total := len(index)
		offset += q.Skip
		if offset > total {
			offset = total
		}
		result := viewResult{TotalRows: &total, Offset: &offset, Rows: q.page(rows)}
		if q.UpdateSeq {
			result.UpdateSeq = updateSeq
		}
		return serveJSON(w, http.StatusOK, result)
	})
}

func allDocsRow(row indexRow, includeDocs bool) viewRow {
	vr := viewRow{ID: row.id, Key: row.id, Value: row.value}
	if includeDocs {
		vr.Doc = row.doc
	}
	return vr
}
