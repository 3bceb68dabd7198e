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
	"encoding/base64"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"gitlab.com/flimzy/httpe"

	"github.com/go-kivik/couchstream/internal/collate"
)

const (
	defaultFindLimit = 25
	noIndexWarning   = "No matching index found, create an index to optimize query time."
)

type findRequest struct {
	Selector map[string]interface{} `json:"selector"`
	Fields   []string               `json:"fields"`
	Sort     []interface{}          `json:"sort"`
	Limit    *int                   `json:"limit"`
	Skip     int                    `json:"skip"`
	Bookmark string                 `json:"bookmark"`
}

// findResponse keeps the order CouchDB writes the fields in.
type findResponse struct {
	Docs     []map[string]interface{} `json:"docs"`
	Bookmark string                   `json:"bookmark"`
	Warning  string                   `json:"warning,omitempty"`
}

type sortField struct {
	path []string
	desc bool
}

func parseSort(spec []interface{}) ([]sortField, error) {
	fields := make([]sortField, 0, len(spec))
	for _, item := range spec {
		switch t := item.(type) {
		case string:
			fields = append(fields, sortField{path: splitField(t)})
		case map[string]interface{}:
			if len(t) != 1 {
				return nil, badRequest("invalid sort field")
			}
			for name, dir := range t {
				switch dir {
				case "asc", "desc":
				default:
					return nil, badRequest("invalid sort direction")
				}
				fields = append(fields, sortField{path: splitField(name), desc: dir == "desc"})
			}
		default:
			return nil, badRequest("invalid sort field")
		}
	}
	return fields, nil
}

func lookup(doc map[string]interface{}, path []string) interface{} {
	var v interface{} = doc
	for _, key := range path {
		m, ok := v.(map[string]interface{})
		if !ok {
			return nil
		}
		v = m[key]
	}
	return v
}

// project keeps only the named top-level fields of doc.
func project(doc map[string]interface{}, fields []string) map[string]interface{} {
	if len(fields) == 0 {
		return doc
	}
	out := make(map[string]interface{}, len(fields))
	for _, f := range fields {
		path := splitField(f)
		if v, ok := doc[path[0]]; ok {
			out[path[0]] = v
		}
	}
	return out
}

func encodeBookmark(offset int) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.Itoa(offset)))
}

func decodeBookmark(bookmark string) (int, error) {
	if bookmark == "" || bookmark == "nil" {
		return 0, nil
	}
	b, err := base64.RawURLEncoding.DecodeString(bookmark)
	if err != nil {
		return 0, badRequest("invalid bookmark")
	}
	n, err := strconv.Atoi(string(b))
	if err != nil || n < 0 {
		return 0, badRequest("invalid bookmark")
	}
	return n, nil
}

func (s *Server) find() httpe.HandlerWithError {
	return httpe.HandlerWithErrorFunc(func(w http.ResponseWriter, r *http.Request) error {
		db, err := s.database(r)
		if err != nil {
			return err
		}
		var req findRequest
		if err := bind(r, &req); err != nil {
			return err
		}
		if req.Selector == nil {
			return badRequest("selector is required")
		}
		sel, err := parseSelector(req.Selector)
		if err != nil {
			return err
		}
		order, err := parseSort(req.Sort)
		if err != nil {
			return err
		}
		offset, err := decodeBookmark(req.Bookmark)
		if err != nil {
			return err
		}
		limit := defaultFindLimit
		if req.Limit != nil {
			limit = *req.Limit
		}

		db.mu.RLock()
		var matched []map[string]interface{}
		for _, doc := range db.live() {
			if strings.HasPrefix(doc.id, "_design/") {
				continue
			}
			couchDoc := doc.latest().couchDoc(doc.id)
			if sel.match(couchDoc) {
				matched = append(matched, couchDoc)
			}
		}
		db.mu.RUnlock()

		sort.SliceStable(matched, func(i, j int) bool {
			for _, f := range order {
				c := collate.Compare(lookup(matched[i], f.path), lookup(matched[j], f.path))
				if f.desc {
					c = -c
				}
				if c != 0 {
					return c < 0
				}
			}
			return false
		})

		start := offset + req.Skip
		if start > len(matched) {
			start = len(matched)
		}
		end := len(matched)
		if limit >= 0 && start+limit < end {
			end = start + limit
		}
		resp := findResponse{
			Docs:     make([]map[string]interface{}, 0, end-start),
			Bookmark: encodeBookmark(end),
			Warning:  noIndexWarning,
		}
		for _, doc := range matched[start:end] {
			resp.Docs = append(resp.Docs, project(doc, req.Fields))
		}
		return serveJSON(w, http.StatusOK, resp)
	})
}
