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
	"errors"
	"net/http"

	"github.com/google/uuid"
	"gitlab.com/flimzy/httpe"
)

type bulkResult struct {
	OK     bool   `json:"ok,omitempty"`
	ID     string `json:"id"`
	Rev    string `json:"rev,omitempty"`
	Error  string `json:"error,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// WithReversedBulkResults makes _bulk_docs return its results in reverse
// order, which CouchDB does not promise not to do.
func WithReversedBulkResults() Option {
	return func(s *Server) { s.reverseBulk = true }
}

func (s *Server) bulkDocs() httpe.HandlerWithError {
	return httpe.HandlerWithErrorFunc(func(w http.ResponseWriter, r *http.Request) error {
		db, err := s.database(r)
		if err != nil {
			return err
		}
		var req struct {
			Docs []map[string]interface{} `json:"docs"`
		}
		if err := bind(r, &req); err != nil {
			return err
		}
		if req.Docs == nil {
			return badRequest("POST body must include `docs` parameter.")
		}
		results := make([]bulkResult, len(req.Docs))
		db.mu.Lock()
		for i, doc := range req.Docs {
			id, _ := doc["_id"].(string)
			if id == "" {
				id = uuid.New().String()
			}
			results[i].ID = id
			rev, err := db.store(id, doc)
			if err != nil {
				ce := &couchError{}
				if !errors.As(err, &ce) {
					ce = &couchError{Err: "unknown_error", Reason: err.Error()}
				}
				results[i].Error = ce.Err
				results[i].Reason = ce.Reason
				continue
			}
			results[i].OK = true
			results[i].Rev = rev.rev
		}
		db.mu.Unlock()
		if s.reverseBulk {
			for i, j := 0, len(results)-1; i < j; i, j = i+1, j-1 {
				results[i], results[j] = results[j], results[i]
			}
		}
		return serveJSON(w, http.StatusCreated, results)
	})
}
