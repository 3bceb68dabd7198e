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
	"time"

	"gitlab.com/flimzy/httpe"
)

// FilterFunc selects the documents reported by a filtered change feed. doc
// is the document in its CouchDB form.
type FilterFunc func(doc map[string]interface{}) bool

type changesQuery struct {
	Feed        string `form:"feed"`
	Since       string `form:"since"`
	Heartbeat   int    `form:"heartbeat"`
	IncludeDocs bool   `form:"include_docs"`
	Filter      string `form:"filter"`
	Limit       int    `form:"limit"`
}

type changeRow struct {
	Seq     string                 `json:"seq"`
	ID      string                 `json:"id"`
	Changes []map[string]string    `json:"changes"`
	Deleted bool                   `json:"deleted,omitempty"`
	Doc     map[string]interface{} `json:"doc,omitempty"`
}

type changesRequest struct {
	changesQuery
	db     *database
	filter FilterFunc
	docIDs map[string]bool
}

// collect returns the rows after seqNum, the sequence counter they bring the
// feed to, and a channel closed on the next write. db.mu must not be held.
func (c *changesRequest) collect(seqNum int64) ([]changeRow, int64, string, <-chan struct{}) {
	c.db.mu.RLock()
	defer c.db.mu.RUnlock()
	var rows []changeRow
	last := seqNum
	for _, doc := range c.db.since(seqNum) {
		rev := doc.latest()
		last = rev.seqNum
		if c.docIDs != nil && !c.docIDs[doc.id] {
			continue
		}
		couchDoc := rev.couchDoc(doc.id)
		if c.filter != nil && !c.filter(couchDoc) {
			continue
		}
		row := changeRow{
			Seq:     rev.seq,
			ID:      doc.id,
			Changes: []map[string]string{{"rev": rev.rev}},
			Deleted: rev.deleted,
		}
		if c.IncludeDocs {
			row.Doc = couchDoc
		}
		rows = append(rows, row)
	}
	return rows, last, c.db.seq, c.db.changed
}

func (s *Server) changesRequest(r *http.Request) (*changesRequest, error) {
	db, err := s.database(r)
	if err != nil {
		return nil, err
	}
	req := &changesRequest{db: db}
	if err := s.query(r, &req.changesQuery); err != nil {
		return nil, err
	}
	switch req.Filter {
	case "":
	case "_doc_ids":
		var body struct {
			DocIDs []string `json:"doc_ids"`
		}
		if r.Method == http.MethodPost {
			if err := bind(r, &body); err != nil {
				return nil, err
			}
		} else if ids := r.URL.Query().Get("doc_ids"); ids != "" {
			if err := json.Unmarshal([]byte(ids), &body.DocIDs); err != nil {
				return nil, badRequest("invalid doc_ids")
			}
		}
		req.docIDs = make(map[string]bool, len(body.DocIDs))
		for _, id := range body.DocIDs {
			req.docIDs[id] = true
		}
	default:
		fn, ok := s.filters[req.Filter]
		if !ok {
			return nil, &couchError{status: http.StatusNotFound, Err: "not_found", Reason: "missing json key: filters"}
		}
		req.filter = fn
	}
	return req, nil
}

func (s *Server) changes() httpe.HandlerWithError {
	return httpe.HandlerWithErrorFunc(func(w http.ResponseWriter, r *http.Request) error {
		req, err := s.changesRequest(r)
		if err != nil {
			return err
		}
		var since int64
		if req.Since == "now" {
			req.db.mu.RLock()
			since = req.db.seqNum
			req.db.mu.RUnlock()
		} else if since, err = seqNumber(req.Since); err != nil {
			return badRequest("Malformed sequence supplied in 'since' parameter.")
		}
		if req.Feed == "continuous" {
			return s.continuousChanges(w, r, req, since)
		}
		rows, _, lastSeq, _ := req.collect(since)
		if req.Limit > 0 && len(rows) > req.Limit {
			rows = rows[:req.Limit]
			lastSeq = rows[len(rows)-1].Seq
		}
		if rows == nil {
			rows = []changeRow{}
		}
		return serveJSON(w, http.StatusOK, map[string]interface{}{
			"results":  rows,
			"last_seq": lastSeq,
			"pending":  0,
		})
	})
}

func (s *Server) continuousChanges(w http.ResponseWriter, r *http.Request, req *changesRequest, since int64) error {
	flusher, _ := w.(http.Flusher)
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	flush()

	var heartbeat <-chan time.Time
	if req.Heartbeat > 0 && !s.noHeartbeats {
		ticker := time.NewTicker(time.Duration(req.Heartbeat) * time.Millisecond)
		defer ticker.Stop()
		heartbeat = ticker.C
	}
	enc := json.NewEncoder(w)
	sent := 0
	for {
		rows, last, _, changed := req.collect(since)
		since = last
		for _, row := range rows {
			if err := enc.Encode(row); err != nil {
				return nil
			}
			sent++
			if req.Limit > 0 && sent >= req.Limit {
				_ = enc.Encode(map[string]string{"last_seq": row.Seq})
				flush()
				return nil
			}
		}
		flush()
		for waiting := true; waiting; {
			select {
			case <-r.Context().Done():
				return nil
			case <-changed:
				waiting = false
			case <-heartbeat:
				if _, err := w.Write([]byte("\n")); err != nil {
					return nil
				}
				flush()
			}
		}
	}
}
