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
	"net/http"
	"net/url"
	"time"

	"gitlab.com/flimzy/httpe"
)

const replicatorDB = "_replicator"

type schedulerDoc struct {
	Database    string      `json:"database"`
	DocID       string      `json:"doc_id"`
	ID          string      `json:"id"`
	Node        string      `json:"node"`
	Source      string      `json:"source"`
	Target      string      `json:"target"`
	State       string      `json:"state"`
	Info        interface{} `json:"info"`
	ErrorCount  int         `json:"error_count"`
	StartTime   time.Time   `json:"start_time"`
	LastUpdated time.Time   `json:"last_updated"`
}

type schedulerEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
}

type schedulerJob struct {
	Database  string           `json:"database"`
	ID        string           `json:"id"`
	DocID     string           `json:"doc_id"`
	Source    string           `json:"source"`
	Target    string           `json:"target"`
	User      string           `json:"user"`
	Node      string           `json:"node"`
	StartTime time.Time        `json:"start_time"`
	History   []schedulerEvent `json:"history"`
}

const nodeName = "couchtest@127.0.0.1"

// endpointURL returns the endpoint's URL with credentials removed, as the
// scheduler reports it.
func endpointURL(v interface{}) string {
	var raw string
	switch t := v.(type) {
	case string:
		raw = t
	case map[string]interface{}:
		raw, _ = t["url"].(string)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.User = nil
	return u.String()
}

func (s *Server) schedulerState(id string, rev *revision) schedulerDoc {
	state := "completed"
	var info interface{} = map[string]interface{}{"docs_written": 0}
	if continuous, _ := rev.body["continuous"].(bool); continuous {
		state = "running"
		info = nil
	}
	return schedulerDoc{
		Database:    replicatorDB,
		DocID:       id,
		ID:          rev.rev[2:] + "+continuous",
		Node:        nodeName,
		Source:      endpointURL(rev.body["source"]),
		Target:      endpointURL(rev.body["target"]),
		State:       state,
		Info:        info,
		StartTime:   s.jobStart,
		LastUpdated: s.jobStart,
	}
}

func (s *Server) replicator() *database {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dbs[replicatorDB]
}

func (s *Server) schedulerDoc() httpe.HandlerWithError {
	return httpe.HandlerWithErrorFunc(func(w http.ResponseWriter, r *http.Request) error {
		if param(r, "db") != replicatorDB {
			return errNoDB
		}
		db := s.replicator()
		if db == nil {
			return errNoDB
		}
		id := param(r, "docid")
		db.mu.RLock()
		rev, err := db.get(id)
		db.mu.RUnlock()
		if err != nil {
			return &couchError{status: http.StatusNotFound, Err: "not_found", Reason: "unknown"}
		}
		return serveJSON(w, http.StatusOK, s.schedulerState(id, rev))
	})
}

func (s *Server) schedulerJobs() httpe.HandlerWithError {
	return httpe.HandlerWithErrorFunc(func(w http.ResponseWriter, r *http.Request) error {
		jobs := []schedulerJob{}
		if db := s.replicator(); db != nil {
			db.mu.RLock()
			for _, doc := range db.live() {
				state := s.schedulerState(doc.id, doc.latest())
				if state.State != "running" {
					continue
				}
				jobs = append(jobs, schedulerJob{
					Database:  replicatorDB,
					ID:        state.ID,
					DocID:     doc.id,
					Source:    state.Source,
					Target:    state.Target,
					User:      "admin",
					Node:      nodeName,
					StartTime: s.jobStart,
					History: []schedulerEvent{
						{Timestamp: s.jobStart, Type: "started"},
						{Timestamp: s.jobStart, Type: "added"},
					},
				})
			}
			db.mu.RUnlock()
		}
		return serveJSON(w, http.StatusOK, map[string]interface{}{
			"total_rows": len(jobs),
			"offset":     0,
			"jobs":       jobs,
		})
	})
}
