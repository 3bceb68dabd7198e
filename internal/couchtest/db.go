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
	"regexp"

	"gitlab.com/flimzy/httpe"
)

var validDBName = regexp.MustCompile(`^[a-z_][a-z0-9_$()+/-]*$`)

func (s *Server) dbExists() httpe.HandlerWithError {
	return httpe.HandlerWithErrorFunc(func(w http.ResponseWriter, r *http.Request) error {
		if _, err := s.database(r); err != nil {
			w.WriteHeader(http.StatusNotFound)
			return nil
		}
		w.WriteHeader(http.StatusOK)
		return nil
	})
}

func (s *Server) dbInfo() httpe.HandlerWithError {
	return httpe.HandlerWithErrorFunc(func(w http.ResponseWriter, r *http.Request) error {
		db, err := s.database(r)
		if err != nil {
			return err
		}
		db.mu.RLock()
		info := map[string]interface{}{
			"db_name":    db.name,
			"update_seq": db.seq,
			"doc_count":  len(db.live()),
		}
		db.mu.RUnlock()
		return serveJSON(w, http.StatusOK, info)
	})
}

type createDBQuery struct {
	Shards   int `form:"q"`
	Replicas int `form:"n"`
}

func (s *Server) createDB() httpe.HandlerWithError {
	return httpe.HandlerWithErrorFunc(func(w http.ResponseWriter, r *http.Request) error {
		name := param(r, "db")
		if !validDBName.MatchString(name) {
			return &couchError{status: http.StatusBadRequest, Err: "illegal_database_name", Reason: "Name: '" + name + "'. Only lowercase characters (a-z), digits (0-9), and any of the characters _, $, (, ), +, -, and / are allowed. Must begin with a letter."}
		}
		var q createDBQuery
		if err := s.query(r, &q); err != nil {
			return err
		}
		if q.Shards < 0 || q.Replicas < 0 {
			return badRequest("q and n must be positive")
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.dbs[name]; ok {
			return &couchError{status: http.StatusPreconditionFailed, Err: "file_exists", Reason: "The database could not be created, the file already exists."}
		}
		s.dbs[name] = s.newDatabase(name)
		s.updates.record(name, "created")
		return serveJSON(w, http.StatusCreated, map[string]bool{"ok": true})
	})
}

func (s *Server) destroyDB() httpe.HandlerWithError {
	return httpe.HandlerWithErrorFunc(func(w http.ResponseWriter, r *http.Request) error {
		name := param(r, "db")
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.dbs[name]; !ok {
			return errNoDB
		}
		delete(s.dbs, name)
		s.updates.record(name, "deleted")
		return serveJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})
}

// CreateDB creates a database directly, without going through HTTP.
func (s *Server) CreateDB(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dbs[name]; !ok {
		s.dbs[name] = s.newDatabase(name)
		s.updates.record(name, "created")
	}
}
