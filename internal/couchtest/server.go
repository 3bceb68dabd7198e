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

// Package couchtest provides an in-memory, CouchDB-compatible HTTP server
// for tests. It implements the subset of the CouchDB API used by
// couchstream.
package couchtest

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/monoculum/formam/v3"
	"gitlab.com/flimzy/httpe"
)

// Server is an in-memory CouchDB server.
type Server struct {
	mux         *chi.Mux
	formDecoder *formam.Decoder

	mu  sync.RWMutex
	dbs map[string]*database

	updates  *updateLog
	sessions map[string]string

	views   map[string]*View
	filters map[string]FilterFunc

	noHeartbeats bool
	reverseBulk  bool
	jobStart     time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithoutHeartbeats stops continuous change feeds from sending heartbeats,
// simulating a connection which has silently died.
func WithoutHeartbeats() Option {
	return func(s *Server) { s.noHeartbeats = true }
}

// WithView registers a view, available in every database as
// /{db}/_design/{ddoc}/_view/{name}.
func WithView(ddoc, name string, v *View) Option {
	return func(s *Server) {
		s.views[strings.TrimPrefix(ddoc, "_design/")+"/"+name] = v
	}
}

// WithFilter registers a change-feed filter, available in every database as
// filter={ddoc}/{name}.
func WithFilter(ddoc, name string, fn FilterFunc) Option {
	return func(s *Server) {
		s.filters[strings.TrimPrefix(ddoc, "_design/")+"/"+name] = fn
	}
}

// New returns a new server with no databases.
func New(options ...Option) *Server {
	s := &Server{
		mux: chi.NewMux(),
		formDecoder: formam.NewDecoder(&formam.DecoderOptions{
			TagName:           "form",
			IgnoreUnknownKeys: true,
		}),
		dbs:      map[string]*database{},
		views:    map[string]*View{},
		filters:  map[string]FilterFunc{},
		jobStart: time.Now().UTC().Truncate(time.Second),
		updates:  newUpdateLog(),
		sessions: map[string]string{},
	}
	s.dbs[replicatorDB] = s.newDatabase(replicatorDB)
	for _, option := range options {
		option(s)
	}
	s.routes(s.mux)
	return s
}

// Start serves s on a local port for the duration of the test, returning its
// URL.
func Start(t testing.TB, options ...Option) (*Server, string) {
	t.Helper()
	s := New(options...)
	ts := httptest.NewServer(s)
	t.Cleanup(ts.Close)
	return s, ts.URL
}

func (s *Server) routes(mux *chi.Mux) {
	mux.Use(
		GetHead,
		Gunzip,
		httpe.ToMiddleware(s.handleErrors),
	)
	mux.Get("/", httpe.ToHandler(s.root()).ServeHTTP)
	mux.Get("/_up", httpe.ToHandler(s.up()).ServeHTTP)
	mux.Post("/_session", httpe.ToHandler(s.session()).ServeHTTP)
	mux.Get("/_session", httpe.ToHandler(s.sessionInfo()).ServeHTTP)
	mux.Get("/_db_updates", httpe.ToHandler(s.dbUpdates()).ServeHTTP)
	mux.Post("/_db_updates", httpe.ToHandler(s.dbUpdates()).ServeHTTP)
	mux.Get("/_scheduler/jobs", httpe.ToHandler(s.schedulerJobs()).ServeHTTP)
	mux.Get("/_scheduler/docs/{db}/{docid}", httpe.ToHandler(s.schedulerDoc()).ServeHTTP)

	// Databases
	mux.Head("/{db}", httpe.ToHandler(s.dbExists()).ServeHTTP)
	mux.Get("/{db}", httpe.ToHandler(s.dbInfo()).ServeHTTP)
	mux.Put("/{db}", httpe.ToHandler(s.createDB()).ServeHTTP)
	mux.Delete("/{db}", httpe.ToHandler(s.destroyDB()).ServeHTTP)
	mux.Post("/{db}/_bulk_docs", httpe.ToHandler(s.bulkDocs()).ServeHTTP)
	mux.Get("/{db}/_changes", httpe.ToHandler(s.changes()).ServeHTTP)
	mux.Post("/{db}/_changes", httpe.ToHandler(s.changes()).ServeHTTP)
	mux.Get("/{db}/_all_docs", httpe.ToHandler(s.allDocs()).ServeHTTP)
	mux.Post("/{db}/_all_docs", httpe.ToHandler(s.allDocs()).ServeHTTP)
	mux.Post("/{db}/_find", httpe.ToHandler(s.find()).ServeHTTP)

	// Documents
	mux.Get("/{db}/{docid}", httpe.ToHandler(s.getDoc("")).ServeHTTP)
	mux.Put("/{db}/{docid}", httpe.ToHandler(s.putDoc("")).ServeHTTP)
	mux.Delete("/{db}/{docid}", httpe.ToHandler(s.deleteDoc("")).ServeHTTP)
	mux.Get("/{db}/{docid}/{attname}", httpe.ToHandler(s.getAttachment()).ServeHTTP)
	mux.Put("/{db}/{docid}/{attname}", httpe.ToHandler(s.putAttachment()).ServeHTTP)
	mux.Delete("/{db}/{docid}/{attname}", httpe.ToHandler(s.deleteAttachment()).ServeHTTP)

	// Design and local docs
	for _, prefix := range []string{"_design", "_local"} {
		mux.Get("/{db}/"+prefix+"/{docid}", httpe.ToHandler(s.getDoc(prefix+"/")).ServeHTTP)
		mux.Put("/{db}/"+prefix+"/{docid}", httpe.ToHandler(s.putDoc(prefix+"/")).ServeHTTP)
		mux.Delete("/{db}/"+prefix+"/{docid}", httpe.ToHandler(s.deleteDoc(prefix+"/")).ServeHTTP)
	}
	mux.Get("/{db}/_design/{ddoc}/_view/{view}", httpe.ToHandler(s.queryView()).ServeHTTP)
	mux.Post("/{db}/_design/{ddoc}/_view/{view}", httpe.ToHandler(s.queryView()).ServeHTTP)
}

func (s *Server) handleErrors(next httpe.HandlerWithError) httpe.HandlerWithError {
	return httpe.HandlerWithErrorFunc(func(w http.ResponseWriter, r *http.Request) error {
		if err := next.ServeHTTPWithError(w, r); err != nil {
			ce := &couchError{}
			if !errors.As(err, &ce) {
				ce = &couchError{status: http.StatusInternalServerError, Err: "unknown_error", Reason: err.Error()}
			}
			return serveJSON(w, ce.status, ce)
		}
		return nil
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func serveJSON(w http.ResponseWriter, status int, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, err = io.Copy(w, bytes.NewReader(body))
	return err
}

type couchError struct {
	status int
	Err    string `json:"error"`
	Reason string `json:"reason"`
}

func (e *couchError) Error() string {
	return e.Reason
}

func (e *couchError) HTTPStatus() int {
	return e.status
}

func badRequest(reason string) error {
	return &couchError{status: http.StatusBadRequest, Err: "bad_request", Reason: reason}
}

var errNoDB = &couchError{status: http.StatusNotFound, Err: "not_found", Reason: "Database does not exist."}

// param returns the unescaped value of a route parameter.
func param(r *http.Request, name string) string {
	v := chi.URLParam(r, name)
	if u, err := url.PathUnescape(v); err == nil {
		return u
	}
	return v
}

func docID(r *http.Request, prefix string) string {
	return prefix + param(r, "docid")
}

func (s *Server) database(r *http.Request) (*database, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	db, ok := s.dbs[param(r, "db")]
	if !ok {
		return nil, errNoDB
	}
	return db, nil
}

// bind decodes a JSON request body into v.
func bind(r *http.Request, v interface{}) error {
	defer r.Body.Close() // nolint:errcheck
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return badRequest("invalid UTF-8 JSON: " + err.Error())
	}
	return nil
}

// query decodes the query string into v, using form tags.
func (s *Server) query(r *http.Request, v interface{}) error {
	if err := s.formDecoder.Decode(r.URL.Query(), v); err != nil {
		return badRequest(err.Error())
	}
	return nil
}

func (s *Server) root() httpe.HandlerWithError {
	return httpe.HandlerWithErrorFunc(func(w http.ResponseWriter, r *http.Request) error {
		return serveJSON(w, http.StatusOK, map[string]interface{}{
			"couchdb": "Welcome",
			"version": "3.3.3",
			"vendor":  map[string]string{"name": "couchtest"},
		})
	})
}

func (s *Server) up() httpe.HandlerWithError {
	return httpe.HandlerWithErrorFunc(func(w http.ResponseWriter, r *http.Request) error {
		return serveJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}

// session accepts any credentials.
func (s *Server) session() httpe.HandlerWithError {
	return httpe.HandlerWithErrorFunc(func(w http.ResponseWriter, r *http.Request) error {
		var creds struct {
			Name string `json:"name"`
		}
		if err := bind(r, &creds); err != nil {
			return err
		}
		token := newULID()
		s.mu.Lock()
		s.sessions[token] = creds.Name
		s.mu.Unlock()
		http.SetCookie(w, &http.Cookie{Name: "AuthSession", Value: token, Path: "/"})
		return serveJSON(w, http.StatusOK, map[string]interface{}{
			"ok":    true,
			"name":  creds.Name,
			"roles": []string{"_admin"},
		})
	})
}

// sessionInfo reports the user of a cookie issued by session, or of basic
// auth credentials. Anyone else is anonymous.
func (s *Server) sessionInfo() httpe.HandlerWithError {
	return httpe.HandlerWithErrorFunc(func(w http.ResponseWriter, r *http.Request) error {
		var (
			name   interface{}
			roles  = []string{}
			method string
		)
		if user, _, ok := r.BasicAuth(); ok {
			name, roles, method = user, []string{"_admin"}, "default"
		} else if c, err := r.Cookie("AuthSession"); err == nil {
			s.mu.RLock()
			user, ok := s.sessions[c.Value]
			s.mu.RUnlock()
			if ok {
				name, roles, method = user, []string{"_admin"}, "cookie"
			}
		}
		info := map[string]interface{}{
			"authentication_handlers": []string{"cookie", "default"},
		}
		if method != "" {
			info["authenticated"] = method
			info["authentication_db"] = "_users"
		}
		return serveJSON(w, http.StatusOK, map[string]interface{}{
			"ok": true,
			"userCtx": map[string]interface{}{
				"name":  name,
				"roles": roles,
			},
			"info": info,
		})
	})
}
