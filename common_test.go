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
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/go-kivik/couchstream/internal/couchtest"
	"github.com/go-kivik/couchstream/internal/mock"
)

const testDB = "db"

// newTestClient starts an in-memory server and returns a client connected to
// it.
func newTestClient(t *testing.T, serverOpts []couchtest.Option, options ...Option) (*couchtest.Server, *Client) {
	t.Helper()
	srv, dsn := couchtest.Start(t, serverOpts...)
	c, err := New(dsn, options...)
	if err != nil {
		t.Fatal(err)
	}
	return srv, c
}

// newTestDB is like newTestClient, but also creates a database.
func newTestDB(t *testing.T, serverOpts []couchtest.Option, options ...Option) (*couchtest.Server, *DB) {
	t.Helper()
	srv, c := newTestClient(t, serverOpts, options...)
	srv.CreateDB(testDB)
	return srv, c.DB(testDB)
}

// newMockClient returns a client whose requests are answered by fn.
func newMockClient(t *testing.T, fn func(*http.Request) (*http.Response, error), options ...Option) (*Client, *mock.Transport) {
	t.Helper()
	tr := &mock.Transport{RoundTripFunc: fn}
	c, err := New("http://example.com/", append([]Option{WithTransport(tr)}, options...)...)
	if err != nil {
		t.Fatal(err)
	}
	return c, tr
}

// respond builds a JSON response to req.
func respond(req *http.Request, status int, body string) *http.Response {
	return &http.Response{
		StatusCode:    status,
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		Header:        http.Header{"Content-Type": {"application/json"}},
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: -1,
		Request:       req,
	}
}

// canned answers every request with the same response.
func canned(status int, body string) func(*http.Request) (*http.Response, error) {
	return func(req *http.Request) (*http.Response, error) {
		return respond(req, status, body), nil
	}
}

// mustCreate stores a document with the given JSON body.
func mustCreate(t *testing.T, db *DB, id, body string) *Document {
	t.Helper()
	doc, err := db.Create(context.Background(), &Document{ID: id, Body: []byte(body)})
	if err != nil {
		t.Fatalf("create %s: %s", id, err)
	}
	return doc
}

// requestBody reads the body of req, decompressing it if necessary. It must
// be called from within the transport, before the request is finished.
func requestBody(req *http.Request) ([]byte, error) {
	if req.Body == nil {
		return nil, nil
	}
	defer req.Body.Close() // nolint:errcheck
	var r io.Reader = req.Body
	if req.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(req.Body)
		if err != nil {
			return nil, err
		}
		r = gz
	}
	return io.ReadAll(r)
}
