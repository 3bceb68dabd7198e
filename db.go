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
	"errors"
	"net/http"
	"net/url"

	"github.com/google/uuid"

	"github.com/go-kivik/couchstream/chttp"
	internal "github.com/go-kivik/couchstream/int/errors"
)

// DB is a handle to a database. It is cheap to create and safe for
// concurrent use.
type DB struct {
	client *Client
	name   string
}

// Name returns the database name.
func (db *DB) Name() string {
	return db.name
}

// Client returns the client used to connect to the database.
func (db *DB) Client() *Client {
	return db.client
}

func (db *DB) path(parts ...string) string {
	p := dbPath(db.name)
	for _, part := range parts {
		p += "/" + part
	}
	return p
}

func (db *DB) docPath(id string, rest ...string) string {
	return db.path(append([]string{chttp.EncodeDocID(id)}, rest...)...)
}

// Exists returns true if the database exists.
func (db *DB) Exists(ctx context.Context) (bool, error) {
	return db.client.DBExists(ctx, db.name)
}

// CreateDatabase creates the database. See [Client.CreateDB].
func (db *DB) CreateDatabase(ctx context.Context, shards, replicas int, options ...Option) error {
	return db.client.CreateDB(ctx, db.name, shards, replicas, options...)
}

// Destroy deletes the database. It returns false if it did not exist.
func (db *DB) Destroy(ctx context.Context) (bool, error) {
	return db.client.DestroyDB(ctx, db.name)
}

// Get fetches the current revision of a document. A document which does not
// exist, or which was deleted, is reported as nil with no error. A missing
// database is an error.
func (db *DB) Get(ctx context.Context, id string, options ...Option) (*Document, error) {
	if id == "" {
		return nil, missingArg("id")
	}
	query := url.Values{}
	multiOptions(options).Apply(&query)
	opts := &chttp.Options{Query: query}
	multiOptions(options).Apply(opts)
	resp, err := db.client.chttp.DoReq(ctx, http.MethodGet, db.docPath(id), opts)
	if err != nil {
		return nil, err
	}
	if err := chttp.ResponseError(resp); err != nil {
		if docAbsent(err) {
			return nil, nil
		}
		return nil, rejection(err)
	}
	doc := &Document{}
	if err := chttp.DecodeJSON(resp, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// docAbsent distinguishes a missing document from a missing database, both of
// which the server reports as 404.
func docAbsent(err error) bool {
	var httpErr *chttp.HTTPError
	if !errors.As(err, &httpErr) || httpErr.HTTPStatus() != http.StatusNotFound {
		return false
	}
	return httpErr.Reason == "missing" || httpErr.Reason == "deleted"
}

type writeResult struct {
	ID  string `json:"id"`
	Rev string `json:"rev"`
}

func (db *DB) put(ctx context.Context, doc *Document, options []Option) (*Document, error) {
	query := url.Values{}
	multiOptions(options).Apply(&query)
	opts := &chttp.Options{
		Body:  chttp.EncodeBody(doc),
		Query: query,
	}
	multiOptions(options).Apply(opts)
	var result writeResult
	if err := db.client.chttp.DoJSON(ctx, http.MethodPut, db.docPath(doc.ID), opts, &result); err != nil {
		return nil, rejection(err)
	}
	if result.Rev == "" {
		return nil, malformed("no rev in response to PUT %s", doc.ID)
	}
	return doc.WithRev(result.Rev), nil
}

// Create stores a new document, returning it with its first revision. A
// document without an ID is assigned a random UUID.
func (db *DB) Create(ctx context.Context, doc *Document, options ...Option) (*Document, error) {
	if doc == nil {
		return nil, missingArg("doc")
	}
	if doc.Rev != "" {
		return nil, &internal.Error{Status: http.StatusBadRequest, Message: "couchstream: new document must not have a revision"}
	}
	if doc.ID == "" {
		doc = doc.WithID(uuid.New().String())
	}
	return db.put(ctx, doc, options)
}

// Update stores a new revision of doc, which must carry the revision it
// replaces. A stale revision fails with a conflict; the update is never
// retried.
func (db *DB) Update(ctx context.Context, doc *Document, options ...Option) (*Document, error) {
	if doc == nil {
		return nil, missingArg("doc")
	}
	if doc.ID == "" {
		return nil, missingArg("doc ID")
	}
	if doc.Rev == "" {
		return nil, missingArg("rev")
	}
	return db.put(ctx, doc, options)
}

// Delete marks doc as deleted, returning the revision of the tombstone.
func (db *DB) Delete(ctx context.Context, doc *Document, options ...Option) (string, error) {
	if doc == nil {
		return "", missingArg("doc")
	}
	if doc.ID == "" {
		return "", missingArg("doc ID")
	}
	if doc.Rev == "" {
		return "", missingArg("rev")
	}
	query := url.Values{}
	multiOptions(options).Apply(&query)
	query.Set("rev", doc.Rev)
	var result writeResult
	err := db.client.chttp.DoJSON(ctx, http.MethodDelete, db.docPath(doc.ID), &chttp.Options{Query: query}, &result)
	if err != nil {
		return "", rejection(err)
	}
	return result.Rev, nil
}
