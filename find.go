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
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"

	"github.com/go-kivik/couchstream/chttp"
	internal "github.com/go-kivik/couchstream/int/errors"
	"github.com/go-kivik/couchstream/jsontok"
)

// FindQuery is a Mango query. Selector is required and is sent as given, so
// it may be a map, a struct or a json.RawMessage.
type FindQuery struct {
	Selector interface{}   `json:"selector" validate:"required"`
	Fields   []string      `json:"fields,omitempty"`
	Sort     []interface{} `json:"sort,omitempty"`
	// Limit caps the number of documents returned. Zero leaves the server
	// default of 25.
	Limit    int         `json:"limit,omitempty" validate:"gte=0"`
	Skip     int         `json:"skip,omitempty" validate:"gte=0"`
	UseIndex interface{} `json:"use_index,omitempty"`
	// Bookmark continues a previous query from where it ended.
	Bookmark string `json:"bookmark,omitempty"`
}

// Validate checks the query before it is sent.
func (q FindQuery) Validate() error {
	if err := structValidator().Struct(q); err != nil {
		return &internal.Error{Status: http.StatusBadRequest, Message: "couchstream: invalid find query", Err: err}
	}
	return nil
}

// FindMetadata is the information following the documents of a find result.
type FindMetadata struct {
	// Bookmark may be passed in a later query to fetch the next page.
	Bookmark string
	// Warning is set when, for example, no index could serve the query.
	Warning string
}

// findFeed reads a {"docs":[...],"bookmark":..,"warning":..} response one
// document at a time.
type findFeed struct {
	ctx context.Context
	db  *DB
	q   FindQuery

	body   io.ReadCloser
	r      *jsontok.Reader
	status int

	metaMu sync.Mutex
	meta   FindMetadata
	inDocs bool
	done   bool
}

var _ feed = &findFeed{}

func (f *findFeed) open() error {
	if err := f.q.Validate(); err != nil {
		return err
	}
	resp, err := f.db.client.chttp.DoReq(f.ctx, http.MethodPost, f.db.path("_find"), &chttp.Options{
		GetBody: chttp.BodyEncoder(f.q),
	})
	if err != nil {
		return err
	}
	if err := chttp.ResponseError(resp); err != nil {
		return rejection(err)
	}
	f.body = resp.Body
	f.status = resp.StatusCode
	f.r = jsontok.NewReader(resp.Body)
	tok, err := f.r.Next()
	if err != nil {
		return streamError(err)
	}
	if tok.Kind != jsontok.StartObject {
		return malformed("find response is not an object")
	}
	return nil
}

func (f *findFeed) Next(v interface{}) error {
	doc := v.(*json.RawMessage)
	if f.r == nil {
		if err := f.open(); err != nil {
			return err
		}
	}
	for !f.done {
		tok, err := f.r.Next()
		if err != nil {
			return streamError(err)
		}
		if f.inDocs {
			switch tok.Kind {
			case jsontok.EndArray:
				f.inDocs = false
				continue
			case jsontok.StartObject:
				raw, err := f.r.Value(tok)
				if err != nil {
					return streamError(err)
				}
				*doc = append((*doc)[:0], raw...)
				return nil
			}
			return malformed("unexpected %s in docs at offset %d", tok.Kind, tok.Offset)
		}
		switch tok.Kind {
		case jsontok.EndObject:
			f.done = true
			continue
		case jsontok.FieldName:
			if err := f.field(tok.Value); err != nil {
				return err
			}
			continue
		}
		return malformed("unexpected %s at offset %d", tok.Kind, tok.Offset)
	}
	return io.EOF
}

func (f *findFeed) stringField(name string) (string, error) {
	raw, err := f.r.NextValue()
	if err != nil {
		return "", streamError(err)
	}
	var s string
	if bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", malformed("%s is not a string", name)
	}
	return s, nil
}

func (f *findFeed) field(name string) error {
	switch name {
	case "docs":
		tok, err := f.r.Next()
		if err != nil {
			return streamError(err)
		}
		if tok.Kind != jsontok.StartArray {
			return malformed("docs is not an array")
		}
		f.inDocs = true
		return nil
	case "bookmark", "warning":
		value, err := f.stringField(name)
		if err != nil {
			return err
		}
		f.metaMu.Lock()
		if name == "bookmark" {
			f.meta.Bookmark = value
		} else {
			f.meta.Warning = value
		}
		f.metaMu.Unlock()
		return nil
	case "error":
		f.done = true
		return readServerError(f.r, f.status)
	}
	tok, err := f.r.Next()
	if err != nil {
		return streamError(err)
	}
	if err := f.r.Skip(tok); err != nil {
		return streamError(err)
	}
	return nil
}

func (f *findFeed) Close() error {
	if f.body == nil {
		return nil
	}
	return f.body.Close()
}

// FindResults is an iterator over the documents matched by a Mango query.
type FindResults struct {
	*iter
	feed       *findFeed
	serializer Serializer
}

// Find runs a Mango query, returning matching documents as they arrive.
func (db *DB) Find(ctx context.Context, q FindQuery) *FindResults {
	ctx, cancel := context.WithCancel(ctx)
	f := &findFeed{ctx: ctx, db: db, q: q}
	var zero json.RawMessage
	return &FindResults{
		iter:       newIterator(ctx, cancel, f, &zero),
		feed:       f,
		serializer: db.client.config.serializer,
	}
}

// Doc returns the current document.
func (r *FindResults) Doc() (json.RawMessage, error) {
	runlock, err := r.rlock()
	if err != nil {
		return nil, err
	}
	defer runlock()
	doc := *r.curVal.(*json.RawMessage)
	return append(json.RawMessage(nil), doc...), nil
}

// ScanDoc decodes the current document into dest with the client's
// serializer.
func (r *FindResults) ScanDoc(dest interface{}) error {
	runlock, err := r.rlock()
	if err != nil {
		return err
	}
	defer runlock()
	return r.serializer.Unmarshal(*r.curVal.(*json.RawMessage), dest)
}

// Metadata returns the bookmark and warning of the result. It is complete
// once Next has returned false. It may be called concurrently with Next.
func (r *FindResults) Metadata() FindMetadata {
	r.feed.metaMu.Lock()
	defer r.feed.metaMu.Unlock()
	return r.feed.meta
}
