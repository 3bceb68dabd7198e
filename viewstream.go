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
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-kivik/couchstream/chttp"
	internal "github.com/go-kivik/couchstream/int/errors"
	"github.com/go-kivik/couchstream/jsontok"
)

// streamError classifies an error raised while reading a response body.
func streamError(err error) error {
	var se *jsontok.SyntaxError
	switch {
	case errors.As(err, &se):
		return &internal.Error{Status: http.StatusBadGateway, Kind: internal.KindMalformed, Err: err}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case internal.KindOf(err) != internal.KindUnknown:
		return err
	}
	return &internal.Error{Status: http.StatusBadGateway, Kind: internal.KindNetwork, Err: err}
}

// seqString normalizes a sequence token. CouchDB 1.x used integers, later
// versions use opaque strings.
func seqString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	if bytes.Equal(raw, []byte("null")) {
		return ""
	}
	return string(raw)
}

// viewFeed reads a {"total_rows":..,"offset":..,"rows":[...]} response one
// row at a time. The request is issued on the first call to Next.
type viewFeed struct {
	ctx     context.Context
	db      *DB
	q       ViewQuery
	options []Option

	body   io.ReadCloser
	r      *jsontok.Reader
	status int

	meta        ViewMetadata
	metaSeen    bool
	metaEmitted bool
	inRows      bool
	done        bool

	// published is the emitted metadata, readable while Next is running.
	pubMu     sync.Mutex
	published *ViewMetadata
}

var _ feed = &viewFeed{}

func newViewFeed(ctx context.Context, db *DB, q ViewQuery, options []Option) *viewFeed {
	return &viewFeed{
		ctx:     ctx,
		db:      db,
		q:       q,
		options: options,
	}
}

func (f *viewFeed) open() error {
	if err := f.q.Validate(); err != nil {
		return err
	}
	query, err := f.q.values()
	if err != nil {
		return err
	}
	multiOptions(f.options).Apply(&query)
	opts := &chttp.Options{Query: query}
	method := http.MethodGet
	if body := f.q.body(); body != nil {
		method = http.MethodPost
		opts.GetBody = chttp.BodyEncoder(body)
	}
	resp, err := f.db.client.chttp.DoReq(f.ctx, method, f.db.path(f.q.path()), opts)
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
		return malformed("view response is not an object")
	}
	return nil
}

func (f *viewFeed) Next(v interface{}) error {
	ev := v.(*ViewEvent)
	if f.r == nil {
		if err := f.open(); err != nil {
			return err
		}
	}
	for {
		if f.done {
			return io.EOF
		}
		tok, err := f.r.Next()
		if err != nil {
			return streamError(err)
		}
		if f.inRows {
			switch tok.Kind {
			case jsontok.EndArray:
				f.inRows = false
				continue
			case jsontok.StartObject:
				row, err := f.readRow(tok)
				if err != nil {
					return err
				}
				*ev = ViewEvent{Kind: ViewEventRow, Row: row}
				return nil
			}
			return malformed("unexpected %s in rows at offset %d", tok.Kind, tok.Offset)
		}
		switch tok.Kind {
		case jsontok.EndObject:
			f.done = true
			if !f.metaEmitted {
				f.emitMetadata(ev)
				return nil
			}
			return io.EOF
		case jsontok.FieldName:
			emitted, err := f.field(tok.Value, ev)
			if err != nil {
				return err
			}
			if emitted {
				return nil
			}
			continue
		}
		return malformed("unexpected %s at offset %d", tok.Kind, tok.Offset)
	}
}

func (f *viewFeed) emitMetadata(ev *ViewEvent) {
	f.metaEmitted = true
	meta := f.meta
	*ev = ViewEvent{Kind: ViewEventMetadata, Metadata: &meta}
	published := meta
	f.pubMu.Lock()
	f.published = &published
	f.pubMu.Unlock()
}

// metadata returns the emitted metadata, if any.
func (f *viewFeed) metadata() (ViewMetadata, bool) {
	f.pubMu.Lock()
	defer f.pubMu.Unlock()
	if f.published == nil {
		return ViewMetadata{}, false
	}
	return *f.published, true
}

func (f *viewFeed) readRow(first jsontok.Event) (*ViewRow, error) {
	raw, err := f.r.Value(first)
	if err != nil {
		return nil, streamError(err)
	}
	row := &ViewRow{}
	if err := json.Unmarshal(raw, row); err != nil {
		return nil, malformed("invalid row: %w", err)
	}
	if bytes.Equal(row.Doc, []byte("null")) {
		row.Doc = nil
	}
	return row, nil
}

func (f *viewFeed) int64Field(name string) (int64, error) {
	tok, err := f.r.Next()
	if err != nil {
		return 0, streamError(err)
	}
	if tok.Kind != jsontok.Scalar || tok.Type != jsontok.Number {
		return 0, malformed("%s is not a number", name)
	}
	n, err := strconv.ParseInt(tok.Value, 10, 64)
	if err != nil {
		return 0, malformed("%s: %w", name, err)
	}
	return n, nil
}

// field consumes one top-level field. It reports whether ev was filled.
// Metadata is delivered where the rows begin, so a metadata field that
// follows the rows after that is malformed.
func (f *viewFeed) field(name string, ev *ViewEvent) (bool, error) {
	var err error
	switch name {
	case "total_rows", "offset", "update_seq":
		if f.metaEmitted {
			return false, malformed("%s follows the rows of a result whose metadata preceded them", name)
		}
	}
	switch name {
	case "total_rows":
		f.metaSeen = true
		f.meta.TotalRows, err = f.int64Field(name)
		return false, err
	case "offset":
		f.metaSeen = true
		f.meta.Offset, err = f.int64Field(name)
		return false, err
	case "update_seq":
		f.metaSeen = true
		raw, err := f.r.NextValue()
		if err != nil {
			return false, streamError(err)
		}
		f.meta.UpdateSeq = seqString(raw)
		return false, nil
	case "rows":
		tok, err := f.r.Next()
		if err != nil {
			return false, streamError(err)
		}
		if tok.Kind != jsontok.StartArray {
			return false, malformed("rows is not an array")
		}
		f.inRows = true
		if f.metaSeen && !f.metaEmitted {
			f.emitMetadata(ev)
			return true, nil
		}
		return false, nil
	case "error":
		f.done = true
		return false, readServerError(f.r, f.status)
	}
	tok, err := f.r.Next()
	if err != nil {
		return false, streamError(err)
	}
	if err := f.r.Skip(tok); err != nil {
		return false, streamError(err)
	}
	return false, nil
}

// readServerError reads the remainder of an {"error":..,"reason":..} body
// whose "error" field name has already been consumed.
func readServerError(r *jsontok.Reader, status int) error {
	var name, reason string
	raw, err := r.NextValue()
	if err != nil {
		return streamError(err)
	}
	_ = json.Unmarshal(raw, &name)
	for {
		tok, err := r.Next()
		if err != nil || tok.Kind != jsontok.FieldName {
			break
		}
		raw, err := r.NextValue()
		if err != nil {
			break
		}
		if tok.Value == "reason" {
			_ = json.Unmarshal(raw, &reason)
		}
	}
	if status < http.StatusBadRequest {
		status = http.StatusInternalServerError
	}
	return classifyRejection(status, name, reason)
}

func (f *viewFeed) Close() error {
	if f.body == nil {
		return nil
	}
	return f.body.Close()
}

// rowsFeed yields only the rows of a view result.
type rowsFeed struct {
	*viewFeed
	ev ViewEvent
}

func (f *rowsFeed) Next(v interface{}) error {
	row := v.(*ViewRow)
	for {
		if err := f.viewFeed.Next(&f.ev); err != nil {
			return err
		}
		if f.ev.Kind == ViewEventRow {
			*row = *f.ev.Row
			return nil
		}
	}
}
