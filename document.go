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
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	internal "github.com/go-kivik/couchstream/int/errors"
)

// Document is an immutable snapshot of one revision of a document. Methods
// that change a document return a new value.
type Document struct {
	ID      string
	Rev     string
	Deleted bool
	// Attachments maps attachment names to their metadata.
	Attachments map[string]AttachmentMeta
	// Body holds the user fields of the document as a JSON object. Keys
	// reserved by CouchDB (those beginning with an underscore) are never
	// present.
	Body json.RawMessage
}

// AttachmentMeta describes an attachment without its content.
type AttachmentMeta struct {
	ContentType string `json:"content_type,omitempty"`
	Length      int64  `json:"length,omitempty"`
	Digest      string `json:"digest,omitempty"`
	RevPos      int64  `json:"revpos,omitempty"`
	Stub        bool   `json:"stub,omitempty"`
}

// Equal reports whether d and o identify the same revision of the same
// document.
func (d *Document) Equal(o *Document) bool {
	if d == nil || o == nil {
		return d == o
	}
	return d.ID == o.ID && d.Rev == o.Rev
}

func (d *Document) clone() *Document {
	c := *d
	if d.Attachments != nil {
		c.Attachments = make(map[string]AttachmentMeta, len(d.Attachments))
		for k, v := range d.Attachments {
			c.Attachments[k] = v
		}
	}
	return &c
}

// WithBody returns a copy of d with its body replaced.
func (d *Document) WithBody(body json.RawMessage) *Document {
	c := d.clone()
	c.Body = body
	return c
}

// WithRev returns a copy of d carrying rev.
func (d *Document) WithRev(rev string) *Document {
	c := d.clone()
	c.Rev = rev
	return c
}

// WithID returns a copy of d with a different ID.
func (d *Document) WithID(id string) *Document {
	c := d.clone()
	c.ID = id
	return c
}

var errBodyNotObject = &internal.Error{Status: http.StatusBadRequest, Message: "couchstream: document body must be a JSON object"}

// MarshalJSON returns the wire form of the document: the body object with
// _id, _rev, _deleted and _attachments merged in. Attachments are sent as
// stubs.
func (d *Document) MarshalJSON() ([]byte, error) {
	body := bytes.TrimSpace(d.Body)
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		body = []byte("{}")
	}
	if body[0] != '{' {
		return nil, errBodyNotObject
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	n := 0
	field := func(key string, value interface{}) error {
		v, err := json.Marshal(value)
		if err != nil {
			return err
		}
		if n > 0 {
			buf.WriteByte(',')
		}
		n++
		buf.WriteString(`"` + key + `":`)
		buf.Write(v)
		return nil
	}
	if d.ID != "" {
		_ = field("_id", d.ID)
	}
	if d.Rev != "" {
		_ = field("_rev", d.Rev)
	}
	if d.Deleted {
		_ = field("_deleted", true)
	}
	if len(d.Attachments) > 0 {
		stubs := make(map[string]AttachmentMeta, len(d.Attachments))
		for name, meta := range d.Attachments {
			meta.Stub = true
			stubs[name] = meta
		}
		if err := field("_attachments", stubs); err != nil {
			return nil, err
		}
	}
	rest := bytes.TrimSpace(body[1:])
	if n > 0 && len(rest) > 0 && rest[0] != '}' {
		buf.WriteByte(',')
	}
	buf.Write(rest)
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes the wire form of a document. Reserved fields other
// than _id, _rev, _deleted and _attachments are discarded.
func (d *Document) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	if fields == nil {
		return errors.New("couchstream: document is null")
	}
	doc := Document{}
	for key, value := range fields {
		if !strings.HasPrefix(key, "_") {
			continue
		}
		var err error
		switch key {
		case "_id":
			err = json.Unmarshal(value, &doc.ID)
		case "_rev":
			err = json.Unmarshal(value, &doc.Rev)
		case "_deleted":
			err = json.Unmarshal(value, &doc.Deleted)
		case "_attachments":
			err = json.Unmarshal(value, &doc.Attachments)
		}
		if err != nil {
			return err
		}
		delete(fields, key)
	}
	body, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	doc.Body = body
	*d = doc
	return nil
}

// NewDocument returns a new document with the given ID, whose body is content
// encoded with the client's serializer. The ID may be empty, in which case one
// is assigned when the document is created.
func (db *DB) NewDocument(id string, content interface{}) (*Document, error) {
	body, err := db.client.config.serializer.Marshal(content)
	if err != nil {
		return nil, &internal.Error{Status: http.StatusBadRequest, Err: err}
	}
	doc := &Document{}
	if err := doc.UnmarshalJSON(body); err != nil {
		return nil, &internal.Error{Status: http.StatusBadRequest, Err: err}
	}
	if id != "" {
		doc.ID = id
	}
	doc.Rev = ""
	doc.Deleted = false
	return doc, nil
}

// Decode decodes the body of doc into dest using the client's serializer.
// Reserved fields are not part of the body; read them from doc directly.
func (db *DB) Decode(doc *Document, dest interface{}) error {
	body := doc.Body
	if len(body) == 0 {
		body = json.RawMessage("{}")
	}
	return db.client.config.serializer.Unmarshal(body, dest)
}
