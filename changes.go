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
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/icza/dyno"

	internal "github.com/go-kivik/couchstream/int/errors"
)

// ChangeEvent is a single record of a database's change feed.
type ChangeEvent struct {
	Seq string
	ID  string
	// Rev is the winning revision reported by the change.
	Rev string
	// Changes lists the leaf revisions reported by the change.
	Changes []string
	Deleted bool
	// Doc is the document body, present when documents were requested.
	Doc json.RawMessage
	// Type is the discriminator value the change was resolved with, when a
	// TypeRegistry was supplied.
	Type string
	// Value is the decoded document, when a TypeRegistry was supplied.
	Value interface{}
}

// DecodeFunc decodes a document body into a typed value.
type DecodeFunc func(doc json.RawMessage, s Serializer) (interface{}, error)

// DecodeAs returns a DecodeFunc producing a *T.
func DecodeAs[T any]() DecodeFunc {
	return func(doc json.RawMessage, s Serializer) (interface{}, error) {
		v := new(T)
		if err := s.Unmarshal(doc, v); err != nil {
			return nil, err
		}
		return v, nil
	}
}

// TypeRegistry maps the value of a discriminator field in a changed
// document to the function decoding it. Changes whose discriminator is absent
// or unregistered are skipped. A registry is owned by its caller and must not
// be modified while a subscription is using it.
type TypeRegistry struct {
	// Field is the dot-separated path of the discriminator within the
	// document, for example "type" or "meta.kind".
	Field string

	types map[string]DecodeFunc
}

// NewTypeRegistry returns an empty registry keyed on field.
func NewTypeRegistry(field string) *TypeRegistry {
	return &TypeRegistry{
		Field: field,
		types: map[string]DecodeFunc{},
	}
}

// Register maps discriminator to fn, returning r for chaining.
func (r *TypeRegistry) Register(discriminator string, fn DecodeFunc) *TypeRegistry {
	if r.types == nil {
		r.types = map[string]DecodeFunc{}
	}
	r.types[discriminator] = fn
	return r
}

func (r *TypeRegistry) path() []interface{} {
	parts := strings.Split(r.Field, ".")
	path := make([]interface{}, len(parts))
	for i, p := range parts {
		path[i] = p
	}
	return path
}

// resolve decodes doc according to its discriminator. ok is false when the
// discriminator is missing or not registered.
func (r *TypeRegistry) resolve(doc json.RawMessage, s Serializer) (typ string, value interface{}, ok bool, err error) {
	var generic interface{}
	if err := json.Unmarshal(doc, &generic); err != nil {
		return "", nil, false, malformed("change document: %w", err)
	}
	found, err := dyno.Get(generic, r.path()...)
	if err != nil {
		return "", nil, false, nil
	}
	typ, isString := found.(string)
	if !isString {
		return "", nil, false, nil
	}
	fn, registered := r.types[typ]
	if !registered {
		return typ, nil, false, nil
	}
	value, err = fn(doc, s)
	if err != nil {
		return typ, nil, false, &internal.Error{
			Status: http.StatusBadGateway,
			Kind:   internal.KindMalformed,
			Err:    fmt.Errorf("decode %s %q: %w", r.Field, typ, err),
		}
	}
	return typ, value, true, nil
}

type changesOptions struct {
	since       string
	filter      string
	docIDs      []string
	includeDocs bool
}

type changesOption func(*changesOptions)

func (f changesOption) Apply(target interface{}) {
	if o, ok := target.(*changesOptions); ok {
		f(o)
	}
}

// Since starts a change feed after the given sequence.
func Since(seq string) Option {
	return changesOption(func(o *changesOptions) { o.since = seq })
}

// SinceNow starts a change feed at the current end of the database.
func SinceNow() Option {
	return Since(SeqNow)
}

// Filter applies a server-side filter function to a change feed, given as
// "ddoc/name".
func Filter(name string) Option {
	return changesOption(func(o *changesOptions) { o.filter = name })
}

// DocIDs restricts a change feed to the given documents.
func DocIDs(ids ...string) Option {
	return changesOption(func(o *changesOptions) {
		o.docIDs = append(o.docIDs, ids...)
	})
}

// IncludeDocs requests document bodies on a change feed. It is implied when
// a TypeRegistry is supplied.
func IncludeDocs() Option {
	return changesOption(func(o *changesOptions) { o.includeDocs = true })
}

// SubscribeForChanges opens a continuous change feed. The feed is held open
// until the iterator is closed or ctx is cancelled, reconnecting as needed
// from the last delivered sequence. registry may be nil, in which case every
// change is delivered untyped.
func (db *DB) SubscribeForChanges(ctx context.Context, registry *TypeRegistry, options ...Option) *Changes {
	ctx, cancel := context.WithCancel(ctx)
	opts := &changesOptions{}
	multiOptions(options).Apply(opts)
	if registry != nil {
		opts.includeDocs = true
	}
	f := newChangesFeed(ctx, db, registry, opts, options)
	return &Changes{
		iter: newIterator(ctx, cancel, f, &ChangeEvent{}),
		feed: f,
	}
}

// Changes is an iterator over a database's change feed.
type Changes struct {
	*iter
	feed *changesFeed
}

// Change returns the current change.
func (c *Changes) Change() (ChangeEvent, error) {
	runlock, err := c.rlock()
	if err != nil {
		return ChangeEvent{}, err
	}
	defer runlock()
	return *c.curVal.(*ChangeEvent), nil
}

// ID returns the document ID of the current change.
func (c *Changes) ID() string {
	runlock, err := c.rlock()
	if err != nil {
		return ""
	}
	defer runlock()
	return c.curVal.(*ChangeEvent).ID
}

// Seq returns the sequence of the current change.
func (c *Changes) Seq() string {
	runlock, err := c.rlock()
	if err != nil {
		return ""
	}
	defer runlock()
	return c.curVal.(*ChangeEvent).Seq
}

// ScanDoc decodes the document of the current change into dest.
func (c *Changes) ScanDoc(dest interface{}) error {
	runlock, err := c.rlock()
	if err != nil {
		return err
	}
	defer runlock()
	doc := c.curVal.(*ChangeEvent).Doc
	if len(doc) == 0 {
		return &internal.Error{Status: http.StatusBadRequest, Message: "couchstream: change has no document"}
	}
	return c.feed.db.client.config.serializer.Unmarshal(doc, dest)
}

// LastSeq returns the sequence of the last change consumed, including changes
// skipped for an unregistered type.
func (c *Changes) LastSeq() string {
	return c.feed.LastSeq()
}

// State returns the current state of the subscription.
func (c *Changes) State() FeedState {
	return c.feed.State()
}
