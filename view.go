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
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/ajg/form"
	"github.com/go-playground/validator/v10"

	internal "github.com/go-kivik/couchstream/int/errors"
)

// ViewQuery describes a view request. It is passed by value; the issued
// request is never affected by later changes to the caller's copy.
type ViewQuery struct {
	// DesignDoc is the design document ID, with or without the "_design/"
	// prefix.
	DesignDoc string `validate:"required_with=View"`
	View      string `validate:"required_with=DesignDoc"`

	// Limit caps the number of rows returned. Zero means no limit.
	Limit int `validate:"gte=0"`
	Skip  int `validate:"gte=0"`

	// StartKey and EndKey are JSON encoded before being sent.
	StartKey interface{}
	EndKey   interface{}
	// Keys restricts the result to the given keys. It is sent in the request
	// body, and may not be combined with StartKey or EndKey.
	Keys []interface{} `validate:"excluded_with=StartKey EndKey"`

	IncludeDocs bool
	Descending  bool
	// Reduce and InclusiveEnd are tri-state; nil leaves the server default.
	Reduce       *bool
	Group        bool
	GroupLevel   int `validate:"gte=0"`
	InclusiveEnd *bool
	UpdateSeq    bool
}

// viewParams is the query string form of a ViewQuery.
type viewParams struct {
	Limit        int    `form:"limit,omitempty"`
	Skip         int    `form:"skip,omitempty"`
	StartKey     string `form:"startkey,omitempty"`
	EndKey       string `form:"endkey,omitempty"`
	IncludeDocs  bool   `form:"include_docs,omitempty"`
	Descending   bool   `form:"descending,omitempty"`
	Reduce       *bool  `form:"reduce,omitempty"`
	Group        bool   `form:"group,omitempty"`
	GroupLevel   int    `form:"group_level,omitempty"`
	InclusiveEnd *bool  `form:"inclusive_end,omitempty"`
	UpdateSeq    bool   `form:"update_seq,omitempty"`
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks the query for combinations the server would reject.
func (q ViewQuery) Validate() error {
	if err := structValidator().Struct(q); err != nil {
		return &internal.Error{Status: http.StatusBadRequest, Message: "couchstream: invalid view query", Err: err}
	}
	return nil
}

func (q ViewQuery) path() string {
	if q.DesignDoc == "" {
		return "_all_docs"
	}
	ddoc := strings.TrimPrefix(q.DesignDoc, "_design/")
	return "_design/" + url.PathEscape(ddoc) + "/_view/" + url.PathEscape(q.View)
}

func jsonParam(v interface{}) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", &internal.Error{Status: http.StatusBadRequest, Err: err}
	}
	return string(b), nil
}

// values encodes the query's filters as URL parameters.
func (q ViewQuery) values() (url.Values, error) {
	params := viewParams{
		Limit:        q.Limit,
		Skip:         q.Skip,
		IncludeDocs:  q.IncludeDocs,
		Descending:   q.Descending,
		Reduce:       q.Reduce,
		Group:        q.Group,
		GroupLevel:   q.GroupLevel,
		InclusiveEnd: q.InclusiveEnd,
		UpdateSeq:    q.UpdateSeq,
	}
	var err error
	if params.StartKey, err = jsonParam(q.StartKey); err != nil {
		return nil, err
	}
	if params.EndKey, err = jsonParam(q.EndKey); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := form.NewEncoder(&buf).KeepZeros(true).Encode(params); err != nil {
		return nil, &internal.Error{Status: http.StatusBadRequest, Err: err}
	}
	values, err := url.ParseQuery(buf.String())
	if err != nil {
		return nil, &internal.Error{Status: http.StatusBadRequest, Err: err}
	}
	return values, nil
}

// body returns the POST body for a keys query, or nil.
func (q ViewQuery) body() interface{} {
	if q.Keys == nil {
		return nil
	}
	return map[string]interface{}{"keys": q.Keys}
}

// ViewRow is one row of a view result.
type ViewRow struct {
	// ID is the source document ID. It is empty for reduced rows.
	ID    string          `json:"id,omitempty"`
	Key   json.RawMessage `json:"key"`
	Value json.RawMessage `json:"value"`
	// Doc is the source document, present only when documents were
	// requested.
	Doc json.RawMessage `json:"doc,omitempty"`
	// Error is set for a requested key which does not exist.
	Error string `json:"error,omitempty"`
}

// ViewMetadata is the aggregate information of a view result.
type ViewMetadata struct {
	// TotalRows is the number of rows in the view before limit and skip.
	TotalRows int64
	// Offset is the number of rows skipped.
	Offset int64
	// UpdateSeq is the database sequence the view reflects, when requested.
	UpdateSeq string
}

// ViewEventKind distinguishes the variants of a [ViewEvent].
type ViewEventKind int

// View event kinds.
const (
	ViewEventRow ViewEventKind = iota + 1
	ViewEventMetadata
)

func (k ViewEventKind) String() string {
	switch k {
	case ViewEventRow:
		return "row"
	case ViewEventMetadata:
		return "metadata"
	}
	return "unknown"
}

// ViewEvent is either a row or the metadata of a view result. Exactly one of
// Row and Metadata is set, according to Kind.
type ViewEvent struct {
	Kind     ViewEventKind
	Row      *ViewRow
	Metadata *ViewMetadata
}

// QueryView queries a view, returning rows and metadata in the order they
// arrive. Exactly one metadata event is produced per query: where the rows
// begin if any metadata preceded them, otherwise after the last row.
func (db *DB) QueryView(ctx context.Context, q ViewQuery, options ...Option) *ViewEvents {
	ctx, cancel := context.WithCancel(ctx)
	f := newViewFeed(ctx, db, q, options)
	return &ViewEvents{
		iter: newIterator(ctx, cancel, f, &ViewEvent{}),
	}
}

// QueryViewIncludeDocs queries a view with documents included, returning rows
// only. The metadata is available from [ViewRows.Metadata] once observed.
func (db *DB) QueryViewIncludeDocs(ctx context.Context, q ViewQuery, options ...Option) *ViewRows {
	q.IncludeDocs = true
	return db.queryRows(ctx, q, options)
}

// AllDocs queries the _all_docs view. The design document and view name of q
// must be empty.
func (db *DB) AllDocs(ctx context.Context, q ViewQuery, options ...Option) *ViewRows {
	if q.DesignDoc != "" || q.View != "" {
		ctx, cancel := context.WithCancel(ctx)
		return &ViewRows{
			iter:       newIterator(ctx, cancel, errFeed{missingArg("empty design document for _all_docs")}, &ViewRow{}),
			serializer: db.client.config.serializer,
		}
	}
	return db.queryRows(ctx, q, options)
}

func (db *DB) queryRows(ctx context.Context, q ViewQuery, options []Option) *ViewRows {
	ctx, cancel := context.WithCancel(ctx)
	rf := &rowsFeed{viewFeed: newViewFeed(ctx, db, q, options)}
	return &ViewRows{
		iter:       newIterator(ctx, cancel, rf, &ViewRow{}),
		feed:       rf,
		serializer: db.client.config.serializer,
	}
}

// ViewEvents is an iterator over the raw events of a view result.
type ViewEvents struct {
	*iter
}

// Event returns the current event.
func (v *ViewEvents) Event() (ViewEvent, error) {
	runlock, err := v.rlock()
	if err != nil {
		return ViewEvent{}, err
	}
	defer runlock()
	return *v.curVal.(*ViewEvent), nil
}

// ViewRows is an iterator over the rows of a view result.
type ViewRows struct {
	*iter
	feed       *rowsFeed
	serializer Serializer
}

func (r *ViewRows) row() (*ViewRow, func(), error) {
	runlock, err := r.rlock()
	if err != nil {
		return nil, nil, err
	}
	return r.curVal.(*ViewRow), runlock, nil
}

// Row returns a copy of the current row.
func (r *ViewRows) Row() (ViewRow, error) {
	row, runlock, err := r.row()
	if err != nil {
		return ViewRow{}, err
	}
	defer runlock()
	return *row, nil
}

// ID returns the document ID of the current row.
func (r *ViewRows) ID() (string, error) {
	row, runlock, err := r.row()
	if err != nil {
		return "", err
	}
	defer runlock()
	return row.ID, nil
}

// ScanKey decodes the key of the current row into dest.
func (r *ViewRows) ScanKey(dest interface{}) error {
	row, runlock, err := r.row()
	if err != nil {
		return err
	}
	defer runlock()
	return json.Unmarshal(row.Key, dest)
}

// ScanValue decodes the value of the current row into dest.
func (r *ViewRows) ScanValue(dest interface{}) error {
	row, runlock, err := r.row()
	if err != nil {
		return err
	}
	defer runlock()
	return json.Unmarshal(row.Value, dest)
}

// ScanDoc decodes the document of the current row into dest with the client's
// serializer. A row without a document is an error.
func (r *ViewRows) ScanDoc(dest interface{}) error {
	row, runlock, err := r.row()
	if err != nil {
		return err
	}
	defer runlock()
	if len(row.Doc) == 0 {
		return &internal.Error{Status: http.StatusBadRequest, Message: "couchstream: doc is nil; does your query include docs?"}
	}
	return r.serializer.Unmarshal(row.Doc, dest)
}

// Metadata returns the metadata of the result, and whether it has been
// observed yet. It is complete once Next has returned false. It may be
// called concurrently with Next.
func (r *ViewRows) Metadata() (ViewMetadata, bool) {
	if r.feed == nil {
		return ViewMetadata{}, false
	}
	return r.feed.metadata()
}

// errFeed is a feed which fails immediately.
type errFeed struct{ err error }

func (f errFeed) Next(interface{}) error { return f.err }
func (errFeed) Close() error             { return nil }
