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
	"io"
	"net/http"
	"net/url"

	"github.com/google/uuid"

	"github.com/go-kivik/couchstream/chttp"
	"github.com/go-kivik/couchstream/jsontok"
)

// BulkResult is the outcome of one document of a bulk update. Exactly one of
// Rev and Err is set.
type BulkResult struct {
	ID  string
	Rev string
	// Err is the classified failure of this document, if any. Use
	// [IsConflict] and [KindOf] to inspect it.
	Err error
	// ErrorName and Reason are the raw error fields reported by the server.
	ErrorName string
	Reason    string
}

type bulkItem struct {
	ID     string `json:"id"`
	Rev    string `json:"rev"`
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

// BulkUpdate creates, updates or deletes docs in a single request. The
// returned results are in the order of docs. A document without an ID is
// assigned a random UUID first, so that every result can be matched to its
// input. The failure of one document does not fail the call; it is reported
// in that document's result.
func (db *DB) BulkUpdate(ctx context.Context, docs []*Document, options ...Option) ([]BulkResult, error) {
	if len(docs) == 0 {
		return []BulkResult{}, nil
	}
	send := make([]*Document, len(docs))
	for i, doc := range docs {
		if doc == nil {
			return nil, missingArg("doc")
		}
		if doc.ID == "" {
			doc = doc.WithID(uuid.New().String())
		}
		send[i] = doc
	}
	query := url.Values{}
	multiOptions(options).Apply(&query)
	opts := &chttp.Options{
		Query: query,
		GetBody: func() (io.ReadCloser, error) {
			return chttp.StreamBody(func(w io.Writer) error {
				return writeBulkDocs(w, send)
			}), nil
		},
	}
	multiOptions(options).Apply(opts)
	resp, err := db.client.chttp.DoReq(ctx, http.MethodPost, db.path("_bulk_docs"), opts)
	if err != nil {
		return nil, err
	}
	defer chttp.CloseBody(resp.Body)
	if resp.StatusCode != http.StatusExpectationFailed {
		if err := chttp.ResponseError(resp); err != nil {
			return nil, rejection(err)
		}
	}
	results, err := readBulkResults(jsontok.NewReader(resp.Body), send)
	if err != nil {
		db.client.config.logger.Errorf("bulk update of %d documents in %s: %s", len(send), db.name, err)
		return nil, err
	}
	return results, nil
}

// writeBulkDocs writes {"docs":[...]} one document at a time.
func writeBulkDocs(w io.Writer, docs []*Document) error {
	if _, err := io.WriteString(w, `{"docs":[`); err != nil {
		return err
	}
	for i, doc := range docs {
		if i > 0 {
			if _, err := io.WriteString(w, ","); err != nil {
				return err
			}
		}
		b, err := json.Marshal(doc)
		if err != nil {
			return &Error{Status: http.StatusBadRequest, Err: err}
		}
		if _, err := w.Write(b); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "]}")
	return err
}

// readBulkResults matches each item of the response array to an input
// document. The k-th result for an ID is matched to the k-th input with that
// ID, so the server may reorder the array freely.
func readBulkResults(r *jsontok.Reader, docs []*Document) ([]BulkResult, error) {
	pending := make(map[string][]int, len(docs))
	for i, doc := range docs {
		pending[doc.ID] = append(pending[doc.ID], i)
	}
	results := make([]BulkResult, len(docs))
	tok, err := r.Next()
	if err != nil {
		return nil, streamError(err)
	}
	if tok.Kind != jsontok.StartArray {
		return nil, malformed("bulk response is not an array")
	}
	matched := 0
	for {
		tok, err := r.Next()
		if err != nil {
			return nil, streamError(err)
		}
		if tok.Kind == jsontok.EndArray {
			break
		}
		raw, err := r.Value(tok)
		if err != nil {
			return nil, streamError(err)
		}
		var item bulkItem
		if err := json.Unmarshal(raw, &item); err != nil {
			return nil, malformed("bulk result: %w", err)
		}
		queue := pending[item.ID]
		if len(queue) == 0 {
			return nil, malformed("bulk result for %q matches no remaining document", item.ID)
		}
		idx := queue[0]
		pending[item.ID] = queue[1:]
		matched++
		results[idx] = bulkResult(item)
	}
	if matched != len(docs) {
		return nil, malformed("bulk response has %d results for %d documents", matched, len(docs))
	}
	return results, nil
}

func bulkResult(item bulkItem) BulkResult {
	res := BulkResult{
		ID:        item.ID,
		ErrorName: item.Error,
		Reason:    item.Reason,
	}
	if item.Error != "" {
		res.Err = classifyRejection(errorNameStatus(item.Error), item.Error, item.Reason)
		return res
	}
	if item.Rev == "" {
		res.Err = malformed("bulk result for %q has neither rev nor error", item.ID)
		return res
	}
	res.Rev = item.Rev
	return res
}
