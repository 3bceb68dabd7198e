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
	"strconv"
	"sync"

	"github.com/go-kivik/couchstream/chttp"
	"github.com/go-kivik/couchstream/jsontok"
)

// DBUpdate is one event of the server-wide database update feed.
type DBUpdate struct {
	DBName string `json:"db_name"`
	// Type is one of "created", "updated" or "deleted".
	Type string `json:"type"`
	Seq  string `json:"seq"`
}

type updateRecord struct {
	DBName  string          `json:"db_name"`
	Type    string          `json:"type"`
	Seq     json.RawMessage `json:"seq"`
	LastSeq json.RawMessage `json:"last_seq"`
}

// updatesFeed reads a continuous /_db_updates response. Unlike a change feed
// it is not resumed after the connection ends.
type updatesFeed struct {
	ctx    context.Context
	client *Client
	since  string
	params []Option

	body io.ReadCloser
	r    *jsontok.Reader

	mu      sync.Mutex
	lastSeq string
}

var _ feed = &updatesFeed{}

func (f *updatesFeed) open() error {
	cfg := f.client.config
	query := url.Values{}
	multiOptions(f.params).Apply(&query)
	query.Set("feed", "continuous")
	if hb := cfg.heartbeat; hb > 0 {
		query.Set("heartbeat", strconv.FormatInt(hb.Milliseconds(), 10))
	}
	if f.since != "" {
		query.Set("since", f.since)
	}
	body, err := openStream(f.ctx, cfg.clock, cfg.timeout(), func(ctx context.Context) (*http.Response, error) {
		return f.client.chttp.DoReq(ctx, http.MethodGet, "/_db_updates", &chttp.Options{Query: query})
	})
	if err != nil {
		return err
	}
	f.body = body
	f.r = jsontok.NewReader(&watchdog{
		body:    body,
		clock:   cfg.clock,
		timeout: cfg.timeout(),
	})
	return nil
}

func (f *updatesFeed) Next(v interface{}) error {
	upd := v.(*DBUpdate)
	if f.r == nil {
		if err := f.open(); err != nil {
			return err
		}
	}
	tok, err := f.r.Next()
	if err == io.EOF {
		return io.EOF
	}
	if err != nil {
		if ctxErr := f.ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return streamError(err)
	}
	if tok.Kind != jsontok.StartObject {
		return malformed("update record is a %s", tok.Kind)
	}
	raw, err := f.r.Value(tok)
	if err != nil {
		return streamError(err)
	}
	var rec updateRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return malformed("invalid update record: %w", err)
	}
	if rec.DBName == "" && len(rec.LastSeq) > 0 {
		f.setLastSeq(seqString(rec.LastSeq))
		return io.EOF
	}
	*upd = DBUpdate{
		DBName: rec.DBName,
		Type:   rec.Type,
		Seq:    seqString(rec.Seq),
	}
	f.setLastSeq(upd.Seq)
	return nil
}

func (f *updatesFeed) setLastSeq(seq string) {
	f.mu.Lock()
	f.lastSeq = seq
	f.mu.Unlock()
}

func (f *updatesFeed) Close() error {
	if f.body == nil {
		return nil
	}
	return f.body.Close()
}

// DBUpdates is an iterator over database creations, updates and deletions on
// the server.
type DBUpdates struct {
	*iter
	feed *updatesFeed
}

// DBUpdates follows the server's database update feed. The starting point is
// set with [Since] or [SinceNow]; other change feed options are ignored. The
// feed ends when the server closes it, and is not reconnected.
func (c *Client) DBUpdates(ctx context.Context, options ...Option) *DBUpdates {
	opts := &changesOptions{}
	multiOptions(options).Apply(opts)
	ctx, cancel := context.WithCancel(ctx)
	f := &updatesFeed{
		ctx:    ctx,
		client: c,
		since:  opts.since,
		params: options,
	}
	return &DBUpdates{
		iter: newIterator(ctx, cancel, f, &DBUpdate{}),
		feed: f,
	}
}

// Update returns the current event.
func (u *DBUpdates) Update() (DBUpdate, error) {
	runlock, err := u.rlock()
	if err != nil {
		return DBUpdate{}, err
	}
	defer runlock()
	return *u.curVal.(*DBUpdate), nil
}

// DBName returns the database name of the current event, or "" if none is
// ready.
func (u *DBUpdates) DBName() string {
	upd, _ := u.Update()
	return upd.DBName
}

// Type returns the type of the current event.
func (u *DBUpdates) Type() string {
	upd, _ := u.Update()
	return upd.Type
}

// Seq returns the sequence of the current event.
func (u *DBUpdates) Seq() string {
	upd, _ := u.Update()
	return upd.Seq
}

// LastSeq returns the sequence of the last event read, or the final sequence
// reported by the server once the feed has ended.
func (u *DBUpdates) LastSeq() string {
	u.feed.mu.Lock()
	defer u.feed.mu.Unlock()
	return u.feed.lastSeq
}
