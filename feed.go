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
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"

	"github.com/go-kivik/couchstream/chttp"
	internal "github.com/go-kivik/couchstream/int/errors"
	"github.com/go-kivik/couchstream/jsontok"
	"github.com/go-kivik/couchstream/log"
)

// FeedState is the state of a change-feed subscription.
type FeedState int32

// Change-feed states. A subscription starts in FeedConnecting and ends in
// FeedClosed.
const (
	FeedConnecting FeedState = iota
	FeedStreaming
	FeedHeartbeatTimeout
	FeedTransportError
	FeedReconnecting
	FeedClosed
)

func (s FeedState) String() string {
	switch s {
	case FeedConnecting:
		return "connecting"
	case FeedStreaming:
		return "streaming"
	case FeedHeartbeatTimeout:
		return "heartbeat_timeout"
	case FeedTransportError:
		return "transport_error"
	case FeedReconnecting:
		return "reconnecting"
	case FeedClosed:
		return "closed"
	}
	return "unknown"
}

var errHeartbeatTimeout = &internal.Error{
	Status:  http.StatusGatewayTimeout,
	Kind:    internal.KindTimeout,
	Message: "couchstream: feed heartbeat timeout",
}

// watchdog closes body if a single Read waits longer than timeout. Time spent
// outside Read, while the consumer processes a change, is not counted.
type watchdog struct {
	body    io.ReadCloser
	clock   clockwork.Clock
	timeout time.Duration
	onRead  func()
	fired   atomic.Bool
}

func (w *watchdog) expire() {
	w.fired.Store(true)
	_ = w.body.Close()
}

func (w *watchdog) Read(p []byte) (int, error) {
	if w.fired.Load() {
		return 0, errHeartbeatTimeout
	}
	var t clockwork.Timer
	if w.timeout > 0 {
		t = w.clock.AfterFunc(w.timeout, w.expire)
	}
	n, err := w.body.Read(p)
	if t != nil {
		t.Stop()
	}
	if w.fired.Load() {
		return n, errHeartbeatTimeout
	}
	if n > 0 && w.onRead != nil {
		w.onRead()
	}
	return n, err
}

// sleep blocks for d as measured by c, or until ctx is done.
func sleep(ctx context.Context, c clockwork.Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := c.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.Chan():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// releaseBody cancels the context of a streamed request once its body is
// closed.
type releaseBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *releaseBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// openStream issues a streaming request whose response headers must arrive
// within timeout. The returned body outlives the deadline; closing it
// releases the request. A deadline that passes first is reported as
// errHeartbeatTimeout.
func openStream(ctx context.Context, clk clockwork.Clock, timeout time.Duration, do func(context.Context) (*http.Response, error)) (io.ReadCloser, error) {
	ctx, cancel := context.WithCancel(ctx)
	var t clockwork.Timer
	if timeout > 0 {
		t = clk.AfterFunc(timeout, cancel)
	}
	resp, err := do(ctx)
	if t != nil && !t.Stop() {
		if err == nil {
			_ = resp.Body.Close()
		}
		cancel()
		return nil, errHeartbeatTimeout
	}
	if err != nil {
		cancel()
		return nil, err
	}
	if err := chttp.ResponseError(resp); err != nil {
		cancel()
		return nil, rejection(err)
	}
	return &releaseBody{ReadCloser: resp.Body, cancel: cancel}, nil
}

// changeRecord is one line of a continuous change feed.
type changeRecord struct {
	Seq     json.RawMessage `json:"seq"`
	ID      string          `json:"id"`
	Changes []struct {
		Rev string `json:"rev"`
	} `json:"changes"`
	Deleted bool            `json:"deleted"`
	Doc     json.RawMessage `json:"doc"`
	LastSeq json.RawMessage `json:"last_seq"`
}

// changesFeed drives a continuous change feed through the FeedState
// machine. Next is only ever called by one goroutine at a time; Close, State
// and LastSeq may be called concurrently with it.
type changesFeed struct {
	ctx      context.Context
	db       *DB
	registry *TypeRegistry
	opts     *changesOptions
	params   []Option
	cfg      *config
	log      log.Logger
	bo       backoff.BackOff

	state atomic.Int32

	mu      sync.Mutex
	body    io.ReadCloser
	lastSeq string
	closed  bool

	r         *jsontok.Reader
	since     string
	connected bool  // a connection has been established at least once
	resumed   bool  // reconnected, and no record read since
	lastErr   error // cause of the most recent disconnect
}

var _ feed = &changesFeed{}

func newChangesFeed(ctx context.Context, db *DB, registry *TypeRegistry, opts *changesOptions, params []Option) *changesFeed {
	cfg := db.client.config
	f := &changesFeed{
		ctx:      ctx,
		db:       db,
		registry: registry,
		opts:     opts,
		params:   params,
		cfg:      cfg,
		log:      cfg.logger,
		bo:       cfg.backoff(),
		since:    opts.since,
	}
	f.state.Store(int32(FeedConnecting))
	return f
}

// State returns the current state.
func (f *changesFeed) State() FeedState {
	return FeedState(f.state.Load())
}

func (f *changesFeed) setState(s FeedState) {
	prev := FeedState(f.state.Swap(int32(s)))
	if prev != s {
		f.log.Debugf("changes %s: %s -> %s", f.db.name, prev, s)
	}
}

// LastSeq returns the sequence of the last record consumed.
func (f *changesFeed) LastSeq() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastSeq
}

func (f *changesFeed) setLastSeq(seq string) {
	f.mu.Lock()
	f.lastSeq = seq
	f.mu.Unlock()
}

func (f *changesFeed) Next(v interface{}) error {
	ev := v.(*ChangeEvent)
	for {
		if f.r == nil {
			if err := f.connect(); err != nil {
				return f.fail(err)
			}
		}
		rec, err := f.readRecord()
		if err != nil {
			if ctxErr := f.ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if isMalformed(err) {
				return f.fail(streamError(err))
			}
			f.disconnect(err)
			continue
		}
		if rec.ID == "" && len(rec.LastSeq) > 0 {
			f.log.Infof("changes %s: server ended feed at %s", f.db.name, seqString(rec.LastSeq))
			f.disconnect(io.EOF)
			continue
		}
		seq := seqString(rec.Seq)
		if f.resumed {
			f.resumed = false
			if seq != "" && seq == f.LastSeq() {
				f.log.Debugf("changes %s: dropping repeated seq %s", f.db.name, seq)
				continue
			}
		}
		change := ChangeEvent{
			Seq:     seq,
			ID:      rec.ID,
			Deleted: rec.Deleted,
		}
		for _, c := range rec.Changes {
			change.Changes = append(change.Changes, c.Rev)
		}
		if len(change.Changes) > 0 {
			change.Rev = change.Changes[0]
		}
		if len(rec.Doc) > 0 && string(rec.Doc) != "null" {
			change.Doc = rec.Doc
		}
		if f.registry != nil && !rec.Deleted {
			if len(change.Doc) == 0 {
				return f.fail(malformed("change %s has no document", rec.ID))
			}
			typ, value, ok, err := f.registry.resolve(change.Doc, f.cfg.serializer)
			if err != nil {
				return f.fail(err)
			}
			if !ok {
				f.log.Debugf("changes %s: skipping %s with unregistered %s %q", f.db.name, rec.ID, f.registry.Field, typ)
				f.setLastSeq(seq)
				continue
			}
			change.Type = typ
			change.Value = value
		}
		f.setLastSeq(seq)
		*ev = change
		return nil
	}
}

func isMalformed(err error) bool {
	var se *jsontok.SyntaxError
	return errors.As(err, &se) || internal.KindOf(err) == internal.KindMalformed
}

func (f *changesFeed) readRecord() (*changeRecord, error) {
	tok, err := f.r.Next()
	if err != nil {
		return nil, err
	}
	if tok.Kind != jsontok.StartObject {
		return nil, malformed("change record is a %s", tok.Kind)
	}
	raw, err := f.r.Value(tok)
	if err != nil {
		return nil, err
	}
	rec := &changeRecord{}
	if err := json.Unmarshal(raw, rec); err != nil {
		return nil, malformed("invalid change record: %w", err)
	}
	return rec, nil
}

func (f *changesFeed) fail(err error) error {
	if err != io.EOF && f.ctx.Err() == nil {
		f.log.Errorf("changes %s: %s", f.db.name, err)
	}
	return err
}

// retryable reports whether a failed connection attempt should be retried.
func retryable(err error) bool {
	switch internal.KindOf(err) {
	case internal.KindNetwork, internal.KindTimeout:
		return true
	}
	return false
}

// connect establishes a connection, retrying according to the backoff
// policy.
func (f *changesFeed) connect() error {
	retrying := f.connected
	if f.since == SeqNow && !f.connected {
		f.resolveNow()
	}
	for {
		if retrying {
			f.setState(FeedReconnecting)
			delay := f.bo.NextBackOff()
			if delay == backoff.Stop {
				return &internal.Error{
					Status:  http.StatusBadGateway,
					Kind:    internal.KindNetwork,
					Message: "couchstream: change feed reconnect attempts exhausted",
					Err:     f.lastErr,
				}
			}
			if err := sleep(f.ctx, f.cfg.clock, delay); err != nil {
				return err
			}
		}
		retrying = true
		body, err := f.open()
		if err != nil {
			if ctxErr := f.ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if !retryable(err) {
				return err
			}
			f.lastErr = err
			if errors.Is(err, errHeartbeatTimeout) {
				f.setState(FeedHeartbeatTimeout)
				f.log.Infof("changes %s: no response for %s", f.db.name, f.cfg.timeout())
				continue
			}
			f.setState(FeedTransportError)
			f.log.Infof("changes %s: %s", f.db.name, err)
			continue
		}
		f.mu.Lock()
		if f.closed {
			f.mu.Unlock()
			_ = body.Close()
			return io.EOF
		}
		f.body = body
		f.mu.Unlock()
		f.r = jsontok.NewReader(&watchdog{
			body:    body,
			clock:   f.cfg.clock,
			timeout: f.cfg.timeout(),
			onRead:  f.bo.Reset,
		})
		f.resumed = f.connected && f.LastSeq() != ""
		f.connected = true
		f.setState(FeedStreaming)
		return nil
	}
}

// resolveNow replaces the "now" sequence with the database's current update
// sequence, so that a reconnect before the first change does not skip
// changes made in between.
func (f *changesFeed) resolveNow() {
	var info struct {
		UpdateSeq json.RawMessage `json:"update_seq"`
	}
	if err := f.db.client.chttp.DoJSON(f.ctx, http.MethodGet, f.db.path(), nil, &info); err != nil {
		f.log.Debugf("changes %s: cannot resolve since=now: %s", f.db.name, err)
		return
	}
	if seq := seqString(info.UpdateSeq); seq != "" {
		f.since = seq
	}
}

func (f *changesFeed) resumeFrom() string {
	if seq := f.LastSeq(); seq != "" {
		return seq
	}
	return f.since
}

func (f *changesFeed) open() (io.ReadCloser, error) {
	query := url.Values{}
	multiOptions(f.params).Apply(&query)
	query.Set("feed", "continuous")
	if hb := f.cfg.heartbeat; hb > 0 {
		query.Set("heartbeat", strconv.FormatInt(hb.Milliseconds(), 10))
	}
	if since := f.resumeFrom(); since != "" {
		query.Set("since", since)
	}
	if f.opts.includeDocs {
		query.Set("include_docs", "true")
	}
	if f.opts.filter != "" {
		query.Set("filter", f.opts.filter)
	}
	opts := &chttp.Options{Query: query}
	method := http.MethodGet
	if len(f.opts.docIDs) > 0 {
		method = http.MethodPost
		query.Set("filter", "_doc_ids")
		opts.GetBody = chttp.BodyEncoder(map[string]interface{}{"doc_ids": f.opts.docIDs})
	}
	return openStream(f.ctx, f.cfg.clock, f.cfg.timeout(), func(ctx context.Context) (*http.Response, error) {
		return f.db.client.chttp.DoReq(ctx, method, f.db.path("_changes"), opts)
	})
}

// disconnect abandons the current connection after a transport-level end.
func (f *changesFeed) disconnect(cause error) {
	switch {
	case errors.Is(cause, errHeartbeatTimeout):
		f.setState(FeedHeartbeatTimeout)
		f.log.Infof("changes %s: no data for %s, reconnecting from %q", f.db.name, f.cfg.timeout(), f.resumeFrom())
	default:
		f.setState(FeedTransportError)
		f.log.Infof("changes %s: %v, reconnecting from %q", f.db.name, cause, f.resumeFrom())
	}
	f.lastErr = cause
	f.mu.Lock()
	if f.body != nil {
		_ = f.body.Close()
		f.body = nil
	}
	f.mu.Unlock()
	f.r = nil
}

func (f *changesFeed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.setState(FeedClosed)
	if f.body == nil {
		return nil
	}
	err := f.body.Close()
	f.body = nil
	return err
}
