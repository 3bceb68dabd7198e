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
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
	"gitlab.com/flimzy/testy"

	"github.com/go-kivik/couchstream/internal/couchtest"
	"github.com/go-kivik/couchstream/log"
)

func zeroBackoff() backoff.BackOff { return &backoff.ZeroBackOff{} }

// seqNum returns the numeric prefix of a sequence.
func seqNum(t *testing.T, seq string) int {
	t.Helper()
	n, err := strconv.Atoi(strings.SplitN(seq, "-", 2)[0])
	if err != nil {
		t.Fatalf("invalid seq %q", seq)
	}
	return n
}

// waitFor polls cond until it holds, failing the test after a few seconds.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// nextChange reads one change, failing the test if none arrives.
func nextChange(t *testing.T, c *Changes) ChangeEvent {
	t.Helper()
	if !c.Next() {
		t.Fatalf("feed ended: %v", c.Err())
	}
	ev, err := c.Change()
	if err != nil {
		t.Fatal(err)
	}
	return ev
}

func TestSubscribeForChanges_order(t *testing.T) {
	_, db := newTestDB(t, nil)
	ids := []string{"a", "b", "c", "d", "e"}
	for _, id := range ids {
		mustCreate(t, db, id, `{}`)
	}
	changes := db.SubscribeForChanges(context.Background(), nil)
	defer changes.Close() // nolint:errcheck

	var got []string
	prev := 0
	for range ids {
		ev := nextChange(t, changes)
		got = append(got, ev.ID)
		n := seqNum(t, ev.Seq)
		if n < prev {
			t.Errorf("seq %s decreased", ev.Seq)
		}
		prev = n
		if ev.Rev == "" || len(ev.Changes) != 1 {
			t.Errorf("Unexpected revisions: %+v", ev)
		}
		if changes.Seq() != ev.Seq || changes.ID() != ev.ID {
			t.Error("accessors disagree with Change")
		}
		if changes.LastSeq() != ev.Seq {
			t.Errorf("LastSeq %s, want %s", changes.LastSeq(), ev.Seq)
		}
	}
	if d := cmp.Diff(ids, got); d != "" {
		t.Error(d)
	}
	if state := changes.State(); state != FeedStreaming {
		t.Errorf("Unexpected state: %s", state)
	}
	if err := changes.Close(); err != nil {
		t.Fatal(err)
	}
	if state := changes.State(); state != FeedClosed {
		t.Errorf("Unexpected state after close: %s", state)
	}
	if changes.Next() {
		t.Error("Next returned true after Close")
	}
	if err := changes.Err(); err != nil {
		t.Errorf("Unexpected error after Close: %s", err)
	}
}

func TestSubscribeForChanges_live(t *testing.T) {
	_, db := newTestDB(t, nil, WithHeartbeat(20*time.Millisecond))
	mustCreate(t, db, "before", `{}`)

	changes := db.SubscribeForChanges(context.Background(), nil, SinceNow(), IncludeDocs())
	defer changes.Close() // nolint:errcheck

	type result struct {
		ev  ChangeEvent
		doc map[string]interface{}
		err error
	}
	results := make(chan result, 1)
	go func() {
		var r result
		if !changes.Next() {
			r.err = changes.Err()
			if r.err == nil {
				r.err = errors.New("feed ended")
			}
			results <- r
			return
		}
		r.ev, r.err = changes.Change()
		if r.err == nil {
			r.err = changes.ScanDoc(&r.doc)
		}
		results <- r
	}()
	waitFor(t, "streaming", func() bool { return changes.State() == FeedStreaming })
	mustCreate(t, db, "after", `{"x":1}`)

	select {
	case r := <-results:
		if r.err != nil {
			t.Fatal(r.err)
		}
		if r.ev.ID != "after" {
			t.Errorf("Unexpected change: %s", r.ev.ID)
		}
		if r.doc["x"] != float64(1) {
			t.Errorf("Unexpected doc: %v", r.doc)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no change delivered")
	}
}

type widget struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

type gadget struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

func TestSubscribeForChanges_registry(t *testing.T) {
	ctx := context.Background()
	_, db := newTestDB(t, nil)
	mustCreate(t, db, "w1", `{"type":"widget","name":"sprocket"}`)
	mustCreate(t, db, "x1", `{"type":"unknown"}`)
	mustCreate(t, db, "n1", `{"untyped":true}`)
	mustCreate(t, db, "g1", `{"type":"gadget","count":3}`)
	doomed := mustCreate(t, db, "w2", `{"type":"widget"}`)
	if _, err := db.Delete(ctx, doomed); err != nil {
		t.Fatal(err)
	}
	mustCreate(t, db, "x2", `{"type":"unknown"}`)

	registry := NewTypeRegistry("type").
		Register("widget", DecodeAs[widget]()).
		Register("gadget", DecodeAs[gadget]())
	changes := db.SubscribeForChanges(ctx, registry)
	defer changes.Close() // nolint:errcheck

	ev := nextChange(t, changes)
	if d := cmp.Diff(&widget{Type: "widget", Name: "sprocket"}, ev.Value); d != "" || ev.Type != "widget" {
		t.Errorf("Unexpected first change %s: %s", ev.Type, d)
	}
	ev = nextChange(t, changes)
	if d := cmp.Diff(&gadget{Type: "gadget", Count: 3}, ev.Value); d != "" || ev.ID != "g1" {
		t.Errorf("Unexpected second change %s: %s", ev.ID, d)
	}
	ev = nextChange(t, changes)
	if ev.ID != "w2" || !ev.Deleted || ev.Value != nil {
		t.Errorf("Unexpected deletion: %+v", ev)
	}
	deletedSeq := ev.Seq

	// x2 is skipped, but still moves the feed's position.
	go changes.Next()
	waitFor(t, "skipped change", func() bool { return changes.LastSeq() != deletedSeq })
	if n := seqNum(t, changes.LastSeq()); n <= seqNum(t, deletedSeq) {
		t.Errorf("LastSeq did not advance: %s", changes.LastSeq())
	}
}

func TestTypeRegistry_resolve(t *testing.T) {
	type tt struct {
		registry *TypeRegistry
		doc      string
		typ      string
		value    interface{}
		ok       bool
		kind     ErrorKind
	}
	widgets := NewTypeRegistry("meta.kind").Register("widget", DecodeAs[map[string]interface{}]())
	tests := testy.NewTable()
	tests.Add("nested field", tt{
		registry: widgets,
		doc:      `{"meta":{"kind":"widget"}}`,
		typ:      "widget",
		value:    &map[string]interface{}{"meta": map[string]interface{}{"kind": "widget"}},
		ok:       true,
	})
	tests.Add("missing field", tt{
		registry: widgets,
		doc:      `{"meta":{}}`,
	})
	tests.Add("not a string", tt{
		registry: widgets,
		doc:      `{"meta":{"kind":3}}`,
	})
	tests.Add("unregistered", tt{
		registry: widgets,
		doc:      `{"meta":{"kind":"gizmo"}}`,
		typ:      "gizmo",
	})
	tests.Add("decode failure", tt{
		registry: NewTypeRegistry("type").Register("widget", DecodeAs[widget]()),
		doc:      `{"type":"widget","name":5}`,
		typ:      "widget",
		kind:     KindMalformed,
	})
	tests.Run(t, func(t *testing.T, tt tt) {
		typ, value, ok, err := tt.registry.resolve([]byte(tt.doc), DefaultSerializer)
		if kind := KindOf(err); kind != tt.kind {
			t.Errorf("Unexpected error kind %s: %v", kind, err)
		}
		if typ != tt.typ || ok != tt.ok {
			t.Errorf("Unexpected result: %q, %t", typ, ok)
		}
		if d := cmp.Diff(tt.value, value); d != "" {
			t.Error(d)
		}
	})
}

func TestSubscribeForChanges_heartbeatTimeout(t *testing.T) {
	clk := clockwork.NewFakeClock()
	logger := log.NewTest()
	_, db := newTestDB(t, []couchtest.Option{couchtest.WithoutHeartbeats()},
		WithClock(clk),
		WithHeartbeatTimeout(time.Second),
		WithReconnectBackoff(zeroBackoff),
		WithLogger(logger),
	)
	mustCreate(t, db, "a", `{}`)
	changes := db.SubscribeForChanges(context.Background(), nil)
	defer changes.Close() // nolint:errcheck
	if ev := nextChange(t, changes); ev.ID != "a" {
		t.Fatalf("Unexpected change: %s", ev.ID)
	}

	next := make(chan ChangeEvent, 1)
	go func() {
		if changes.Next() {
			ev, _ := changes.Change()
			next <- ev
		}
		close(next)
	}()
	// The feed is now waiting on a silent connection.
	clk.BlockUntil(1)
	clk.Advance(time.Second)
	mustCreate(t, db, "b", `{}`)

	select {
	case ev, ok := <-next:
		if !ok {
			t.Fatalf("feed ended: %v", changes.Err())
		}
		if ev.ID != "b" {
			t.Errorf("Unexpected change after reconnect: %s", ev.ID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no change delivered after heartbeat timeout")
	}
	if !logger.Contains("heartbeat_timeout") {
		t.Errorf("heartbeat timeout not logged: %v", logger.Logs())
	}
}

func TestSubscribeForChanges_responseTimeout(t *testing.T) {
	clk := clockwork.NewFakeClock()
	logger := log.NewTest()
	var mu sync.Mutex
	calls := 0
	c, tr := newMockClient(t, func(req *http.Request) (*http.Response, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			// Accept the request, but never send headers.
			<-req.Context().Done()
			return nil, req.Context().Err()
		}
		return respond(req, http.StatusOK, `{"seq":"1-a","id":"a","changes":[{"rev":"1-x"}]}`+"\n"), nil
	},
		WithClock(clk),
		WithHeartbeatTimeout(time.Second),
		WithReconnectBackoff(zeroBackoff),
		WithLogger(logger),
	)
	changes := c.DB("db").SubscribeForChanges(context.Background(), nil)
	defer changes.Close() // nolint:errcheck

	next := make(chan ChangeEvent, 1)
	go func() {
		if changes.Next() {
			ev, _ := changes.Change()
			next <- ev
		}
		close(next)
	}()
	// Only the response deadline of the first attempt is pending.
	clk.BlockUntil(1)
	clk.Advance(time.Second)

	select {
	case ev, ok := <-next:
		if !ok {
			t.Fatalf("feed ended: %v", changes.Err())
		}
		if ev.ID != "a" {
			t.Errorf("Unexpected change: %s", ev.ID)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("stuck waiting for response headers; state=%s", changes.State())
	}
	if n := len(tr.Requests()); n != 2 {
		t.Errorf("Unexpected request count: %d", n)
	}
	if !logger.Contains("connecting -> heartbeat_timeout") {
		t.Errorf("response timeout not logged: %v", logger.Logs())
	}
}

// feedServer answers successive change-feed requests with bodies, in order,
// recording the since parameter of each.
type feedServer struct {
	mu     sync.Mutex
	bodies []string
	sinces []string
}

func (s *feedServer) roundTrip(req *http.Request) (*http.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinces = append(s.sinces, req.URL.Query().Get("since"))
	if len(s.bodies) == 0 {
		return nil, errors.New("connection refused")
	}
	body := s.bodies[0]
	s.bodies = s.bodies[1:]
	return respond(req, http.StatusOK, body), nil
}

func TestSubscribeForChanges_serverEndsFeed(t *testing.T) {
	fs := &feedServer{bodies: []string{
		`{"seq":"1-a","id":"a","changes":[{"rev":"1-x"}]}` + "\n" + `{"last_seq":"1-a"}` + "\n",
		`{"seq":"1-a","id":"a","changes":[{"rev":"1-x"}]}` + "\n\n" + `{"seq":"2-b","id":"b","changes":[{"rev":"1-y"}]}` + "\n",
	}}
	c, tr := newMockClient(t, fs.roundTrip, WithReconnectBackoff(zeroBackoff))
	changes := c.DB("db").SubscribeForChanges(context.Background(), nil, Since("0"))
	defer changes.Close() // nolint:errcheck

	if ev := nextChange(t, changes); ev.ID != "a" {
		t.Errorf("Unexpected first change: %s", ev.ID)
	}
	if ev := nextChange(t, changes); ev.ID != "b" {
		t.Errorf("repeated change not dropped after reconnect: %s", ev.ID)
	}
	if d := cmp.Diff([]string{"0", "1-a"}, fs.sinces); d != "" {
		t.Error(d)
	}
	for _, req := range tr.Requests() {
		q := req.URL.Query()
		if q.Get("feed") != "continuous" || q.Get("heartbeat") != "5000" {
			t.Errorf("Unexpected query: %s", req.URL.RawQuery)
		}
	}
}

func TestSubscribeForChanges_failures(t *testing.T) {
	type tt struct {
		fn       func(*http.Request) (*http.Response, error)
		backoff  func() backoff.BackOff
		changes  int
		kind     ErrorKind
		requests int
	}
	tests := testy.NewTable()
	tests.Add("reconnects exhausted", tt{
		fn: func(*http.Request) (*http.Response, error) {
			return nil, errors.New("connection reset")
		},
		backoff: func() backoff.BackOff {
			return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 2)
		},
		kind:     KindNetwork,
		requests: 3,
	})
	tests.Add("unavailable, then exhausted", tt{
		fn: canned(http.StatusServiceUnavailable, `{"error":"unavailable","reason":"busy"}`),
		backoff: func() backoff.BackOff {
			return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 1)
		},
		kind:     KindNetwork,
		requests: 2,
	})
	tests.Add("missing database", tt{
		fn:       canned(http.StatusNotFound, `{"error":"not_found","reason":"Database does not exist."}`),
		kind:     KindNotFound,
		requests: 1,
	})
	tests.Add("unauthorized", tt{
		fn:       canned(http.StatusUnauthorized, `{"error":"unauthorized","reason":"You are not authorized to access this db."}`),
		kind:     KindRemote,
		requests: 1,
	})
	tests.Add("malformed record", tt{
		fn:       canned(http.StatusOK, `{"seq":"1-a","id":"a","changes":[]}`+"\n"+`]`+"\n"),
		changes:  1,
		kind:     KindMalformed,
		requests: 1,
	})
	tests.Add("record not an object", tt{
		fn:       canned(http.StatusOK, `"hello"`+"\n"),
		kind:     KindMalformed,
		requests: 1,
	})
	tests.Run(t, func(t *testing.T, tt tt) {
		bo := tt.backoff
		if bo == nil {
			bo = zeroBackoff
		}
		logger := log.NewTest()
		c, tr := newMockClient(t, tt.fn, WithReconnectBackoff(bo), WithLogger(logger))
		changes := c.DB("db").SubscribeForChanges(context.Background(), nil)
		n := 0
		for changes.Next() {
			n++
		}
		if n != tt.changes {
			t.Errorf("got %d changes, want %d", n, tt.changes)
		}
		err := changes.Err()
		if kind := KindOf(err); kind != tt.kind {
			t.Errorf("Unexpected error kind %s: %v", kind, err)
		}
		if got := len(tr.Requests()); got != tt.requests {
			t.Errorf("got %d requests, want %d", got, tt.requests)
		}
		if changes.State() != FeedClosed {
			t.Errorf("Unexpected state: %s", changes.State())
		}
		if !logger.Contains("[ERROR]") {
			t.Errorf("fatal error not logged: %v", logger.Logs())
		}
	})
}

func TestSubscribeForChanges_sinceNow(t *testing.T) {
	c, tr := newMockClient(t, func(req *http.Request) (*http.Response, error) {
		if req.URL.Path == "/db" {
			return respond(req, http.StatusOK, `{"db_name":"db","update_seq":"7-abc"}`), nil
		}
		return respond(req, http.StatusOK, `{"seq":"8-def","id":"x","changes":[{"rev":"1-a"}]}`+"\n"), nil
	})
	changes := c.DB("db").SubscribeForChanges(context.Background(), nil, SinceNow())
	defer changes.Close() // nolint:errcheck
	if ev := nextChange(t, changes); ev.ID != "x" {
		t.Errorf("Unexpected change: %s", ev.ID)
	}
	reqs := tr.Requests()
	if len(reqs) < 2 {
		t.Fatalf("got %d requests", len(reqs))
	}
	if reqs[0].Method != http.MethodGet || reqs[0].URL.Path != "/db" {
		t.Errorf("Unexpected first request: %s %s", reqs[0].Method, reqs[0].URL.Path)
	}
	if since := reqs[1].URL.Query().Get("since"); since != "7-abc" {
		t.Errorf("Unexpected since: %s", since)
	}
}

func TestSubscribeForChanges_docIDs(t *testing.T) {
	_, db := newTestDB(t, nil)
	for _, id := range []string{"a", "b", "c"} {
		mustCreate(t, db, id, `{}`)
	}
	changes := db.SubscribeForChanges(context.Background(), nil, DocIDs("c", "b"))
	defer changes.Close() // nolint:errcheck
	var got []string
	for i := 0; i < 2; i++ {
		got = append(got, nextChange(t, changes).ID)
	}
	if d := cmp.Diff([]string{"b", "c"}, got); d != "" {
		t.Error(d)
	}
}

func TestSubscribeForChanges_docIDsArePosted(t *testing.T) {
	var body []byte
	c, tr := newMockClient(t, func(req *http.Request) (*http.Response, error) {
		var err error
		if body, err = requestBody(req); err != nil {
			return nil, err
		}
		return respond(req, http.StatusOK, `{"seq":"1-a","id":"a","changes":[]}`+"\n"), nil
	})
	changes := c.DB("db").SubscribeForChanges(context.Background(), nil, DocIDs("a"))
	defer changes.Close() // nolint:errcheck
	nextChange(t, changes)
	req := tr.Requests()[0]
	if req.Method != http.MethodPost || req.URL.Query().Get("filter") != "_doc_ids" {
		t.Errorf("Unexpected request: %s %s", req.Method, req.URL)
	}
	if d := testy.DiffAsJSON([]byte(`{"doc_ids":["a"]}`), body); d != nil {
		t.Error(d)
	}
}

func TestSubscribeForChanges_filter(t *testing.T) {
	even := func(doc map[string]interface{}) bool {
		n, _ := doc["n"].(float64)
		return int(n)%2 == 0
	}
	_, db := newTestDB(t, []couchtest.Option{couchtest.WithFilter("app", "even", even)})
	for i, id := range []string{"zero", "one", "two"} {
		mustCreate(t, db, id, `{"n":`+strconv.Itoa(i)+`}`)
	}
	changes := db.SubscribeForChanges(context.Background(), nil, Filter("app/even"))
	defer changes.Close() // nolint:errcheck
	got := []string{nextChange(t, changes).ID, nextChange(t, changes).ID}
	if d := cmp.Diff([]string{"zero", "two"}, got); d != "" {
		t.Error(d)
	}
}

func TestSubscribeForChanges_cancel(t *testing.T) {
	_, db := newTestDB(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	changes := db.SubscribeForChanges(ctx, nil)
	done := make(chan bool)
	go func() { done <- changes.Next() }()
	waitFor(t, "streaming", func() bool { return changes.State() == FeedStreaming })
	cancel()
	select {
	case ok := <-done:
		if ok {
			t.Error("Next returned true")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Next still blocked after cancel")
	}
	if err := changes.Err(); !errors.Is(err, context.Canceled) {
		t.Errorf("Unexpected error: %v", err)
	}
}

func TestSubscribeForChanges_scanDocWithoutDocs(t *testing.T) {
	_, db := newTestDB(t, nil)
	mustCreate(t, db, "a", `{}`)
	changes := db.SubscribeForChanges(context.Background(), nil)
	defer changes.Close() // nolint:errcheck
	nextChange(t, changes)
	var v interface{}
	if err := changes.ScanDoc(&v); !testy.ErrorMatches("couchstream: change has no document", err) {
		t.Errorf("Unexpected error: %v", err)
	}
}

func TestFeedState_String(t *testing.T) {
	want := []string{"connecting", "streaming", "heartbeat_timeout", "transport_error", "reconnecting", "closed", "unknown"}
	for i, w := range want {
		if got := FeedState(i).String(); got != w {
			t.Errorf("FeedState(%d) = %s, want %s", i, got, w)
		}
	}
}
