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
	"fmt"
	"io"
	"testing"
	"time"

	"gitlab.com/flimzy/testy"
)

type testFeed struct {
	max      int64
	i        int64
	closeErr error
	closed   bool
}

var _ feed = &testFeed{}

func (f *testFeed) Close() error {
	f.closed = true
	return f.closeErr
}

func (f *testFeed) Next(ifce interface{}) error {
	i, ok := ifce.(*int64)
	if !ok {
		panic(fmt.Sprintf("unknown type: %T", ifce))
	}
	*i = f.i
	f.i++
	if f.i > f.max {
		return io.EOF
	}
	time.Sleep(time.Millisecond)
	return nil
}

func newTestIterator(ctx context.Context, f feed) *iter {
	ctx, cancel := context.WithCancel(ctx)
	var zero int64
	return newIterator(ctx, cancel, f, &zero)
}

func TestIterator(t *testing.T) {
	f := &testFeed{max: 10}
	it := newTestIterator(context.Background(), f)
	expected := []int64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	result := []int64{}
	for it.Next() {
		result = append(result, *it.curVal.(*int64))
	}
	if err := it.Err(); err != nil {
		t.Errorf("Unexpected error: %s", err)
	}
	if d := testy.DiffAsJSON(expected, result); d != nil {
		t.Errorf("Unexpected result:\n%s\n", d)
	}
	if !f.closed {
		t.Error("feed not closed after the last value")
	}
}

func TestIterator_cancelled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	it := newTestIterator(ctx, &testFeed{max: 100000})
	for it.Next() { //nolint:revive // empty block necessary for loop
	}
	if err := it.Err(); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Unexpected error: %v", err)
	}
}

func TestIterator_closeIsNotAnError(t *testing.T) {
	it := newTestIterator(context.Background(), &testFeed{max: 100000})
	if !it.Next() {
		t.Fatal("expected a value")
	}
	if err := it.Close(); err != nil {
		t.Fatal(err)
	}
	if it.Next() {
		t.Error("Next returned true after Close")
	}
	if err := it.Err(); err != nil {
		t.Errorf("Unexpected error: %s", err)
	}
	if _, err := it.rlock(); err == nil {
		t.Error("expected an error reading a closed iterator")
	}
}

func TestIterator_accessBeforeNext(t *testing.T) {
	it := newTestIterator(context.Background(), &testFeed{max: 1})
	defer it.Close() // nolint:errcheck
	_, err := it.rlock()
	if !testy.ErrorMatches("couchstream: iterator access before calling Next", err) {
		t.Errorf("Unexpected error: %v", err)
	}
}

// blockingFeed blocks in Next until its context is cancelled.
type blockingFeed struct {
	ctx     context.Context
	started chan struct{}
}

func (f *blockingFeed) Next(interface{}) error {
	close(f.started)
	<-f.ctx.Done()
	return f.ctx.Err()
}

func (f *blockingFeed) Close() error { return nil }

func TestIterator_closeAbortsBlockedNext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := &blockingFeed{ctx: ctx, started: make(chan struct{})}
	var zero int64
	it := newIterator(ctx, cancel, f, &zero)
	done := make(chan bool)
	go func() { done <- it.Next() }()
	<-f.started
	if err := it.Close(); err != nil {
		t.Fatal(err)
	}
	select {
	case ok := <-done:
		if ok {
			t.Error("Next returned true")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Next still blocked after Close")
	}
	if err := it.Err(); err != nil {
		t.Errorf("Unexpected error: %s", err)
	}
}
