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
	"io"
	"net/http"
	"sync"
	"sync/atomic"

	internal "github.com/go-kivik/couchstream/int/errors"
)

// feed produces the values of an iterator. Next fills the value passed to it,
// returning io.EOF when there are no more values.
type feed interface {
	Next(interface{}) error
	Close() error
}

// possible states of the iterator
const (
	// stateReady is the initial state before Next is called.
	stateReady = iota
	// stateRowReady is the state after Next has produced a value.
	stateRowReady
	// stateClosed means the last value has been retrieved, or the iterator
	// was closed. The iterator is no longer usable.
	stateClosed
)

type iter struct {
	feed feed

	mu      sync.RWMutex
	state   int
	lasterr error // non-nil only if state == stateClosed

	// closing is set as soon as Close is called, before the lock is taken,
	// so that errors caused by aborting an in-flight read are not reported.
	closing atomic.Bool

	// cancel aborts the context the feed's requests were made with.
	cancel context.CancelFunc

	curVal interface{}
}

// newIterator instantiates a new iterator.
//
// ctx must be the context the feed issues its requests with, and cancel its
// cancel function; cancelling it aborts any read in progress. zeroValue is a
// pointer to an empty instance of the type this iterator iterates over.
func newIterator(ctx context.Context, cancel context.CancelFunc, f feed, zeroValue interface{}) *iter {
	i := &iter{
		feed:   f,
		cancel: cancel,
		curVal: zeroValue,
	}
	go i.awaitDone(ctx)
	return i
}

// awaitDone blocks until the iterator is closed or the context is cancelled,
// then closes the iterator if it's still open.
func (i *iter) awaitDone(ctx context.Context) {
	<-ctx.Done()
	var err error
	if !i.closing.Load() {
		err = ctx.Err()
	}
	_ = i.close(err)
}

func (i *iter) rlock() (unlock func(), err error) {
	i.mu.RLock()
	if i.state == stateClosed {
		i.mu.RUnlock()
		return nil, &internal.Error{Status: http.StatusBadRequest, Message: "couchstream: iterator is closed"}
	}
	if i.state != stateRowReady {
		i.mu.RUnlock()
		return nil, &internal.Error{Status: http.StatusBadRequest, Message: "couchstream: iterator access before calling Next"}
	}
	return i.mu.RUnlock, nil
}

// Next prepares the next value for reading. It returns true on success, or
// false if there is no next value or an error occurs while preparing it. Err
// should be consulted to distinguish between the two.
func (i *iter) Next() bool {
	doClose, ok := i.next()
	if doClose {
		_ = i.close(nil)
	}
	return ok
}

func (i *iter) next() (doClose, ok bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.state == stateClosed {
		return false, false
	}
	err := i.feed.Next(i.curVal)
	if err != nil && i.closing.Load() {
		err = io.EOF
	}
	i.state = stateRowReady
	i.lasterr = err
	if i.lasterr != nil {
		return true, false
	}
	return false, true
}

// Close closes the iterator, preventing further enumeration, and freeing any
// resources (such as the http response body) of the underlying feed. A read
// blocked in another goroutine is aborted. Close is idempotent and does not
// affect the result of Err.
func (i *iter) Close() error {
	i.closing.Store(true)
	return i.close(nil)
}

func (i *iter) close(err error) error {
	// Abort any in-flight read first; it holds the read lock.
	i.cancel()
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state == stateClosed {
		return nil
	}
	i.state = stateClosed

	if i.lasterr == nil {
		i.lasterr = err
	}

	return i.feed.Close()
}

// Err returns the error, if any, that was encountered during iteration. Err
// may be called after an explicit or implicit Close.
func (i *iter) Err() error {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.lasterr == io.EOF {
		return nil
	}
	return i.lasterr
}
