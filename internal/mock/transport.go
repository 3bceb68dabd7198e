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

// Package mock provides test doubles for couchstream's collaborators.
package mock

import (
	"io"
	"net/http"
	"sync"
)

// Transport mocks http.RoundTripper, recording every request it receives.
type Transport struct {
	RoundTripFunc func(*http.Request) (*http.Response, error)

	mu       sync.Mutex
	requests []*http.Request
}

var _ http.RoundTripper = &Transport{}

// RoundTrip records req and calls t.RoundTripFunc.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	t.mu.Lock()
	t.requests = append(t.requests, req)
	t.mu.Unlock()
	return t.RoundTripFunc(req)
}

// Requests returns the requests received so far.
func (t *Transport) Requests() []*http.Request {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*http.Request(nil), t.requests...)
}

// ChunkSource mocks couchstream.ChunkSource.
type ChunkSource struct {
	NextChunkFunc func() ([]byte, error)
}

// NextChunk calls s.NextChunkFunc.
func (s *ChunkSource) NextChunk() ([]byte, error) {
	return s.NextChunkFunc()
}

// Chunks returns a ChunkSource yielding chunks in order, then err. If err is
// nil, io.EOF is used. It also reports how many chunks have been pulled.
func Chunks(err error, chunks ...[]byte) (*ChunkSource, func() int) {
	var mu sync.Mutex
	pulled := 0
	src := &ChunkSource{
		NextChunkFunc: func() ([]byte, error) {
			mu.Lock()
			defer mu.Unlock()
			if pulled < len(chunks) {
				pulled++
				return chunks[pulled-1], nil
			}
			if err == nil {
				return nil, io.EOF
			}
			return nil, err
		},
	}
	return src, func() int {
		mu.Lock()
		defer mu.Unlock()
		return pulled
	}
}
