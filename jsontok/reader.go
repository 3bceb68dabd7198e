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

package jsontok

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const defaultChunkSize = 4096

// Reader pulls chunks from an io.Reader on demand and tokenizes them. Bytes
// are only read when the next event cannot be produced from what is already
// buffered.
type Reader struct {
	r     io.Reader
	p     *Parser
	chunk []byte
	err   error
}

// NewReader returns a Reader that reads chunks of up to 4KiB from r.
func NewReader(r io.Reader) *Reader {
	return NewReaderSize(r, defaultChunkSize)
}

// NewReaderSize returns a Reader that reads chunks of up to size bytes.
func NewReaderSize(r io.Reader, size int) *Reader {
	if size <= 0 {
		size = defaultChunkSize
	}
	return &Reader{
		r:     r,
		p:     NewParser(),
		chunk: make([]byte, size),
	}
}

// Depth returns the nesting depth after the most recently returned event.
// It is 0 between top-level values.
func (r *Reader) Depth() int {
	return r.p.Depth()
}

// Next returns the next event, reading more input as necessary. It returns
// [io.EOF] when the input ends cleanly between top-level values. Errors from
// the underlying reader are returned as-is; malformed input yields a
// [*SyntaxError].
func (r *Reader) Next() (Event, error) {
	if r.err != nil {
		return Event{}, r.err
	}
	for {
		ev, err := r.p.Next()
		if err != ErrNeedMore {
			if err != nil {
				r.err = err
			}
			return ev, err
		}
		n, rerr := r.r.Read(r.chunk)
		if n > 0 {
			_ = r.p.Feed(r.chunk[:n])
		}
		switch {
		case rerr == io.EOF:
			r.p.Close()
		case rerr != nil:
			r.err = rerr
			return Event{}, rerr
		}
	}
}

// Value consumes the remainder of the value which begins with first, and
// returns its JSON encoding. Only the one value is held in memory.
func (r *Reader) Value(first Event) (json.RawMessage, error) {
	switch first.Kind {
	case Scalar:
		raw := make([]byte, len(first.Raw))
		copy(raw, first.Raw)
		return raw, nil
	case StartObject, StartArray:
	default:
		return nil, fmt.Errorf("jsontok: %s does not begin a value", first.Kind)
	}
	buf := &bytes.Buffer{}
	buf.Write(first.Raw)
	prev := first.Kind
	for depth := 1; depth > 0; {
		ev, err := r.Next()
		if err != nil {
			return nil, unexpectedEOF(err, ev)
		}
		if needsComma(prev, ev.Kind) {
			buf.WriteByte(',')
		}
		buf.Write(ev.Raw)
		switch ev.Kind {
		case FieldName:
			buf.WriteByte(':')
		case StartObject, StartArray:
			depth++
		case EndObject, EndArray:
			depth--
		}
		prev = ev.Kind
	}
	return buf.Bytes(), nil
}

// Skip consumes the remainder of the value which begins with first.
func (r *Reader) Skip(first Event) error {
	switch first.Kind {
	case Scalar:
		return nil
	case StartObject, StartArray:
	default:
		return fmt.Errorf("jsontok: %s does not begin a value", first.Kind)
	}
	for depth := 1; depth > 0; {
		ev, err := r.Next()
		if err != nil {
			return unexpectedEOF(err, ev)
		}
		switch ev.Kind {
		case StartObject, StartArray:
			depth++
		case EndObject, EndArray:
			depth--
		}
	}
	return nil
}

// NextValue reads the next complete value. It is a convenience for
// consuming newline delimited JSON.
func (r *Reader) NextValue() (json.RawMessage, error) {
	ev, err := r.Next()
	if err != nil {
		return nil, err
	}
	return r.Value(ev)
}

func unexpectedEOF(err error, ev Event) error {
	if errors.Is(err, io.EOF) {
		return &SyntaxError{Offset: ev.Offset, Msg: "unexpected end of input"}
	}
	return err
}

func needsComma(prev, next Kind) bool {
	switch next {
	case EndObject, EndArray:
		return false
	}
	switch prev {
	case Scalar, EndObject, EndArray:
		return true
	}
	return false
}
