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

// Package jsontok provides an incremental JSON tokenizer, which produces
// structural and scalar events from byte chunks as they arrive.
//
// The tokenizer never needs the complete input. When a chunk ends in the
// middle of a token, only that token's bytes are retained until the next
// chunk completes it, so splitting the same input at arbitrary boundaries
// always yields the identical event sequence.
package jsontok

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Kind identifies the type of an [Event].
type Kind int

// Event kinds.
const (
	Invalid Kind = iota
	StartObject
	EndObject
	StartArray
	EndArray
	FieldName
	Scalar
)

func (k Kind) String() string {
	switch k {
	case StartObject:
		return "StartObject"
	case EndObject:
		return "EndObject"
	case StartArray:
		return "StartArray"
	case EndArray:
		return "EndArray"
	case FieldName:
		return "FieldName"
	case Scalar:
		return "Scalar"
	}
	return "Invalid"
}

// ScalarType identifies the JSON type of a [Scalar] event.
type ScalarType int

// Scalar types.
const (
	NoScalar ScalarType = iota
	String
	Number
	Bool
	Null
)

// Event is a single token produced by the tokenizer.
type Event struct {
	Kind Kind
	// Type is set for Scalar events only.
	Type ScalarType
	// Value is the decoded string for String scalars and field names, and
	// the literal text for numbers, booleans and null.
	Value string
	// Raw holds the token exactly as it appeared in the input.
	Raw []byte
	// Offset is the absolute byte offset of the token in the input.
	Offset int64
}

// ErrNeedMore is returned by [Parser.Next] when the buffered input ends
// before the next token is complete. Call [Parser.Feed] or [Parser.Close]
// and try again.
var ErrNeedMore = errors.New("jsontok: need more input")

// SyntaxError reports malformed input.
type SyntaxError struct {
	Offset int64
	Msg    string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("jsontok: %s at offset %d", e.Msg, e.Offset)
}

type expect int

const (
	expectValue expect = iota
	expectValueOrEnd
	expectKeyOrEnd
	expectKey
	expectColon
	expectCommaOrEnd
)

// Parser is a push-style incremental tokenizer. Feed it chunks, and pull
// events with Next. A Parser accepts any number of whitespace separated
// top-level values, such as newline delimited JSON.
//
// A Parser is not safe for concurrent use.
type Parser struct {
	buf  []byte
	pos  int
	base int64 // absolute offset of buf[0]
	// scanned is how far the unterminated string or number at pos has
	// already been scanned, so that more input resumes rather than rescans.
	scanned int

	stack []byte
	exp   expect
	eof   bool
	err   error
}

// NewParser returns a new, empty parser.
func NewParser() *Parser {
	return &Parser{}
}

// Feed appends chunk to the input. The chunk is copied.
func (p *Parser) Feed(chunk []byte) error {
	if p.eof {
		return errors.New("jsontok: feed after close")
	}
	p.compact()
	p.buf = append(p.buf, chunk...)
	return nil
}

// Close marks the end of input.
func (p *Parser) Close() {
	p.eof = true
}

// Depth returns the current nesting depth.
func (p *Parser) Depth() int {
	return len(p.stack)
}

// compact drops consumed bytes, retaining only an unterminated token.
func (p *Parser) compact() {
	if p.pos == 0 {
		return
	}
	n := copy(p.buf, p.buf[p.pos:])
	p.buf = p.buf[:n]
	p.base += int64(p.pos)
	p.pos = 0
}

func (p *Parser) fail(offset int64, format string, args ...interface{}) (Event, error) {
	p.err = &SyntaxError{Offset: offset, Msg: fmt.Sprintf(format, args...)}
	return Event{}, p.err
}

func (p *Parser) offset() int64 {
	return p.base + int64(p.pos)
}

func (p *Parser) skipSpace() {
	for p.pos < len(p.buf) {
		switch p.buf[p.pos] {
		case ' ', '\t', '\r', '\n':
			p.pos++
		default:
			return
		}
	}
}

func (p *Parser) top() byte {
	if len(p.stack) == 0 {
		return 0
	}
	return p.stack[len(p.stack)-1]
}

// Next returns the next event. It returns [ErrNeedMore] if more input is
// required, [io.EOF] once the input is closed and every value is complete,
// or a [*SyntaxError]. Syntax errors are permanent.
func (p *Parser) Next() (Event, error) {
	if p.err != nil {
		return Event{}, p.err
	}
	for {
		p.skipSpace()
		if p.pos >= len(p.buf) {
			if !p.eof {
				return Event{}, ErrNeedMore
			}
			if len(p.stack) == 0 && p.exp == expectValue {
				p.err = io.EOF
				return Event{}, io.EOF
			}
			return p.fail(p.offset(), "unexpected end of input")
		}
		c := p.buf[p.pos]
		switch p.exp {
		case expectColon:
			if c != ':' {
				return p.fail(p.offset(), "expected ':', found %q", c)
			}
			p.pos++
			p.exp = expectValue
			continue
		case expectCommaOrEnd:
			switch c {
			case ',':
				p.pos++
				if p.top() == '{' {
					p.exp = expectKey
				} else {
					p.exp = expectValue
				}
				continue
			case '}', ']':
				return p.end(c)
			}
			return p.fail(p.offset(), "expected ',' or end of container, found %q", c)
		case expectKeyOrEnd:
			if c == '}' {
				return p.end(c)
			}
			return p.key(c)
		case expectKey:
			return p.key(c)
		case expectValueOrEnd:
			if c == ']' {
				return p.end(c)
			}
		}
		return p.value(c)
	}
}

func (p *Parser) key(c byte) (Event, error) {
	if c != '"' {
		return p.fail(p.offset(), "expected string for object key, found %q", c)
	}
	ev, err := p.scanString()
	if err != nil {
		return ev, err
	}
	ev.Kind = FieldName
	ev.Type = NoScalar
	p.exp = expectColon
	return ev, nil
}

func (p *Parser) end(c byte) (Event, error) {
	want := byte('{')
	kind := EndObject
	if c == ']' {
		want = '['
		kind = EndArray
	}
	if p.top() != want {
		return p.fail(p.offset(), "unexpected %q", c)
	}
	ev := Event{Kind: kind, Raw: []byte{c}, Offset: p.offset()}
	p.pos++
	p.stack = p.stack[:len(p.stack)-1]
	p.afterValue()
	return ev, nil
}

func (p *Parser) afterValue() {
	if len(p.stack) == 0 {
		p.exp = expectValue
		return
	}
	p.exp = expectCommaOrEnd
}

func (p *Parser) value(c byte) (Event, error) {
	switch {
	case c == '{':
		ev := Event{Kind: StartObject, Raw: []byte{c}, Offset: p.offset()}
		p.pos++
		p.stack = append(p.stack, c)
		p.exp = expectKeyOrEnd
		return ev, nil
	case c == '[':
		ev := Event{Kind: StartArray, Raw: []byte{c}, Offset: p.offset()}
		p.pos++
		p.stack = append(p.stack, c)
		p.exp = expectValueOrEnd
		return ev, nil
	case c == '"':
		ev, err := p.scanString()
		if err != nil {
			return ev, err
		}
		p.afterValue()
		return ev, nil
	case c == '-' || (c >= '0' && c <= '9'):
		ev, err := p.scanNumber()
		if err != nil {
			return ev, err
		}
		p.afterValue()
		return ev, nil
	case c == 't':
		return p.scanLiteral("true", Bool)
	case c == 'f':
		return p.scanLiteral("false", Bool)
	case c == 'n':
		return p.scanLiteral("null", Null)
	}
	return p.fail(p.offset(), "invalid character %q looking for beginning of value", c)
}

func (p *Parser) scanString() (Event, error) {
	start := p.pos
	i := start + 1
	if p.scanned > 0 {
		i = start + p.scanned
	}
	for {
		if i >= len(p.buf) {
			if p.eof {
				return p.fail(p.base+int64(start), "unterminated string")
			}
			// i may point past the end when the chunk ended on a backslash.
			p.scanned = i - start
			return Event{}, ErrNeedMore
		}
		c := p.buf[i]
		switch {
		case c == '\\':
			i += 2
			continue
		case c == '"':
			i++
		case c < 0x20:
			return p.fail(p.base+int64(i), "invalid control character in string")
		default:
			i++
			continue
		}
		break
	}
	raw := make([]byte, i-start)
	copy(raw, p.buf[start:i])
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return p.fail(p.base+int64(start), "invalid string: %s", err)
	}
	p.pos = i
	p.scanned = 0
	return Event{Kind: Scalar, Type: String, Value: value, Raw: raw, Offset: p.base + int64(start)}, nil
}

func isNumberByte(c byte) bool {
	return (c >= '0' && c <= '9') || c == '-' || c == '+' || c == '.' || c == 'e' || c == 'E'
}

func (p *Parser) scanNumber() (Event, error) {
	start := p.pos
	i := start + p.scanned
	for i < len(p.buf) && isNumberByte(p.buf[i]) {
		i++
	}
	if i == len(p.buf) && !p.eof {
		p.scanned = i - start
		return Event{}, ErrNeedMore
	}
	raw := make([]byte, i-start)
	copy(raw, p.buf[start:i])
	if !validNumber(raw) {
		return p.fail(p.base+int64(start), "invalid number %q", raw)
	}
	p.pos = i
	p.scanned = 0
	return Event{Kind: Scalar, Type: Number, Value: string(raw), Raw: raw, Offset: p.base + int64(start)}, nil
}

func (p *Parser) scanLiteral(lit string, typ ScalarType) (Event, error) {
	start := p.pos
	avail := p.buf[start:]
	if len(avail) < len(lit) {
		if string(avail) != lit[:len(avail)] {
			return p.fail(p.base+int64(start), "invalid literal")
		}
		if p.eof {
			return p.fail(p.base+int64(start), "unexpected end of input")
		}
		return Event{}, ErrNeedMore
	}
	if string(avail[:len(lit)]) != lit {
		return p.fail(p.base+int64(start), "invalid literal")
	}
	p.pos += len(lit)
	p.afterValue()
	return Event{Kind: Scalar, Type: typ, Value: lit, Raw: []byte(lit), Offset: p.base + int64(start)}, nil
}

// validNumber reports whether b matches the JSON number grammar.
func validNumber(b []byte) bool {
	i := 0
	if i < len(b) && b[i] == '-' {
		i++
	}
	switch {
	case i < len(b) && b[i] == '0':
		i++
	case i < len(b) && b[i] >= '1' && b[i] <= '9':
		for i < len(b) && b[i] >= '0' && b[i] <= '9' {
			i++
		}
	default:
		return false
	}
	if i < len(b) && b[i] == '.' {
		i++
		digits := 0
		for i < len(b) && b[i] >= '0' && b[i] <= '9' {
			i++
			digits++
		}
		if digits == 0 {
			return false
		}
	}
	if i < len(b) && (b[i] == 'e' || b[i] == 'E') {
		i++
		if i < len(b) && (b[i] == '+' || b[i] == '-') {
			i++
		}
		digits := 0
		for i < len(b) && b[i] >= '0' && b[i] <= '9' {
			i++
			digits++
		}
		if digits == 0 {
			return false
		}
	}
	return i == len(b)
}
