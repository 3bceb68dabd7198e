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

// Package internal holds the error type shared by couchstream and its
// transport, so that both can classify failures identically.
package internal

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure independently of the HTTP status that carried it.
type Kind int

// Failure kinds.
const (
	KindUnknown Kind = iota
	// KindNotFound means the requested resource does not exist.
	KindNotFound
	// KindConflict means a write was rejected because of a revision mismatch.
	KindConflict
	// KindNetwork means a transport-level failure (reset, DNS, TLS, ...).
	KindNetwork
	// KindMalformed means the server response violated the expected shape.
	KindMalformed
	// KindTimeout means a change feed went silent for longer than the
	// heartbeat timeout and could not be re-established.
	KindTimeout
	// KindRemote is any other structured error reported by the server.
	KindRemote
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindNetwork:
		return "network_failure"
	case KindMalformed:
		return "malformed_response"
	case KindTimeout:
		return "timeout"
	case KindRemote:
		return "remote_error"
	}
	return "unknown"
}

// Error represents an error returned by couchstream.
type Error struct {
	// Status is the HTTP status code associated with this error. Normally
	// this is the actual HTTP status returned by the server, but in some cases
	// it may be generated locally.
	Status int

	// Kind classifies the error. When zero, the kind is derived from Status.
	Kind Kind

	// Message is the error message.
	Message string

	// Err is the originating error, if any.
	Err error
}

var (
	_ error         = (*Error)(nil)
	_ fmt.Formatter = (*Error)(nil)
)

func (e *Error) Error() string {
	if e.Err == nil {
		return e.msg()
	}
	if e.Message == "" {
		return e.Err.Error()
	}
	return e.Message + ": " + e.Err.Error()
}

// HTTPStatus returns the HTTP status code associated with the error, or 500
// (internal server error), if none.
func (e *Error) HTTPStatus() int {
	if e.Status == 0 {
		return http.StatusInternalServerError
	}
	return e.Status
}

// ErrorKind returns the classification of the error.
func (e *Error) ErrorKind() Kind {
	if e.Kind != KindUnknown {
		return e.Kind
	}
	return StatusKind(e.HTTPStatus())
}

// Unwrap satisfies the errors wrapper interface.
func (e *Error) Unwrap() error {
	return e.Err
}

// Format implements [fmt.Formatter]. The %+v verb adds the status code and
// status text.
func (e *Error) Format(f fmt.State, c rune) {
	const partsLen = 3
	parts := make([]string, 0, partsLen)
	if e.Message != "" {
		parts = append(parts, e.Message)
	}
	if c == 'v' && f.Flag('+') {
		parts = append(parts, fmt.Sprintf("%d / %s", e.HTTPStatus(), http.StatusText(e.HTTPStatus())))
	}
	if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}
	for i, part := range parts {
		if i > 0 {
			_, _ = fmt.Fprint(f, ": ")
		}
		_, _ = fmt.Fprint(f, part)
	}
}

func (e *Error) msg() string {
	switch e.Message {
	case "":
		return http.StatusText(e.HTTPStatus())
	default:
		return e.Message
	}
}

// StatusKind maps an HTTP status to the default failure kind.
func StatusKind(status int) Kind {
	switch {
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusConflict:
		return KindConflict
	case status == http.StatusBadGateway, status == http.StatusServiceUnavailable,
		status == http.StatusGatewayTimeout:
		return KindNetwork
	case status >= http.StatusBadRequest:
		return KindRemote
	}
	return KindUnknown
}

// HTTPStatus returns the HTTP status code embedded in the error, or 500
// (internal server error), if there was no specified status code.  If err is
// nil, HTTPStatus returns 0. This function is used to identify the status of
// errors returned by both couchstream and its transport.
func HTTPStatus(err error) int {
	if err == nil {
		return 0
	}
	var coder interface {
		HTTPStatus() int
	}
	if errors.As(err, &coder) {
		return coder.HTTPStatus()
	}
	return http.StatusInternalServerError
}

// KindOf returns the failure kind of err. Errors which carry neither an
// explicit kind nor an HTTP status are [KindUnknown].
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var kinder interface {
		ErrorKind() Kind
	}
	if errors.As(err, &kinder) {
		return kinder.ErrorKind()
	}
	var coder interface {
		HTTPStatus() int
	}
	if errors.As(err, &coder) {
		return StatusKind(coder.HTTPStatus())
	}
	return KindUnknown
}
