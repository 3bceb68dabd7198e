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

// Package errors maps couchstream failures to process exit codes.
package errors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-kivik/couchstream"
)

// Exit status codes
//
// See https://man.openbsd.org/sysexits.3
const (
	// ErrUsage indicates an incorrect command, option, or unparseable
	// configuration.
	ErrUsage = 2
	// ErrUnknown indicates that the server responded with an HTTP status
	// above 500.
	ErrUnknown = 3
	// ErrInternalServerError indicates that the server responded with a 500
	// error.
	ErrInternalServerError = 4

	// ErrBadRequest indicates that the server responded with a 400 error.
	ErrBadRequest = 10
	// ErrUnauthorized indicates that the server responded with a 401 error.
	ErrUnauthorized = 11
	// ErrForbidden indicates that the server responded with a 403 error.
	ErrForbidden = 13
	// ErrNotFound indicates that the requested resource does not exist.
	ErrNotFound = 14
	// ErrConflict indicates a revision conflict.
	ErrConflict = 19
	// ErrPreconditionFailed indicates that the server responded with a 412
	// error.
	ErrPreconditionFailed = 22

	// ErrData indicates an input file is invalid.
	ErrData = 65
	// ErrNoInput indicates that an input file does not exist or cannot be read.
	ErrNoInput = 66
	// ErrUnavailable indicates that the server could not be reached.
	ErrUnavailable = 69
	// ErrCantCreate indicates that an output file cannot be created.
	ErrCantCreate = 73
	// ErrTempFail indicates that a change feed went silent and could not be
	// re-established.
	ErrTempFail = 75
	// ErrProtocol indicates that the server response could not be understood.
	ErrProtocol = 76
)

type statusErr struct {
	error
	code int
}

func (e *statusErr) Unwrap() error {
	return e.error
}

func (e *statusErr) ExitStatus() int {
	return e.code
}

// Code returns a new error with an exit code. If err is an existing error, it
// is wrapped. All other values are passed to fmt.Sprint.
//
// If err is a single nil value, nil is returned.
func Code(code int, err ...interface{}) error {
	if len(err) == 1 {
		if err[0] == nil {
			return nil
		}
		if e, ok := err[0].(error); ok {
			return &statusErr{error: e, code: code}
		}
	}
	return &statusErr{error: errors.New(fmt.Sprint(err...)), code: code}
}

// Codef wraps the output of fmt.Errorf with an exit code.
func Codef(code int, format string, args ...interface{}) error {
	return &statusErr{error: fmt.Errorf(format, args...), code: code}
}

// InspectErrorCode returns the exit code for err. An explicit code wins,
// followed by the failure kind, then the HTTP status. Zero means err is nil
// or carries no classification.
func InspectErrorCode(err error) int {
	if err == nil {
		return 0
	}
	exitErr := new(statusErr)
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus()
	}
	switch couchstream.KindOf(err) {
	case couchstream.KindNotFound:
		return ErrNotFound
	case couchstream.KindConflict:
		return ErrConflict
	case couchstream.KindNetwork:
		return ErrUnavailable
	case couchstream.KindMalformed:
		return ErrProtocol
	case couchstream.KindTimeout:
		return ErrTempFail
	case couchstream.KindRemote:
		return fromHTTPStatus(couchstream.HTTPStatus(err))
	}
	return 0
}

func fromHTTPStatus(status int) int {
	switch {
	case status == http.StatusInternalServerError:
		return ErrInternalServerError
	case status >= http.StatusBadRequest && status < http.StatusInternalServerError:
		return status - 390 // nolint:gomnd
	default:
		return ErrUnknown
	}
}

// HTTPStatus converts status to an exit code, and passes it to Code.
func HTTPStatus(status int, err ...interface{}) error {
	return Code(fromHTTPStatus(status), err...)
}

// As calls errors.As.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Is calls errors.Is.
func Is(err, target error) bool {
	return errors.Is(err, target)
}
