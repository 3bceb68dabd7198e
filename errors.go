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
	"fmt"
	"net/http"

	internal "github.com/go-kivik/couchstream/int/errors"
)

// Error represents an error returned by couchstream.
type Error = internal.Error

// ErrorKind classifies a failure.
type ErrorKind = internal.Kind

// Failure kinds.
const (
	KindUnknown   = internal.KindUnknown
	KindNotFound  = internal.KindNotFound
	KindConflict  = internal.KindConflict
	KindNetwork   = internal.KindNetwork
	KindMalformed = internal.KindMalformed
	KindTimeout   = internal.KindTimeout
	KindRemote    = internal.KindRemote
)

// HTTPStatus returns the HTTP status code embedded in the error, or 500
// (internal server error), if there was no specified status code.  If err is
// nil, HTTPStatus returns 0.
func HTTPStatus(err error) int {
	return internal.HTTPStatus(err)
}

// KindOf returns the failure kind of err.
func KindOf(err error) ErrorKind {
	return internal.KindOf(err)
}

// IsConflict reports whether err is a revision conflict.
func IsConflict(err error) bool {
	return internal.KindOf(err) == internal.KindConflict
}

// IsNotFound reports whether err reports a missing resource.
func IsNotFound(err error) bool {
	return internal.KindOf(err) == internal.KindNotFound
}

func missingArg(arg string) error {
	return &internal.Error{Status: http.StatusBadRequest, Message: fmt.Sprintf("couchstream: %s required", arg)}
}

func malformed(format string, args ...interface{}) error {
	return &internal.Error{Status: http.StatusBadGateway, Kind: internal.KindMalformed, Err: fmt.Errorf(format, args...)}
}
