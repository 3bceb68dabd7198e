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
	"errors"
	"net/http"

	"github.com/go-kivik/couchstream/chttp"
	internal "github.com/go-kivik/couchstream/int/errors"
)

// errorNameStatus maps the error names CouchDB reports for individual bulk
// items to the status the same rejection carries on a single-document write.
func errorNameStatus(name string) int {
	switch name {
	case "conflict":
		return http.StatusConflict
	case "not_found":
		return http.StatusNotFound
	case "forbidden":
		return http.StatusForbidden
	case "unauthorized":
		return http.StatusUnauthorized
	case "bad_request", "illegal_docid", "doc_validation":
		return http.StatusBadRequest
	case "too_large", "document_too_large":
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusInternalServerError
}

// classifyRejection turns a write rejected by the server into an error whose
// kind depends only on the status and error name. Single-document writes and
// bulk items both go through here.
func classifyRejection(status int, errName, reason string) error {
	kind := chttp.Classify(status, errName)
	if kind == internal.KindUnknown {
		kind = internal.KindRemote
	}
	msg := reason
	if msg == "" {
		msg = errName
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &internal.Error{Status: status, Kind: kind, Message: msg}
}

// rejection classifies a transport error from a single-document request. Errors
// that are not server rejections are returned unaltered.
func rejection(err error) error {
	var httpErr *chttp.HTTPError
	if !errors.As(err, &httpErr) {
		return err
	}
	classified := classifyRejection(httpErr.HTTPStatus(), httpErr.Name, httpErr.Reason).(*internal.Error)
	classified.Message = ""
	classified.Err = httpErr
	return classified
}
