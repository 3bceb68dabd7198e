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

package errors

import (
	"fmt"
	"net/http"
	"testing"

	"gitlab.com/flimzy/testy"

	"github.com/go-kivik/couchstream"
)

func TestInspectErrorCode(t *testing.T) {
	type tt struct {
		err  error
		want int
	}

	tests := testy.NewTable()
	tests.Add("nil", tt{})
	tests.Add("unclassified", tt{
		err: fmt.Errorf("boom"),
	})
	tests.Add("explicit code", tt{
		err:  Code(ErrUsage, "bad flag"),
		want: ErrUsage,
	})
	tests.Add("wrapped code", tt{
		err:  fmt.Errorf("outer: %w", Codef(ErrData, "bad %s", "input")),
		want: ErrData,
	})
	tests.Add("not found", tt{
		err:  &couchstream.Error{Status: http.StatusNotFound},
		want: ErrNotFound,
	})
	tests.Add("conflict", tt{
		err:  &couchstream.Error{Status: http.StatusConflict},
		want: ErrConflict,
	})
	tests.Add("network", tt{
		err:  &couchstream.Error{Status: http.StatusBadGateway, Kind: couchstream.KindNetwork},
		want: ErrUnavailable,
	})
	tests.Add("malformed", tt{
		err:  &couchstream.Error{Status: http.StatusBadGateway, Kind: couchstream.KindMalformed},
		want: ErrProtocol,
	})
	tests.Add("timeout", tt{
		err:  &couchstream.Error{Status: http.StatusGatewayTimeout, Kind: couchstream.KindTimeout},
		want: ErrTempFail,
	})
	tests.Add("unauthorized", tt{
		err:  &couchstream.Error{Status: http.StatusUnauthorized},
		want: ErrUnauthorized,
	})
	tests.Add("internal server error", tt{
		err:  &couchstream.Error{Status: http.StatusInternalServerError},
		want: ErrInternalServerError,
	})
	tests.Add("version not supported", tt{
		err:  &couchstream.Error{Status: http.StatusHTTPVersionNotSupported, Kind: couchstream.KindRemote},
		want: ErrUnknown,
	})

	tests.Run(t, func(t *testing.T, tt tt) {
		if got := InspectErrorCode(tt.err); got != tt.want {
			t.Errorf("Unexpected code. Want %d, got %d", tt.want, got)
		}
	})
}

func TestCode_nil(t *testing.T) {
	if err := Code(ErrUsage, nil); err != nil {
		t.Errorf("Expected nil, got %v", err)
	}
}

func TestHTTPStatus(t *testing.T) {
	err := HTTPStatus(http.StatusServiceUnavailable, "Server down")
	if d := testy.DiffText("Server down", err.Error()); d != nil {
		t.Error(d)
	}
	if got := InspectErrorCode(err); got != ErrUnknown {
		t.Errorf("Unexpected code %d", got)
	}
}
