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
	"encoding/json"
	"net/http"

	"github.com/go-kivik/couchstream/chttp"
)

// Session describes the user the client is authenticated as.
type Session struct {
	// Name is empty for an anonymous session.
	Name  string
	Roles []string
	// AuthenticationMethod is the handler which authenticated the request,
	// such as "cookie" or "default".
	AuthenticationMethod string
	AuthenticationDB     string
	// AuthenticationHandlers lists the handlers enabled on the server.
	AuthenticationHandlers []string
	// RawResponse is the body sent by the server.
	RawResponse json.RawMessage
}

type sessionResponse struct {
	UserCtx struct {
		Name  string   `json:"name"`
		Roles []string `json:"roles"`
	} `json:"userCtx"`
	Info struct {
		Method   string   `json:"authenticated"`
		DB       string   `json:"authentication_db"`
		Handlers []string `json:"authentication_handlers"`
	} `json:"info"`
}

// Session returns the session of the client's credentials.
func (c *Client) Session(ctx context.Context) (*Session, error) {
	var raw json.RawMessage
	if err := c.chttp.DoJSON(ctx, http.MethodGet, "/_session", &chttp.Options{}, &raw); err != nil {
		return nil, rejection(err)
	}
	var resp sessionResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, malformed("invalid session response: %w", err)
	}
	return &Session{
		Name:                   resp.UserCtx.Name,
		Roles:                  resp.UserCtx.Roles,
		AuthenticationMethod:   resp.Info.Method,
		AuthenticationDB:       resp.Info.DB,
		AuthenticationHandlers: resp.Info.Handlers,
		RawResponse:            raw,
	}, nil
}
