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

package couchtest

import (
	"compress/gzip"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// GetHead routes HEAD requests without a HEAD handler to the GET handler,
// discarding the response body.
func GetHead(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			next.ServeHTTP(w, r)
			return
		}
		rctx := chi.RouteContext(r.Context())
		routePath := rctx.RoutePath
		if routePath == "" {
			routePath = r.URL.EscapedPath()
		}
		if rctx.Routes.Match(chi.NewRouteContext(), http.MethodHead, routePath) {
			next.ServeHTTP(w, r)
			return
		}
		rctx.RouteMethod = http.MethodGet
		rctx.RoutePath = routePath
		next.ServeHTTP(headWriter{ResponseWriter: w}, r)
	})
}

type headWriter struct {
	http.ResponseWriter
}

func (headWriter) Write(p []byte) (int, error) {
	return len(p), nil
}

// Gunzip transparently decompresses gzip-encoded request bodies.
func Gunzip(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Encoding") != "gzip" {
			next.ServeHTTP(w, r)
			return
		}
		gz, err := gzip.NewReader(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		r.Body = struct {
			io.Reader
			io.Closer
		}{Reader: gz, Closer: r.Body}
		r.Header.Del("Content-Encoding")
		next.ServeHTTP(w, r)
	})
}
