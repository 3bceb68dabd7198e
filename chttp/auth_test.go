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

package chttp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestBasicAuth(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "bob" || pass != "s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer s.Close()

	c, err := New(nil, s.URL, BasicAuth("bob", "s3cret"))
	if err != nil {
		t.Fatal(err)
	}
	var result struct {
		OK bool `json:"ok"`
	}
	if err := c.DoJSON(context.Background(), http.MethodGet, "/", nil, &result); err != nil {
		t.Fatal(err)
	}
	if !result.OK {
		t.Error("Expected ok")
	}
}

func TestBasicAuth_String(t *testing.T) {
	a := BasicAuth("bob", "abc").(*basicAuth)
	if s := a.String(); s != "[BasicAuth{user:bob,pass:***}]" {
		t.Errorf("Unexpected: %s", s)
	}
}

func TestCookieAuth(t *testing.T) {
	var sessions int32
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/_session" {
			atomic.AddInt32(&sessions, 1)
			var creds struct {
				Name     string `json:"name"`
				Password string `json:"password"`
			}
			if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			if creds.Name != "admin" || creds.Password != "abc123" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			http.SetCookie(w, &http.Cookie{Name: SessionCookieName, Value: "tok", Path: "/"})
			_, _ = w.Write([]byte(`{"ok":true}`))
			return
		}
		if c, err := r.Cookie(SessionCookieName); err != nil || c.Value != "tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer s.Close()

	c, err := New(nil, s.URL, CookieAuth("admin", "abc123"), OptionNoRequestCompression())
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if _, err := c.DoError(context.Background(), http.MethodGet, "/db", nil); err != nil {
			t.Fatal(err)
		}
	}
	if n := atomic.LoadInt32(&sessions); n != 1 {
		t.Errorf("Expected one session request, got %d", n)
	}
}

func TestCookieAuth_rejected(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"unauthorized","reason":"Name or password is incorrect."}`))
	}))
	defer s.Close()

	c, err := New(nil, s.URL, CookieAuth("admin", "wrong"))
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.DoError(context.Background(), http.MethodGet, "/db", nil)
	if err == nil {
		t.Fatal("Expected an error")
	}
}
