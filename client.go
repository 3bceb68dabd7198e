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
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-kivik/couchstream/chttp"
	internal "github.com/go-kivik/couchstream/int/errors"
)

// Client is a connection to a CouchDB server. It holds only connection
// configuration and is safe for concurrent use.
type Client struct {
	chttp  *chttp.Client
	config *config
}

// New returns a client connected to the server at dsn. Credentials included
// in dsn are used for cookie authentication.
func New(dsn string, options ...Option) (*Client, error) {
	cfg := defaultConfig()
	multiOptions(options).Apply(cfg)

	httpClient := &http.Client{Transport: cfg.transport}
	if cfg.httpClient != nil {
		hc := *cfg.httpClient
		httpClient = &hc
	}
	chttpOpts := make([]chttp.Option, 0, len(options))
	for _, opt := range options {
		if opt != nil {
			chttpOpts = append(chttpOpts, opt)
		}
	}
	c, err := chttp.New(httpClient, dsn, chttpOpts...)
	if err != nil {
		return nil, err
	}
	return &Client{
		chttp:  c,
		config: cfg,
	}, nil
}

// DSN returns the data source name used to connect this client.
func (c *Client) DSN() string {
	return c.chttp.DSN()
}

// DB returns a handle to the named database. No request is made.
func (c *Client) DB(name string) *DB {
	return &DB{
		client: c,
		name:   name,
	}
}

func dbPath(name string) string {
	return "/" + chttp.EncodeSegment(name)
}

// DBExists returns true if the named database exists.
func (c *Client) DBExists(ctx context.Context, name string) (bool, error) {
	if name == "" {
		return false, missingArg("name")
	}
	_, err := c.chttp.DoError(ctx, http.MethodHead, dbPath(name), nil)
	if internal.HTTPStatus(err) == http.StatusNotFound {
		return false, nil
	}
	return err == nil, err
}

// CreateDB creates a database. shards and replicas set the q and n cluster
// parameters; zero leaves the server default.
func (c *Client) CreateDB(ctx context.Context, name string, shards, replicas int, options ...Option) error {
	if name == "" {
		return missingArg("name")
	}
	query := url.Values{}
	if shards > 0 {
		query.Set("q", strconv.Itoa(shards))
	}
	if replicas > 0 {
		query.Set("n", strconv.Itoa(replicas))
	}
	multiOptions(options).Apply(&query)
	_, err := c.chttp.DoError(ctx, http.MethodPut, dbPath(name), &chttp.Options{Query: query})
	return rejection(err)
}

// DestroyDB deletes the named database. It returns false, with no error, if
// the database did not exist.
func (c *Client) DestroyDB(ctx context.Context, name string) (bool, error) {
	if name == "" {
		return false, missingArg("name")
	}
	_, err := c.chttp.DoError(ctx, http.MethodDelete, dbPath(name), nil)
	if internal.HTTPStatus(err) == http.StatusNotFound {
		return false, nil
	}
	if err != nil {
		return false, rejection(err)
	}
	return true, nil
}

// Ping returns true if the server is up and ready to accept requests. An
// unreachable server is reported as an error.
func (c *Client) Ping(ctx context.Context) (bool, error) {
	_, err := c.chttp.DoError(ctx, http.MethodGet, "/_up", nil)
	switch internal.HTTPStatus(err) {
	case 0:
		return true, nil
	case http.StatusServiceUnavailable:
		return false, nil
	}
	return false, err
}
