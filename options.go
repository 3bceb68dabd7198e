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
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"

	"github.com/go-kivik/couchstream/log"
)

// Option is a client or per-call option. Options from the chttp package, such
// as chttp.BasicAuth, are accepted wherever an Option is.
type Option interface {
	Apply(target interface{})
}

type multiOptions []Option

var _ Option = (multiOptions)(nil)

func (o multiOptions) Apply(t interface{}) {
	for _, opt := range o {
		if opt != nil {
			opt.Apply(t)
		}
	}
}

// Params is a collection of query parameters added to a request. Strings,
// booleans and integers are sent verbatim; any other value is JSON encoded.
type Params map[string]interface{}

// Apply adds the parameters to a *url.Values target.
func (p Params) Apply(target interface{}) {
	t, ok := target.(*url.Values)
	if !ok {
		return
	}
	for key, i := range p {
		var values []string
		switch v := i.(type) {
		case string:
			values = []string{v}
		case []string:
			values = v
		case bool:
			values = []string{fmt.Sprintf("%t", v)}
		case int, uint, uint8, uint16, uint32, uint64, int8, int16, int32, int64:
			values = []string{fmt.Sprintf("%d", v)}
		default:
			b, err := json.Marshal(v)
			if err != nil {
				continue
			}
			values = []string{string(b)}
		}
		for _, value := range values {
			t.Add(key, value)
		}
	}
}

// Param returns an option adding a single query parameter.
func Param(key string, value interface{}) Option {
	return Params{key: value}
}

// config holds the connection configuration of a Client. It is fixed once the
// client is constructed.
type config struct {
	httpClient       *http.Client
	transport        http.RoundTripper
	serializer       Serializer
	logger           log.Logger
	clock            clockwork.Clock
	heartbeat        time.Duration
	heartbeatTimeout time.Duration
	newBackoff       func() backoff.BackOff
}

func defaultConfig() *config {
	return &config{
		serializer: DefaultSerializer,
		logger:     log.Nil(),
		clock:      clockwork.NewRealClock(),
		heartbeat:  defaultHeartbeat * time.Millisecond,
	}
}

// timeout returns the heartbeat timeout, defaulting to three heartbeats.
func (c *config) timeout() time.Duration {
	if c.heartbeatTimeout > 0 {
		return c.heartbeatTimeout
	}
	return 3 * c.heartbeat // nolint:gomnd
}

func (c *config) backoff() backoff.BackOff {
	if c.newBackoff != nil {
		return c.newBackoff()
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 2 * time.Minute
	bo.Clock = c.clock
	bo.Reset()
	return bo
}

type configFunc func(*config)

func (f configFunc) Apply(target interface{}) {
	if c, ok := target.(*config); ok {
		f(c)
	}
}

// WithHTTPClient sets the *http.Client used for all requests. The client is
// copied, so authentication options never modify the caller's value.
func WithHTTPClient(client *http.Client) Option {
	return configFunc(func(c *config) { c.httpClient = client })
}

// WithTransport sets the http.RoundTripper used for all requests. It is
// ignored if [WithHTTPClient] is also passed.
func WithTransport(rt http.RoundTripper) Option {
	return configFunc(func(c *config) { c.transport = rt })
}

// WithSerializer sets the serializer used to convert typed values to and from
// document bodies.
func WithSerializer(s Serializer) Option {
	return configFunc(func(c *config) { c.serializer = s })
}

// WithLogger sets the logger. The default discards all output.
func WithLogger(l log.Logger) Option {
	return configFunc(func(c *config) { c.logger = l })
}

// WithClock replaces the time source used by change feeds for heartbeat
// detection, response deadlines and reconnect delays.
func WithClock(c clockwork.Clock) Option {
	return configFunc(func(cfg *config) { cfg.clock = c })
}

// WithHeartbeat sets the heartbeat interval requested from the server on
// change feeds. A zero value disables heartbeats.
func WithHeartbeat(d time.Duration) Option {
	return configFunc(func(c *config) { c.heartbeat = d })
}

// WithHeartbeatTimeout sets how long a change feed may stay silent before
// the connection is considered dead. Defaults to three heartbeat intervals.
func WithHeartbeatTimeout(d time.Duration) Option {
	return configFunc(func(c *config) { c.heartbeatTimeout = d })
}

// WithReconnectBackoff sets the policy governing change-feed reconnection
// delays. newBackoff is called once per subscription. When the policy returns
// backoff.Stop, the feed fails with a network error.
func WithReconnectBackoff(newBackoff func() backoff.BackOff) Option {
	return configFunc(func(c *config) { c.newBackoff = newBackoff })
}
