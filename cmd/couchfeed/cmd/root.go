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

// Package cmd implements the couchfeed commands.
package cmd

import (
	"context"
	"flag"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/cobra"

	"github.com/go-kivik/couchstream"
	"github.com/go-kivik/couchstream/cmd/couchfeed/config"
	"github.com/go-kivik/couchstream/cmd/couchfeed/errors"
	"github.com/go-kivik/couchstream/cmd/couchfeed/output"
	"github.com/go-kivik/couchstream/log"
)

type root struct {
	confFile string
	envFile  string
	debug    bool
	useGlog  bool
	log      *log.StreamLogger
	conf     *config.Config
	cmd      *cobra.Command
	fmt      *output.Formatter
	params   map[string]string

	retryCount         int
	retryDelay         string
	retryTimeout       string
	retryDelayParsed   time.Duration
	retryTimeoutParsed time.Duration
}

// Execute runs the command line, returning the process exit status.
func Execute(ctx context.Context) int {
	return rootCmd(log.New()).execute(ctx)
}

func (r *root) execute(ctx context.Context) int {
	r.log.SetOut(r.cmd.OutOrStdout())
	r.log.SetErr(r.cmd.ErrOrStderr())
	err := r.cmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	r.log.Error(err)
	return extractExitCode(err)
}

func extractExitCode(err error) int {
	if code := errors.InspectErrorCode(err); code != 0 {
		return code
	}

	// Anything unclassified comes from cobra's own argument handling.
	return errors.ErrUsage
}

func rootCmd(lg *log.StreamLogger) *root {
	r := &root{
		log:  lg,
		fmt:  output.New(),
		conf: config.New(),
	}
	r.cmd = &cobra.Command{
		Use:               "couchfeed",
		Short:             "couchfeed streams documents, views and changes from CouchDB",
		Long:              "couchfeed reads documents, view results, attachments and change feeds from a CouchDB server as they arrive.",
		PersistentPreRunE: r.init,
		SilenceErrors:     true,
		SilenceUsage:      true,
	}

	pf := r.cmd.PersistentFlags()
	r.fmt.ConfigFlags(pf)
	pf.StringVar(&r.confFile, "config", "", "Path to config file. Defaults to couchfeed.yaml in the working directory or ~/.couchfeed")
	pf.StringVar(&r.envFile, "env-file", ".env", "Environment file to load, if it exists")
	pf.BoolVar(&r.debug, "debug", false, "Enable debug output")
	pf.BoolVar(&r.useGlog, "glog", false, "Send client logs to glog instead of stderr")
	pf.String(config.KeyDSN, "", "Server URL (env COUCHFEED_DSN)")
	pf.String(config.KeyUsername, "", "Username (env COUCHFEED_USERNAME)")
	pf.String(config.KeyPassword, "", "Password (env COUCHFEED_PASSWORD)")
	pf.Bool(config.KeyCookieAuth, false, "Use cookie authentication instead of basic auth")
	pf.String(config.KeyHeartbeat, "5s", "Change feed heartbeat interval")
	pf.String(config.KeyHeartbeatTimeout, "", "Change feed silence tolerated before reconnecting. Defaults to three heartbeats")
	pf.StringToStringVarP(&r.params, "option", "O", nil, "Query parameter, specified as key=value. May be repeated.")
	pf.IntVar(&r.retryCount, "retry", 0, "In case of transient error, retry up to this many times. A negative value retries forever.")
	pf.StringVar(&r.retryDelay, "retry-delay", "", "Delay between retry attempts. Disables the default exponential backoff algorithm.")
	pf.StringVar(&r.retryTimeout, "retry-timeout", "", "When used with --retry, no more retries will be attempted after this timeout.")

	r.cmd.AddCommand(pingCmd(r))
	r.cmd.AddCommand(getCmd(r))
	r.cmd.AddCommand(putCmd(r))
	r.cmd.AddCommand(bulkCmd(r))
	r.cmd.AddCommand(changesCmd(r))
	r.cmd.AddCommand(queryCmd(r))
	r.cmd.AddCommand(findCmd(r))
	r.cmd.AddCommand(attachmentCmd(r))
	r.cmd.AddCommand(replicateCmd(r))
	r.cmd.AddCommand(updatesCmd(r))
	r.cmd.AddCommand(sessionCmd(r))

	return r
}

func parseDuration(val string) (time.Duration, error) {
	if val == "" {
		return 0, nil
	}
	if d, err := strconv.ParseFloat(val, 64); err == nil {
		if d < 0 {
			return 0, errors.Code(errors.ErrUsage, "negative duration not permitted")
		}
		return time.Duration(d * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, errors.Code(errors.ErrUsage, err)
	}
	if d < 0 {
		return 0, errors.Code(errors.ErrUsage, "negative duration not permitted")
	}
	return d, nil
}

func (r *root) init(cmd *cobra.Command, _ []string) error {
	r.log.SetOut(cmd.OutOrStdout())
	r.log.SetErr(cmd.ErrOrStderr())
	r.log.SetDebug(r.debug)
	r.fmt.SetOut(cmd.OutOrStdout())

	r.log.Debug("Debug mode enabled")

	var err error
	if r.retryDelayParsed, err = parseDuration(r.retryDelay); err != nil {
		return err
	}
	if r.retryTimeoutParsed, err = parseDuration(r.retryTimeout); err != nil {
		return err
	}
	if err := r.conf.BindFlags(cmd.Flags()); err != nil {
		return errors.Code(errors.ErrUsage, err)
	}
	return r.conf.Read(r.confFile, r.envFile, r.log)
}

// clientLogger returns the logger handed to the client. Its output never
// mixes with command output on stdout.
func (r *root) clientLogger() log.Logger {
	if r.useGlog {
		_ = flag.Set("logtostderr", "true")
		if r.debug {
			_ = flag.Set("v", strconv.Itoa(int(log.DebugLevel)))
		}
		return log.NewGlog()
	}
	lg := log.New()
	lg.SetOut(r.cmd.ErrOrStderr())
	lg.SetErr(r.cmd.ErrOrStderr())
	lg.SetDebug(r.debug)
	return lg
}

func (r *root) client() (*couchstream.Client, error) {
	dsn, err := r.conf.DSN()
	if err != nil {
		return nil, err
	}
	opts, err := r.conf.ClientOptions()
	if err != nil {
		return nil, err
	}
	opts = append(opts, couchstream.WithLogger(r.clientLogger()))
	client, err := couchstream.New(dsn, opts...)
	if err != nil {
		return nil, errors.Code(errors.ErrUsage, err)
	}
	r.log.Debugf("DSN: %s", client.DSN())
	return client, nil
}

// opts returns the query parameters gathered from the command line.
func (r *root) opts() couchstream.Option {
	params := make(couchstream.Params, len(r.params))
	for k, v := range r.params {
		params[k] = v
	}
	return params
}

// transient reports whether a failed request may succeed if repeated.
func transient(err error) bool {
	switch couchstream.KindOf(err) {
	case couchstream.KindNetwork, couchstream.KindTimeout:
		return true
	}
	return false
}

func (r *root) retry(ctx context.Context, fn func() error) error {
	if r.retryCount == 0 {
		return fn()
	}
	var bo backoff.BackOff
	switch {
	case r.retryDelayParsed == 0 && r.retryDelay != "":
		bo = &backoff.ZeroBackOff{}
	case r.retryDelayParsed != 0:
		bo = backoff.NewConstantBackOff(r.retryDelayParsed)
	default:
		bo = backoff.NewExponentialBackOff()
	}
	if r.retryCount > 0 {
		// WithMaxRetries counts retries, not attempts.
		bo = backoff.WithMaxRetries(bo, uint64(r.retryCount))
	}
	if r.retryTimeoutParsed > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.retryTimeoutParsed)
		defer cancel()
	}
	bo = backoff.WithContext(bo, ctx)
	var count int
	var lastErr error
	err := backoff.RetryNotify(func() error {
		count++
		lastErr = fn()
		if lastErr != nil && !transient(lastErr) {
			return backoff.Permanent(lastErr)
		}
		return lastErr
	}, bo, func(err error, next time.Duration) {
		msg := fmt.Sprintf("Warning: Transient problem: %s. Will retry in %s.", err, fmtDuration(next))
		if r.retryCount > 0 {
			msg += fmt.Sprintf(" %d retries left.", r.retryCount-count+1)
		}
		r.log.Error(msg)
	})
	if err != nil && ctx.Err() != nil && lastErr != nil {
		// The retry timeout expired; report what was being retried.
		return lastErr
	}
	return err
}

// nolint:gomnd
func fmtDuration(dur time.Duration) string {
	s := dur.Seconds()
	if s < 60 {
		return fmt.Sprintf("%0.2fs", s)
	}
	m := int(s / 60)
	s -= float64(m) * 60
	if m < 60 {
		return fmt.Sprintf("%dm%ds", m, int(s))
	}
	h := m / 60
	m -= h * 60
	if h < 24 {
		return fmt.Sprintf("%dh%dm", h, m)
	}
	d := h / 24
	h -= d * 24
	return fmt.Sprintf("%dd%dh%dm", d, h, m)
}

func usageError(msg string) error {
	return errors.Code(errors.ErrUsage, msg)
}
