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

package cmd

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/go-kivik/couchstream"
)

type updates struct {
	*root
	since string
	limit int
}

func updatesCmd(r *root) *cobra.Command {
	c := &updates{
		root: r,
	}
	cmd := &cobra.Command{
		Use:   "updates",
		Short: "Follow database creations, updates and deletions",
		Long: `Follow the server's database update feed, writing each event as it arrives.
Requires server admin privileges. The command ends when the server closes the
feed.`,
		Args: cobra.NoArgs,
		RunE: c.RunE,
	}
	f := cmd.Flags()
	f.StringVar(&c.since, "since", "", "Sequence to start after, or \""+couchstream.SeqNow+"\" for new events only")
	f.IntVar(&c.limit, "limit", 0, "Stop after this many events. Zero follows forever.")
	return cmd
}

func (c *updates) RunE(cmd *cobra.Command, _ []string) error {
	client, err := c.client()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	opts := []couchstream.Option{c.opts()}
	if c.since != "" {
		opts = append(opts, couchstream.Since(c.since))
	}
	feed := client.DBUpdates(ctx, opts...)
	defer feed.Close() // nolint:errcheck

	enc, err := c.fmt.Stream()
	if err != nil {
		return err
	}
	var count int
	for feed.Next() {
		upd, err := feed.Update()
		if err != nil {
			_ = enc.Close()
			return err
		}
		if err := enc.Encode(upd); err != nil {
			_ = enc.Close()
			return err
		}
		count++
		if c.limit > 0 && count >= c.limit {
			break
		}
	}
	if err := enc.Close(); err != nil {
		return err
	}
	c.log.Debugf("[updates] Stopped after %d events at %s", count, feed.LastSeq())
	if err := feed.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
