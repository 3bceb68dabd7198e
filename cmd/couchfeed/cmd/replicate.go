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
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/cobra"

	"github.com/go-kivik/couchstream"
	"github.com/go-kivik/couchstream/cmd/couchfeed/errors"
)

func replicateCmd(r *root) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "replicate",
		Aliases: []string{"rep"},
		Short:   "Manage replications",
	}
	cmd.AddCommand(startReplicationCmd(r))
	cmd.AddCommand(replicationStatusCmd(r))
	cmd.AddCommand(replicationJobsCmd(r))
	cmd.AddCommand(cancelReplicationCmd(r))
	return cmd
}

type startReplication struct {
	*root
	id           string
	continuous   bool
	createTarget bool
	wait         bool
	pollInterval time.Duration
	source       couchstream.Endpoint
	target       couchstream.Endpoint
}

func startReplicationCmd(r *root) *cobra.Command {
	c := &startReplication{
		root: r,
	}
	cmd := &cobra.Command{
		Use:   "start <source> <target>",
		Short: "Start a replication",
		Long: `Start a replication by writing a job document to the _replicator database.

With --wait, the command polls the scheduler until a one-shot replication
completes or fails.`,
		Args: cobra.ExactArgs(2), //nolint:gomnd
		RunE: c.RunE,
	}
	f := cmd.Flags()
	f.StringVar(&c.id, "id", "", "Job document ID. Generated if omitted.")
	f.BoolVar(&c.continuous, "continuous", false, "Keep replicating new changes")
	f.BoolVar(&c.createTarget, "create-target", false, "Create the target database if missing")
	f.BoolVar(&c.wait, "wait", false, "Wait for the replication to finish")
	f.DurationVar(&c.pollInterval, "poll-interval", time.Second, "Interval between status checks with --wait")
	f.StringVar(&c.source.Username, "source-username", "", "Username for the source")
	f.StringVar(&c.source.Password, "source-password", "", "Password for the source")
	f.StringVar(&c.target.Username, "target-username", "", "Username for the target")
	f.StringVar(&c.target.Password, "target-password", "", "Password for the target")
	return cmd
}

var errReplicationPending = fmt.Errorf("replication not finished")

func (c *startReplication) RunE(cmd *cobra.Command, args []string) error {
	if c.wait && c.continuous {
		return usageError("--wait cannot be used with --continuous")
	}
	c.source.URL, c.target.URL = args[0], args[1]
	desc := couchstream.ReplicationDescriptor{
		ID:           c.id,
		Source:       c.source,
		Target:       c.target,
		Continuous:   c.continuous,
		CreateTarget: c.createTarget,
	}
	if err := desc.Validate(); err != nil {
		return errors.Code(errors.ErrUsage, err)
	}
	client, err := c.client()
	if err != nil {
		return err
	}
	id, err := client.Replicate(cmd.Context(), desc, c.opts())
	if err != nil {
		return err
	}
	c.log.Debugf("[replicate] Started %s", id)
	if !c.wait {
		return c.fmt.Output(map[string]interface{}{"ok": true, "id": id})
	}

	var status *couchstream.ReplicationStatus
	bo := backoff.WithContext(backoff.NewConstantBackOff(c.pollInterval), cmd.Context())
	err = backoff.Retry(func() error {
		var err error
		status, err = client.ReplicationStatus(cmd.Context(), id)
		switch {
		case couchstream.IsNotFound(err):
			// The scheduler has not picked up the document yet.
			return errReplicationPending
		case err != nil:
			return backoff.Permanent(err)
		}
		c.log.Debugf("[replicate] %s is %s", id, status.State)
		switch status.State {
		case couchstream.ReplicationCompleted:
			return nil
		case couchstream.ReplicationFailed, couchstream.ReplicationError:
			return backoff.Permanent(errors.Codef(errors.ErrUnavailable, "replication %s %s: %s", id, status.State, status.Info))
		}
		return errReplicationPending
	}, bo)
	if err != nil {
		return err
	}
	return c.fmt.Output(status)
}

type replicationStatus struct {
	*root
}

func replicationStatusCmd(r *root) *cobra.Command {
	c := &replicationStatus{
		root: r,
	}
	return &cobra.Command{
		Use:   "status <id>",
		Short: "Show the state of a replication",
		Args:  cobra.ExactArgs(1),
		RunE:  c.RunE,
	}
}

func (c *replicationStatus) RunE(cmd *cobra.Command, args []string) error {
	client, err := c.client()
	if err != nil {
		return err
	}
	var status *couchstream.ReplicationStatus
	err = c.retry(cmd.Context(), func() error {
		var err error
		status, err = client.ReplicationStatus(cmd.Context(), args[0])
		return err
	})
	if err != nil {
		return err
	}
	return c.fmt.Output(status)
}

type replicationJobs struct {
	*root
}

func replicationJobsCmd(r *root) *cobra.Command {
	c := &replicationJobs{
		root: r,
	}
	return &cobra.Command{
		Use:   "jobs",
		Short: "List running replications",
		Args:  cobra.NoArgs,
		RunE:  c.RunE,
	}
}

func (c *replicationJobs) RunE(cmd *cobra.Command, _ []string) error {
	client, err := c.client()
	if err != nil {
		return err
	}
	var jobs []couchstream.ReplicationJob
	err = c.retry(cmd.Context(), func() error {
		var err error
		jobs, err = client.ReplicationJobs(cmd.Context())
		return err
	})
	if err != nil {
		return err
	}
	enc, err := c.fmt.Stream()
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if err := enc.Encode(job); err != nil {
			_ = enc.Close()
			return err
		}
	}
	return enc.Close()
}

type cancelReplication struct {
	*root
}

func cancelReplicationCmd(r *root) *cobra.Command {
	c := &cancelReplication{
		root: r,
	}
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Stop a replication",
		Args:  cobra.ExactArgs(1),
		RunE:  c.RunE,
	}
}

func (c *cancelReplication) RunE(cmd *cobra.Command, args []string) error {
	client, err := c.client()
	if err != nil {
		return err
	}
	if err := client.CancelReplication(cmd.Context(), args[0]); err != nil {
		return err
	}
	return c.fmt.Output(map[string]interface{}{"ok": true, "id": args[0]})
}
