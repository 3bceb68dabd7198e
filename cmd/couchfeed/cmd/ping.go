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
	"net/http"

	"github.com/spf13/cobra"

	"github.com/go-kivik/couchstream/cmd/couchfeed/errors"
)

type ping struct {
	*root
}

func pingCmd(r *root) *cobra.Command {
	c := &ping{
		root: r,
	}

	return &cobra.Command{
		Use:   "ping",
		Short: "Ping a server",
		Long:  "Ping a server's /_up endpoint to determine availability to serve requests",
		Args:  cobra.NoArgs,
		RunE:  c.RunE,
	}
}

func (c *ping) RunE(cmd *cobra.Command, _ []string) error {
	client, err := c.client()
	if err != nil {
		return err
	}
	c.log.Debugf("[ping] Will ping server: %q", client.DSN())
	return c.retry(cmd.Context(), func() error {
		up, err := client.Ping(cmd.Context())
		if err != nil {
			return err
		}
		if up {
			c.log.Info("[ping] Server is up")
			return nil
		}
		return errors.HTTPStatus(http.StatusServiceUnavailable, "Server down")
	})
}
