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
	"github.com/spf13/cobra"
)

type session struct {
	*root
}

func sessionCmd(r *root) *cobra.Command {
	c := &session{
		root: r,
	}

	return &cobra.Command{
		Use:   "session",
		Short: "Show the authenticated user",
		Args:  cobra.NoArgs,
		RunE:  c.RunE,
	}
}

type sessionOutput struct {
	Name    string   `json:"name"`
	Roles   []string `json:"roles"`
	Method  string   `json:"authenticated,omitempty"`
	AuthDB  string   `json:"authentication_db,omitempty"`
	Handler []string `json:"authentication_handlers,omitempty"`
}

func (c *session) RunE(cmd *cobra.Command, _ []string) error {
	client, err := c.client()
	if err != nil {
		return err
	}
	return c.retry(cmd.Context(), func() error {
		s, err := client.Session(cmd.Context())
		if err != nil {
			return err
		}
		if s.Name == "" {
			c.log.Info("[session] Not authenticated")
		}
		return c.fmt.Output(sessionOutput{
			Name:    s.Name,
			Roles:   s.Roles,
			Method:  s.AuthenticationMethod,
			AuthDB:  s.AuthenticationDB,
			Handler: s.AuthenticationHandlers,
		})
	})
}
