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

	"github.com/go-kivik/couchstream"
	"github.com/go-kivik/couchstream/cmd/couchfeed/errors"
)

type get struct {
	*root
}

func getCmd(r *root) *cobra.Command {
	c := &get{
		root: r,
	}
	return &cobra.Command{
		Use:     "get <database> <document>",
		Aliases: []string{"doc"},
		Short:   "Get a document",
		Long:    "Fetch the current revision of a document",
		Args:    cobra.ExactArgs(2),
		RunE:    c.RunE,
	}
}

func (c *get) RunE(cmd *cobra.Command, args []string) error {
	client, err := c.client()
	if err != nil {
		return err
	}
	db, docID := args[0], args[1]
	c.log.Debugf("[get] Will fetch document: %s/%s", db, docID)
	var doc *couchstream.Document
	err = c.retry(cmd.Context(), func() error {
		var err error
		doc, err = client.DB(db).Get(cmd.Context(), docID, c.opts())
		return err
	})
	if err != nil {
		return err
	}
	if doc == nil {
		return errors.Codef(errors.ErrNotFound, "document %q not found", docID)
	}
	return c.fmt.Output(doc)
}
