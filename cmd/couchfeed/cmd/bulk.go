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
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/go-kivik/couchstream"
	"github.com/go-kivik/couchstream/cmd/couchfeed/errors"
)

type bulk struct {
	*root
	file string
}

func bulkCmd(r *root) *cobra.Command {
	c := &bulk{
		root: r,
	}
	cmd := &cobra.Command{
		Use:   "bulk <database>",
		Short: "Write many documents at once",
		Long: `Store a JSON array of documents read from --file or stdin in one request.

One result is written per document, in input order. A document which was
rejected does not fail the command; its result carries the error.`,
		Args: cobra.ExactArgs(1),
		RunE: c.RunE,
	}
	cmd.Flags().StringVar(&c.file, "file", "", "File to read the JSON array from")
	return cmd
}

type bulkResult struct {
	ID     string `json:"id"`
	Rev    string `json:"rev,omitempty"`
	Error  string `json:"error,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func (c *bulk) RunE(cmd *cobra.Command, args []string) error {
	client, err := c.client()
	if err != nil {
		return err
	}
	data, err := readInput(cmd, c.file)
	if err != nil {
		return err
	}
	var docs []*couchstream.Document
	if err := json.Unmarshal(data, &docs); err != nil {
		return errors.Code(errors.ErrData, err)
	}
	c.log.Debugf("[bulk] Writing %d documents to %s", len(docs), args[0])
	results, err := client.DB(args[0]).BulkUpdate(cmd.Context(), docs, c.opts())
	if err != nil {
		return err
	}
	enc, err := c.fmt.Stream()
	if err != nil {
		return err
	}
	for _, res := range results {
		out := bulkResult{ID: res.ID, Rev: res.Rev}
		if res.Err != nil {
			out.Error = res.ErrorName
			out.Reason = res.Reason
			if out.Error == "" {
				out.Error = couchstream.KindOf(res.Err).String()
				out.Reason = res.Err.Error()
			}
		}
		if err := enc.Encode(out); err != nil {
			_ = enc.Close()
			return err
		}
	}
	return enc.Close()
}
