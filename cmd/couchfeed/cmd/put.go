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
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/go-kivik/couchstream"
	"github.com/go-kivik/couchstream/cmd/couchfeed/errors"
)

type writeResult struct {
	OK  bool   `json:"ok"`
	ID  string `json:"id"`
	Rev string `json:"rev"`
}

// readInput reads the command's input from file, or from stdin when file is
// empty or "-".
func readInput(cmd *cobra.Command, file string) ([]byte, error) {
	var r io.Reader = cmd.InOrStdin()
	if file != "" && file != "-" {
		f, err := os.Open(file)
		if err != nil {
			return nil, errors.Code(errors.ErrNoInput, err)
		}
		defer f.Close() // nolint:errcheck
		r = f
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Code(errors.ErrNoInput, err)
	}
	return data, nil
}

type put struct {
	*root
	data string
	file string
}

func putCmd(r *root) *cobra.Command {
	c := &put{
		root: r,
	}
	cmd := &cobra.Command{
		Use:   "put <database> [document]",
		Short: "Create or update a document",
		Long: `Store a document read from --data, --file or stdin.

A document carrying _rev is updated, any other is created. The document ID is
taken from the argument if given, otherwise from _id, otherwise generated.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: c.RunE,
	}
	f := cmd.Flags()
	f.StringVarP(&c.data, "data", "d", "", "JSON document")
	f.StringVar(&c.file, "file", "", "File to read the JSON document from")
	return cmd
}

func (c *put) document(cmd *cobra.Command) (*couchstream.Document, error) {
	data := []byte(c.data)
	if c.data == "" {
		var err error
		if data, err = readInput(cmd, c.file); err != nil {
			return nil, err
		}
	}
	doc := &couchstream.Document{}
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, errors.Code(errors.ErrData, err)
	}
	return doc, nil
}

func (c *put) RunE(cmd *cobra.Command, args []string) error {
	client, err := c.client()
	if err != nil {
		return err
	}
	doc, err := c.document(cmd)
	if err != nil {
		return err
	}
	if len(args) > 1 {
		doc = doc.WithID(args[1])
	}
	db := client.DB(args[0])
	var stored *couchstream.Document
	if doc.Rev == "" {
		c.log.Debugf("[put] Creating document %q in %s", doc.ID, args[0])
		stored, err = db.Create(cmd.Context(), doc, c.opts())
	} else {
		c.log.Debugf("[put] Updating document %q at rev %s in %s", doc.ID, doc.Rev, args[0])
		stored, err = db.Update(cmd.Context(), doc, c.opts())
	}
	if err != nil {
		return err
	}
	return c.fmt.Output(writeResult{OK: true, ID: stored.ID, Rev: stored.Rev})
}
