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
	"strings"

	"github.com/spf13/cobra"

	"github.com/go-kivik/couchstream"
	"github.com/go-kivik/couchstream/cmd/couchfeed/errors"
)

type find struct {
	*root
	selector string
	file     string
	fields   []string
	sort     []string
	limit    int
	skip     int
	bookmark string
}

func findCmd(r *root) *cobra.Command {
	c := &find{
		root: r,
	}
	cmd := &cobra.Command{
		Use:   "find <database>",
		Short: "Run a Mango query",
		Long: `Run a Mango query, writing matching documents as they arrive. The selector
is read from --selector, --file or stdin.

Sort fields are ascending unless suffixed with ":desc". The bookmark and any
warning are written last, as an object with a "metadata" field.`,
		Args: cobra.ExactArgs(1),
		RunE: c.RunE,
	}
	f := cmd.Flags()
	f.StringVarP(&c.selector, "selector", "s", "", "JSON selector")
	f.StringVar(&c.file, "file", "", "File to read the selector from. Defaults to stdin.")
	f.StringSliceVar(&c.fields, "fields", nil, "Fields to return")
	f.StringSliceVar(&c.sort, "sort", nil, "Fields to sort by, as field or field:desc")
	f.IntVar(&c.limit, "limit", 0, "Maximum number of documents. Zero leaves the server default.")
	f.IntVar(&c.skip, "skip", 0, "Number of documents to skip")
	f.StringVar(&c.bookmark, "bookmark", "", "Bookmark from a previous query")
	return cmd
}

type findMetadataOutput struct {
	Metadata struct {
		Bookmark string `json:"bookmark,omitempty"`
		Warning  string `json:"warning,omitempty"`
	} `json:"metadata"`
}

func (c *find) query(cmd *cobra.Command) (couchstream.FindQuery, error) {
	q := couchstream.FindQuery{
		Fields:   c.fields,
		Limit:    c.limit,
		Skip:     c.skip,
		Bookmark: c.bookmark,
	}
	raw := []byte(c.selector)
	if c.selector == "" {
		var err error
		if raw, err = readInput(cmd, c.file); err != nil {
			return q, err
		}
	}
	var sel json.RawMessage
	if err := json.Unmarshal(raw, &sel); err != nil {
		return q, errors.Codef(errors.ErrData, "invalid selector: %s", err)
	}
	q.Selector = sel
	for _, field := range c.sort {
		name, dir, _ := strings.Cut(field, ":")
		switch dir {
		case "":
			q.Sort = append(q.Sort, name)
		case "asc", "desc":
			q.Sort = append(q.Sort, map[string]string{name: dir})
		default:
			return q, usageError("invalid sort direction " + dir)
		}
	}
	if err := q.Validate(); err != nil {
		return q, errors.Code(errors.ErrUsage, err)
	}
	return q, nil
}

func (c *find) RunE(cmd *cobra.Command, args []string) error {
	q, err := c.query(cmd)
	if err != nil {
		return err
	}
	client, err := c.client()
	if err != nil {
		return err
	}
	res := client.DB(args[0]).Find(cmd.Context(), q)
	defer res.Close() // nolint:errcheck

	enc, err := c.fmt.Stream()
	if err != nil {
		return err
	}
	for res.Next() {
		doc, err := res.Doc()
		if err != nil {
			_ = enc.Close()
			return err
		}
		if err := enc.Encode(doc); err != nil {
			_ = enc.Close()
			return err
		}
	}
	if err := res.Err(); err != nil {
		_ = enc.Close()
		return err
	}
	var meta findMetadataOutput
	m := res.Metadata()
	meta.Metadata.Bookmark = m.Bookmark
	meta.Metadata.Warning = m.Warning
	if err := enc.Encode(meta); err != nil {
		_ = enc.Close()
		return err
	}
	return enc.Close()
}
