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

type query struct {
	*root
	limit        int
	skip         int
	startKey     string
	endKey       string
	keys         []string
	includeDocs  bool
	descending   bool
	reduce       bool
	group        bool
	groupLevel   int
	exclusiveEnd bool
	updateSeq    bool
}

func queryCmd(r *root) *cobra.Command {
	c := &query{
		root: r,
	}
	cmd := &cobra.Command{
		Use:   "query <database> [design-doc view]",
		Short: "Query a view",
		Long: `Query a view, writing rows as they arrive. Without a design document and
view, _all_docs is queried.

Keys are given as JSON. The result metadata is written once, as an object with
a "metadata" field, where the server sends it.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 && len(args) != 3 { //nolint:gomnd
				return usageError("expected <database> or <database> <design-doc> <view>")
			}
			return nil
		},
		RunE: c.RunE,
	}
	f := cmd.Flags()
	f.IntVar(&c.limit, "limit", 0, "Maximum number of rows. Zero means no limit.")
	f.IntVar(&c.skip, "skip", 0, "Number of rows to skip")
	f.StringVar(&c.startKey, "start-key", "", "JSON key to start at")
	f.StringVar(&c.endKey, "end-key", "", "JSON key to end at")
	f.StringArrayVar(&c.keys, "key", nil, "JSON key to fetch. May be repeated.")
	f.BoolVar(&c.includeDocs, "include-docs", false, "Include documents")
	f.BoolVar(&c.descending, "descending", false, "Reverse the order of rows")
	f.BoolVar(&c.reduce, "reduce", true, "Use the reduce function, if the view has one")
	f.BoolVar(&c.group, "group", false, "Group reduced rows by key")
	f.IntVar(&c.groupLevel, "group-level", 0, "Group reduced rows by this many key elements")
	f.BoolVar(&c.exclusiveEnd, "exclusive-end", false, "Exclude the end key from the result")
	f.BoolVar(&c.updateSeq, "update-seq", false, "Include the database sequence the view reflects")
	return cmd
}

func jsonKey(flag, val string) (interface{}, error) {
	if val == "" {
		return nil, nil
	}
	var key interface{}
	if err := json.Unmarshal([]byte(val), &key); err != nil {
		return nil, errors.Codef(errors.ErrUsage, "invalid --%s: %s", flag, err)
	}
	return key, nil
}

func (c *query) viewQuery(cmd *cobra.Command, args []string) (couchstream.ViewQuery, error) {
	q := couchstream.ViewQuery{
		Limit:       c.limit,
		Skip:        c.skip,
		IncludeDocs: c.includeDocs,
		Descending:  c.descending,
		Group:       c.group,
		GroupLevel:  c.groupLevel,
		UpdateSeq:   c.updateSeq,
	}
	if len(args) > 1 {
		q.DesignDoc, q.View = args[1], args[2]
	}
	if cmd.Flags().Changed("reduce") {
		reduce := c.reduce
		q.Reduce = &reduce
	}
	if c.exclusiveEnd {
		inclusive := false
		q.InclusiveEnd = &inclusive
	}
	var err error
	if q.StartKey, err = jsonKey("start-key", c.startKey); err != nil {
		return q, err
	}
	if q.EndKey, err = jsonKey("end-key", c.endKey); err != nil {
		return q, err
	}
	for _, k := range c.keys {
		key, err := jsonKey("key", k)
		if err != nil {
			return q, err
		}
		q.Keys = append(q.Keys, key)
	}
	if err := q.Validate(); err != nil {
		return q, errors.Code(errors.ErrUsage, err)
	}
	return q, nil
}

type metadataOutput struct {
	Metadata struct {
		TotalRows int64  `json:"total_rows"`
		Offset    int64  `json:"offset"`
		UpdateSeq string `json:"update_seq,omitempty"`
	} `json:"metadata"`
}

func (c *query) RunE(cmd *cobra.Command, args []string) error {
	q, err := c.viewQuery(cmd, args)
	if err != nil {
		return err
	}
	client, err := c.client()
	if err != nil {
		return err
	}
	c.log.Debugf("[query] Querying %s %s/%s", args[0], q.DesignDoc, q.View)
	events := client.DB(args[0]).QueryView(cmd.Context(), q, c.opts())
	defer events.Close() // nolint:errcheck

	enc, err := c.fmt.Stream()
	if err != nil {
		return err
	}
	for events.Next() {
		ev, err := events.Event()
		if err != nil {
			_ = enc.Close()
			return err
		}
		var out interface{} = ev.Row
		if ev.Kind == couchstream.ViewEventMetadata {
			var meta metadataOutput
			meta.Metadata.TotalRows = ev.Metadata.TotalRows
			meta.Metadata.Offset = ev.Metadata.Offset
			meta.Metadata.UpdateSeq = ev.Metadata.UpdateSeq
			out = meta
		}
		if err := enc.Encode(out); err != nil {
			_ = enc.Close()
			return err
		}
	}
	if err := enc.Close(); err != nil {
		return err
	}
	return events.Err()
}
