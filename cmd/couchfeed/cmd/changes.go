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
	"encoding/json"
	"errors"

	"github.com/spf13/cobra"

	"github.com/go-kivik/couchstream"
)

type changes struct {
	*root
	since       string
	filter      string
	docIDs      []string
	includeDocs bool
	limit       int
	typeField   string
	types       []string
}

func changesCmd(r *root) *cobra.Command {
	c := &changes{
		root: r,
	}
	cmd := &cobra.Command{
		Use:   "changes <database>",
		Short: "Follow a database's change feed",
		Long: `Follow the continuous change feed of a database, writing each change as it
arrives. The feed reconnects after network failures and resumes where it left
off, so a change may occasionally be written twice.

With --type-field, documents are included and only changes whose discriminator
field matches one of --type are written.`,
		Args: cobra.ExactArgs(1),
		RunE: c.RunE,
	}
	f := cmd.Flags()
	f.StringVar(&c.since, "since", "", "Sequence to start after, or \""+couchstream.SeqNow+"\" for the current end of the database")
	f.StringVar(&c.filter, "filter", "", "Filter function, as ddoc/name")
	f.StringSliceVar(&c.docIDs, "doc-id", nil, "Only follow these documents. May be repeated.")
	f.BoolVar(&c.includeDocs, "include-docs", false, "Include document bodies")
	f.IntVar(&c.limit, "limit", 0, "Stop after this many changes. Zero follows forever.")
	f.StringVar(&c.typeField, "type-field", "", "Dotted path of the document field naming its type")
	f.StringSliceVar(&c.types, "type", nil, "Document type to follow. Requires --type-field. May be repeated.")
	return cmd
}

type changeOutput struct {
	Seq     string          `json:"seq"`
	ID      string          `json:"id"`
	Rev     string          `json:"rev,omitempty"`
	Deleted bool            `json:"deleted,omitempty"`
	Type    string          `json:"type,omitempty"`
	Doc     json.RawMessage `json:"doc,omitempty"`
}

func (c *changes) options() []couchstream.Option {
	opts := []couchstream.Option{c.opts()}
	if c.since != "" {
		opts = append(opts, couchstream.Since(c.since))
	}
	if c.filter != "" {
		opts = append(opts, couchstream.Filter(c.filter))
	}
	if len(c.docIDs) > 0 {
		opts = append(opts, couchstream.DocIDs(c.docIDs...))
	}
	if c.includeDocs {
		opts = append(opts, couchstream.IncludeDocs())
	}
	return opts
}

func (c *changes) registry() *couchstream.TypeRegistry {
	if c.typeField == "" {
		return nil
	}
	reg := couchstream.NewTypeRegistry(c.typeField)
	for _, typ := range c.types {
		reg.Register(typ, couchstream.DecodeAs[json.RawMessage]())
	}
	return reg
}

func (c *changes) RunE(cmd *cobra.Command, args []string) error {
	if len(c.types) > 0 && c.typeField == "" {
		return usageError("--type requires --type-field")
	}
	client, err := c.client()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	c.log.Debugf("[changes] Following %s", args[0])
	feed := client.DB(args[0]).SubscribeForChanges(ctx, c.registry(), c.options()...)
	defer feed.Close() // nolint:errcheck

	enc, err := c.fmt.Stream()
	if err != nil {
		return err
	}
	var count int
	for feed.Next() {
		ev, err := feed.Change()
		if err != nil {
			_ = enc.Close()
			return err
		}
		if err := enc.Encode(changeOutput{
			Seq:     ev.Seq,
			ID:      ev.ID,
			Rev:     ev.Rev,
			Deleted: ev.Deleted,
			Type:    ev.Type,
			Doc:     ev.Doc,
		}); err != nil {
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
	c.log.Debugf("[changes] Stopped after %d changes at %s", count, feed.LastSeq())
	if err := feed.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
