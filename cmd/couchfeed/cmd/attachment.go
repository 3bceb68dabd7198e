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
	"io"
	"mime"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/go-kivik/couchstream"
	"github.com/go-kivik/couchstream/cmd/couchfeed/errors"
)

func attachmentCmd(r *root) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "attachment",
		Aliases: []string{"att"},
		Short:   "Read and write attachments",
	}
	cmd.AddCommand(getAttachmentCmd(r))
	cmd.AddCommand(putAttachmentCmd(r))
	cmd.AddCommand(deleteAttachmentCmd(r))
	return cmd
}

type getAttachment struct {
	*root
}

func getAttachmentCmd(r *root) *cobra.Command {
	c := &getAttachment{
		root: r,
	}
	return &cobra.Command{
		Use:   "get <database> <document> <filename>",
		Short: "Download an attachment",
		Long:  "Stream the raw content of an attachment to stdout, or to the file named by --output.",
		Args:  cobra.ExactArgs(3), //nolint:gomnd
		RunE:  c.RunE,
	}
}

func (c *getAttachment) RunE(cmd *cobra.Command, args []string) error {
	client, err := c.client()
	if err != nil {
		return err
	}
	c.log.Debugf("[attachment] Will fetch %s/%s/%s", args[0], args[1], args[2])
	stream := client.DB(args[0]).GetAttachment(cmd.Context(), args[1], args[2], c.opts())
	defer stream.Close() // nolint:errcheck

	// Request the content before opening the destination, so that a missing
	// attachment leaves no empty file behind.
	if !stream.Next() {
		if err := stream.Err(); err != nil {
			return err
		}
	}
	w, err := c.fmt.Writer()
	if err != nil {
		return err
	}
	n, err := c.copy(w, stream)
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	c.log.Debugf("[attachment] Wrote %d bytes of %s (%s)", n, stream.ContentType(), stream.Digest())
	return nil
}

// copy writes the current chunk of stream and everything after it to w.
func (c *getAttachment) copy(w io.Writer, stream *couchstream.AttachmentStream) (int64, error) {
	var n int64
	for chunk := stream.Chunk(); chunk != nil; chunk = stream.Chunk() {
		written, err := w.Write(chunk)
		n += int64(written)
		if err != nil {
			return n, errors.Code(errors.ErrCantCreate, err)
		}
		if !stream.Next() {
			break
		}
	}
	return n, stream.Err()
}

type putAttachment struct {
	*root
	rev         string
	contentType string
	file        string
}

func putAttachmentCmd(r *root) *cobra.Command {
	c := &putAttachment{
		root: r,
	}
	cmd := &cobra.Command{
		Use:   "put <database> <document> <filename>",
		Short: "Upload an attachment",
		Long: `Upload an attachment read from --file or stdin. The content is streamed to
the server as it is read.`,
		Args: cobra.ExactArgs(3), //nolint:gomnd
		RunE: c.RunE,
	}
	f := cmd.Flags()
	f.StringVar(&c.rev, "rev", "", "Current revision of the document. Omit to create the document.")
	f.StringVar(&c.contentType, "content-type", "", "Content type. Guessed from the filename if omitted.")
	f.StringVar(&c.file, "file", "", "File to upload")
	return cmd
}

func (c *putAttachment) content(cmd *cobra.Command) (io.Reader, error) {
	if c.file == "" || c.file == "-" {
		return cmd.InOrStdin(), nil
	}
	f, err := os.Open(c.file)
	if err != nil {
		return nil, errors.Code(errors.ErrNoInput, err)
	}
	return f, nil
}

func (c *putAttachment) RunE(cmd *cobra.Command, args []string) error {
	client, err := c.client()
	if err != nil {
		return err
	}
	content, err := c.content(cmd)
	if err != nil {
		return err
	}
	contentType := c.contentType
	if contentType == "" {
		contentType = mime.TypeByExtension(filepath.Ext(args[2]))
	}
	att := &couchstream.Attachment{
		Filename:    args[2],
		ContentType: contentType,
		Content:     content,
	}
	c.log.Debugf("[attachment] Will upload %s/%s/%s", args[0], args[1], args[2])
	rev, err := client.DB(args[0]).CreateAttachment(cmd.Context(), args[1], c.rev, att, c.opts())
	if err != nil {
		return err
	}
	return c.fmt.Output(writeResult{OK: true, ID: args[1], Rev: rev})
}

type deleteAttachment struct {
	*root
	rev string
}

func deleteAttachmentCmd(r *root) *cobra.Command {
	c := &deleteAttachment{
		root: r,
	}
	cmd := &cobra.Command{
		Use:   "delete <database> <document> <filename>",
		Short: "Delete an attachment",
		Args:  cobra.ExactArgs(3), //nolint:gomnd
		RunE:  c.RunE,
	}
	cmd.Flags().StringVar(&c.rev, "rev", "", "Current revision of the document")
	return cmd
}

func (c *deleteAttachment) RunE(cmd *cobra.Command, args []string) error {
	if c.rev == "" {
		return usageError("--rev is required")
	}
	client, err := c.client()
	if err != nil {
		return err
	}
	rev, err := client.DB(args[0]).DeleteAttachment(cmd.Context(), args[1], c.rev, args[2], c.opts())
	if err != nil {
		return err
	}
	return c.fmt.Output(writeResult{OK: true, ID: args[1], Rev: rev})
}
