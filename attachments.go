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

package couchstream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/go-kivik/couchstream/chttp"
	internal "github.com/go-kivik/couchstream/int/errors"
)

// Attachment is the content of an attachment to upload.
type Attachment struct {
	Filename    string
	ContentType string
	// Content is read until io.EOF and sent as it is read. If it is an
	// io.Closer, it is closed once the upload ends.
	Content io.Reader
}

// ChunkSource produces a sequence of byte chunks on demand. NextChunk returns
// io.EOF after the last chunk.
type ChunkSource interface {
	NextChunk() ([]byte, error)
}

// ChunkSourceFunc adapts a function to a ChunkSource.
type ChunkSourceFunc func() ([]byte, error)

// NextChunk calls f.
func (f ChunkSourceFunc) NextChunk() ([]byte, error) {
	return f()
}

// ChunkReader returns an io.Reader which pulls chunks from src only as they
// are read. No more than one chunk is held at a time.
func ChunkReader(src ChunkSource) io.Reader {
	return &chunkReader{src: src}
}

type chunkReader struct {
	src     ChunkSource
	pending []byte
	err     error
}

func (r *chunkReader) Read(p []byte) (int, error) {
	for len(r.pending) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		r.pending, r.err = r.src.NextChunk()
	}
	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}

func (db *DB) attachmentPath(docID, filename string) string {
	return db.docPath(docID, chttp.EncodeSegment(filename))
}

// CreateAttachment uploads att to the document docID at revision rev,
// returning the document's new revision. The content is streamed, never held
// in memory as a whole.
func (db *DB) CreateAttachment(ctx context.Context, docID, rev string, att *Attachment, options ...Option) (string, error) {
	switch {
	case docID == "":
		return "", missingArg("docID")
	case att == nil:
		return "", missingArg("att")
	case att.Filename == "":
		return "", missingArg("att.Filename")
	case att.Content == nil:
		return "", missingArg("att.Content")
	}
	query := url.Values{}
	multiOptions(options).Apply(&query)
	if rev != "" {
		query.Set("rev", rev)
	}
	body, ok := att.Content.(io.ReadCloser)
	if !ok {
		body = io.NopCloser(att.Content)
	}
	opts := &chttp.Options{
		Body:        body,
		ContentType: att.ContentType,
		Query:       query,
		NoGzip:      true,
	}
	if opts.ContentType == "" {
		opts.ContentType = "application/octet-stream"
	}
	multiOptions(options).Apply(opts)
	var result writeResult
	err := db.client.chttp.DoJSON(ctx, http.MethodPut, db.attachmentPath(docID, att.Filename), opts, &result)
	if err != nil {
		return "", rejection(err)
	}
	return result.Rev, nil
}

// DeleteAttachment removes filename from the document docID at revision rev,
// returning the document's new revision.
func (db *DB) DeleteAttachment(ctx context.Context, docID, rev, filename string, options ...Option) (string, error) {
	switch {
	case docID == "":
		return "", missingArg("docID")
	case rev == "":
		return "", missingArg("rev")
	case filename == "":
		return "", missingArg("filename")
	}
	query := url.Values{}
	multiOptions(options).Apply(&query)
	query.Set("rev", rev)
	var result writeResult
	err := db.client.chttp.DoJSON(ctx, http.MethodDelete, db.attachmentPath(docID, filename), &chttp.Options{Query: query}, &result)
	if err != nil {
		return "", rejection(err)
	}
	return result.Rev, nil
}

// GetAttachment returns a stream of the content of filename. No request is
// made until the stream is first read, so a missing attachment is reported by
// the first Read or Next, not here.
func (db *DB) GetAttachment(ctx context.Context, docID, filename string, options ...Option) *AttachmentStream {
	return &AttachmentStream{
		ctx:      ctx,
		db:       db,
		docID:    docID,
		filename: filename,
		options:  options,
	}
}

var errStreamClosed = errors.New("couchstream: attachment stream closed")

// AttachmentStream is the content of an attachment. It may be consumed either
// as an io.Reader or chunk by chunk with Next and Chunk, but not both at once.
type AttachmentStream struct {
	ctx      context.Context
	db       *DB
	docID    string
	filename string
	options  []Option

	mu          sync.Mutex
	body        io.ReadCloser
	contentType string
	digest      string
	buf         []byte
	chunk       []byte
	err         error
	closed      bool
}

var _ io.ReadCloser = &AttachmentStream{}

// open issues the request. s.mu must be held.
func (s *AttachmentStream) open() error {
	if s.closed {
		return errStreamClosed
	}
	if s.body != nil || s.err != nil {
		return s.err
	}
	switch {
	case s.docID == "":
		s.err = missingArg("docID")
	case s.filename == "":
		s.err = missingArg("filename")
	}
	if s.err != nil {
		return s.err
	}
	query := url.Values{}
	multiOptions(s.options).Apply(&query)
	opts := &chttp.Options{Query: query, Accept: "*/*"}
	multiOptions(s.options).Apply(opts)
	resp, err := s.db.client.chttp.DoReq(s.ctx, http.MethodGet, s.db.attachmentPath(s.docID, s.filename), opts)
	if err != nil {
		s.err = err
		return err
	}
	if err := chttp.ResponseError(resp); err != nil {
		s.err = rejection(err)
		return s.err
	}
	s.body = resp.Body
	s.contentType = resp.Header.Get("Content-Type")
	s.digest, _ = chttp.ETag(resp)
	return nil
}

// read reads from the response body without holding s.mu, so that Close can
// interrupt a blocked read.
func (s *AttachmentStream) read(p []byte) (int, error) {
	s.mu.Lock()
	err := s.open()
	body := s.body
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}
	n, err := body.Read(p)
	if err == nil || err == io.EOF {
		return n, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		err = errStreamClosed
	case s.ctx.Err() != nil:
		err = s.ctx.Err()
	default:
		err = &internal.Error{Status: http.StatusBadGateway, Kind: internal.KindNetwork, Err: err}
	}
	return n, err
}

// Read reads attachment content into p.
func (s *AttachmentStream) Read(p []byte) (int, error) {
	return s.read(p)
}

// Next reads the next chunk of content, returning false at the end of the
// content or on error. Check Err to tell the two apart.
func (s *AttachmentStream) Next() bool {
	if s.buf == nil {
		s.buf = make([]byte, attachmentChunk)
	}
	for {
		n, err := s.read(s.buf)
		if n > 0 {
			s.chunk = s.buf[:n]
			if err != nil && err != io.EOF {
				s.setErr(err)
			}
			return true
		}
		s.chunk = nil
		if err != nil {
			if err != io.EOF {
				s.setErr(err)
			}
			return false
		}
	}
}

func (s *AttachmentStream) setErr(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

// Chunk returns the chunk read by the last call to Next. It is only valid
// until the next call to Next.
func (s *AttachmentStream) Chunk() []byte {
	return s.chunk
}

// Err returns the error which ended iteration with Next, if any.
func (s *AttachmentStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == errStreamClosed {
		return nil
	}
	return s.err
}

// ContentType returns the content type reported by the server. It is empty
// until the stream has been read.
func (s *AttachmentStream) ContentType() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contentType
}

// Digest returns the content digest reported by the server. It is empty until
// the stream has been read.
func (s *AttachmentStream) Digest() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.digest
}

// Close releases the connection, interrupting a blocked Read. It is safe to
// call more than once.
func (s *AttachmentStream) Close() error {
	s.mu.Lock()
	s.closed = true
	body := s.body
	s.body = nil
	s.mu.Unlock()
	if body == nil {
		return nil
	}
	return body.Close()
}
