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

package couchtest

import (
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/go-kivik/couchstream/internal/collate"
)

type attachment struct {
	ContentType string
	Data        []byte
	Digest      string
	RevPos      int
}

func newAttachment(contentType string, data []byte, revPos int) *attachment {
	sum := md5.Sum(data)
	return &attachment{
		ContentType: contentType,
		Data:        data,
		Digest:      "md5-" + base64.StdEncoding.EncodeToString(sum[:]),
		RevPos:      revPos,
	}
}

func (a *attachment) stub() map[string]interface{} {
	return map[string]interface{}{
		"content_type": a.ContentType,
		"length":       len(a.Data),
		"digest":       a.Digest,
		"revpos":       a.RevPos,
		"stub":         true,
	}
}

type revision struct {
	num         int
	rev         string
	seq         string
	seqNum      int64
	deleted     bool
	body        map[string]interface{}
	attachments map[string]*attachment
}

// couchDoc renders the revision as CouchDB returns it.
func (r *revision) couchDoc(id string) map[string]interface{} {
	doc := make(map[string]interface{}, len(r.body)+3)
	for k, v := range r.body {
		doc[k] = v
	}
	doc["_id"] = id
	doc["_rev"] = r.rev
	if r.deleted {
		doc["_deleted"] = true
	}
	if len(r.attachments) > 0 {
		atts := make(map[string]interface{}, len(r.attachments))
		for name, att := range r.attachments {
			atts[name] = att.stub()
		}
		doc["_attachments"] = atts
	}
	return doc
}

type document struct {
	id   string
	revs []*revision
}

func (d *document) latest() *revision {
	return d.revs[len(d.revs)-1]
}

type database struct {
	name string

	mu      sync.RWMutex
	docs    map[string]*document
	seqNum  int64
	seq     string
	changed chan struct{}
	// onWrite, if set, is called after each write with mu held.
	onWrite func()
}

func newDatabase(name string) *database {
	return &database{
		name:    name,
		docs:    map[string]*document{},
		seq:     "0",
		changed: make(chan struct{}),
	}
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0) // nolint:gosec
)

func newULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Now(), entropy).String()
}

// seqNumber extracts the counter from a sequence token.
func seqNumber(seq string) (int64, error) {
	if seq == "" {
		return 0, nil
	}
	n, _, _ := strings.Cut(seq, "-")
	return strconv.ParseInt(n, 10, 64)
}

func revHash(prev string, body map[string]interface{}, deleted bool) string {
	b, _ := json.Marshal(body)
	h := md5.New()
	_, _ = h.Write([]byte(prev))
	_, _ = h.Write(b)
	if deleted {
		_, _ = h.Write([]byte{1})
	}
	return hex.EncodeToString(h.Sum(nil))
}

var errConflict = &couchError{status: http.StatusConflict, Err: "conflict", Reason: "Document update conflict."}

// write stores a new revision of id. prevRev must name the current
// revision, or be empty for a new or deleted document. d.mu must be held.
func (d *database) write(id, prevRev string, body map[string]interface{}, deleted bool, atts map[string]*attachment) (*revision, error) {
	doc, exists := d.docs[id]
	var prev *revision
	if exists {
		prev = doc.latest()
	}
	switch {
	case prev == nil && prevRev != "":
		return nil, errConflict
	case prev != nil && !prev.deleted && prevRev != prev.rev:
		return nil, errConflict
	case prev != nil && prev.deleted && prevRev != "" && prevRev != prev.rev:
		return nil, errConflict
	}
	num := 1
	if prev != nil {
		num = prev.num + 1
	}
	for _, att := range atts {
		if att.RevPos == 0 {
			att.RevPos = num
		}
	}
	d.seqNum++
	d.seq = fmt.Sprintf("%d-%s", d.seqNum, newULID())
	rev := &revision{
		num:         num,
		rev:         fmt.Sprintf("%d-%s", num, revHash(prevRev, body, deleted)),
		seq:         d.seq,
		seqNum:      d.seqNum,
		deleted:     deleted,
		body:        body,
		attachments: atts,
	}
	if !exists {
		doc = &document{id: id}
		d.docs[id] = doc
	}
	doc.revs = append(doc.revs, rev)
	close(d.changed)
	d.changed = make(chan struct{})
	if d.onWrite != nil {
		d.onWrite()
	}
	return rev, nil
}

// get returns the latest revision of id, or a not_found error whose reason
// tells a missing document from a deleted one.
func (d *database) get(id string) (*revision, error) {
	doc, ok := d.docs[id]
	if !ok {
		return nil, &couchError{status: http.StatusNotFound, Err: "not_found", Reason: "missing"}
	}
	rev := doc.latest()
	if rev.deleted {
		return nil, &couchError{status: http.StatusNotFound, Err: "not_found", Reason: "deleted"}
	}
	return rev, nil
}

// live returns the non-deleted documents in collated ID order.
func (d *database) live() []*document {
	docs := make([]*document, 0, len(d.docs))
	for _, doc := range d.docs {
		if !doc.latest().deleted {
			docs = append(docs, doc)
		}
	}
	sort.Slice(docs, func(i, j int) bool { return collate.Strings(docs[i].id, docs[j].id) < 0 })
	return docs
}

// since returns the documents changed after seqNum, in sequence order.
func (d *database) since(seqNum int64) []*document {
	var docs []*document
	for _, doc := range d.docs {
		if doc.latest().seqNum > seqNum {
			docs = append(docs, doc)
		}
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].latest().seqNum < docs[j].latest().seqNum })
	return docs
}

func copyAttachments(in map[string]*attachment) map[string]*attachment {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]*attachment, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
