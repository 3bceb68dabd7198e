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
	"encoding/base64"
	"io"
	"net/http"
	"strings"

	"gitlab.com/flimzy/httpe"
)

type writeResponse struct {
	OK  bool   `json:"ok"`
	ID  string `json:"id"`
	Rev string `json:"rev"`
}

func (s *Server) getDoc(prefix string) httpe.HandlerWithError {
	return httpe.HandlerWithErrorFunc(func(w http.ResponseWriter, r *http.Request) error {
		db, err := s.database(r)
		if err != nil {
			return err
		}
		id := docID(r, prefix)
		db.mu.RLock()
		rev, err := db.get(id)
		var doc map[string]interface{}
		if err == nil {
			doc = rev.couchDoc(id)
		}
		db.mu.RUnlock()
		if err != nil {
			return err
		}
		w.Header().Set("ETag", `"`+rev.rev+`"`)
		return serveJSON(w, http.StatusOK, doc)
	})
}

// store writes a document given in its CouchDB form. db.mu must be held.
func (db *database) store(id string, doc map[string]interface{}) (*revision, error) {
	if id == "" {
		return nil, badRequest("Document id must not be empty")
	}
	if strings.HasPrefix(id, "_") && !strings.HasPrefix(id, "_design/") && !strings.HasPrefix(id, "_local/") {
		return nil, &couchError{status: http.StatusBadRequest, Err: "illegal_docid", Reason: "Only reserved document ids may start with underscore."}
	}
	rev, _ := doc["_rev"].(string)
	deleted, _ := doc["_deleted"].(bool)
	var prev map[string]*attachment
	if d, ok := db.docs[id]; ok {
		prev = d.latest().attachments
	}
	atts, err := decodeAttachments(doc["_attachments"], prev)
	if err != nil {
		return nil, err
	}
	body := make(map[string]interface{}, len(doc))
	for k, v := range doc {
		if !strings.HasPrefix(k, "_") {
			body[k] = v
		}
	}
	if deleted {
		atts = nil
	}
	return db.write(id, rev, body, deleted, atts)
}

func decodeAttachments(v interface{}, prev map[string]*attachment) (map[string]*attachment, error) {
	in, _ := v.(map[string]interface{})
	if len(in) == 0 {
		return nil, nil
	}
	out := make(map[string]*attachment, len(in))
	for name, raw := range in {
		meta, _ := raw.(map[string]interface{})
		if stub, _ := meta["stub"].(bool); stub {
			att, ok := prev[name]
			if !ok {
				return nil, &couchError{status: http.StatusPreconditionFailed, Err: "missing_stub", Reason: "Invalid attachment stub for " + name}
			}
			out[name] = att
			continue
		}
		data, _ := meta["data"].(string)
		content, err := base64.StdEncoding.DecodeString(data)
		if err != nil {
			return nil, badRequest("Invalid attachment data for " + name)
		}
		ctype, _ := meta["content_type"].(string)
		out[name] = newAttachment(ctype, content, 0)
	}
	return out, nil
}

func (s *Server) putDoc(prefix string) httpe.HandlerWithError {
	return httpe.HandlerWithErrorFunc(func(w http.ResponseWriter, r *http.Request) error {
		db, err := s.database(r)
		if err != nil {
			return err
		}
		var doc map[string]interface{}
		if err := bind(r, &doc); err != nil {
			return err
		}
		if doc == nil {
			return badRequest("Document must be a JSON object")
		}
		if rev := r.URL.Query().Get("rev"); rev != "" {
			doc["_rev"] = rev
		}
		id := docID(r, prefix)
		db.mu.Lock()
		rev, err := db.store(id, doc)
		db.mu.Unlock()
		if err != nil {
			return err
		}
		w.Header().Set("ETag", `"`+rev.rev+`"`)
		return serveJSON(w, http.StatusCreated, writeResponse{OK: true, ID: id, Rev: rev.rev})
	})
}

func (s *Server) deleteDoc(prefix string) httpe.HandlerWithError {
	return httpe.HandlerWithErrorFunc(func(w http.ResponseWriter, r *http.Request) error {
		db, err := s.database(r)
		if err != nil {
			return err
		}
		id := docID(r, prefix)
		rev := r.URL.Query().Get("rev")
		db.mu.Lock()
		defer db.mu.Unlock()
		current, err := db.get(id)
		if err != nil {
			return err
		}
		if rev != current.rev {
			return errConflict
		}
		deleted, err := db.write(id, rev, map[string]interface{}{}, true, nil)
		if err != nil {
			return err
		}
		return serveJSON(w, http.StatusOK, writeResponse{OK: true, ID: id, Rev: deleted.rev})
	})
}

func (s *Server) getAttachment() httpe.HandlerWithError {
	return httpe.HandlerWithErrorFunc(func(w http.ResponseWriter, r *http.Request) error {
		db, err := s.database(r)
		if err != nil {
			return err
		}
		id, name := docID(r, ""), param(r, "attname")
		db.mu.RLock()
		rev, err := db.get(id)
		var att *attachment
		if err == nil {
			att = rev.attachments[name]
		}
		db.mu.RUnlock()
		if err != nil {
			return err
		}
		if att == nil {
			return &couchError{status: http.StatusNotFound, Err: "not_found", Reason: "Document is missing attachment"}
		}
		w.Header().Set("Content-Type", att.ContentType)
		w.Header().Set("ETag", `"`+att.Digest+`"`)
		w.WriteHeader(http.StatusOK)
		_, err = w.Write(att.Data)
		return err
	})
}

func (s *Server) putAttachment() httpe.HandlerWithError {
	return httpe.HandlerWithErrorFunc(func(w http.ResponseWriter, r *http.Request) error {
		db, err := s.database(r)
		if err != nil {
			return err
		}
		id, name := docID(r, ""), param(r, "attname")
		data, err := io.ReadAll(r.Body)
		if err != nil {
			return badRequest(err.Error())
		}
		rev := r.URL.Query().Get("rev")
		db.mu.Lock()
		defer db.mu.Unlock()
		body := map[string]interface{}{}
		var atts map[string]*attachment
		if current, err := db.get(id); err == nil {
			if rev != current.rev {
				return errConflict
			}
			body = current.body
			atts = copyAttachments(current.attachments)
		}
		if atts == nil {
			atts = map[string]*attachment{}
		}
		atts[name] = newAttachment(r.Header.Get("Content-Type"), data, 0)
		stored, err := db.write(id, rev, body, false, atts)
		if err != nil {
			return err
		}
		return serveJSON(w, http.StatusCreated, writeResponse{OK: true, ID: id, Rev: stored.rev})
	})
}

func (s *Server) deleteAttachment() httpe.HandlerWithError {
	return httpe.HandlerWithErrorFunc(func(w http.ResponseWriter, r *http.Request) error {
		db, err := s.database(r)
		if err != nil {
			return err
		}
		id, name := docID(r, ""), param(r, "attname")
		rev := r.URL.Query().Get("rev")
		db.mu.Lock()
		defer db.mu.Unlock()
		current, err := db.get(id)
		if err != nil {
			return err
		}
		if rev != current.rev {
			return errConflict
		}
		if _, ok := current.attachments[name]; !ok {
			return &couchError{status: http.StatusNotFound, Err: "not_found", Reason: "Document is missing attachment"}
		}
		atts := copyAttachments(current.attachments)
		delete(atts, name)
		stored, err := db.write(id, rev, current.body, false, atts)
		if err != nil {
			return err
		}
		return serveJSON(w, http.StatusOK, writeResponse{OK: true, ID: id, Rev: stored.rev})
	})
}
