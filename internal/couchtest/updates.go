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
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"gitlab.com/flimzy/httpe"
)

type dbUpdate struct {
	DBName string `json:"db_name"`
	Type   string `json:"type"`
	Seq    string `json:"seq"`
	seqNum int64
}

// updateLog is the server-wide record of database events served by
// /_db_updates.
type updateLog struct {
	mu      sync.RWMutex
	events  []dbUpdate
	changed chan struct{}
}

func newUpdateLog() *updateLog {
	return &updateLog{changed: make(chan struct{})}
}

func (l *updateLog) record(name, typ string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := int64(len(l.events)) + 1
	l.events = append(l.events, dbUpdate{
		DBName: name,
		Type:   typ,
		Seq:    fmt.Sprintf("%d-%s", n, newULID()),
		seqNum: n,
	})
	close(l.changed)
	l.changed = make(chan struct{})
}

// since returns the events after seqNum and a channel closed on the next
// event.
func (l *updateLog) since(seqNum int64) ([]dbUpdate, <-chan struct{}) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if seqNum < 0 || seqNum > int64(len(l.events)) {
		seqNum = int64(len(l.events))
	}
	out := make([]dbUpdate, len(l.events)-int(seqNum))
	copy(out, l.events[seqNum:])
	return out, l.changed
}

func (l *updateLog) lastSeq() (int64, string) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.events) == 0 {
		return 0, "0"
	}
	last := l.events[len(l.events)-1]
	return last.seqNum, last.Seq
}

// newDatabase returns a database whose writes are reported to the update
// log. s.mu must be held by callers which add it to s.dbs.
func (s *Server) newDatabase(name string) *database {
	db := newDatabase(name)
	db.onWrite = func() { s.updates.record(name, "updated") }
	return db
}

type updatesQuery struct {
	Feed      string `form:"feed"`
	Since     string `form:"since"`
	Heartbeat int    `form:"heartbeat"`
	Timeout   int    `form:"timeout"`
}

func (s *Server) dbUpdates() httpe.HandlerWithError {
	return httpe.HandlerWithErrorFunc(func(w http.ResponseWriter, r *http.Request) error {
		var q updatesQuery
		if err := s.query(r, &q); err != nil {
			return err
		}
		var since int64
		switch q.Since {
		case "now":
			since, _ = s.updates.lastSeq()
		default:
			var err error
			if since, err = seqNumber(q.Since); err != nil {
				return badRequest("Malformed sequence supplied in 'since' parameter.")
			}
		}
		if q.Feed != "continuous" {
			events, _ := s.updates.since(since)
			_, last := s.updates.lastSeq()
			if events == nil {
				events = []dbUpdate{}
			}
			return serveJSON(w, http.StatusOK, map[string]interface{}{
				"results":  events,
				"last_seq": last,
			})
		}
		return s.continuousUpdates(w, r, q, since)
	})
}

func (s *Server) continuousUpdates(w http.ResponseWriter, r *http.Request, q updatesQuery, since int64) error {
	flusher, _ := w.(http.Flusher)
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	flush()

	var heartbeat <-chan time.Time
	if q.Heartbeat > 0 && !s.noHeartbeats {
		ticker := time.NewTicker(time.Duration(q.Heartbeat) * time.Millisecond)
		defer ticker.Stop()
		heartbeat = ticker.C
	}
	var timeout <-chan time.Time
	if q.Timeout > 0 {
		timer := time.NewTimer(time.Duration(q.Timeout) * time.Millisecond)
		defer timer.Stop()
		timeout = timer.C
	}
	enc := json.NewEncoder(w)
	for {
		events, changed := s.updates.since(since)
		for _, ev := range events {
			if err := enc.Encode(ev); err != nil {
				return nil
			}
			since = ev.seqNum
		}
		flush()
		for waiting := true; waiting; {
			select {
			case <-r.Context().Done():
				return nil
			case <-timeout:
				_, last := s.updates.lastSeq()
				_ = enc.Encode(map[string]string{"last_seq": last})
				flush()
				return nil
			case <-changed:
				waiting = false
			case <-heartbeat:
				if _, err := w.Write([]byte("\n")); err != nil {
					return nil
				}
				flush()
			}
		}
	}
}
