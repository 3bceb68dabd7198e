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

/*
Package couchstream is a streaming client for CouchDB-compatible document
databases.

Response bodies are never read into memory whole. View rows, change-feed
records, bulk results and attachment bytes are produced one at a time as the
bytes arrive, and the producer advances only when the caller asks for the next
item.

# Connecting

	client, err := couchstream.New("http://localhost:5984/",
		chttp.BasicAuth("admin", "abc123"))
	if err != nil {
		panic(err)
	}
	db := client.DB("animals")

# Iterators

Every multi-item result is an iterator with the same shape:

	rows := db.QueryView(ctx, couchstream.ViewQuery{DesignDoc: "_design/foo", View: "bar"})
	defer rows.Close()
	for rows.Next() {
		ev := rows.Event()
		// ...
	}
	if err := rows.Err(); err != nil {
		// ...
	}

Closing an iterator, or cancelling the context it was created with, closes
the underlying HTTP response body before returning.

# Change feeds

[DB.SubscribeForChanges] holds a continuous feed open, detects a silent
connection through the server's heartbeat, and reconnects from the last
delivered sequence. Delivery is at-least-once: a change may be repeated only
across a reconnect, never otherwise.

# Errors

Failures carry an HTTP status and an [ErrorKind]. Use [KindOf], [IsConflict]
and [IsNotFound] to classify them.
*/
package couchstream
