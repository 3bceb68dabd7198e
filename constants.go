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

const (
	// Version is the version of the couchstream library.
	Version = "1.0.0"
)

// EndKeySuffix is a high Unicode character (0xfff0) useful for appending to an
// endkey argument, when doing a ranged search, as described [here].
//
// For example, to return all results with keys beginning with "foo":
//
//	rows := db.QueryView(ctx, couchstream.ViewQuery{
//	    DesignDoc: "_design/foo",
//	    View:      "by_name",
//	    StartKey:  "foo",
//	    EndKey:    "foo" + couchstream.EndKeySuffix,
//	})
//
// [here]: http://couchdb.readthedocs.io/en/latest/ddocs/views/collation.html#string-ranges
const EndKeySuffix = string(rune(0xfff0))

// SeqNow is the special sequence value requesting only changes made after
// the subscription starts.
const SeqNow = "now"

const (
	defaultHeartbeat = 5000 // milliseconds
	attachmentChunk  = 32 * 1024
)
