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

// Package collate orders JSON values the way CouchDB orders view keys.
package collate

import (
	"encoding/json"
	"sort"
	"sync"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

var (
	collatorMu sync.Mutex
	collator   = collate.New(language.Und)
)

// Strings compares two strings using the Unicode Collation Algorithm, as
// CouchDB does.
func Strings(a, b string) int {
	collatorMu.Lock()
	defer collatorMu.Unlock()
	return collator.CompareString(a, b)
}

// rank is the position of a JSON type in view collation order.
type rank int

const (
	rankNull rank = iota
	rankFalse
	rankTrue
	rankNumber
	rankString
	rankArray
	rankObject
)

func rankOf(v interface{}) rank {
	switch t := v.(type) {
	case nil:
		return rankNull
	case bool:
		if t {
			return rankTrue
		}
		return rankFalse
	case float64, json.Number:
		return rankNumber
	case string:
		return rankString
	case []interface{}:
		return rankArray
	}
	return rankObject
}

func number(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case json.Number:
		f, _ := t.Float64()
		return f
	}
	return 0
}

// Compare orders two values as decoded by encoding/json: null, false, true,
// numbers, strings, arrays, then objects. It returns -1, 0 or 1.
func Compare(a, b interface{}) int {
	ra, rb := rankOf(a), rankOf(b)
	if ra != rb {
		return sign(int(ra) - int(rb))
	}
	switch ra {
	case rankNumber:
		na, nb := number(a), number(b)
		switch {
		case na < nb:
			return -1
		case na > nb:
			return 1
		}
		return 0
	case rankString:
		return sign(Strings(a.(string), b.(string)))
	case rankArray:
		return compareArrays(a.([]interface{}), b.([]interface{}))
	case rankObject:
		return compareObjects(a.(map[string]interface{}), b.(map[string]interface{}))
	}
	return 0
}

func compareArrays(a, b []interface{}) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if c := Compare(a[i], b[i]); c != 0 {
			return c
		}
	}
	return sign(len(a) - len(b))
}

// compareObjects compares objects key by key, in collated key order. Go maps
// do not retain member order, so this is the closest deterministic
// approximation of CouchDB's member-order comparison.
func compareObjects(a, b map[string]interface{}) int {
	ak, bk := sortedKeys(a), sortedKeys(b)
	for i := 0; i < len(ak) && i < len(bk); i++ {
		if c := sign(Strings(ak[i], bk[i])); c != 0 {
			return c
		}
		if c := Compare(a[ak[i]], b[bk[i]]); c != 0 {
			return c
		}
	}
	return sign(len(ak) - len(bk))
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return Strings(keys[i], keys[j]) < 0 })
	return keys
}

// Raw compares two encoded JSON values. An empty value sorts before
// everything; undecodable values sort as null.
func Raw(a, b json.RawMessage) int {
	switch {
	case len(a) == 0 && len(b) == 0:
		return 0
	case len(a) == 0:
		return -1
	case len(b) == 0:
		return 1
	}
	return Compare(decode(a), decode(b))
}

func decode(raw json.RawMessage) interface{} {
	var v interface{}
	_ = json.Unmarshal(raw, &v)
	return v
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	}
	return 0
}
