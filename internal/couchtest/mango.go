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
	"fmt"
	"regexp"
	"strings"

	"github.com/go-kivik/couchstream/internal/collate"
)

// selector is a parsed Mango selector. match is called with the value the
// selector applies to; a missing field is passed as absent.
type selector interface {
	match(v interface{}) bool
}

type absentField struct{}

var absent = absentField{}

type combination struct {
	op  string
	sel []selector
}

func (c *combination) match(v interface{}) bool {
	switch c.op {
	case "$or":
		for _, s := range c.sel {
			if s.match(v) {
				return true
			}
		}
		return false
	case "$nor":
		for _, s := range c.sel {
			if s.match(v) {
				return false
			}
		}
		return true
	}
	for _, s := range c.sel {
		if !s.match(v) {
			return false
		}
	}
	return true
}

type notSelector struct{ sel selector }

func (n *notSelector) match(v interface{}) bool { return !n.sel.match(v) }

type fieldSelector struct {
	path []string
	cond selector
}

func (f *fieldSelector) match(v interface{}) bool {
	for _, key := range f.path {
		m, ok := v.(map[string]interface{})
		if !ok {
			v = absent
			break
		}
		if v, ok = m[key]; !ok {
			v = absent
			break
		}
	}
	return f.cond.match(v)
}

type elemSelector struct {
	all bool
	sel selector
}

func (e *elemSelector) match(v interface{}) bool {
	arr, ok := v.([]interface{})
	if !ok || len(arr) == 0 {
		return false
	}
	for _, el := range arr {
		if e.sel.match(el) != e.all {
			return !e.all
		}
	}
	return e.all
}

type condition struct {
	op  string
	arg interface{}
}

func contains(haystack []interface{}, needle interface{}) bool {
	for _, v := range haystack {
		if collate.Compare(v, needle) == 0 {
			return true
		}
	}
	return false
}

func jsonType(v interface{}) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case float64:
		return "number"
	case string:
		return "string"
	case []interface{}:
		return "array"
	}
	return "object"
}

func (c *condition) match(v interface{}) bool {
	if c.op == "$exists" {
		return (v != absent) == c.arg.(bool)
	}
	if v == absent {
		return false
	}
	switch c.op {
	case "$eq":
		return collate.Compare(v, c.arg) == 0
	case "$ne":
		return collate.Compare(v, c.arg) != 0
	case "$lt":
		return collate.Compare(v, c.arg) < 0
	case "$lte":
		return collate.Compare(v, c.arg) <= 0
	case "$gt":
		return collate.Compare(v, c.arg) > 0
	case "$gte":
		return collate.Compare(v, c.arg) >= 0
	case "$type":
		return jsonType(v) == c.arg
	case "$in":
		return contains(c.arg.([]interface{}), v)
	case "$nin":
		return !contains(c.arg.([]interface{}), v)
	case "$size":
		arr, ok := v.([]interface{})
		return ok && float64(len(arr)) == c.arg.(float64)
	case "$all":
		arr, ok := v.([]interface{})
		if !ok {
			return false
		}
		for _, want := range c.arg.([]interface{}) {
			if !contains(arr, want) {
				return false
			}
		}
		return true
	case "$mod":
		n, ok := v.(float64)
		if !ok || n != float64(int64(n)) {
			return false
		}
		mod := c.arg.([2]int64)
		return int64(n)%mod[0] == mod[1]
	case "$regex":
		s, ok := v.(string)
		return ok && c.arg.(*regexp.Regexp).MatchString(s)
	}
	return false
}

// splitField splits a dotted field name. A backslash escapes a dot.
func splitField(field string) []string {
	var (
		parts   []string
		word    strings.Builder
		escaped bool
	)
	for _, ch := range field {
		switch {
		case escaped:
			word.WriteRune(ch)
			escaped = false
		case ch == '\\':
			escaped = true
		case ch == '.':
			parts = append(parts, word.String())
			word.Reset()
		default:
			word.WriteRune(ch)
		}
	}
	return append(parts, word.String())
}

func selectorError(format string, args ...interface{}) error {
	return badRequest("invalid selector: " + fmt.Sprintf(format, args...))
}

// parseSelector parses a selector object. Operator keys apply to the current
// value, other keys descend into fields.
func parseSelector(obj map[string]interface{}) (selector, error) {
	and := &combination{op: "$and"}
	for key, arg := range obj {
		sel, err := parseKey(key, arg)
		if err != nil {
			return nil, err
		}
		and.sel = append(and.sel, sel)
	}
	if len(and.sel) == 1 {
		return and.sel[0], nil
	}
	return and, nil
}

func parseKey(key string, arg interface{}) (selector, error) {
	if !strings.HasPrefix(key, "$") {
		if obj, ok := arg.(map[string]interface{}); ok && len(obj) > 0 {
			cond, err := parseSelector(obj)
			if err != nil {
				return nil, err
			}
			return &fieldSelector{path: splitField(key), cond: cond}, nil
		}
		return &fieldSelector{path: splitField(key), cond: &condition{op: "$eq", arg: arg}}, nil
	}
	switch key {
	case "$and", "$or", "$nor":
		list, ok := arg.([]interface{})
		if !ok {
			return nil, selectorError("%s requires an array", key)
		}
		c := &combination{op: key}
		for _, item := range list {
			obj, ok := item.(map[string]interface{})
			if !ok {
				return nil, selectorError("%s requires an array of objects", key)
			}
			sel, err := parseSelector(obj)
			if err != nil {
				return nil, err
			}
			c.sel = append(c.sel, sel)
		}
		return c, nil
	case "$not", "$elemMatch", "$allMatch":
		obj, ok := arg.(map[string]interface{})
		if !ok {
			return nil, selectorError("%s requires an object", key)
		}
		sel, err := parseSelector(obj)
		if err != nil {
			return nil, err
		}
		if key == "$not" {
			return &notSelector{sel: sel}, nil
		}
		return &elemSelector{all: key == "$allMatch", sel: sel}, nil
	case "$eq", "$ne", "$lt", "$lte", "$gt", "$gte":
		return &condition{op: key, arg: arg}, nil
	case "$exists":
		if _, ok := arg.(bool); !ok {
			return nil, selectorError("$exists requires a boolean")
		}
	case "$type":
		if _, ok := arg.(string); !ok {
			return nil, selectorError("$type requires a string")
		}
	case "$in", "$nin", "$all":
		if _, ok := arg.([]interface{}); !ok {
			return nil, selectorError("%s requires an array", key)
		}
	case "$size":
		if _, ok := arg.(float64); !ok {
			return nil, selectorError("$size requires a number")
		}
	case "$mod":
		pair, ok := arg.([]interface{})
		if !ok || len(pair) != 2 {
			return nil, selectorError("$mod requires [divisor, remainder]")
		}
		d, ok1 := pair[0].(float64)
		r, ok2 := pair[1].(float64)
		if !ok1 || !ok2 || d == 0 {
			return nil, selectorError("$mod requires [divisor, remainder]")
		}
		return &condition{op: key, arg: [2]int64{int64(d), int64(r)}}, nil
	case "$regex":
		pattern, ok := arg.(string)
		if !ok {
			return nil, selectorError("$regex requires a string")
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, selectorError("$regex: %s", err)
		}
		return &condition{op: key, arg: re}, nil
	default:
		return nil, selectorError("unknown operator %s", key)
	}
	return &condition{op: key, arg: arg}, nil
}
