// Package refscan finds embedded entity references inside arbitrary
// JSON-like values (step arguments, step contexts, collaborator results).
//
// Entity ids are UUIDs. The scan is structural and shape-agnostic: any string
// anywhere in the tree, including map keys, is searched for UUID-shaped
// substrings and every candidate is confirmed with uuid.Parse.
package refscan

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"
)

var candidate = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)

// IsEntityID reports whether s is exactly one entity identifier.
func IsEntityID(s string) bool {
	if len(s) != 36 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}

// Scan returns every entity id referenced anywhere in the given values,
// lower-cased, deduplicated, in first-seen order.
func Scan(values ...interface{}) []string {
	s := &scanner{seen: make(map[string]bool)}
	for _, v := range values {
		s.walk(v)
	}
	return s.ids
}

type scanner struct {
	seen map[string]bool
	ids  []string
}

func (s *scanner) walk(v interface{}) {
	switch val := v.(type) {
	case nil, bool, float64, float32, int, int64, int32, uint, uint64, json.Number:
		return
	case string:
		s.text(val)
	case []byte:
		s.text(string(val))
	case json.RawMessage:
		var decoded interface{}
		if err := json.Unmarshal(val, &decoded); err == nil {
			s.walk(decoded)
		} else {
			s.text(string(val))
		}
	case map[string]interface{}:
		for _, k := range sortedKeys(val) {
			s.text(k)
			s.walk(val[k])
		}
	case map[string]string:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			s.text(k)
			s.text(val[k])
		}
	case []interface{}:
		for _, item := range val {
			s.walk(item)
		}
	case []string:
		for _, item := range val {
			s.text(item)
		}
	default:
		// Typed structs and slices: normalise through JSON so every
		// exported field is visited.
		data, err := json.Marshal(val)
		if err != nil {
			return
		}
		var decoded interface{}
		if err := json.Unmarshal(data, &decoded); err != nil {
			return
		}
		s.walk(decoded)
	}
}

func (s *scanner) text(str string) {
	if len(str) < 36 {
		return
	}
	for _, m := range candidate.FindAllString(str, -1) {
		if _, err := uuid.Parse(m); err != nil {
			continue
		}
		id := strings.ToLower(m)
		if s.seen[id] {
			continue
		}
		s.seen[id] = true
		s.ids = append(s.ids, id)
	}
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
