package records

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/workflowzen/wfzen/storage"
)

// StatusFilter is the filter key that matches against the record status
// instead of a payload path.
const StatusFilter = "status"

// filter is a single compiled search condition.
type filter struct {
	key    string
	status bool
	path   []string
	want   any
}

// compileFilters parses every filter key into a path and normalizes every
// filter value into its JSON form (numbers become float64).
func compileFilters(filters map[string]any) ([]filter, error) {
	compiled := make([]filter, 0, len(filters))
	for key, value := range filters {
		f := filter{key: key, status: key == StatusFilter}
		if !f.status {
			path, err := parsePath(key)
			if err != nil {
				return nil, err
			}
			f.path = path
		}
		want, err := normalize(value)
		if err != nil {
			return nil, fmt.Errorf("%w: value for %q: %v", storage.ErrInvalidFilter, key, err)
		}
		f.want = want
		compiled = append(compiled, f)
	}
	return compiled, nil
}

func parsePath(key string) ([]string, error) {
	if key == "" {
		return nil, fmt.Errorf("%w: empty path", storage.ErrInvalidFilter)
	}
	path := strings.Split(key, ".")
	for _, seg := range path {
		if seg == "" {
			return nil, fmt.Errorf("%w: empty segment in path %q", storage.ErrInvalidFilter, key)
		}
	}
	return path, nil
}

func normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var n any
	return n, json.Unmarshal(raw, &n)
}

// resolve walks path into v. Numeric segments index arrays.
func resolve(v any, path []string) (any, bool) {
	for _, seg := range path {
		switch node := v.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return nil, false
			}
			v = next
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			v = node[i]
		default:
			return nil, false
		}
	}
	return v, true
}

func matchValue(have, want any) bool {
	hs, hok := have.(string)
	ws, wok := want.(string)
	if hok && wok {
		return strings.Contains(strings.ToLower(hs), strings.ToLower(ws))
	}
	return reflect.DeepEqual(have, want)
}

// match reports whether r satisfies f. payload is the decoded r.Payload.
func (f filter) match(r *storage.Record, payload any) bool {
	if f.status {
		s, ok := f.want.(string)
		return ok && r.Status == s
	}
	have, ok := resolve(payload, f.path)
	if !ok {
		return false
	}
	return matchValue(have, f.want)
}

// matchAll reports whether r satisfies every filter.
func matchAll(r *storage.Record, filters []filter) bool {
	if len(filters) == 0 {
		return true
	}
	var payload any
	if len(r.Payload) > 0 {
		if err := json.Unmarshal(r.Payload, &payload); err != nil {
			return false
		}
	}
	for _, f := range filters {
		if !f.match(r, payload) {
			return false
		}
	}
	return true
}
