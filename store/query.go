package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
)

// Query selects the records whose top-level fields equal every key of the query.
type Query map[string]any

// Normalize returns the query with values decoded the way a JSON document
// would decode them, so that 5 and 5.0 compare equal. Only scalar values are
// accepted.
func (q Query) Normalize() (Query, error) {
	raw, err := json.Marshal(q)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}
	normalized := Query{}
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}
	for k, v := range normalized {
		if k == "" {
			return nil, fmt.Errorf("%w: empty field name", ErrInvalidQuery)
		}
		switch v.(type) {
		case nil, string, float64, bool:
		default:
			return nil, fmt.Errorf("%w: field %q is not a scalar", ErrInvalidQuery, k)
		}
	}
	return normalized, nil
}

// Keys returns the query fields in a stable order.
func (q Query) Keys() []string {
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Matches reports whether a decoded document satisfies a normalized query.
func (q Query) Matches(doc any) bool {
	fields, ok := doc.(map[string]any)
	if !ok {
		return len(q) == 0
	}
	for k, want := range q {
		got, present := fields[k]
		if want == nil {
			if present && got != nil {
				return false
			}
			continue
		}
		if !present || !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}

// MergeDocument copies the top-level keys of patch over data. A document that
// is not a JSON object is replaced by the patch. changed reports whether the
// merged document differs from data.
func MergeDocument(data json.RawMessage, patch map[string]any) (merged json.RawMessage, changed bool, err error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, false, fmt.Errorf("failed to decode record: %w", err)
	}
	fields, ok := doc.(map[string]any)
	if !ok {
		fields = make(map[string]any, len(patch))
	}
	before, err := json.Marshal(doc)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode record: %w", err)
	}
	for k, v := range patch {
		fields[k] = v
	}
	merged, err = json.Marshal(fields)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode record: %w", err)
	}
	return merged, !bytes.Equal(before, merged), nil
}
