package store

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

// RuleFile is the flat rule record in rules.json. Values may be written as
// strings, numbers, booleans or string arrays; they are all handed to the
// engine as strings.
type RuleFile struct {
	path string
}

// Load returns an empty record when the file does not exist.
func (r *RuleFile) Load(ctx context.Context) (map[string]string, error) {
	var raw map[string]json.RawMessage
	if err := readJSON(r.path, &raw); err != nil {
		if isNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("reading rules: %w", err)
	}

	out := make(map[string]string, len(raw))
	for key, val := range raw {
		if s, ok := flatten(val); ok {
			out[key] = s
		}
	}
	return out, nil
}

// Save replaces the record.
func (r *RuleFile) Save(ctx context.Context, rules map[string]string) error {
	return writeJSON(r.path, rules)
}

func flatten(val json.RawMessage) (string, bool) {
	val = bytes.TrimSpace(val)
	if len(val) == 0 || bytes.Equal(val, []byte("null")) {
		return "", false
	}
	switch val[0] {
	case '"':
		var s string
		if err := json.Unmarshal(val, &s); err != nil {
			return "", false
		}
		return s, true
	case '[':
		var items []interface{}
		if err := json.Unmarshal(val, &items); err != nil {
			return "", false
		}
		parts := make([]string, 0, len(items))
		for _, it := range items {
			parts = append(parts, fmt.Sprint(it))
		}
		return strings.Join(parts, ","), true
	case '{':
		return "", false
	default:
		return string(val), true
	}
}
