package message

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// fields is a decoded JSON object with a nested "data" object searched as
// a fallback.
type fields struct {
	top  map[string]any
	data map[string]any
}

func parseFields(payload []byte) (fields, error) {
	var top map[string]any
	if err := json.Unmarshal(payload, &top); err != nil {
		return fields{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if top == nil {
		return fields{}, fmt.Errorf("%w: not a JSON object", ErrMalformed)
	}
	f := fields{top: top}
	if data, ok := top["data"].(map[string]any); ok {
		f.data = data
	}
	return f, nil
}

// str returns the first non-empty string found under any of keys, looking
// at the top level first and then inside data.
func (f fields) str(keys ...string) string {
	for _, m := range []map[string]any{f.top, f.data} {
		for _, k := range keys {
			if s := asString(m[k]); s != "" {
				return s
			}
		}
	}
	return ""
}

// boolean returns the first boolean found under key, or def.
func (f fields) boolean(key string, def bool) bool {
	for _, m := range []map[string]any{f.top, f.data} {
		if b, ok := m[key].(bool); ok {
			return b
		}
	}
	return def
}

// timestamp returns the first parseable RFC 3339 timestamp under keys, or now.
func (f fields) timestamp(now time.Time, keys ...string) time.Time {
	s := f.str(keys...)
	if s == "" {
		return now
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	return now
}

func asString(v any) string {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case float64:
		// Numeric badge ids are common on cheap readers.
		return strings.TrimSpace(fmt.Sprintf("%.0f", x))
	default:
		return ""
	}
}
