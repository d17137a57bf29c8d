package identity

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// CanonicalJSON renders a value as JSON with all object keys sorted,
// recursively. Two structurally equal values always produce identical
// bytes, which makes the output safe to hash for identity purposes.
//
// Only JSON-representable values are supported (maps, slices, numbers,
// strings, booleans, nil). Anything else is passed through encoding/json
// first so struct payloads behave like their wire form.
func CanonicalJSON(v any) ([]byte, error) {
	normalized, err := normalize(v)
	if err != nil {
		return nil, err
	}
	var sb strings.Builder
	if err := writeCanonical(&sb, normalized); err != nil {
		return nil, err
	}
	return []byte(sb.String()), nil
}

// normalize converts arbitrary values into the generic JSON shape
// (map[string]any / []any / primitives) via an encode-decode round trip
// when needed.
func normalize(v any) (any, error) {
	switch v.(type) {
	case nil, bool, string, float64, json.Number,
		map[string]any, []any:
		return v, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return out, nil
}

func writeCanonical(sb *strings.Builder, v any) error {
	switch val := v.(type) {
	case nil:
		sb.WriteString("null")
	case bool:
		sb.WriteString(strconv.FormatBool(val))
	case string:
		raw, err := json.Marshal(val)
		if err != nil {
			return err
		}
		sb.Write(raw)
	case float64:
		raw, err := json.Marshal(val)
		if err != nil {
			return err
		}
		sb.Write(raw)
	case json.Number:
		sb.WriteString(val.String())
	case []any:
		sb.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				sb.WriteByte(',')
			}
			if err := writeCanonical(sb, item); err != nil {
				return err
			}
		}
		sb.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			keyRaw, err := json.Marshal(k)
			if err != nil {
				return err
			}
			sb.Write(keyRaw)
			sb.WriteByte(':')
			if err := writeCanonical(sb, val[k]); err != nil {
				return err
			}
		}
		sb.WriteByte('}')
	default:
		normalized, err := normalize(v)
		if err != nil {
			return err
		}
		return writeCanonical(sb, normalized)
	}
	return nil
}
