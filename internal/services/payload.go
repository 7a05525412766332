package services

import (
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// payloadNumber converts a loosely typed payload value into a float. Strings such as "1,250.50"
// or "₹ 900" are accepted; anything unparsable, NaN or infinite reports false.
func payloadNumber(value any) (float64, bool) {
	var out float64
	switch v := value.(type) {
	case nil:
		return 0, false
	case float64:
		out = v
	case float32:
		out = float64(v)
	case int:
		out = float64(v)
	case int32:
		out = float64(v)
	case int64:
		out = float64(v)
	case uint:
		out = float64(v)
	case uint32:
		out = float64(v)
	case uint64:
		out = float64(v)
	case json.Number:
		parsed, err := v.Float64()
		if err != nil {
			return 0, false
		}
		out = parsed
	case string:
		parsed, ok := parseNumericString(v)
		if !ok {
			return 0, false
		}
		out = parsed
	default:
		return 0, false
	}
	if math.IsNaN(out) || math.IsInf(out, 0) {
		return 0, false
	}
	return out, true
}

var numericToken = regexp.MustCompile(`[-+]?\d[\d,]*(?:\.\d+)?`)

func parseNumericString(raw string) (float64, bool) {
	token := numericToken.FindString(strings.TrimSpace(raw))
	if token == "" {
		return 0, false
	}
	parsed, err := strconv.ParseFloat(strings.ReplaceAll(token, ",", ""), 64)
	if err != nil {
		return 0, false
	}
	return parsed, true
}

// positiveField returns the first key in keys holding a strictly positive number.
func positiveField(payload map[string]any, keys []string) (float64, bool) {
	if payload == nil {
		return 0, false
	}
	for _, key := range keys {
		if n, ok := payloadNumber(payload[key]); ok && n > 0 {
			return n, true
		}
	}
	return 0, false
}

func payloadString(payload map[string]any, keys ...string) string {
	if payload == nil {
		return ""
	}
	for _, key := range keys {
		if s, ok := payload[key].(string); ok {
			if trimmed := strings.TrimSpace(s); trimmed != "" {
				return trimmed
			}
		}
	}
	return ""
}

func payloadMap(value any) (map[string]any, bool) {
	m, ok := value.(map[string]any)
	return m, ok && m != nil
}

// payloadObjects normalizes a single object or a list of objects into a list. Non-object entries
// are skipped.
func payloadObjects(value any) []map[string]any {
	switch v := value.(type) {
	case map[string]any:
		if v == nil {
			return nil
		}
		return []map[string]any{v}
	case []map[string]any:
		return v
	case []any:
		out := make([]map[string]any, 0, len(v))
		for _, entry := range v {
			if m, ok := payloadMap(entry); ok {
				out = append(out, m)
			}
		}
		return out
	default:
		return nil
	}
}

func firstPresent(payload map[string]any, keys ...string) (any, bool) {
	if payload == nil {
		return nil, false
	}
	for _, key := range keys {
		if value, ok := payload[key]; ok && value != nil {
			return value, true
		}
	}
	return nil, false
}
