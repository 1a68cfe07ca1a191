package tools

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"strings"
	"unicode"
)

// ArgsHash is the canonical fingerprint of a tool call's arguments.
//
// Strings are trimmed and lower-cased, nil and empty values are dropped,
// integral floats are folded to integers (the model sends 5 and 5.0
// interchangeably), nested maps are canonicalized recursively and arrays keep
// their order. encoding/json sorts map keys, which makes the encoding stable.
func ArgsHash(args map[string]any) string {
	c := canonical(args)
	if c == nil {
		c = map[string]any{}
	}
	b, err := json.Marshal(c)
	if err != nil {
		b = []byte("!unencodable")
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func canonical(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		s := strings.ToLower(strings.TrimSpace(t))
		if s == "" {
			return nil
		}
		return s
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1<<53 {
			return int64(t)
		}
		return t
	case float32:
		return canonical(float64(t))
	case int:
		return int64(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if c := canonical(val); c != nil {
				out[k] = c
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out
	case map[string]string:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[k] = val
		}
		return canonical(m)
	case []any:
		out := make([]any, 0, len(t))
		for _, val := range t {
			out = append(out, canonical(val))
		}
		return out
	case []string:
		out := make([]any, 0, len(t))
		for _, val := range t {
			out = append(out, canonical(val))
		}
		return out
	default:
		return t
	}
}

// TopicHash identifies a callback topic for deduplication. Case, Turkish
// dotted/dotless i and whitespace runs do not change it.
func TopicHash(topic string) string {
	t := strings.ToLowerSpecial(unicode.TurkishCase, topic)
	t = strings.Join(strings.Fields(t), " ")
	sum := sha256.Sum256([]byte(t))
	return hex.EncodeToString(sum[:])
}
