// ABOUTME: Recursive redaction of secret-bearing fields in structured parameter maps
// ABOUTME: Used before LLM request parameters leave the process over a socket

package redact

import (
	"encoding/json"
	"reflect"
	"strings"
)

// Placeholder replaces every redacted value.
const Placeholder = "[REDACTED]"

// sensitiveWords are matched case-insensitively as substrings of a key.
var sensitiveWords = []string{"key", "token", "secret", "password", "credential"}

// IsSensitiveKey reports whether a key name suggests it holds a secret.
func IsSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, word := range sensitiveWords {
		if strings.Contains(lower, word) {
			return true
		}
	}
	return false
}

// Map returns a deep copy of m in which the value of every sensitive key is
// replaced by Placeholder, at any nesting depth. Slices are walked so maps
// inside lists are redacted too. The input is never modified.
func Map(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if IsSensitiveKey(k) {
			out[k] = Placeholder
			continue
		}
		out[k] = value(v)
	}
	return out
}

func value(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return Map(t)
	case map[string]string:
		out := make(map[string]any, len(t))
		for k, s := range t {
			if IsSensitiveKey(k) {
				out[k] = Placeholder
				continue
			}
			out[k] = s
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = value(item)
		}
		return out
	case []map[string]any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = Map(item)
		}
		return out
	default:
		return typed(v)
	}
}

// typed redacts composite values of any other type (typed maps and slices,
// structs, pointers) by first decoding their JSON form into plain maps and
// slices, so keys are seen exactly as they will go over the wire. Values
// that cannot be encoded are replaced whole.
func typed(v any) any {
	if v == nil {
		return nil
	}
	switch reflect.Indirect(reflect.ValueOf(v)).Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct, reflect.Interface:
	default:
		return v
	}
	data, err := json.Marshal(v)
	if err != nil {
		return Placeholder
	}
	var plain any
	if err := json.Unmarshal(data, &plain); err != nil {
		return Placeholder
	}
	switch plain.(type) {
	case map[string]any, []any:
		return value(plain)
	default:
		return plain
	}
}
