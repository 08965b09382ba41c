// Package fieldcase translates JSON field names between the downstream
// engine API's snake_case convention and the envelope's camelCase one. Both
// functions are pure and stateless; values are never touched, only object
// keys, recursively.
package fieldcase

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode"
)

// Normalize rewrites all object keys in doc from snake_case to camelCase.
func Normalize(doc []byte) ([]byte, error) {
	return rewrite(doc, snakeToCamel)
}

// Denormalize rewrites all object keys in doc from camelCase to snake_case.
// For keys that are canonical snake_case, Denormalize(Normalize(x)) == x.
func Denormalize(doc []byte) ([]byte, error) {
	return rewrite(doc, camelToSnake)
}

func rewrite(doc []byte, conv func(string) string) ([]byte, error) {
	var v interface{}
	dec := json.NewDecoder(strings.NewReader(string(doc)))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("fieldcase: parse document: %w", err)
	}
	out, err := json.Marshal(walk(v, conv))
	if err != nil {
		return nil, fmt.Errorf("fieldcase: serialize document: %w", err)
	}
	return out, nil
}

func walk(v interface{}, conv func(string) string) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, val := range t {
			m[conv(k)] = walk(val, conv)
		}
		return m
	case []interface{}:
		for i, val := range t {
			t[i] = walk(val, conv)
		}
		return t
	default:
		return v
	}
}

func snakeToCamel(key string) string {
	if !strings.Contains(key, "_") {
		return key
	}
	parts := strings.Split(key, "_")
	var b strings.Builder
	b.WriteString(parts[0])
	for _, p := range parts[1:] {
		if p == "" {
			continue
		}
		b.WriteString(strings.ToUpper(p[:1]))
		b.WriteString(p[1:])
	}
	return b.String()
}

func camelToSnake(key string) string {
	var b strings.Builder
	for i, r := range key {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
