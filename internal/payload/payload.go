// Package payload locates the free-text fields of a JSON request body so
// they can be scanned and rewritten without disturbing the rest of the
// document.
//
// A field is a dot path such as "messages.*.content". A '*' segment matches
// every element of an array or every key of an object; a numeric segment
// indexes an array. Only string leaves are visited.
package payload

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// DefaultFields covers the prompt-bearing fields of the OpenAI, Anthropic,
// Gemini and Cohere request formats.
var DefaultFields = ParseFields([]string{
	"messages.*.content",
	"messages.*.content.*.text",
	"messages.*.content.*.content.*.text",
	"prompt",
	"prompt.*",
	"system",
	"system.*.text",
	"input",
	"input.*",
	"input.*.content",
	"input.*.content.*.text",
	"instructions",
	"contents.*.parts.*.text",
	"systemInstruction.parts.*.text",
	"message",
	"preamble",
	"chat_history.*.message",
})

// Path is one parsed field selector.
type Path []string

func (p Path) String() string { return strings.Join(p, ".") }

// Fields is an ordered, de-duplicated set of paths.
type Fields []Path

// ParseFields parses dot paths, skipping blanks and duplicates.
func ParseFields(specs []string) Fields {
	seen := make(map[string]bool, len(specs))
	out := make(Fields, 0, len(specs))
	for _, spec := range specs {
		spec = strings.Trim(strings.TrimSpace(spec), ".")
		if spec == "" || seen[spec] {
			continue
		}
		seen[spec] = true
		out = append(out, Path(strings.Split(spec, ".")))
	}
	return out
}

// Texts returns the strings selected by fields, in traversal order.
func Texts(body []byte, fields Fields) ([]string, error) {
	doc, err := decode(body)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, p := range fields {
		visit(doc, p, func(s string) string {
			out = append(out, s)
			return s
		})
	}
	return out, nil
}

// Rewrite replaces each selected string with fn(i, s), where i is the
// string's position in the order Texts reports. If nothing changes the
// original body is returned untouched.
func Rewrite(body []byte, fields Fields, fn func(i int, s string) string) ([]byte, bool, error) {
	doc, err := decode(body)
	if err != nil {
		return nil, false, err
	}
	i := 0
	changed := false
	for _, p := range fields {
		visit(doc, p, func(s string) string {
			ns := fn(i, s)
			i++
			if ns != s {
				changed = true
			}
			return ns
		})
	}
	if !changed {
		return body, false, nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(doc); err != nil {
		return nil, false, fmt.Errorf("payload: encode: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), true, nil
}

func decode(body []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("payload: decode: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("payload: decode: trailing data after JSON value")
	}
	return doc, nil
}

// visit walks p from v and replaces every string leaf with fn(leaf).
// Object keys under '*' are visited in sorted order.
func visit(v any, p Path, fn func(string) string) {
	if len(p) == 0 {
		return
	}
	seg, rest := p[0], p[1:]

	switch node := v.(type) {
	case map[string]any:
		var keys []string
		if seg == "*" {
			keys = make([]string, 0, len(node))
			for k := range node {
				keys = append(keys, k)
			}
			sort.Strings(keys)
		} else if _, ok := node[seg]; ok {
			keys = []string{seg}
		}
		for _, k := range keys {
			if len(rest) == 0 {
				if s, ok := node[k].(string); ok {
					node[k] = fn(s)
				}
				continue
			}
			visit(node[k], rest, fn)
		}

	case []any:
		lo, hi := 0, len(node)
		if seg != "*" {
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return
			}
			lo, hi = idx, idx+1
		}
		for i := lo; i < hi; i++ {
			if len(rest) == 0 {
				if s, ok := node[i].(string); ok {
					node[i] = fn(s)
				}
				continue
			}
			visit(node[i], rest, fn)
		}
	}
}
