// Package parse turns raw model output into the typed payload a stage
// schema declares. Model output is messy: fenced, wrapped in prose, or
// only loosely structured. The parser strips decoration, prefers an
// embedded JSON object, and falls back to delimited "name: value" lines
// before giving up.
package parse

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/zen-systems/storyloom/pkg/artifact"
	"github.com/zen-systems/storyloom/pkg/schema"
)

const snippetLimit = 160

// Error reports model output that could not be parsed into a schema.
// Field names the offending field when one is identifiable; Snippet
// quotes the start of the raw output.
type Error struct {
	Schema  string
	Field   string
	Reason  string
	Snippet string
}

func (e *Error) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "parse %s output", e.Schema)
	if e.Field != "" {
		fmt.Fprintf(&sb, ": field %q", e.Field)
	}
	if e.Reason != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Reason)
	}
	if e.Snippet != "" {
		fmt.Fprintf(&sb, " (output: %q)", e.Snippet)
	}
	return sb.String()
}

// Structured extracts the schema's fields from raw model output. The raw
// text itself is never altered; callers keep it alongside the returned
// values. Optional fields that are absent are simply omitted.
func Structured(raw string, s schema.Schema) (map[string]artifact.Value, error) {
	body := stripFences(raw)
	if body == "" {
		return nil, &Error{Schema: s.Name, Reason: "empty output", Snippet: snippet(raw)}
	}

	jsonBody, hasJSON := locateObject(body)

	if s.TextOnly() {
		field := s.Fields[0]
		// A text-shaped stage may still answer in JSON; honor it when it
		// carries the expected field.
		if hasJSON && lookupField(jsonBody, field.Name).Exists() {
			return fromJSON(raw, jsonBody, s)
		}
		return map[string]artifact.Value{
			strings.ToLower(field.Name): artifact.TextValue(body),
		}, nil
	}

	if hasJSON {
		return fromJSON(raw, jsonBody, s)
	}
	return fromDelimited(raw, body, s)
}

// stripFences removes markdown code fences and surrounding whitespace.
func stripFences(content string) string {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	return strings.TrimSpace(content)
}

// locateObject finds the outermost JSON object span in body, tolerating
// prose before and after it.
func locateObject(body string) (string, bool) {
	start := strings.Index(body, "{")
	end := strings.LastIndex(body, "}")
	if start < 0 || end <= start {
		return "", false
	}
	candidate := body[start : end+1]
	if !gjson.Valid(candidate) {
		return "", false
	}
	return candidate, true
}

// lookupField fetches a field from a JSON object, retrying with a
// case-insensitive key scan when the exact name is absent.
func lookupField(jsonBody, name string) gjson.Result {
	res := gjson.Get(jsonBody, name)
	if res.Exists() {
		return res
	}
	var found gjson.Result
	gjson.Parse(jsonBody).ForEach(func(key, value gjson.Result) bool {
		if strings.EqualFold(key.String(), name) {
			found = value
			return false
		}
		return true
	})
	return found
}

func fromJSON(raw, jsonBody string, s schema.Schema) (map[string]artifact.Value, error) {
	values := make(map[string]artifact.Value, len(s.Fields))
	for _, f := range s.Fields {
		res := lookupField(jsonBody, f.Name)
		if !res.Exists() || res.Type == gjson.Null {
			if f.Required {
				return nil, &Error{Schema: s.Name, Field: f.Name, Reason: "required field missing", Snippet: snippet(raw)}
			}
			continue
		}
		v, err := convert(res, f, s.Name, raw)
		if err != nil {
			return nil, err
		}
		values[strings.ToLower(f.Name)] = v
	}
	return values, nil
}

func convert(res gjson.Result, f schema.Field, schemaName, raw string) (artifact.Value, error) {
	switch f.Kind {
	case schema.KindList:
		if !res.IsArray() {
			return artifact.Value{}, &Error{Schema: schemaName, Field: f.Name, Reason: "expected a list", Snippet: snippet(raw)}
		}
		elems := res.Array()
		items := make([]string, 0, len(elems))
		for _, elem := range elems {
			if elem.IsArray() || elem.IsObject() {
				return artifact.Value{}, &Error{Schema: schemaName, Field: f.Name, Reason: "list items must be scalars", Snippet: snippet(raw)}
			}
			items = append(items, strings.TrimSpace(elem.String()))
		}
		return artifact.ListValue(items...), nil
	default:
		if res.IsArray() || res.IsObject() {
			return artifact.Value{}, &Error{Schema: schemaName, Field: f.Name, Reason: "expected text", Snippet: snippet(raw)}
		}
		text := strings.TrimSpace(res.String())
		if text == "" && f.Required {
			return artifact.Value{}, &Error{Schema: schemaName, Field: f.Name, Reason: "required field empty", Snippet: snippet(raw)}
		}
		return artifact.TextValue(text), nil
	}
}

// fromDelimited parses "name: value" lines. A text field consumes
// continuation lines until the next known label; a list field takes
// comma-separated items from its line plus any bullet lines below it.
func fromDelimited(raw, body string, s schema.Schema) (map[string]artifact.Value, error) {
	lines := strings.Split(body, "\n")
	values := make(map[string]artifact.Value, len(s.Fields))

	for i := 0; i < len(lines); i++ {
		field, rest, ok := matchLabel(lines[i], s)
		if !ok {
			continue
		}
		key := strings.ToLower(field.Name)
		if _, dup := values[key]; dup {
			continue
		}

		switch field.Kind {
		case schema.KindList:
			var items []string
			if rest != "" {
				items = splitItems(rest)
			}
			for i+1 < len(lines) {
				bullet, isBullet := bulletItem(lines[i+1])
				if !isBullet {
					break
				}
				items = append(items, bullet)
				i++
			}
			values[key] = artifact.ListValue(items...)
		default:
			parts := []string{rest}
			for i+1 < len(lines) {
				if _, _, next := matchLabel(lines[i+1], s); next {
					break
				}
				parts = append(parts, strings.TrimSpace(lines[i+1]))
				i++
			}
			text := strings.TrimSpace(strings.Join(parts, "\n"))
			if text == "" && field.Required {
				return nil, &Error{Schema: s.Name, Field: field.Name, Reason: "required field empty", Snippet: snippet(raw)}
			}
			values[key] = artifact.TextValue(text)
		}
	}

	for _, f := range s.Fields {
		if !f.Required {
			continue
		}
		if _, ok := values[strings.ToLower(f.Name)]; !ok {
			return nil, &Error{Schema: s.Name, Field: f.Name, Reason: "required field missing", Snippet: snippet(raw)}
		}
	}
	return values, nil
}

// matchLabel tests whether a line starts a known "name:" label.
func matchLabel(line string, s schema.Schema) (schema.Field, string, bool) {
	trimmed := strings.TrimSpace(line)
	trimmed = strings.TrimLeft(trimmed, "-*# ")
	idx := strings.Index(trimmed, ":")
	if idx <= 0 {
		return schema.Field{}, "", false
	}
	name := strings.TrimSpace(trimmed[:idx])
	field, ok := s.Field(name)
	if !ok {
		return schema.Field{}, "", false
	}
	return field, strings.TrimSpace(trimmed[idx+1:]), true
}

func bulletItem(line string) (string, bool) {
	trimmed := strings.TrimSpace(line)
	if strings.HasPrefix(trimmed, "- ") || strings.HasPrefix(trimmed, "* ") {
		return strings.TrimSpace(trimmed[2:]), true
	}
	return "", false
}

func splitItems(s string) []string {
	parts := strings.Split(s, ",")
	items := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			items = append(items, p)
		}
	}
	return items
}

func snippet(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if len(trimmed) <= snippetLimit {
		return trimmed
	}
	return trimmed[:snippetLimit] + "..."
}
