// Package prompt renders stage templates against composed placeholder values.
package prompt

import (
	"fmt"
	"strings"
	"text/template"
	"text/template/parse"
)

// DefaultWordCap bounds how many words of raw user input reach a prompt.
const DefaultWordCap = 100

// Vars holds the placeholder values a template is rendered with.
type Vars map[string]string

// TemplateError reports a template that could not be rendered. Placeholder
// is set when a referenced placeholder has no value in the mapping.
type TemplateError struct {
	Placeholder string
	Err         error
}

func (e *TemplateError) Error() string {
	if e.Placeholder != "" {
		return fmt.Sprintf("template: no value for placeholder %q", e.Placeholder)
	}
	return fmt.Sprintf("template: %v", e.Err)
}

func (e *TemplateError) Unwrap() error { return e.Err }

// Render substitutes vars into tmpl. Every placeholder referenced by the
// template must have a value; vars that no placeholder references are
// ignored. The rendered output never contains placeholder syntax.
func Render(tmpl string, vars Vars) (string, error) {
	t, err := template.New("prompt").Option("missingkey=error").Parse(tmpl)
	if err != nil {
		return "", &TemplateError{Err: err}
	}

	for _, name := range referencedFields(t.Tree) {
		if _, ok := vars[name]; !ok {
			return "", &TemplateError{Placeholder: name}
		}
	}

	var sb strings.Builder
	if err := t.Execute(&sb, map[string]string(vars)); err != nil {
		return "", &TemplateError{Err: err}
	}
	return sb.String(), nil
}

// CapWords returns at most limit whitespace-delimited words of s, in order,
// joined by single spaces. Text within the limit is returned trimmed but
// otherwise untouched. A non-positive limit disables capping.
func CapWords(s string, limit int) string {
	if limit <= 0 {
		return strings.TrimSpace(s)
	}
	words := strings.Fields(s)
	if len(words) <= limit {
		return strings.TrimSpace(s)
	}
	return strings.Join(words[:limit], " ")
}

// WordCount reports the number of whitespace-delimited words in s.
func WordCount(s string) int {
	return len(strings.Fields(s))
}

// referencedFields walks the parsed template and collects the top-level
// field names its actions reference.
func referencedFields(tree *parse.Tree) []string {
	if tree == nil || tree.Root == nil {
		return nil
	}
	seen := make(map[string]bool)
	var names []string
	var walk func(node parse.Node)
	var walkPipe func(pipe *parse.PipeNode)

	walkPipe = func(pipe *parse.PipeNode) {
		if pipe == nil {
			return
		}
		for _, cmd := range pipe.Cmds {
			for _, arg := range cmd.Args {
				switch a := arg.(type) {
				case *parse.FieldNode:
					if len(a.Ident) == 0 {
						continue
					}
					if !seen[a.Ident[0]] {
						seen[a.Ident[0]] = true
						names = append(names, a.Ident[0])
					}
				case *parse.PipeNode:
					walkPipe(a)
				}
			}
		}
	}

	walk = func(node parse.Node) {
		switch n := node.(type) {
		case *parse.ListNode:
			if n == nil {
				return
			}
			for _, child := range n.Nodes {
				walk(child)
			}
		case *parse.ActionNode:
			walkPipe(n.Pipe)
		case *parse.IfNode:
			walkPipe(n.Pipe)
			walk(n.List)
			if n.ElseList != nil {
				walk(n.ElseList)
			}
		case *parse.RangeNode:
			walkPipe(n.Pipe)
			walk(n.List)
			if n.ElseList != nil {
				walk(n.ElseList)
			}
		case *parse.WithNode:
			walkPipe(n.Pipe)
			walk(n.List)
			if n.ElseList != nil {
				walk(n.ElseList)
			}
		case *parse.TemplateNode:
			walkPipe(n.Pipe)
		}
	}

	walk(tree.Root)
	return names
}
