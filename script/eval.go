package script

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

var templateExpr = regexp.MustCompile(`\${([^}]+)}`)

// Template is a string with embedded ${expr} expressions.
type Template struct {
	raw   string
	parts []string
	slots map[int]Script
}

// NewTemplate compiles every ${...} expression in raw.
func NewTemplate(engine Compiler, raw string) (*Template, error) {
	openCount := strings.Count(raw, "${")
	closeCount := strings.Count(raw, "}")
	if openCount > closeCount {
		return nil, fmt.Errorf("unclosed template expression in string: %q", raw)
	}
	t := &Template{raw: raw, slots: map[int]Script{}}
	matches := templateExpr.FindAllStringSubmatchIndex(raw, -1)
	if len(matches) == 0 {
		return t, nil
	}

	var lastEnd int
	for _, match := range matches {
		if match[0] > lastEnd {
			t.parts = append(t.parts, raw[lastEnd:match[0]])
		}
		expr := raw[match[2]:match[3]]
		compiled, err := engine.Compile(context.Background(), expr)
		if err != nil {
			return nil, fmt.Errorf("failed to compile template expression %q: %w", expr, err)
		}
		t.slots[len(t.parts)] = compiled
		t.parts = append(t.parts, "")
		lastEnd = match[1]
	}
	if lastEnd < len(raw) {
		t.parts = append(t.parts, raw[lastEnd:])
	}
	return t, nil
}

// Eval renders the template.
func (t *Template) Eval(ctx context.Context, globals map[string]any) (string, error) {
	if len(t.slots) == 0 {
		return t.raw, nil
	}
	var sb strings.Builder
	for i, part := range t.parts {
		compiled, ok := t.slots[i]
		if !ok {
			sb.WriteString(part)
			continue
		}
		result, err := compiled.Evaluate(ctx, globals)
		if err != nil {
			return "", fmt.Errorf("failed to evaluate template expression: %w", err)
		}
		sb.WriteString(result.String())
	}
	return sb.String(), nil
}

// Render compiles and evaluates raw in one step.
func Render(ctx context.Context, engine Compiler, raw string, globals map[string]any) (string, error) {
	t, err := NewTemplate(engine, raw)
	if err != nil {
		return "", err
	}
	return t.Eval(ctx, globals)
}
