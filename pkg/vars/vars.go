// Package vars implements the variable context used to render command code,
// paths and plan line conditions. Variables are written as {{ name }} in
// entity definitions and resolved against persistent per-server values merged
// with transient per-run overrides.
package vars

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"text/template"

	"github.com/expr-lang/expr"
)

// templateVarRe extracts variable names from {{ name }} expressions.
var templateVarRe = regexp.MustCompile(`\{\{\s*([a-zA-Z_]\w*)\s*\}\}`)

// Context holds the merged variable values for one run. Overrides shadow
// server values; branch actions may add more overrides mid-run. The context
// is never written back to the server definition.
type Context struct {
	values map[string]string
}

// NewContext builds a context from server values and run overrides, override
// values taking precedence.
func NewContext(serverValues, overrides map[string]string) *Context {
	values := make(map[string]string, len(serverValues)+len(overrides))
	for k, v := range serverValues {
		values[k] = v
	}
	for k, v := range overrides {
		values[k] = v
	}
	return &Context{values: values}
}

// Set adds or replaces a value mid-run.
func (c *Context) Set(name, value string) {
	c.values[name] = value
}

// Get returns a value and whether it is set.
func (c *Context) Get(name string) (string, bool) {
	v, ok := c.values[name]
	return v, ok
}

// Values returns a copy of the current values, for persisting into run logs.
func (c *Context) Values() map[string]string {
	out := make(map[string]string, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}

// ExtractVariables returns the distinct variable names referenced in code,
// in order of first appearance.
func ExtractVariables(code string) []string {
	var names []string
	seen := make(map[string]bool)
	for _, match := range templateVarRe.FindAllStringSubmatch(code, -1) {
		name := match[1]
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return names
}

// funcMap supplements the built-in template functions for use in command code.
var funcMap = template.FuncMap{
	"hasPrefix":  strings.HasPrefix,
	"hasSuffix":  strings.HasSuffix,
	"contains":   strings.Contains,
	"lower":      strings.ToLower,
	"upper":      strings.ToUpper,
	"split":      strings.Split,
	"join":       strings.Join,
	"replace":    strings.ReplaceAll,
	"trimPrefix": strings.TrimPrefix,
	"trimSuffix": strings.TrimSuffix,
}

// Render resolves {{ name }} expressions in code against the context.
// Unset variables render as an empty string.
func (c *Context) Render(code string) (string, error) {
	return c.render(code, false)
}

// RenderQuoted resolves {{ name }} expressions wrapping each value in double
// quotes with newlines escaped, keeping the result a valid single-line
// expression. Used for conditions and script code where values are compared
// or evaluated rather than executed.
func (c *Context) RenderQuoted(code string) (string, error) {
	return c.render(code, true)
}

func (c *Context) render(code string, quoted bool) (string, error) {
	if !strings.Contains(code, "{{") {
		return code, nil
	}

	data := make(map[string]string, len(c.values))
	for k, v := range c.values {
		if quoted {
			v = `"` + strings.ReplaceAll(v, "\n", `\n`) + `"`
		}
		data[k] = v
	}
	if quoted {
		// Unset variables compare as empty strings, not bare identifiers.
		for _, name := range ExtractVariables(code) {
			if _, ok := data[name]; !ok {
				data[name] = `""`
			}
		}
	}

	// Rewrite {{ name }} to {{ .name }} for text/template.
	rewritten := templateVarRe.ReplaceAllString(code, "{{ .$1 }}")

	tmpl, err := template.New("render").Funcs(funcMap).Option("missingkey=zero").Parse(rewritten)
	if err != nil {
		return "", fmt.Errorf("parse template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("execute template: %w", err)
	}
	return buf.String(), nil
}

// EvalCondition renders a plan line condition and evaluates it as a boolean
// expression. An empty condition is always true. Evaluation faults report as
// an error so the caller can decide whether to skip or abort.
func (c *Context) EvalCondition(condition string) (bool, error) {
	condition = strings.TrimSpace(condition)
	if condition == "" {
		return true, nil
	}

	rendered, err := c.RenderQuoted(condition)
	if err != nil {
		return false, fmt.Errorf("render condition %q: %w", condition, err)
	}

	program, err := expr.Compile(rendered, expr.AsBool())
	if err != nil {
		return false, fmt.Errorf("compile condition %q: %w", rendered, err)
	}
	output, err := expr.Run(program, nil)
	if err != nil {
		return false, fmt.Errorf("eval condition %q: %w", rendered, err)
	}
	result, ok := output.(bool)
	if !ok {
		return false, fmt.Errorf("condition %q did not return bool (got %T)", rendered, output)
	}
	return result, nil
}

// EvalComparison evaluates <exitCode> <op> <value>, the comparator form used
// by plan line actions.
func EvalComparison(exitCode int, op string, value int) (bool, error) {
	switch op {
	case "==":
		return exitCode == value, nil
	case "!=":
		return exitCode != value, nil
	case ">":
		return exitCode > value, nil
	case ">=":
		return exitCode >= value, nil
	case "<":
		return exitCode < value, nil
	case "<=":
		return exitCode <= value, nil
	}
	return false, fmt.Errorf("unknown comparison operator %q", op)
}
