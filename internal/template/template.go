// Package template renders Jinja-style templates against the mirrored
// entity-state graph, recording which entities each render reads.
package template

import (
	"errors"
	"fmt"
	"strings"

	"github.com/flosch/pongo2/v6"
	"gopkg.in/yaml.v3"
)

// ErrRender is matched by every render or parse failure
var ErrRender = errors.New("template error")

// Error describes a failed parse or render of one template
type Error struct {
	Source string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("template %q: %v", abbreviate(e.Source), e.Err)
}

// Unwrap exposes both ErrRender and the underlying cause
func (e *Error) Unwrap() []error {
	return []error{ErrRender, e.Err}
}

func init() {
	pongo2.SetAutoescape(false)
	registerFilters()
}

// Template is a parsed template expression
type Template struct {
	source string
	tpl    *pongo2.Template
}

// Parse compiles a template source string
func Parse(source string) (*Template, error) {
	tpl, err := pongo2.FromString(source)
	if err != nil {
		return nil, &Error{Source: source, Err: err}
	}
	return &Template{source: source, tpl: tpl}, nil
}

// MustParse is Parse for sources known at compile time
func MustParse(source string) *Template {
	t, err := Parse(source)
	if err != nil {
		panic(err)
	}
	return t
}

// Source returns the original template text
func (t *Template) Source() string {
	if t == nil {
		return ""
	}
	return t.source
}

// UnmarshalYAML parses the template while the configuration is decoded so
// syntax errors surface at load time.
func (t *Template) UnmarshalYAML(node *yaml.Node) error {
	var source string
	if err := node.Decode(&source); err != nil {
		return fmt.Errorf("line %d: template must be a string: %w", node.Line, err)
	}
	parsed, err := Parse(source)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*t = *parsed
	return nil
}

// MarshalYAML writes the template back as its source
func (t Template) MarshalYAML() (interface{}, error) {
	return t.source, nil
}

func abbreviate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 60 {
		return s[:57] + "..."
	}
	return s
}
