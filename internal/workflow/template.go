package workflow

import (
	"fmt"
	"strconv"
	"strings"
)

// Field names accepted after a step id in a placeholder.
const (
	FieldOutput  = "output"
	FieldError   = "error"
	FieldSuccess = "success"
)

// StepOutcome is what later steps can see of an executed step.
type StepOutcome struct {
	Success bool
	Output  string
	Error   string
}

// Scope is the variable set a template renders against.
type Scope struct {
	Vars  map[string]string
	Steps map[string]StepOutcome
}

func NewScope(vars ...map[string]string) *Scope {
	s := &Scope{Vars: make(map[string]string), Steps: make(map[string]StepOutcome)}
	for _, m := range vars {
		for k, v := range m {
			s.Vars[k] = v
		}
	}
	return s
}

func (s *Scope) Record(stepID string, o StepOutcome) {
	s.Steps[stepID] = o
}

// Ref is one placeholder. Field is empty for plain variables.
type Ref struct {
	Name  string
	Field string
}

func (r Ref) String() string {
	if r.Field == "" {
		return r.Name
	}
	return r.Name + "." + r.Field
}

type segment struct {
	text string
	ref  *Ref
}

// Template is a parsed prompt with {{name}} and {{step.field}} placeholders.
type Template struct {
	segs []segment
}

func ParseTemplate(src string) (*Template, error) {
	t := &Template{}
	rest := src
	for {
		open := strings.Index(rest, "{{")
		if open < 0 {
			if rest != "" {
				t.segs = append(t.segs, segment{text: rest})
			}
			return t, nil
		}
		if open > 0 {
			t.segs = append(t.segs, segment{text: rest[:open]})
		}
		rest = rest[open+2:]

		end := strings.Index(rest, "}}")
		if end < 0 {
			return nil, fmt.Errorf("unclosed placeholder in %q", src)
		}
		ref, err := parseRef(strings.TrimSpace(rest[:end]))
		if err != nil {
			return nil, err
		}
		t.segs = append(t.segs, segment{ref: &ref})
		rest = rest[end+2:]
	}
}

func parseRef(expr string) (Ref, error) {
	if expr == "" {
		return Ref{}, fmt.Errorf("empty placeholder")
	}
	parts := strings.Split(expr, ".")
	if len(parts) > 2 {
		return Ref{}, fmt.Errorf("placeholder %q: at most one field is allowed", expr)
	}
	for _, p := range parts {
		if !validIdent(p) {
			return Ref{}, fmt.Errorf("placeholder %q: invalid name %q", expr, p)
		}
	}
	if len(parts) == 1 {
		return Ref{Name: parts[0]}, nil
	}
	switch parts[1] {
	case FieldOutput, FieldError, FieldSuccess:
		return Ref{Name: parts[0], Field: parts[1]}, nil
	}
	return Ref{}, fmt.Errorf("placeholder %q: unknown field %q (want output, error or success)", expr, parts[1])
}

func validIdent(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}

func (t *Template) Refs() []Ref {
	var out []Ref
	for _, s := range t.segs {
		if s.ref != nil {
			out = append(out, *s.ref)
		}
	}
	return out
}

// Render substitutes placeholders. Unknown variables and steps that have not
// run render as empty strings.
func (t *Template) Render(scope *Scope) string {
	var b strings.Builder
	for _, s := range t.segs {
		if s.ref == nil {
			b.WriteString(s.text)
			continue
		}
		b.WriteString(scope.lookup(*s.ref))
	}
	return b.String()
}

func (s *Scope) lookup(r Ref) string {
	if r.Field == "" {
		return s.Vars[r.Name]
	}
	o, ok := s.Steps[r.Name]
	if !ok {
		return ""
	}
	switch r.Field {
	case FieldOutput:
		return o.Output
	case FieldError:
		return o.Error
	case FieldSuccess:
		return strconv.FormatBool(o.Success)
	}
	return ""
}

// Render parses and renders src in one go.
func Render(src string, scope *Scope) (string, error) {
	t, err := ParseTemplate(src)
	if err != nil {
		return "", err
	}
	return t.Render(scope), nil
}
