// Package fieldpath reads and writes values addressed by path expressions within instance documents.
package fieldpath

import (
	"fmt"
	"strings"
)

// Path addresses a value within a nested structure of maps and slices.
type Path struct {
	raw string
	ast *pathAST
}

// Parse parses a path expression.
//
// Supported syntax:
// - `field.anotherfield`: object field traversal
// - `field["another.field"]`: object field traversal for keys that aren't identifiers
// - `field[2]`: array indexing
// - `field[someKey="value"]`: selects the element of a list of objects with a matching key
//
// Expressions can be chained, e.g. `spec.subnets[0].cidr`.
func Parse(expr string) (*Path, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, fmt.Errorf("empty path")
	}
	ast, err := parser.ParseString("", expr)
	if err != nil {
		return nil, err
	}
	if len(ast.Sections) == 0 {
		return nil, fmt.Errorf("empty path")
	}
	if _, ok := ast.Sections[0].name(); !ok {
		return nil, fmt.Errorf("path %q must start with a field name", expr)
	}
	return &Path{raw: expr, ast: ast}, nil
}

func MustParse(expr string) *Path {
	p, err := Parse(expr)
	if err != nil {
		panic(fmt.Sprintf("invalid field path %q: %s", expr, err))
	}
	return p
}

func (p *Path) String() string { return p.raw }

// Root returns the name of the first field in the path.
func (p *Path) Root() string {
	name, _ := p.ast.Sections[0].name()
	return name
}

// HasPrefix returns true when the path begins with the given sequence of field names.
func (p *Path) HasPrefix(fields ...string) bool {
	if len(fields) > len(p.ast.Sections) {
		return false
	}
	for i, field := range fields {
		name, ok := p.ast.Sections[i].name()
		if !ok || name != field {
			return false
		}
	}
	return true
}

// Len returns the number of sections in the path.
func (p *Path) Len() int { return len(p.ast.Sections) }

// Get returns the value addressed by the path.
// A missing value is reported by ok=false, an error is only returned when the structure
// of the object is incompatible with the path.
func (p *Path) Get(obj map[string]any) (value any, ok bool, err error) {
	var state any = obj
	for _, section := range p.ast.Sections {
		if state == nil {
			return nil, false, nil
		}

		if name, isField := section.name(); isField {
			m, isMap := state.(map[string]any)
			if !isMap {
				return nil, false, fmt.Errorf("cannot access field %q of %T at %q", name, state, p.raw)
			}
			v, exists := m[name]
			if !exists {
				return nil, false, nil
			}
			state = v
			continue
		}

		slice, isSlice := state.([]any)
		if !isSlice {
			return nil, false, fmt.Errorf("cannot index %T at %q", state, p.raw)
		}

		if el := section.Index.Element; el != nil {
			if *el < 0 || *el >= len(slice) {
				return nil, false, nil
			}
			state = slice[*el]
			continue
		}

		j := findMatch(slice, section.Index.Matcher)
		if j < 0 {
			return nil, false, nil
		}
		state = slice[j]
	}
	return state, true, nil
}

// Set assigns the value addressed by the path.
// Missing maps along the way are created. An index may address an existing element or
// the one right after the last, which appends it. Matchers that don't match any element
// append a new object carrying the matched key.
func (p *Path) Set(obj map[string]any, value any) error {
	if obj == nil {
		return fmt.Errorf("cannot set %q on a nil object", p.raw)
	}
	_, err := p.set(obj, 0, value)
	return err
}

func (p *Path) set(state any, i int, value any) (any, error) {
	if i == len(p.ast.Sections) {
		return value, nil
	}
	section := p.ast.Sections[i]

	if name, isField := section.name(); isField {
		var m map[string]any
		switch t := state.(type) {
		case nil:
		case map[string]any:
			m = t
		default:
			return nil, fmt.Errorf("cannot set field %q of %T at %q", name, state, p.raw)
		}
		if m == nil {
			m = map[string]any{}
		}
		next, err := p.set(m[name], i+1, value)
		if err != nil {
			return nil, err
		}
		m[name] = next
		return m, nil
	}

	var slice []any
	switch t := state.(type) {
	case nil:
	case []any:
		slice = t
	default:
		return nil, fmt.Errorf("cannot index %T at %q", state, p.raw)
	}

	var j int
	if el := section.Index.Element; el != nil {
		if *el < 0 {
			return nil, fmt.Errorf("negative index %d at %q", *el, p.raw)
		}
		if *el > len(slice) {
			return nil, fmt.Errorf("index %d is out of range of a list of %d elements at %q", *el, len(slice), p.raw)
		}
		if *el == len(slice) {
			slice = append(slice, nil)
		}
		j = *el
	} else {
		j = findMatch(slice, section.Index.Matcher)
		if j < 0 {
			slice = append(slice, map[string]any{section.Index.Matcher.Key: unquote(section.Index.Matcher.Value)})
			j = len(slice) - 1
		}
	}

	next, err := p.set(slice[j], i+1, value)
	if err != nil {
		return nil, err
	}
	slice[j] = next
	return slice, nil
}

func findMatch(slice []any, m *matcher) int {
	expected := unquote(m.Value)
	for j, cur := range slice {
		obj, ok := cur.(map[string]any)
		if !ok {
			continue
		}
		if str, ok := obj[m.Key].(string); ok && str == expected {
			return j
		}
	}
	return -1
}
