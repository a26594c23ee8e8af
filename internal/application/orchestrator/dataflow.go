package orchestrator

import (
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/aescanero/opsquery/pkg/domain"
)

// Accessor is one step of a reference path: a map key or a list index
type Accessor struct {
	Key     string
	Index   int
	IsIndex bool
}

// ParsedReference is a reference expression split into its source tool and path
type ParsedReference struct {
	ToolID string
	Path   []Accessor
}

// IsReference reports whether a mapping value is a reference expression
// rather than a literal
func IsReference(value any) bool {
	s, ok := value.(string)
	if !ok {
		return false
	}
	s = strings.TrimSpace(s)
	return len(s) >= 2 && s[0] == '{' && s[len(s)-1] == '}'
}

// ParseReference parses "{tool.path.to.field[index].subfield}".
// It returns false for literals and malformed expressions.
func ParseReference(expr string) (ParsedReference, bool) {
	expr = strings.TrimSpace(expr)
	if len(expr) < 2 || expr[0] != '{' || expr[len(expr)-1] != '}' {
		return ParsedReference{}, false
	}
	body := strings.TrimSpace(expr[1 : len(expr)-1])
	if body == "" {
		return ParsedReference{}, false
	}

	var ref ParsedReference
	for i, segment := range strings.Split(body, ".") {
		name, indexes, ok := splitSegment(segment)
		if !ok {
			return ParsedReference{}, false
		}
		if i == 0 {
			if name == "" {
				return ParsedReference{}, false
			}
			ref.ToolID = name
		} else {
			if name == "" && len(indexes) == 0 {
				return ParsedReference{}, false
			}
			if name != "" {
				ref.Path = append(ref.Path, Accessor{Key: name})
			}
		}
		for _, idx := range indexes {
			ref.Path = append(ref.Path, Accessor{Index: idx, IsIndex: true})
		}
	}
	return ref, true
}

// splitSegment splits "rows[0][1]" into "rows" and [0, 1]
func splitSegment(segment string) (string, []int, bool) {
	open := strings.IndexByte(segment, '[')
	if open < 0 {
		if strings.ContainsRune(segment, ']') {
			return "", nil, false
		}
		return segment, nil, true
	}

	name := segment[:open]
	if strings.ContainsRune(name, ']') {
		return "", nil, false
	}

	var indexes []int
	rest := segment[open:]
	for rest != "" {
		if rest[0] != '[' {
			return "", nil, false
		}
		end := strings.IndexByte(rest, ']')
		if end < 0 {
			return "", nil, false
		}
		n, err := strconv.Atoi(strings.TrimSpace(rest[1:end]))
		if err != nil {
			return "", nil, false
		}
		indexes = append(indexes, n)
		rest = rest[end+1:]
	}
	return name, indexes, true
}

// Evaluate walks the path over previous results. Anything missing yields nil.
func (r ParsedReference) Evaluate(previous map[string]any) any {
	current, ok := previous[r.ToolID]
	if !ok {
		return nil
	}
	for _, acc := range r.Path {
		current, ok = step(current, acc)
		if !ok {
			return nil
		}
	}
	return current
}

// step applies one accessor to a generic map/list value
func step(value any, acc Accessor) (any, bool) {
	if value == nil {
		return nil, false
	}

	if acc.IsIndex {
		if list, ok := value.([]any); ok {
			if acc.Index < 0 || acc.Index >= len(list) {
				return nil, false
			}
			return list[acc.Index], true
		}
		rv := reflect.ValueOf(value)
		if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
			return nil, false
		}
		if acc.Index < 0 || acc.Index >= rv.Len() {
			return nil, false
		}
		return rv.Index(acc.Index).Interface(), true
	}

	if m, ok := value.(map[string]any); ok {
		v, found := m[acc.Key]
		return v, found
	}
	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
		return nil, false
	}
	v := rv.MapIndex(reflect.ValueOf(acc.Key).Convert(rv.Type().Key()))
	if !v.IsValid() {
		return nil, false
	}
	return v.Interface(), true
}

// DataFlowMapper resolves cross-tool references for dependent tasks
type DataFlowMapper struct{}

// NewDataFlowMapper creates a mapper
func NewDataFlowMapper() *DataFlowMapper {
	return &DataFlowMapper{}
}

// ResolveMapping resolves every mapping value against previous results.
// Literals pass through unchanged; unresolvable references become nil.
func (m *DataFlowMapper) ResolveMapping(mapping map[string]any, previous map[string]any) map[string]any {
	resolved, _ := m.Resolve("", mapping, previous)
	return resolved
}

// Resolve is ResolveMapping plus an audit of every reference it followed
func (m *DataFlowMapper) Resolve(toolID string, mapping map[string]any, previous map[string]any) (map[string]any, []domain.Reference) {
	resolved := make(map[string]any, len(mapping))
	var refs []domain.Reference

	params := make([]string, 0, len(mapping))
	for param := range mapping {
		params = append(params, param)
	}
	sort.Strings(params)

	for _, param := range params {
		value := mapping[param]
		if !IsReference(value) {
			resolved[param] = value
			continue
		}

		expr := value.(string)
		var out any
		if parsed, ok := ParseReference(expr); ok {
			out = parsed.Evaluate(previous)
		}
		resolved[param] = out
		refs = append(refs, domain.Reference{
			ToolID:     toolID,
			Param:      param,
			Expression: expr,
			Resolved:   out != nil,
		})
	}
	return resolved, refs
}
