package orchestrator

import (
	"fmt"
	"reflect"
	"sort"

	"github.com/aescanero/opsquery/pkg/domain"
)

// Diagnose classifies a stage result. The status is error when the result
// carries a non-empty "error" entry or any tool failed, warning when the
// stage was skipped or produced nothing, ok otherwise. Counts and empty
// flags are computed for every collection-valued entry of collections,
// which defaults to the result itself.
func Diagnose(result map[string]any, collections map[string]any, failures []string, skipped bool) domain.Diagnostics {
	d := domain.Diagnostics{
		Status:     domain.StatusOK,
		Warnings:   []string{},
		Errors:     []string{},
		EmptyFlags: map[string]bool{},
		Counts:     map[string]int{},
	}
	if collections == nil {
		collections = result
	}

	seen, empty := 0, 0
	for key, value := range collections {
		n, ok := ItemCount(value)
		if !ok {
			continue
		}
		seen++
		d.Counts[key] = n
		d.EmptyFlags[key] = n == 0
		if n == 0 {
			empty++
		}
	}

	if msg, ok := result["error"]; ok && msg != nil && msg != "" {
		d.Errors = append(d.Errors, fmt.Sprint(msg))
	}
	d.Errors = append(d.Errors, failures...)

	switch {
	case len(d.Errors) > 0:
		d.Status = domain.StatusError
	case skipped:
		d.Status = domain.StatusWarning
		d.Warnings = append(d.Warnings, domain.ReasonSkipped)
	case len(result) == 0:
		d.Status = domain.StatusWarning
		d.Warnings = append(d.Warnings, "empty result")
	case seen > 0 && empty == seen:
		d.Status = domain.StatusWarning
		keys := make([]string, 0, len(d.EmptyFlags))
		for k := range d.EmptyFlags {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			d.Warnings = append(d.Warnings, "empty "+k)
		}
	}
	return d
}

// ItemCount returns the number of items in a collection value. Maps that
// carry a "rows" collection count their rows. Scalars and nil report false.
func ItemCount(value any) (int, bool) {
	if value == nil {
		return 0, false
	}
	if m, ok := value.(map[string]any); ok {
		if rows, ok := m["rows"]; ok {
			if n, ok := ItemCount(rows); ok {
				return n, true
			}
		}
		return len(m), true
	}

	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len(), true
	}
	return 0, false
}

// warn adds a warning to d, raising an ok status to warning
func warn(d *domain.Diagnostics, msg string) {
	d.Warnings = append(d.Warnings, msg)
	if d.Status == domain.StatusOK {
		d.Status = domain.StatusWarning
	}
}
