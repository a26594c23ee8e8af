package orchestrator

import (
	"testing"

	"github.com/aescanero/opsquery/pkg/domain"
	"github.com/stretchr/testify/assert"
)

func TestDiagnose(t *testing.T) {
	tests := []struct {
		name        string
		result      map[string]any
		collections map[string]any
		failures    []string
		skipped     bool
		wantStatus  domain.DiagnosticStatus
		wantWarn    []string
		wantErrors  []string
	}{
		{
			name:       "ok with rows",
			result:     map[string]any{"primary": rows("srv-001")},
			wantStatus: domain.StatusOK,
			wantWarn:   []string{},
			wantErrors: []string{},
		},
		{
			name:       "error entry",
			result:     map[string]any{"error": "boom"},
			wantStatus: domain.StatusError,
			wantWarn:   []string{},
			wantErrors: []string{"boom"},
		},
		{
			name:       "blank error entry is ignored",
			result:     map[string]any{"error": "", "kind": "plan"},
			wantStatus: domain.StatusOK,
			wantWarn:   []string{},
			wantErrors: []string{},
		},
		{
			name:       "failures win over skipped",
			result:     map[string]any{"kind": "plan"},
			failures:   []string{"graph: timed out"},
			skipped:    true,
			wantStatus: domain.StatusError,
			wantWarn:   []string{},
			wantErrors: []string{"graph: timed out"},
		},
		{
			name:       "skipped",
			result:     map[string]any{"reason": "direct"},
			skipped:    true,
			wantStatus: domain.StatusWarning,
			wantWarn:   []string{domain.ReasonSkipped},
			wantErrors: []string{},
		},
		{
			name:       "empty result",
			result:     map[string]any{},
			wantStatus: domain.StatusWarning,
			wantWarn:   []string{"empty result"},
			wantErrors: []string{},
		},
		{
			name:        "every collection empty",
			result:      map[string]any{"kind": "plan"},
			collections: map[string]any{"metric": []any{}, "graph": map[string]any{"rows": []any{}}},
			wantStatus:  domain.StatusWarning,
			wantWarn:    []string{"empty graph", "empty metric"},
			wantErrors:  []string{},
		},
		{
			name:        "one collection non-empty",
			result:      map[string]any{"kind": "plan"},
			collections: map[string]any{"metric": []any{}, "graph": []any{"db-7"}},
			wantStatus:  domain.StatusOK,
			wantWarn:    []string{},
			wantErrors:  []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Diagnose(tt.result, tt.collections, tt.failures, tt.skipped)
			assert.Equal(t, tt.wantStatus, d.Status)
			assert.Equal(t, tt.wantWarn, d.Warnings)
			assert.Equal(t, tt.wantErrors, d.Errors)
		})
	}
}

func TestDiagnoseCounts(t *testing.T) {
	d := Diagnose(map[string]any{
		"graph":  rows("a", "b"),
		"metric": []int{},
		"query":  "ignored",
	}, nil, nil, false)

	assert.Equal(t, map[string]int{"graph": 2, "metric": 0}, d.Counts)
	assert.Equal(t, map[string]bool{"graph": false, "metric": true}, d.EmptyFlags)
	assert.Equal(t, domain.StatusOK, d.Status)
}

func TestItemCount(t *testing.T) {
	tests := []struct {
		name   string
		value  any
		want   int
		wantOK bool
	}{
		{"nil", nil, 0, false},
		{"string", "abc", 0, false},
		{"number", 3.0, 0, false},
		{"slice", []any{1, 2}, 2, true},
		{"typed slice", []string{"a"}, 1, true},
		{"array", [3]int{}, 3, true},
		{"map without rows", map[string]any{"a": 1}, 1, true},
		{"map with rows", map[string]any{"rows": []any{1, 2, 3}, "total": 3}, 3, true},
		{"map with scalar rows", map[string]any{"rows": 5, "x": 1}, 2, true},
		{"typed map", map[string]int{"a": 1, "b": 2}, 2, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, ok := ItemCount(tt.value)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, n)
		})
	}
}

func TestWarn(t *testing.T) {
	d := domain.Diagnostics{Status: domain.StatusOK}
	warn(&d, "slow")
	assert.Equal(t, domain.StatusWarning, d.Status)

	d = domain.Diagnostics{Status: domain.StatusError}
	warn(&d, "slow")
	assert.Equal(t, domain.StatusError, d.Status)
	assert.Equal(t, []string{"slow"}, d.Warnings)
}
