package orchestrator

import (
	"testing"

	"github.com/aescanero/opsquery/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func previousResults() map[string]any {
	return map[string]any{
		"primary": map[string]any{
			"success": true,
			"data": map[string]any{
				"rows": []any{
					map[string]any{"ci_id": "srv-001", "name": "a"},
					map[string]any{"ci_id": "srv-002", "name": "b"},
				},
			},
		},
		"metric": domain.ToolResult{Success: true, Data: []int{3, 5}}.AsMap(),
		"typed": map[string]any{
			"data": map[string][]string{"hosts": {"h1", "h2"}},
		},
	}
}

func TestParseReference(t *testing.T) {
	ref, ok := ParseReference("{primary.data.rows[1].name}")
	require.True(t, ok)
	assert.Equal(t, "primary", ref.ToolID)
	assert.Equal(t, []Accessor{
		{Key: "data"},
		{Key: "rows"},
		{Index: 1, IsIndex: true},
		{Key: "name"},
	}, ref.Path)

	ref, ok = ParseReference("{grid[0][2]}")
	require.True(t, ok)
	assert.Equal(t, "grid", ref.ToolID)
	assert.Len(t, ref.Path, 2)

	for _, bad := range []string{"", "primary.data", "{}", "{.data}", "{primary..data}", "{primary.rows[x]}", "{primary.rows[0}", "{primary.rows]0[}"} {
		_, ok := ParseReference(bad)
		assert.False(t, ok, bad)
	}
}

func TestResolveMapping(t *testing.T) {
	m := NewDataFlowMapper()

	resolved := m.ResolveMapping(map[string]any{
		"name":    "{primary.data.rows[1].name}",
		"first":   "{primary.data.rows[0].ci_id}",
		"missing": "{primary.data.rows[5].name}",
		"nokey":   "{primary.data.nope}",
		"notool":  "{graph.data}",
		"neg":     "{primary.data.rows[-1].name}",
		"bad":     "{primary.rows[}",
		"literal": "production",
		"number":  42,
		"metric":  "{metric.data[1]}",
		"typed":   "{typed.data.hosts[1]}",
	}, previousResults())

	assert.Equal(t, "b", resolved["name"])
	assert.Equal(t, "srv-001", resolved["first"])
	assert.Nil(t, resolved["missing"])
	assert.Nil(t, resolved["nokey"])
	assert.Nil(t, resolved["notool"])
	assert.Nil(t, resolved["neg"])
	assert.Nil(t, resolved["bad"])
	assert.Equal(t, "production", resolved["literal"])
	assert.Equal(t, 42, resolved["number"])
	assert.Equal(t, 5, resolved["metric"])
	assert.Equal(t, "h2", resolved["typed"])
	assert.Len(t, resolved, 11)
}

func TestResolveRecordsReferences(t *testing.T) {
	m := NewDataFlowMapper()

	params, refs := m.Resolve("graph", map[string]any{
		"seed_id": "{primary.data.rows[0].ci_id}",
		"depth":   2,
		"zone":    "{primary.data.zone}",
	}, previousResults())

	assert.Equal(t, "srv-001", params["seed_id"])
	assert.Equal(t, 2, params["depth"])
	require.Len(t, refs, 2)
	assert.Equal(t, domain.Reference{ToolID: "graph", Param: "seed_id", Expression: "{primary.data.rows[0].ci_id}", Resolved: true}, refs[0])
	assert.Equal(t, domain.Reference{ToolID: "graph", Param: "zone", Expression: "{primary.data.zone}", Resolved: false}, refs[1])
}

func TestIsReference(t *testing.T) {
	assert.True(t, IsReference("{a.b}"))
	assert.True(t, IsReference(" {a} "))
	assert.False(t, IsReference("a.b"))
	assert.False(t, IsReference(7))
	assert.False(t, IsReference(nil))
}
