package resolve

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parley/internal/sidebar"
	"parley/internal/types"
)

func TestUserInputGating(t *testing.T) {
	// All dependencies pre-exist as cached state values; nothing was
	// just typed, so there is nothing to recompute.
	in := Input{
		State: []types.StateEntry{
			{ID: "a", Value: 1.0},
			{ID: "b", Value: 2.0},
			{ID: "total", Dependencies: []string{"a", "b"}},
		},
		UserValues: types.AttributeValues{},
	}
	res := BuildReplacementQueries(in)

	assert.Empty(t, res.Unknown)
	assert.Empty(t, res.KnownValues)
}

func TestUserInputTriggersRecompute(t *testing.T) {
	in := Input{
		State: []types.StateEntry{
			{ID: "b", Value: 2.0},
			{ID: "total", Dependencies: []string{"a", "b"}},
		},
		UserValues: types.AttributeValues{"a": 1.0},
	}
	res := BuildReplacementQueries(in)

	require.Contains(t, res.Unknown, "total")
	q := res.Unknown["total"]
	assert.Equal(t, "total", q.Goal)
	assert.Equal(t, 1.0, q.Data["a"])
	assert.Equal(t, 2.0, q.Data["b"])
}

func TestPartialDependencyPromotion(t *testing.T) {
	// Only "a" is known (and just typed); "b" is absent everywhere.
	// The goal still becomes eligible because it has some data: the
	// rule engine may need only a subset of the declared dependencies.
	in := Input{
		State: []types.StateEntry{
			{ID: "total", Dependencies: []string{"a", "b"}},
		},
		UserValues: types.AttributeValues{"a": 1.0},
	}
	res := BuildReplacementQueries(in)

	require.Contains(t, res.Unknown, "total")
	q := res.Unknown["total"]
	assert.Equal(t, 1.0, q.Data["a"])
	_, hasB := q.Data["b"]
	assert.False(t, hasB)
}

func TestGoalWithUserProvidedValueExcluded(t *testing.T) {
	in := Input{
		State: []types.StateEntry{
			{ID: "total", Dependencies: []string{"a"}},
		},
		UserValues: types.AttributeValues{"a": 1.0, "total": 9.0},
	}
	res := BuildReplacementQueries(in)

	assert.NotContains(t, res.Unknown, "total")
}

func TestDeterminism(t *testing.T) {
	in := Input{
		State: []types.StateEntry{
			{ID: "items.@id.subtotal", InstanceTemplate: "items",
				Dependencies: []string{"items.@id.price", "items.@id.qty"}},
			{ID: "total", Dependencies: []string{"net", "tax"}},
		},
		UserValues: types.AttributeValues{
			"net": 10.0,
			"tax": 2.0,
			"items": []any{
				map[string]any{"@id": "x", "price": 5.0, "qty": 1.0},
				map[string]any{"@id": "y", "price": 3.0, "qty": 2.0},
			},
		},
	}

	first := BuildReplacementQueries(in)
	second := BuildReplacementQueries(in)

	a, err := json.Marshal(first.KnownValues)
	require.NoError(t, err)
	b, err := json.Marshal(second.KnownValues)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))

	a, err = json.Marshal(first.Unknown)
	require.NoError(t, err)
	b, err = json.Marshal(second.Unknown)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestTemplateExpansion(t *testing.T) {
	in := Input{
		State: []types.StateEntry{
			{ID: "items.@id.subtotal", InstanceTemplate: "items",
				Dependencies: []string{"items.@id.price"}},
		},
		UserValues: types.AttributeValues{
			"items": []any{
				map[string]any{"@id": "x", "price": 5.0},
				map[string]any{"@id": "y", "price": 3.0},
				map[string]any{"@id": "z", "price": 1.0},
			},
		},
	}
	res := BuildReplacementQueries(in)

	require.Len(t, res.Unknown, 3)
	for _, id := range []string{"x", "y", "z"} {
		goal := "items." + id + ".subtotal"
		require.Contains(t, res.Unknown, goal)
		assert.Contains(t, res.Unknown[goal].Data, "items."+id+".price")
	}
}

func TestTemplateWithoutInstancesExpandsToNothing(t *testing.T) {
	in := Input{
		State: []types.StateEntry{
			{ID: "items.@id.subtotal", InstanceTemplate: "items",
				Dependencies: []string{"items.@id.price"}},
		},
		UserValues: types.AttributeValues{"other": 1.0},
	}
	res := BuildReplacementQueries(in)
	assert.Empty(t, res.Unknown)
}

func TestParentScopeSeedsPayload(t *testing.T) {
	in := Input{
		State: []types.StateEntry{
			{ID: "eligible", Dependencies: []string{"household/h1/income"}},
		},
		UserValues:  types.AttributeValues{"income": 40000.0},
		ParentScope: "household/h1",
	}
	res := BuildReplacementQueries(in)

	require.Contains(t, res.Unknown, "eligible")
	q := res.Unknown["eligible"]
	assert.Equal(t, "household/h1", q.Data[types.ParentKey])
	assert.Equal(t, 40000.0, q.Data["income"])
}

func TestAnyInstanceSuffixMatch(t *testing.T) {
	// "age" resolves against an entity instance; the payload carries
	// the minimal scoping structure, not a bare flat key.
	in := Input{
		State: []types.StateEntry{
			{ID: "bracket", Dependencies: []string{"age"}},
		},
		UserValues: types.AttributeValues{
			"people": []any{
				map[string]any{"@id": "p1", "age": 41.0},
			},
		},
	}
	res := BuildReplacementQueries(in)

	require.Contains(t, res.Unknown, "bracket")
	q := res.Unknown["bracket"]
	people, ok := q.Data["people"].([]any)
	require.True(t, ok, "expected entity-scoped payload, got %v", q.Data)
	require.Len(t, people, 1)
	rec := people[0].(map[string]any)
	assert.Equal(t, "p1", rec["@id"])
	assert.Equal(t, 41.0, rec["age"])
}

type stubGenerator struct{ kind string }

func (g stubGenerator) ResponseElements(sb types.Sidebar) []sidebar.Element {
	out := make([]sidebar.Element, 0, len(sb.DynamicAttributes))
	for _, attr := range sb.DynamicAttributes {
		out = append(out, sidebar.Element{Name: attr, Kind: g.kind})
	}
	return out
}

func (g stubGenerator) GenerateData(sb types.Sidebar, result types.AttributeValues) any {
	return result
}

func TestSidebarBatching(t *testing.T) {
	reg := sidebar.NewRegistry()
	reg.Register("alpha", stubGenerator{kind: "alpha"})
	reg.Register("beta", stubGenerator{kind: "beta"})

	in := Input{
		UserValues: types.AttributeValues{"score": 7.0},
		Sidebars: []types.Sidebar{
			{ID: "sb1", Type: "alpha", DynamicAttributes: []string{"score"}},
			{ID: "sb2", Type: "beta", DynamicAttributes: []string{"score"}},
			{ID: "sb3", Type: "alpha", DynamicAttributes: []string{"unseen"}},
		},
		Generators: reg,
	}
	res := BuildReplacementQueries(in)

	require.NotNil(t, res.Sidebar)
	assert.Equal(t, []string{"sb1", "sb2"}, res.Sidebar.IDs)
	require.Len(t, res.Sidebar.Response, 2)
	assert.Equal(t, "alpha", res.Sidebar.Response[0].Kind)
	assert.Equal(t, "beta", res.Sidebar.Response[1].Kind)
	assert.Equal(t, 7.0, res.Sidebar.Data["score"])
}

func TestNoSidebarBatchWithoutKnownAttributes(t *testing.T) {
	in := Input{
		UserValues: types.AttributeValues{},
		Sidebars: []types.Sidebar{
			{ID: "sb1", Type: "alpha", DynamicAttributes: []string{"score"}},
		},
		Generators: sidebar.DefaultRegistry(),
	}
	res := BuildReplacementQueries(in)
	assert.Nil(t, res.Sidebar)
}

func TestInputsNotMutated(t *testing.T) {
	state := []types.StateEntry{
		{ID: "total", Dependencies: []string{"a"}},
	}
	user := types.AttributeValues{"a": 1.0}

	_ = BuildReplacementQueries(Input{State: state, UserValues: user})

	assert.Equal(t, []string{"a"}, state[0].Dependencies)
	assert.Equal(t, types.AttributeValues{"a": 1.0}, user)
}
