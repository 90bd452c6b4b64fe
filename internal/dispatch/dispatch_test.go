package dispatch

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parley/internal/api"
	"parley/internal/resolve"
	"parley/internal/ruleeval"
	"parley/internal/sidebar"
	"parley/internal/types"
)

type fakeSimulator struct {
	mu      sync.Mutex
	calls   []api.SimulatePayload
	results map[string]types.AttributeValues
	fail    map[string]bool
}

func newFakeSimulator() *fakeSimulator {
	return &fakeSimulator{
		results: make(map[string]types.AttributeValues),
		fail:    make(map[string]bool),
	}
}

func (f *fakeSimulator) Simulate(ctx context.Context, sess *types.Session, payload api.SimulatePayload) (types.AttributeValues, error) {
	f.mu.Lock()
	f.calls = append(f.calls, payload)
	f.mu.Unlock()
	if f.fail[payload.Goal] {
		return nil, fmt.Errorf("simulate %s boom", payload.Goal)
	}
	if out, ok := f.results[payload.Goal]; ok {
		return out, nil
	}
	return types.AttributeValues{}, nil
}

func (f *fakeSimulator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func queries(goals ...string) map[string]resolve.GoalQuery {
	out := make(map[string]resolve.GoalQuery, len(goals))
	for _, g := range goals {
		out[g] = resolve.GoalQuery{Goal: g, Data: types.AttributeValues{"seed": g}}
	}
	return out
}

func TestRemoteResolutionMergesPerGoal(t *testing.T) {
	sim := newFakeSimulator()
	sim.results["a"] = types.AttributeValues{"a": 1.0}
	sim.results["b"] = types.AttributeValues{"b": 2.0, "extra": "x"}

	d := New(nil, sim)
	sess := &types.Session{SessionID: "s1"}

	repl := d.Resolve(context.Background(), sess, queries("a", "b"), nil)

	assert.Equal(t, 1.0, repl["a"])
	assert.Equal(t, 2.0, repl["b"])
	assert.Equal(t, "x", repl["extra"])
	assert.Equal(t, 2, sim.callCount())
}

func TestRemoteFailureDoesNotBlockSiblings(t *testing.T) {
	sim := newFakeSimulator()
	sim.results["good"] = types.AttributeValues{"good": true}
	sim.fail["bad"] = true

	d := New(nil, sim)
	repl := d.Resolve(context.Background(), &types.Session{}, queries("good", "bad"), nil)

	assert.Equal(t, true, repl["good"])
	_, ok := repl["bad"]
	assert.False(t, ok)
}

func TestUnchangedPayloadNotResimulated(t *testing.T) {
	sim := newFakeSimulator()
	sim.results["a"] = types.AttributeValues{"a": 1.0}

	d := New(nil, sim)
	sess := &types.Session{}
	q := queries("a")

	d.Resolve(context.Background(), sess, q, nil)
	d.Resolve(context.Background(), sess, q, nil)
	assert.Equal(t, 1, sim.callCount(), "unchanged payload must not re-simulate")

	// A changed payload goes out again.
	q["a"] = resolve.GoalQuery{Goal: "a", Data: types.AttributeValues{"seed": "changed"}}
	d.Resolve(context.Background(), sess, q, nil)
	assert.Equal(t, 2, sim.callCount())
}

func TestResetClearsSimulateCache(t *testing.T) {
	sim := newFakeSimulator()
	d := New(nil, sim)
	sess := &types.Session{}
	q := queries("a")

	d.Resolve(context.Background(), sess, q, nil)
	d.Reset()
	d.Resolve(context.Background(), sess, q, nil)
	assert.Equal(t, 2, sim.callCount())
}

func TestLocalGraphResolutionSkipsRemote(t *testing.T) {
	encoded, err := ruleeval.EncodeGraph(&ruleeval.RuleGraph{Rules: []ruleeval.GraphRule{
		{Goal: "eligible", All: []string{"adult"}},
	}})
	require.NoError(t, err)

	sim := newFakeSimulator()
	d := New(nil, sim)
	sess := &types.Session{ClientGraph: encoded}

	q := map[string]resolve.GoalQuery{
		"eligible": {Goal: "eligible", Data: types.AttributeValues{"adult": true}},
	}
	repl := d.Resolve(context.Background(), sess, q, types.AttributeValues{"adult": true})

	assert.Equal(t, true, repl["eligible"])
	assert.Equal(t, 0, sim.callCount(), "locally solved goal must not reach the remote leg")
}

func TestLocalFailureFallsBackToRemote(t *testing.T) {
	encoded, err := ruleeval.EncodeGraph(&ruleeval.RuleGraph{Rules: []ruleeval.GraphRule{
		{Goal: "eligible", All: []string{"adult"}},
	}})
	require.NoError(t, err)

	sim := newFakeSimulator()
	sim.results["eligible"] = types.AttributeValues{"eligible": true}

	d := New(nil, sim)
	sess := &types.Session{ClientGraph: encoded}

	// "adult" is not known locally, so the graph evaluator refuses and
	// the goal goes remote.
	q := map[string]resolve.GoalQuery{
		"eligible": {Goal: "eligible", Data: types.AttributeValues{}},
	}
	repl := d.Resolve(context.Background(), sess, q, nil)

	assert.Equal(t, true, repl["eligible"])
	assert.Equal(t, 1, sim.callCount())
}

func TestResolveSidebars(t *testing.T) {
	sim := newFakeSimulator()
	sim.results[""] = types.AttributeValues{"score": 7.0}

	reg := sidebar.DefaultRegistry()
	d := New(nil, sim)
	sess := &types.Session{
		Screen: types.Screen{Sidebars: []types.Sidebar{
			{ID: "sb1", Type: "explanation", DynamicAttributes: []string{"score"}},
		}},
	}
	batch := &sidebar.Batch{
		IDs:      []string{"sb1"},
		Response: []sidebar.Element{{Name: "score", Kind: "explanation"}},
		Data:     types.AttributeValues{"score": 7.0},
	}

	data := d.ResolveSidebars(context.Background(), sess, batch, reg)
	require.Contains(t, data, "sb1")
	assert.Equal(t, map[string]any{"score": 7.0}, data["sb1"])
	assert.Equal(t, 1, sim.callCount())
}

func TestPostProcessIdempotent(t *testing.T) {
	controls := []types.Control{
		{Kind: types.ControlLabel, Text: "Total: {{total}}"},
		{
			Kind:      types.ControlSwitch,
			Attribute: "eligible",
			OutcomeTrue: []types.Control{
				{Kind: types.ControlLabel, Text: "You qualify, {{name}}"},
			},
			OutcomeFalse: []types.Control{
				{Kind: types.ControlLabel, Text: "Not eligible"},
			},
		},
	}
	repl := types.AttributeValues{"total": 42.0, "eligible": true, "name": "Ada"}

	PostProcessControls(controls, repl)
	first := fmt.Sprintf("%+v", controls)
	PostProcessControls(controls, repl)
	second := fmt.Sprintf("%+v", controls)

	assert.Equal(t, first, second, "post-processing must not drift")
	assert.Equal(t, "Total: 42", controls[0].RenderedText)
	assert.Equal(t, types.BranchTrue, controls[1].Branch)
	assert.Equal(t, "You qualify, Ada", controls[1].OutcomeTrue[0].RenderedText)
}

func TestPostProcessCertaintyNullMeansUncertain(t *testing.T) {
	controls := []types.Control{
		{
			Kind:      types.ControlCertainty,
			Attribute: "income_verified",
			Certain:   []types.Control{{Kind: types.ControlLabel, Text: "verified"}},
			Uncertain: []types.Control{{Kind: types.ControlLabel, Text: "unverified"}},
		},
	}

	PostProcessControls(controls, types.AttributeValues{"income_verified": nil})
	assert.Equal(t, types.BranchUncertain, controls[0].Branch)

	PostProcessControls(controls, types.AttributeValues{"income_verified": true})
	assert.Equal(t, types.BranchCertain, controls[0].Branch)
}

func TestPostProcessUnknownTemplateRefPreserved(t *testing.T) {
	controls := []types.Control{
		{Kind: types.ControlLabel, Text: "Hello {{missing}}"},
	}
	PostProcessControls(controls, types.AttributeValues{})
	assert.Equal(t, "Hello {{missing}}", controls[0].RenderedText)
}
