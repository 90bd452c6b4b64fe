package ruleeval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parley/internal/types"
)

const addScript = `
import "fmt"

func Solve(input map[string]interface{}, goal, screenID string, release map[string]interface{}, state []map[string]interface{}) (map[string]interface{}, error) {
	if goal != "total" {
		return nil, fmt.Errorf("unknown goal %s", goal)
	}
	a, _ := input["a"].(float64)
	b, _ := input["b"].(float64)
	return map[string]interface{}{"result": a + b}, nil
}
`

func TestCompileAndSolveScript(t *testing.T) {
	ev, err := CompileScript(addScript)
	require.NoError(t, err)

	res, err := ev.Solve(SolveRequest{
		Input: types.AttributeValues{"a": 2.0, "b": 3.0},
		Goal:  "total",
	}, "screen-1", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 5.0, res.Result)
}

func TestScriptErrorPerGoal(t *testing.T) {
	ev, err := CompileScript(addScript)
	require.NoError(t, err)

	_, err = ev.Solve(SolveRequest{Goal: "unsupported"}, "screen-1", nil, nil)
	assert.Error(t, err)
}

func TestScriptForbiddenImportRejected(t *testing.T) {
	_, err := CompileScript(`
import "os/exec"

func Solve(input map[string]interface{}, goal, screenID string, release map[string]interface{}, state []map[string]interface{}) (map[string]interface{}, error) {
	return nil, nil
}
`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "forbidden imports")
}

func TestScriptMissingSolveRejected(t *testing.T) {
	_, err := CompileScript(`func Other() {}`)
	assert.Error(t, err)
}

func TestScriptReceivesStateAndRelease(t *testing.T) {
	src := `
func Solve(input map[string]interface{}, goal, screenID string, release map[string]interface{}, state []map[string]interface{}) (map[string]interface{}, error) {
	out := map[string]interface{}{}
	out["result"] = len(state)
	if release != nil {
		if _, ok := release["rule_graph"]; ok {
			out["result"] = len(state) + 100
		}
	}
	return out, nil
}
`
	ev, err := CompileScript(src)
	require.NoError(t, err)

	res, err := ev.Solve(SolveRequest{Goal: "g"}, "s",
		func() ReleaseData {
			return ReleaseData{RuleGraph: map[string]any{}}
		},
		[]types.StateEntry{{ID: "a"}, {ID: "b"}})
	require.NoError(t, err)
	assert.Equal(t, 102, res.Result)
}
