// Package ruleeval provides local evaluation of derived-attribute
// goals. Two evaluators exist: one executes the server-supplied
// rules-engine script in a sandboxed interpreter, the other evaluates
// the session's decompressed rule graph directly as a Datalog program.
// Both are treated as opaque, potentially-failing black boxes per call;
// a failed local solve simply leaves the goal for the remote service.
package ruleeval

import (
	"parley/internal/types"
)

// SolveRequest is one local resolution attempt: the reconstructed
// input document and the goal to compute from it.
type SolveRequest struct {
	Input types.AttributeValues `json:"input"`
	Goal  string                `json:"goal"`
}

// SolveResult carries the computed value of a goal.
type SolveResult struct {
	Result any `json:"result"`
}

// ReleaseData is the rule metadata an evaluator may pull lazily.
type ReleaseData struct {
	Relationships map[string]any `json:"relationships,omitempty"`
	RuleGraph     map[string]any `json:"rule_graph,omitempty"`
}

// Evaluator solves one goal at a time against the current screen.
// Implementations must be safe for sequential reuse across goals; they
// are not required to be safe for concurrent use.
type Evaluator interface {
	Solve(req SolveRequest, screenID string, release func() ReleaseData, state []types.StateEntry) (SolveResult, error)
}
