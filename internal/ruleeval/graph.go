package ruleeval

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	"github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	"github.com/google/mangle/parse"

	"parley/internal/logging"
	"parley/internal/pathindex"
	"parley/internal/types"
)

// RuleGraph is the decompressed client-side rule graph: boolean goal
// derivations over attribute truth. "All" premises are conjunctive,
// "Any" premises disjunctive; a rule has one or the other.
type RuleGraph struct {
	Rules []GraphRule `json:"rules"`
}

// GraphRule derives one goal from premise attributes.
type GraphRule struct {
	Goal string   `json:"goal"`
	All  []string `json:"all,omitempty"`
	Any  []string `json:"any,omitempty"`
}

// DecodeGraph decompresses a session's clientGraph field: base64 of
// gzipped JSON.
func DecodeGraph(encoded string) (*RuleGraph, error) {
	if encoded == "" {
		return nil, fmt.Errorf("empty client graph")
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("client graph base64: %w", err)
	}
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("client graph gzip: %w", err)
	}
	defer zr.Close()
	data, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("client graph read: %w", err)
	}
	var g RuleGraph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("client graph json: %w", err)
	}
	return &g, nil
}

// EncodeGraph is the inverse of DecodeGraph, used by tests and tooling.
func EncodeGraph(g *RuleGraph) (string, error) {
	data, err := json.Marshal(g)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return "", err
	}
	if err := zw.Close(); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// GraphEvaluator answers boolean goals by translating the rule graph
// into a Datalog program and evaluating it to fixpoint with the mangle
// engine. Goals outside the graph, or goals whose leaf premises are not
// all present in the input, return an error so the dispatcher defers
// them to the remote service instead of guessing.
type GraphEvaluator struct {
	graph *RuleGraph
	goals map[string]GraphRule
}

// NewGraphEvaluator builds an evaluator over a decoded graph.
func NewGraphEvaluator(g *RuleGraph) *GraphEvaluator {
	goals := make(map[string]GraphRule, len(g.Rules))
	for _, r := range g.Rules {
		goals[r.Goal] = r
	}
	return &GraphEvaluator{graph: g, goals: goals}
}

// Solve evaluates one boolean goal against the input document.
func (e *GraphEvaluator) Solve(req SolveRequest, screenID string, release func() ReleaseData, state []types.StateEntry) (SolveResult, error) {
	rule, ok := e.goals[req.Goal]
	if !ok {
		return SolveResult{}, fmt.Errorf("goal %s not in client graph", req.Goal)
	}

	flat := pathindex.Flatten(req.Input)
	if err := e.checkLeavesKnown(rule, flat, map[string]bool{}); err != nil {
		return SolveResult{}, err
	}

	program := e.buildProgram(flat)
	parsed, err := parse.Unit(strings.NewReader(program))
	if err != nil {
		return SolveResult{}, fmt.Errorf("failed to parse graph program: %w", err)
	}
	programInfo, err := analysis.AnalyzeOneUnit(parsed, nil)
	if err != nil {
		return SolveResult{}, fmt.Errorf("failed to analyze graph program: %w", err)
	}

	store := factstore.NewSimpleInMemoryStore()
	if err := engine.EvalProgram(programInfo, store); err != nil {
		return SolveResult{}, fmt.Errorf("failed to evaluate graph program: %w", err)
	}

	derived := false
	for pred := range programInfo.Decls {
		if pred.Symbol != "holds" {
			continue
		}
		store.GetFacts(ast.NewQuery(pred), func(a ast.Atom) error {
			if len(a.Args) == 1 && a.Args[0] == ast.String(req.Goal) {
				derived = true
			}
			return nil
		})
	}

	logging.RuleEvalDebug("graph solve %s on screen %s -> %v", req.Goal, screenID, derived)
	return SolveResult{Result: derived}, nil
}

// checkLeavesKnown walks the goal's premise closure and rejects the
// solve when a leaf attribute is absent from the input: deriving
// falsehood from mere absence would contradict the authoritative
// engine, which distinguishes unknown from false.
func (e *GraphEvaluator) checkLeavesKnown(rule GraphRule, flat map[string]any, seen map[string]bool) error {
	if seen[rule.Goal] {
		return nil
	}
	seen[rule.Goal] = true

	premises := append(append([]string{}, rule.All...), rule.Any...)
	for _, p := range premises {
		if sub, ok := e.goals[p]; ok {
			if err := e.checkLeavesKnown(sub, flat, seen); err != nil {
				return err
			}
			continue
		}
		if _, ok := flat[p]; !ok {
			return fmt.Errorf("premise %s of goal %s not known locally", p, rule.Goal)
		}
	}
	return nil
}

// buildProgram renders the graph and the truthy input attributes as a
// Datalog source text. Facts are emitted as ground clauses so a single
// parse/analyze/eval pass covers everything.
func (e *GraphEvaluator) buildProgram(flat map[string]any) string {
	var sb strings.Builder
	sb.WriteString("holds(X) :- input_true(X).\n")

	for _, r := range e.graph.Rules {
		if len(r.All) > 0 {
			premises := make([]string, len(r.All))
			for i, p := range r.All {
				premises[i] = fmt.Sprintf("holds(%q)", p)
			}
			fmt.Fprintf(&sb, "holds(%q) :- %s.\n", r.Goal, strings.Join(premises, ", "))
		}
		for _, p := range r.Any {
			fmt.Fprintf(&sb, "holds(%q) :- holds(%q).\n", r.Goal, p)
		}
	}

	// Sorted for deterministic program text.
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	emitted := false
	for _, k := range keys {
		if truthy(flat[k]) {
			fmt.Fprintf(&sb, "input_true(%q).\n", k)
			emitted = true
		}
	}
	if !emitted {
		// Keep the input_true predicate defined even with no true inputs.
		sb.WriteString("input_true(\"__none__\").\n")
	}
	return sb.String()
}

// truthy maps an attribute value onto boolean premise truth.
func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return strings.EqualFold(t, "true")
	case float64:
		return t != 0
	case int:
		return t != 0
	}
	return false
}
