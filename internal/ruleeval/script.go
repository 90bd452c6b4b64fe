package ruleeval

import (
	"fmt"
	"strings"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"parley/internal/logging"
	"parley/internal/types"
)

// The rules-engine script is fetched from the decision service and
// interpreted rather than compiled, so a release can ship new rule
// logic without a client rebuild. Interpretation is sandboxed: only a
// whitelist of stdlib packages may be imported, and the script has no
// filesystem, network, or exec access.

// solveFunc is the entry point a rules-engine script must define:
//
//	func Solve(input map[string]interface{}, goal, screenID string,
//	    release map[string]interface{},
//	    state []map[string]interface{}) (map[string]interface{}, error)
//
// The returned map carries the computed value under "result".
type solveFunc = func(map[string]interface{}, string, string, map[string]interface{}, []map[string]interface{}) (map[string]interface{}, error)

var allowedScriptPackages = map[string]bool{
	"strings":       true,
	"strconv":       true,
	"fmt":           true,
	"math":          true,
	"regexp":        true,
	"encoding/json": true,
	"time":          true,
	"sort":          true,

	// Explicitly blocked: os, os/exec, net, net/http, syscall, unsafe.
}

// ScriptEvaluator runs the server-supplied rules-engine source in a
// yaegi interpreter.
type ScriptEvaluator struct {
	solve solveFunc
}

// CompileScript validates and interprets rules-engine source text and
// extracts its Solve entry point.
func CompileScript(source string) (*ScriptEvaluator, error) {
	if err := validateImports(source); err != nil {
		return nil, fmt.Errorf("invalid imports: %w", err)
	}

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("failed to load stdlib: %w", err)
	}

	if _, err := i.Eval(wrapScript(source)); err != nil {
		return nil, fmt.Errorf("script evaluation failed: %w", err)
	}

	v, err := i.Eval("main.Solve")
	if err != nil {
		return nil, fmt.Errorf("Solve function not found: %w", err)
	}
	solve, ok := v.Interface().(solveFunc)
	if !ok {
		return nil, fmt.Errorf("Solve has incorrect signature")
	}

	logging.RuleEval("rules-engine script compiled (%d bytes)", len(source))
	return &ScriptEvaluator{solve: solve}, nil
}

// Solve invokes the interpreted entry point for one goal.
func (e *ScriptEvaluator) Solve(req SolveRequest, screenID string, release func() ReleaseData, state []types.StateEntry) (SolveResult, error) {
	var releaseData map[string]interface{}
	if release != nil {
		rd := release()
		releaseData = map[string]interface{}{
			"relationships": rd.Relationships,
			"rule_graph":    rd.RuleGraph,
		}
	}

	stateMaps := make([]map[string]interface{}, 0, len(state))
	for _, entry := range state {
		m := map[string]interface{}{"id": entry.ID}
		if entry.Value != nil {
			m["value"] = entry.Value
		}
		if len(entry.Dependencies) > 0 {
			deps := make([]interface{}, len(entry.Dependencies))
			for i, d := range entry.Dependencies {
				deps[i] = d
			}
			m["dependencies"] = deps
		}
		stateMaps = append(stateMaps, m)
	}

	out, err := e.solve(req.Input, req.Goal, screenID, releaseData, stateMaps)
	if err != nil {
		return SolveResult{}, err
	}
	if out == nil {
		return SolveResult{}, fmt.Errorf("script returned no result for goal %s", req.Goal)
	}
	result, ok := out["result"]
	if !ok {
		return SolveResult{}, fmt.Errorf("script result missing for goal %s", req.Goal)
	}
	return SolveResult{Result: result}, nil
}

// validateImports checks that the source only imports whitelisted
// stdlib packages.
func validateImports(source string) error {
	var imports []string
	inBlock := false
	for _, line := range strings.Split(source, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "import ("):
			inBlock = true
		case inBlock && strings.HasPrefix(trimmed, ")"):
			inBlock = false
		case inBlock:
			imports = append(imports, strings.Trim(trimmed, `"`))
		case strings.HasPrefix(trimmed, "import "):
			imports = append(imports, strings.Trim(strings.TrimPrefix(trimmed, "import "), `"`))
		}
	}

	var forbidden []string
	for _, pkg := range imports {
		if pkg == "" {
			continue
		}
		if !allowedScriptPackages[pkg] {
			forbidden = append(forbidden, pkg)
		}
	}
	if len(forbidden) > 0 {
		return fmt.Errorf("forbidden imports: %v", forbidden)
	}
	return nil
}

// wrapScript wraps bare source in a main package when needed.
func wrapScript(source string) string {
	if strings.Contains(source, "package main") {
		return source
	}
	return "package main\n\n" + source
}
