// Package dispatch resolves the goals the dependency resolver marked
// as solvable: a local rules-engine attempt first, then one remote
// simulate call per leftover goal, all issued concurrently. Failures
// at either leg are recovered per goal; a bad goal never blocks its
// siblings and never aborts the session.
package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"parley/internal/api"
	"parley/internal/logging"
	"parley/internal/resolve"
	"parley/internal/ruleeval"
	"parley/internal/sidebar"
	"parley/internal/types"
)

// Simulator is the slice of the decision-service client the dispatcher
// needs.
type Simulator interface {
	Simulate(ctx context.Context, sess *types.Session, payload api.SimulatePayload) (types.AttributeValues, error)
}

// Dispatcher resolves goal queries, preferring local evaluation and
// batching the remainder to the remote service. It remembers the last
// payload simulated per goal so an unchanged input is never re-sent.
type Dispatcher struct {
	loader ruleeval.Loader
	sim    Simulator

	mu               sync.Mutex
	alreadySimulated map[string]string
	graphCache       map[string]*ruleeval.GraphEvaluator
}

// New builds a dispatcher. loader may be nil when no rules-engine
// script is available; sim may be nil in offline tests.
func New(loader ruleeval.Loader, sim Simulator) *Dispatcher {
	return &Dispatcher{
		loader:           loader,
		sim:              sim,
		alreadySimulated: make(map[string]string),
		graphCache:       make(map[string]*ruleeval.GraphEvaluator),
	}
}

// Reset clears the per-goal simulate cache; called when the screen
// changes and previous payload fingerprints stop being comparable.
func (d *Dispatcher) Reset() {
	d.mu.Lock()
	d.alreadySimulated = make(map[string]string)
	d.mu.Unlock()
}

// Resolve solves the given goal queries and returns replacements keyed
// by goal id (plus any extra attributes the remote service volunteered).
// Local resolution happens-before remote dispatch for every goal; the
// remote leg merges only after all its calls settle.
func (d *Dispatcher) Resolve(ctx context.Context, sess *types.Session, queries map[string]resolve.GoalQuery, userValues types.AttributeValues) types.AttributeValues {
	replacements := make(types.AttributeValues)
	if len(queries) == 0 {
		return replacements
	}

	local, remaining := d.ResolveLocal(ctx, sess, queries, userValues)
	for k, v := range local {
		replacements[k] = v
	}
	for k, v := range d.ResolveRemote(ctx, sess, remaining) {
		replacements[k] = v
	}
	return replacements
}

// ResolveLocal attempts each goal against the local evaluator,
// sequentially, and returns the replacements it solved plus the goals
// left for the remote leg. Per-goal errors are logged and leave the
// goal in the remainder.
func (d *Dispatcher) ResolveLocal(ctx context.Context, sess *types.Session, queries map[string]resolve.GoalQuery, userValues types.AttributeValues) (types.AttributeValues, map[string]resolve.GoalQuery) {
	replacements := make(types.AttributeValues)
	remaining := make(map[string]resolve.GoalQuery, len(queries))
	for goal, q := range queries {
		remaining[goal] = q
	}
	d.resolveLocal(ctx, sess, remaining, userValues, replacements)
	return replacements, remaining
}

func (d *Dispatcher) resolveLocal(ctx context.Context, sess *types.Session, remaining map[string]resolve.GoalQuery, userValues types.AttributeValues, replacements types.AttributeValues) {
	if sess.ClientGraph == "" {
		return
	}

	ev := d.localEvaluator(ctx, sess)
	if ev == nil {
		return
	}

	input := d.buildInput(sess, userValues)
	release := func() ruleeval.ReleaseData {
		return ruleeval.ReleaseData{Relationships: sess.Relationships}
	}

	for _, goal := range sortedGoals(remaining) {
		res, err := ev.Solve(ruleeval.SolveRequest{Input: input, Goal: goal}, sess.Screen.ID, release, sess.State)
		if err != nil {
			logging.DispatchDebug("local solve %s failed, deferring to simulate: %v", goal, err)
			continue
		}
		replacements[goal] = res.Result
		delete(remaining, goal)
		logging.DispatchDebug("goal %s solved locally", goal)
	}
}

// localEvaluator picks the rules-engine script when a loader can
// provide one, falling back to direct Datalog evaluation of the
// session's rule graph.
func (d *Dispatcher) localEvaluator(ctx context.Context, sess *types.Session) ruleeval.Evaluator {
	if d.loader != nil && sess.RulesChecksum != "" {
		ev, err := d.loader.Load(ctx, sess.RulesChecksum)
		if err == nil {
			return ev
		}
		logging.Get(logging.CategoryDispatch).Warn("rules-engine load failed, trying graph evaluator: %v", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if ev, ok := d.graphCache[sess.ClientGraph]; ok {
		return ev
	}
	graph, err := ruleeval.DecodeGraph(sess.ClientGraph)
	if err != nil {
		logging.Get(logging.CategoryDispatch).Warn("client graph decode failed: %v", err)
		return nil
	}
	ev := ruleeval.NewGraphEvaluator(graph)
	d.graphCache[sess.ClientGraph] = ev
	return ev
}

// buildInput reconstructs the local solve document: the session's
// entity skeleton, every state entry's previous value, and the user's
// entered values scoped under the session parent.
func (d *Dispatcher) buildInput(sess *types.Session, userValues types.AttributeValues) types.AttributeValues {
	input := make(types.AttributeValues, len(sess.Data)+len(sess.State)+len(userValues))
	for k, v := range sess.Data {
		input[k] = v
	}
	for _, entry := range sess.State {
		if entry.Value != nil {
			input[entry.ID] = entry.Value
		}
	}
	scope := sess.ParentScope()
	for k, v := range userValues {
		if scope != "" {
			input[scope+"/"+k] = v
		} else {
			input[k] = v
		}
	}
	return input
}

// ResolveRemote issues one simulate call per leftover goal, all
// concurrently, and merges the results only after every call settles.
// A goal whose payload is unchanged since its last simulate is skipped.
func (d *Dispatcher) ResolveRemote(ctx context.Context, sess *types.Session, remaining map[string]resolve.GoalQuery) types.AttributeValues {
	replacements := make(types.AttributeValues)
	d.resolveRemote(ctx, sess, remaining, replacements)
	return replacements
}

func (d *Dispatcher) resolveRemote(ctx context.Context, sess *types.Session, remaining map[string]resolve.GoalQuery, replacements types.AttributeValues) {
	if len(remaining) == 0 || d.sim == nil {
		return
	}

	type remoteResult struct {
		goal string
		out  types.AttributeValues
	}

	var (
		mu      sync.Mutex
		results []remoteResult
	)
	g, gctx := errgroup.WithContext(ctx)

	for _, goal := range sortedGoals(remaining) {
		q := remaining[goal]
		fingerprint := payloadFingerprint(q)

		d.mu.Lock()
		unchanged := d.alreadySimulated[goal] == fingerprint
		if !unchanged {
			d.alreadySimulated[goal] = fingerprint
		}
		d.mu.Unlock()
		if unchanged {
			logging.DispatchDebug("goal %s payload unchanged, skipping simulate", goal)
			continue
		}

		goal := goal
		g.Go(func() error {
			out, err := d.sim.Simulate(gctx, sess, api.SimulatePayload{
				Mode: "api",
				Save: false,
				Goal: q.Goal,
				Data: q.Data,
			})
			if err != nil {
				// Recovered per goal: an unresolved field degrades the
				// screen, a propagated error would kill it.
				logging.Get(logging.CategoryDispatch).Warn("simulate %s failed: %v", goal, err)
				return nil
			}
			mu.Lock()
			results = append(results, remoteResult{goal: goal, out: out})
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].goal < results[j].goal })
	for _, r := range results {
		for k, v := range r.out {
			replacements[k] = v
		}
		if _, ok := r.out[r.goal]; !ok {
			logging.DispatchDebug("simulate %s returned no value for its goal", r.goal)
		}
	}
}

// ResolveSidebars issues the single batched sidebar simulate and shapes
// the result per sidebar through its type's generator. Returns display
// data keyed by sidebar id; a failed batch returns nothing.
func (d *Dispatcher) ResolveSidebars(ctx context.Context, sess *types.Session, batch *sidebar.Batch, reg *sidebar.Registry) map[string]any {
	if batch == nil || d.sim == nil || reg == nil {
		return nil
	}

	out, err := d.sim.Simulate(ctx, sess, api.SimulatePayload{
		Mode:     "api",
		Save:     false,
		Data:     batch.Data,
		Response: batch.Response,
	})
	if err != nil {
		logging.Get(logging.CategorySidebar).Warn("sidebar simulate failed: %v", err)
		return nil
	}

	data := make(map[string]any, len(batch.IDs))
	for _, sb := range sess.Screen.Sidebars {
		if !containsString(batch.IDs, sb.ID) {
			continue
		}
		gen, ok := reg.Lookup(sb.Type)
		if !ok {
			continue
		}
		data[sb.ID] = gen.GenerateData(sb, out)
	}
	return data
}

func sortedGoals(queries map[string]resolve.GoalQuery) []string {
	goals := make([]string, 0, len(queries))
	for goal := range queries {
		goals = append(goals, goal)
	}
	sort.Strings(goals)
	return goals
}

// payloadFingerprint hashes a goal query's canonical JSON encoding.
func payloadFingerprint(q resolve.GoalQuery) string {
	data, err := json.Marshal(q)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
