// Package resolve decides which derived attributes are stale and
// resolvable given newly entered data. Its entry point,
// BuildReplacementQueries, is pure: no I/O, no mutation of its inputs,
// and deterministic output for identical input.
package resolve

import (
	"regexp"
	"sort"
	"strings"

	"parley/internal/logging"
	"parley/internal/pathindex"
	"parley/internal/sidebar"
	"parley/internal/types"
)

// GoalQuery is one derived attribute ready to be solved, with the data
// payload collected for it.
type GoalQuery struct {
	Goal string                `json:"goal"`
	Data types.AttributeValues `json:"data"`
}

// Input carries everything BuildReplacementQueries needs. Generators
// may be nil when the screen has no sidebars.
type Input struct {
	State       []types.StateEntry
	UserValues  types.AttributeValues
	ParentScope string
	Sidebars    []types.Sidebar
	Generators  *sidebar.Registry
}

// Result partitions the derived attributes: KnownValues is the
// flattened user-entered data, Unknown the goals that need solving,
// Sidebar the single batched sidebar simulate request, if any.
type Result struct {
	KnownValues map[string]any
	Unknown     map[string]GoalQuery
	Sidebar     *sidebar.Batch
}

// BuildReplacementQueries determines which derived attributes must be
// recomputed now that the user has entered new values. A goal is only
// eligible when at least one of its dependencies was just typed by the
// user; a goal with missing dependencies is still promoted to eligible
// while it has any data at all, because the authoritative rule engine
// may need only a subset (under-resolving client-side must never block
// progress). This promotion mirrors long-standing observed behavior
// and is kept as-is pending product clarification.
func BuildReplacementQueries(in Input) Result {
	knownValues := pathindex.Flatten(in.UserValues)

	// allData overlays the user-entered values on every descriptor's
	// cached value, user values winning.
	merged := make(types.AttributeValues, len(in.State)+len(in.UserValues))
	for _, entry := range in.State {
		if entry.Value != nil {
			merged[entry.ID] = entry.Value
		}
	}
	for k, v := range in.UserValues {
		merged[k] = v
	}
	allData := pathindex.Flatten(merged)

	unknown := make(map[string]GoalQuery)
	for _, entry := range expandTemplates(in.State, allData, in.ParentScope) {
		if len(entry.Dependencies) == 0 {
			continue
		}

		data := make(types.AttributeValues)
		if in.ParentScope != "" {
			data[types.ParentKey] = in.ParentScope
		}

		userInputInvolved := false
		missing := false
		for _, dep := range entry.Dependencies {
			name := scopeDependency(dep, in.ParentScope)
			fromUser, ok := lookupDependency(name, allData, knownValues, data)
			if !ok {
				missing = true
				continue
			}
			if fromUser {
				userInputInvolved = true
			}
		}

		// Nothing the user just typed can affect this goal.
		if !userInputInvolved {
			continue
		}

		satisfied := !missing
		if missing && hasAnyDatum(data) {
			satisfied = true
		}
		if !satisfied {
			continue
		}

		// The user explicitly provided this goal's value already.
		if _, ok := knownValues[entry.ID]; ok {
			continue
		}

		unknown[entry.ID] = GoalQuery{Goal: entry.ID, Data: data}
	}

	return Result{
		KnownValues: knownValues,
		Unknown:     unknown,
		Sidebar:     buildSidebarBatch(in, allData),
	}
}

// expandTemplates replaces each instance-templated descriptor with one
// concrete descriptor per existing instance of the named entity, ids
// discovered through the flattened "@id" keys. Ids are sorted so the
// expansion order never depends on map iteration.
func expandTemplates(state []types.StateEntry, allData map[string]any, parentScope string) []types.StateEntry {
	out := make([]types.StateEntry, 0, len(state))
	for _, entry := range state {
		if entry.InstanceTemplate == "" {
			out = append(out, entry)
			continue
		}

		ids := instanceIDs(allData, entry.InstanceTemplate)
		if len(ids) == 0 {
			continue
		}
		for _, id := range ids {
			concrete := types.StateEntry{
				ID:    strings.ReplaceAll(entry.ID, types.IDKey, id),
				Value: entry.Value,
			}
			for _, dep := range entry.Dependencies {
				dep = strings.ReplaceAll(dep, types.IDKey, id)
				concrete.Dependencies = append(concrete.Dependencies, scopeDependency(dep, parentScope))
			}
			out = append(out, concrete)
		}
	}
	return out
}

// instanceIDs collects the existing "@id" values of one entity from the
// flat data, sorted for determinism.
func instanceIDs(allData map[string]any, entity string) []string {
	re := regexp.MustCompile("^" + regexp.QuoteMeta(entity) + "/([^/]+)/@id$")
	var ids []string
	for key := range allData {
		if m := re.FindStringSubmatch(key); m != nil {
			ids = append(ids, m[1])
		}
	}
	sort.Strings(ids)
	return ids
}

// scopeDependency rewrites a global dependency path relative to the
// session's parent scope.
func scopeDependency(dep, parentScope string) string {
	if parentScope == "" {
		return dep
	}
	return strings.TrimPrefix(dep, parentScope+"/")
}

// lookupDependency resolves one dependency against the flat data and
// writes what it found into the goal payload: a direct match lands
// under the dependency name, an any-entity-instance suffix match lands
// inside the minimal entity-scoping structure that keeps the match
// unambiguous. Returns whether the value came from just-typed user
// input and whether it was found at all.
func lookupDependency(name string, allData, knownValues map[string]any, data types.AttributeValues) (bool, bool) {
	for _, key := range []string{name, strings.ReplaceAll(name, ".", "/")} {
		if v, ok := allData[key]; ok {
			if _, taken := data[name]; !taken {
				data[name] = v
			}
			_, fromUser := knownValues[key]
			return fromUser, true
		}
	}

	// Any-instance match: the dependency names a leaf that exists on
	// some entity instance. Candidate keys are sorted so repeated calls
	// pick the same instance.
	leaf := name
	if i := strings.LastIndexAny(name, "./"); i >= 0 {
		leaf = name[i+1:]
	}
	var candidates []string
	for key := range allData {
		if strings.HasSuffix(key, "/"+leaf) {
			candidates = append(candidates, key)
		}
	}
	if len(candidates) == 0 {
		return false, false
	}
	sort.Strings(candidates)
	match := candidates[0]
	addScopedValue(data, strings.Split(match, "/"), allData[match])
	_, fromUser := knownValues[match]
	return fromUser, true
}

// addScopedValue writes value into data under the minimal nested entity
// skeleton for the given id-path segments (name/id pairs ending in a
// leaf field). A path that does not alternate cleanly degrades to a
// flat entry under its joined key.
func addScopedValue(data types.AttributeValues, segments []string, value any) {
	if len(segments)%2 == 0 {
		data[strings.Join(segments, "/")] = value
		return
	}

	cur := data
	for i := 0; i+1 < len(segments); i += 2 {
		name, id := segments[i], segments[i+1]
		arr, _ := cur[name].([]any)
		var rec map[string]any
		for _, elem := range arr {
			if m, ok := elem.(map[string]any); ok && m[types.IDKey] == id {
				rec = m
				break
			}
		}
		if rec == nil {
			rec = map[string]any{types.IDKey: id}
			cur[name] = append(arr, rec)
		}
		cur = rec
	}
	cur[segments[len(segments)-1]] = value
}

// hasAnyDatum reports whether the payload collected anything beyond the
// parent-scope seed.
func hasAnyDatum(data types.AttributeValues) bool {
	for k := range data {
		if k != types.ParentKey {
			return true
		}
	}
	return false
}

// buildSidebarBatch accumulates the single batched sidebar simulate
// request: every sidebar with at least one known dynamic attribute
// contributes its ids and response elements to one shared payload.
func buildSidebarBatch(in Input, allData map[string]any) *sidebar.Batch {
	if len(in.Sidebars) == 0 || in.Generators == nil {
		return nil
	}

	var batch *sidebar.Batch
	for _, sb := range in.Sidebars {
		var known []string
		for _, attr := range sb.DynamicAttributes {
			if _, ok := allData[attr]; ok {
				known = append(known, attr)
			}
		}
		if len(known) == 0 {
			continue
		}
		gen, ok := in.Generators.Lookup(sb.Type)
		if !ok {
			logging.Sidebar("no generator registered for sidebar type %q (id %s)", sb.Type, sb.ID)
			continue
		}
		if batch == nil {
			batch = &sidebar.Batch{Data: make(types.AttributeValues)}
		}
		batch.IDs = append(batch.IDs, sb.ID)
		batch.Response = append(batch.Response, gen.ResponseElements(sb)...)
		for _, attr := range known {
			batch.Data[attr] = allData[attr]
		}
	}
	return batch
}
