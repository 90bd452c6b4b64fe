// Package sidebar holds the type-keyed data-generator collaborators
// that shape sidebar simulate requests and their results. Generators
// describe what to ask the remote simulate for (ResponseElements) and
// how to turn the simulate result into displayable data (GenerateData).
package sidebar

import (
	"parley/internal/types"
)

// Element is one entry of a simulate response shape: an attribute or
// entity the decision service should include in its answer.
type Element struct {
	Name string `json:"name"`
	Kind string `json:"kind,omitempty"`
}

// Generator produces the simulate response shape and display data for
// one sidebar type.
type Generator interface {
	ResponseElements(sb types.Sidebar) []Element
	GenerateData(sb types.Sidebar, result types.AttributeValues) any
}

// Batch is one combined sidebar simulate request: every eligible
// sidebar on the screen shares a single payload. Response concatenates
// each sidebar type's elements; IDs lists every participating sidebar.
type Batch struct {
	IDs      []string              `json:"ids"`
	Response []Element             `json:"response"`
	Data     types.AttributeValues `json:"data"`
}

// Registry maps sidebar types to their generators.
type Registry struct {
	gens map[string]Generator
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{gens: make(map[string]Generator)}
}

// DefaultRegistry returns a registry with the builtin generators.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("explanation", explanationGenerator{})
	r.Register("entitylist", entityListGenerator{})
	return r
}

// Register adds or replaces the generator for a sidebar type.
func (r *Registry) Register(typ string, g Generator) {
	r.gens[typ] = g
}

// Lookup returns the generator for a sidebar type.
func (r *Registry) Lookup(typ string) (Generator, bool) {
	g, ok := r.gens[typ]
	return g, ok
}

// explanationGenerator asks for a decision explanation per dynamic
// attribute and exposes the raw explanation values keyed by attribute.
type explanationGenerator struct{}

func (explanationGenerator) ResponseElements(sb types.Sidebar) []Element {
	out := make([]Element, 0, len(sb.DynamicAttributes))
	for _, attr := range sb.DynamicAttributes {
		out = append(out, Element{Name: attr, Kind: "explanation"})
	}
	return out
}

func (explanationGenerator) GenerateData(sb types.Sidebar, result types.AttributeValues) any {
	data := make(map[string]any, len(sb.DynamicAttributes))
	for _, attr := range sb.DynamicAttributes {
		if v, ok := result[attr]; ok {
			data[attr] = v
		}
	}
	return data
}

// entityListGenerator asks for the instances of one entity and exposes
// them as a plain list.
type entityListGenerator struct{}

func (entityListGenerator) ResponseElements(sb types.Sidebar) []Element {
	entity, _ := sb.Config["entity"].(string)
	if entity == "" {
		return nil
	}
	return []Element{{Name: entity, Kind: "entities"}}
}

func (entityListGenerator) GenerateData(sb types.Sidebar, result types.AttributeValues) any {
	entity, _ := sb.Config["entity"].(string)
	if entity == "" {
		return nil
	}
	if arr, ok := result[entity].([]any); ok {
		return arr
	}
	return nil
}
