// Package types defines the shared data model for parley: sessions,
// screens, controls, and the attribute-value document exchanged with
// the decision service. It has no dependencies on other parley
// packages so every layer can import it freely.
package types

import "time"

// AttributeValue is a scalar (string, float64, bool, nil) or a nested
// entity list ([]any of EntityRecord). A nil value means "explicitly
// unknown"; an absent key means "not yet asked". The two are never
// conflated: maps never carry a present-but-undefined marker.
type AttributeValue = any

// AttributeValues maps an attribute id or hierarchical path to its value.
// Paths may be flat ids, slash-delimited entity paths (entity/@id/field),
// or dot-delimited index paths (entity.0.field) depending on context.
type AttributeValues = map[string]AttributeValue

// EntityRecord is one instance of a repeating entity. It always carries
// a stable "@id" key; its other fields may themselves be entity lists.
type EntityRecord = map[string]any

// IDKey is the reserved attribute holding an entity instance identity.
const IDKey = "@id"

// ParentKey is the reserved data attribute identifying the enclosing
// entity path when a session is scoped to one entity instance.
const ParentKey = "@parent"

// StateEntry describes one derived ("dynamic") attribute: its goal id,
// last computed value if any, and the attributes it is derived from.
// Dependencies are always expressed in the global (unparented) path
// space; callers rewrite them relative to the session parent scope.
type StateEntry struct {
	ID           string         `json:"id"`
	Value        AttributeValue `json:"value,omitempty"`
	Dependencies []string       `json:"dependencies,omitempty"`

	// InstanceTemplate names a repeating entity when this entry must be
	// expanded once per existing instance (dependency paths contain the
	// literal segment "@id" which is substituted per instance).
	InstanceTemplate string `json:"instanceTemplate,omitempty"`
}

// Step is one entry of the interview's navigation rail.
type Step struct {
	ID       string `json:"id"`
	Title    string `json:"title,omitempty"`
	Current  bool   `json:"current,omitempty"`
	Complete bool   `json:"complete,omitempty"`
	Visited  bool   `json:"visited,omitempty"`
	Screens  []Step `json:"screens,omitempty"`
}

// Button describes one navigation action of a screen.
type Button struct {
	Caption string `json:"caption,omitempty"`
	Visible bool   `json:"visible,omitempty"`
	Enabled bool   `json:"enabled,omitempty"`

	// Dependencies gate the action: it is enabled only while every
	// listed attribute currently evaluates to true.
	Dependencies []string `json:"dependencies,omitempty"`
}

// Buttons holds the navigation actions of a screen.
type Buttons struct {
	Next Button `json:"next"`
	Back Button `json:"back"`
}

// Sidebar describes one supplementary panel of a screen. Its data is
// produced by a type-keyed generator collaborator, fed by a batched
// simulate call when any of its dynamic attributes is known.
type Sidebar struct {
	ID                string         `json:"id"`
	Type              string         `json:"type"`
	Title             string         `json:"title,omitempty"`
	DynamicAttributes []string       `json:"dynamicAttributes,omitempty"`
	Config            map[string]any `json:"config,omitempty"`
	Data              any            `json:"data,omitempty"`
}

// Screen is the renderable unit of an interview: one page of controls.
type Screen struct {
	ID       string    `json:"id"`
	Title    string    `json:"title,omitempty"`
	Controls []Control `json:"controls"`
	Sidebars []Sidebar `json:"sidebars,omitempty"`
	Buttons  Buttons   `json:"buttons"`
}

// Session is the wholesale unit of exchange with the decision service:
// replaced on every navigate/submit/back, never patched in place.
type Session struct {
	SessionID     string          `json:"sessionId"`
	InteractionID string          `json:"interactionId"`
	Model         string          `json:"model,omitempty"`
	Release       string          `json:"release,omitempty"`
	Data          AttributeValues `json:"data,omitempty"`
	State         []StateEntry    `json:"state,omitempty"`
	Screen        Screen          `json:"screen"`
	Steps         []Step          `json:"steps,omitempty"`
	Explanations  map[string]any  `json:"explanations,omitempty"`
	Validations   map[string]any  `json:"validations,omitempty"`
	Relationships map[string]any  `json:"relationships,omitempty"`

	// ClientGraph is the compressed rule graph (base64 of gzipped JSON)
	// enabling local goal resolution. Empty when the release does not
	// permit client-side evaluation.
	ClientGraph string `json:"clientGraph,omitempty"`

	// RulesChecksum identifies the rules-engine script revision that can
	// evaluate ClientGraph locally.
	RulesChecksum string `json:"rulesChecksum,omitempty"`
}

// ParentScope returns the enclosing entity path for a sub-interview
// session, or "" for a top-level session.
func (s *Session) ParentScope() string {
	if s == nil || s.Data == nil {
		return ""
	}
	if p, ok := s.Data[ParentKey].(string); ok {
		return p
	}
	return ""
}

// SessionConfig parameterizes session creation and loading.
type SessionConfig struct {
	BaseURL       string          `json:"baseUrl,omitempty"`
	Model         string          `json:"model"`
	Release       string          `json:"release,omitempty"`
	SessionID     string          `json:"sessionId,omitempty"`
	InteractionID string          `json:"interactionId,omitempty"`
	Data          AttributeValues `json:"data,omitempty"`

	// Parent is the entity path a nested sub-interview is scoped to.
	Parent string `json:"parent,omitempty"`
}

// InteractionMode selects how a sub-interview relates to its parent's
// remote session identity.
type InteractionMode string

const (
	// ModeSameSession reuses the parent's sessionId so the service
	// treats parent and child as one logical session.
	ModeSameSession InteractionMode = "same-session"
	// ModeNewSession opens an independent session in the same project.
	ModeNewSession InteractionMode = "new-session"
	// ModeDifferentProject opens a session against another project.
	ModeDifferentProject InteractionMode = "different-project"
)

// ValidInteractionMode reports whether m is one of the supported modes.
func ValidInteractionMode(m InteractionMode) bool {
	switch m {
	case ModeSameSession, ModeNewSession, ModeDifferentProject:
		return true
	}
	return false
}

// ChatResponse is the result of a conversational goal exchange.
type ChatResponse struct {
	InteractionID string          `json:"interactionId,omitempty"`
	Message       string          `json:"message,omitempty"`
	Goal          string          `json:"goal,omitempty"`
	Values        AttributeValues `json:"values,omitempty"`
	Done          bool            `json:"done,omitempty"`
}

// Status is the lifecycle phase of the engine as seen by observers.
type Status string

const (
	StatusLoading Status = "loading"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Snapshot is the immutable view of engine state handed to observers.
// Equal consecutive snapshots share one pointer so reference-equality
// change detection does not re-render spuriously.
type Snapshot struct {
	Status   Status    `json:"status"`
	Err      error     `json:"-"`
	Session  *Session  `json:"session,omitempty"`
	Loading  bool      `json:"loading"`
	RenderAt time.Time `json:"renderAt"`
}
