package types

// ControlKind discriminates the control tree variants. Container kinds
// are the only ones with children; traversal branches per kind.
type ControlKind string

const (
	// Leaf, attribute-bearing field controls.
	ControlInput    ControlKind = "input"
	ControlSelect   ControlKind = "select"
	ControlCheckbox ControlKind = "checkbox"
	ControlLabel    ControlKind = "label"

	// Containers.
	ControlRepeating ControlKind = "repeating_container"
	ControlSwitch    ControlKind = "switch_container"
	ControlCertainty ControlKind = "certainty_container"
	ControlEntity    ControlKind = "entity"
	ControlData      ControlKind = "data_container"

	// Interview container: hosts a nested sub-interview scoped to one
	// entity instance.
	ControlInterview ControlKind = "interview_container"
)

// Branch values for switch and certainty containers.
const (
	BranchTrue      = "true"
	BranchFalse     = "false"
	BranchCertain   = "certain"
	BranchUncertain = "uncertain"
)

// EntityInstance is one expanded instance of an entity container.
type EntityInstance struct {
	ID       string    `json:"@id"`
	Controls []Control `json:"controls,omitempty"`
}

// Control is one node of a screen's renderable tree. A single struct
// with per-variant fields keeps JSON decoding simple; Children makes
// the variant branching explicit so traversal stays total.
type Control struct {
	ID        string      `json:"id,omitempty"`
	Kind      ControlKind `json:"type"`
	Attribute string      `json:"attribute,omitempty"`

	// Text is the authored, possibly {{attr}}-templated caption.
	// RenderedText is Text with replacements applied; rendering always
	// starts from Text so repeated post-processing cannot drift.
	Text         string         `json:"text,omitempty"`
	RenderedText string         `json:"renderedText,omitempty"`
	Value        AttributeValue `json:"value,omitempty"`
	Options      []string       `json:"options,omitempty"`

	// repeating_container / data_container children.
	Controls []Control `json:"controls,omitempty"`

	// switch_container branches; Branch holds the active one.
	OutcomeTrue  []Control `json:"outcome_true,omitempty"`
	OutcomeFalse []Control `json:"outcome_false,omitempty"`

	// certainty_container branches.
	Certain   []Control `json:"certain,omitempty"`
	Uncertain []Control `json:"uncertain,omitempty"`

	Branch string `json:"branch,omitempty"`

	// entity container: the entity it repeats over, its expanded
	// instances, and the authored template used when none exist.
	Entity    string           `json:"entity,omitempty"`
	Instances []EntityInstance `json:"instances,omitempty"`
	Template  []Control        `json:"template,omitempty"`

	// interview_container.
	InteractionMode InteractionMode `json:"interactionMode,omitempty"`
	Interview       string          `json:"interview,omitempty"`
}

// IsContainer reports whether the control can hold children.
func (c *Control) IsContainer() bool {
	switch c.Kind {
	case ControlRepeating, ControlSwitch, ControlCertainty, ControlEntity, ControlData:
		return true
	}
	return false
}

// Children returns the child lists a traversal should descend into,
// without copying: mutations through the returned slices reach the
// tree. With templateWalk set, branching containers yield every branch
// and entity containers yield their authored template; otherwise only
// the currently active branch and the expanded instances are walked.
func (c *Control) Children(templateWalk bool) [][]Control {
	switch c.Kind {
	case ControlRepeating, ControlData:
		return [][]Control{c.Controls}
	case ControlSwitch:
		if templateWalk {
			return [][]Control{c.OutcomeTrue, c.OutcomeFalse}
		}
		if c.Branch == BranchFalse {
			return [][]Control{c.OutcomeFalse}
		}
		return [][]Control{c.OutcomeTrue}
	case ControlCertainty:
		if templateWalk {
			return [][]Control{c.Certain, c.Uncertain}
		}
		if c.Branch == BranchUncertain {
			return [][]Control{c.Uncertain}
		}
		return [][]Control{c.Certain}
	case ControlEntity:
		if templateWalk || len(c.Instances) == 0 {
			return [][]Control{c.Template}
		}
		lists := make([][]Control, 0, len(c.Instances))
		for i := range c.Instances {
			lists = append(lists, c.Instances[i].Controls)
		}
		return lists
	}
	return nil
}

// IterateControls walks every control of the tree depth-first and
// applies fn to each node, containers included. Every consumer that
// must touch each leaf regardless of nesting goes through here.
func IterateControls(controls []Control, templateWalk bool, fn func(*Control)) {
	for i := range controls {
		c := &controls[i]
		fn(c)
		for _, kids := range c.Children(templateWalk) {
			IterateControls(kids, templateWalk, fn)
		}
	}
}
