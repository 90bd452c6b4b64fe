package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func collectIDs(controls []Control, templateWalk bool) []string {
	var ids []string
	IterateControls(controls, templateWalk, func(c *Control) {
		ids = append(ids, c.ID)
	})
	return ids
}

func TestIterateActiveBranchOnly(t *testing.T) {
	tree := []Control{
		{
			ID:           "sw",
			Kind:         ControlSwitch,
			Branch:       BranchFalse,
			OutcomeTrue:  []Control{{ID: "t1", Kind: ControlLabel}},
			OutcomeFalse: []Control{{ID: "f1", Kind: ControlLabel}},
		},
	}

	assert.Equal(t, []string{"sw", "f1"}, collectIDs(tree, false))
	assert.Equal(t, []string{"sw", "t1", "f1"}, collectIDs(tree, true))
}

func TestIterateCertaintyDefaultsToCertain(t *testing.T) {
	tree := []Control{
		{
			ID:        "ct",
			Kind:      ControlCertainty,
			Certain:   []Control{{ID: "c1", Kind: ControlInput}},
			Uncertain: []Control{{ID: "u1", Kind: ControlLabel}},
		},
	}

	assert.Equal(t, []string{"ct", "c1"}, collectIDs(tree, false))

	tree[0].Branch = BranchUncertain
	assert.Equal(t, []string{"ct", "u1"}, collectIDs(tree, false))
}

func TestIterateEntityInstancesFallBackToTemplate(t *testing.T) {
	entity := Control{
		ID:       "ent",
		Kind:     ControlEntity,
		Entity:   "people",
		Template: []Control{{ID: "tpl", Kind: ControlInput}},
	}

	assert.Equal(t, []string{"ent", "tpl"}, collectIDs([]Control{entity}, false))

	entity.Instances = []EntityInstance{
		{ID: "p1", Controls: []Control{{ID: "p1-name", Kind: ControlInput}}},
		{ID: "p2", Controls: []Control{{ID: "p2-name", Kind: ControlInput}}},
	}
	assert.Equal(t, []string{"ent", "p1-name", "p2-name"}, collectIDs([]Control{entity}, false))
	assert.Equal(t, []string{"ent", "tpl"}, collectIDs([]Control{entity}, true))
}

// Children must return the backing slices, not copies, so traversal
// writes reach the tree.
func TestIterateMutatesInPlace(t *testing.T) {
	tree := []Control{
		{
			ID:       "rep",
			Kind:     ControlRepeating,
			Controls: []Control{{ID: "leaf", Kind: ControlLabel, Text: "hi"}},
		},
	}
	IterateControls(tree, false, func(c *Control) {
		c.RenderedText = c.Text + "!"
	})
	assert.Equal(t, "hi!", tree[0].Controls[0].RenderedText)
}

func TestIsContainer(t *testing.T) {
	assert.True(t, (&Control{Kind: ControlRepeating}).IsContainer())
	assert.True(t, (&Control{Kind: ControlEntity}).IsContainer())
	assert.False(t, (&Control{Kind: ControlInput}).IsContainer())
	assert.False(t, (&Control{Kind: ControlInterview}).IsContainer())
}

func TestParentScope(t *testing.T) {
	var nilSess *Session
	assert.Equal(t, "", nilSess.ParentScope())
	assert.Equal(t, "", (&Session{}).ParentScope())

	sess := &Session{Data: AttributeValues{ParentKey: "entity/people/p1"}}
	assert.Equal(t, "entity/people/p1", sess.ParentScope())
}

func TestValidInteractionMode(t *testing.T) {
	assert.True(t, ValidInteractionMode(ModeSameSession))
	assert.True(t, ValidInteractionMode(ModeNewSession))
	assert.True(t, ValidInteractionMode(ModeDifferentProject))
	assert.False(t, ValidInteractionMode(InteractionMode("popup")))
}
