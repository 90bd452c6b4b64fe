package engine

import "parley/internal/types"

// cloneForRender structurally copies the parts of a session that
// post-processing mutates in place (the control tree and sidebar list),
// so snapshots handed out earlier keep their content. Data and state
// are shared; nothing downstream writes through them.
func cloneForRender(s *types.Session) *types.Session {
	c := *s
	c.Screen.Controls = cloneControls(s.Screen.Controls)
	if s.Screen.Sidebars != nil {
		c.Screen.Sidebars = append([]types.Sidebar(nil), s.Screen.Sidebars...)
	}
	return &c
}

func cloneControls(controls []types.Control) []types.Control {
	if controls == nil {
		return nil
	}
	out := make([]types.Control, len(controls))
	for i := range controls {
		c := controls[i]
		c.Controls = cloneControls(c.Controls)
		c.OutcomeTrue = cloneControls(c.OutcomeTrue)
		c.OutcomeFalse = cloneControls(c.OutcomeFalse)
		c.Certain = cloneControls(c.Certain)
		c.Uncertain = cloneControls(c.Uncertain)
		c.Template = cloneControls(c.Template)
		if c.Instances != nil {
			instances := make([]types.EntityInstance, len(c.Instances))
			for j := range c.Instances {
				instances[j] = c.Instances[j]
				instances[j].Controls = cloneControls(c.Instances[j].Controls)
			}
			c.Instances = instances
		}
		out[i] = c
	}
	return out
}
