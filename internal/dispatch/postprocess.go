package dispatch

import (
	"fmt"
	"regexp"
	"strings"

	"parley/internal/types"
)

var templateRef = regexp.MustCompile(`\{\{\s*([^{}\s]+)\s*\}\}`)

// PostProcessControls re-renders every control of the tree against the
// replacement table: templated text is rendered from its authored form
// and switch/certainty containers recompute their active branch from
// the replacement value of their controlling attribute. Rendering never
// accumulates: running it twice with the same replacements yields the
// same tree.
func PostProcessControls(controls []types.Control, replacements types.AttributeValues) {
	types.IterateControls(controls, false, func(c *types.Control) {
		if c.Text != "" {
			c.RenderedText = renderTemplate(c.Text, replacements)
		}

		switch c.Kind {
		case types.ControlSwitch:
			if v, ok := replacements[c.Attribute]; ok {
				if truthyValue(v) {
					c.Branch = types.BranchTrue
				} else {
					c.Branch = types.BranchFalse
				}
			}
		case types.ControlCertainty:
			if v, ok := replacements[c.Attribute]; ok {
				if v == nil {
					c.Branch = types.BranchUncertain
				} else {
					c.Branch = types.BranchCertain
				}
			}
		}
	})
}

// renderTemplate substitutes {{attr}} references with replacement
// values. Unknown references stay as written so a later replacement can
// still fill them in.
func renderTemplate(text string, replacements types.AttributeValues) string {
	return templateRef.ReplaceAllStringFunc(text, func(match string) string {
		attr := templateRef.FindStringSubmatch(match)[1]
		v, ok := replacements[attr]
		if !ok || v == nil {
			return match
		}
		return formatValue(v)
	})
}

func formatValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		if t {
			return "true"
		}
		return "false"
	case float64:
		// Integral floats render without the trailing ".0" a plain
		// Sprintf would produce.
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	}
	return fmt.Sprintf("%v", v)
}

func truthyValue(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return strings.EqualFold(t, "true")
	case float64:
		return t != 0
	}
	return false
}
