package toolcache

import "deskpilot/internal/types"

// Rules maps a mutating action kind to the cache tags it invalidates.
// The engine applies the rule synchronously in Act, before the action
// executes, so no perception read after the action sees an older entry.
type Rules map[types.ActionKind][]string

// DefaultRules invalidates all perception-tagged entries after any input
// action, Scroll included: a scrolled viewport is a different screen.
func DefaultRules() Rules {
	perception := []string{TagScreen, TagOCR, TagScreenAnalyzer}
	return Rules{
		types.ActionLaunchApp: perception,
		types.ActionClick:     perception,
		types.ActionTypeText:  perception,
		types.ActionPressKey:  perception,
		types.ActionHotkey:    perception,
		types.ActionScroll:    perception,
	}
}

// TagsFor returns the tags to invalidate for an action, nil when the
// action has no rule.
func (r Rules) TagsFor(kind types.ActionKind) []string {
	return r[kind]
}
