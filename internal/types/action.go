package types

// ActionKind enumerates the closed set of input actions the engine can
// execute. Adding a kind is a compile-time change: every switch over
// ActionKind in the engine and tactile layer handles the full set.
type ActionKind string

const (
	ActionLaunchApp     ActionKind = "launch_app"
	ActionClick         ActionKind = "click"
	ActionTypeText      ActionKind = "type_text"
	ActionPressKey      ActionKind = "press_key"
	ActionHotkey        ActionKind = "hotkey"
	ActionScroll        ActionKind = "scroll"
	ActionWait          ActionKind = "wait"
	ActionAnalyzeScreen ActionKind = "analyze_screen"
	ActionNoAction      ActionKind = "no_action"
	ActionTaskComplete  ActionKind = "task_complete"
)

// MouseButton names for Click.
const (
	ButtonLeft   = "left"
	ButtonRight  = "right"
	ButtonMiddle = "middle"
)

// ActionRecord is the tagged variant over ActionKind. Exactly the fields
// for the record's kind are meaningful; the rest stay zero. After
// execution the backend fills Success and Payload.
type ActionRecord struct {
	Kind ActionKind `json:"kind"`

	// LaunchApp
	App string `json:"app,omitempty"`

	// Click
	X      int    `json:"x,omitempty"`
	Y      int    `json:"y,omitempty"`
	Button string `json:"button,omitempty"`
	HasXY  bool   `json:"has_xy,omitempty"`

	// TypeText
	Text string `json:"text,omitempty"`

	// PressKey / Hotkey
	Key  string   `json:"key,omitempty"`
	Keys []string `json:"keys,omitempty"`

	// Scroll
	DY int `json:"dy,omitempty"`

	// Wait
	Seconds float64 `json:"seconds,omitempty"`

	// AnalyzeScreen
	Query string `json:"query,omitempty"`

	// NoAction
	Reason string `json:"reason,omitempty"`

	// Execution outcome, filled by the action backend.
	Success bool           `json:"success"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Mutating reports whether executing the action could have changed the
// screen. Mutating actions trigger cache invalidation before the next
// perception read. Scroll counts: a scrolled viewport is a different
// screen.
func (a *ActionRecord) Mutating() bool {
	switch a.Kind {
	case ActionLaunchApp, ActionClick, ActionTypeText, ActionPressKey, ActionHotkey, ActionScroll:
		return true
	}
	return false
}

// Terminal reports whether the action ends the worker loop.
func (a *ActionRecord) Terminal() bool {
	return a.Kind == ActionTaskComplete
}
