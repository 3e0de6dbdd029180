// Package tactile holds the input-action collaborator contract and the
// application allowlist. The core forwards bounded ActionRecords here and
// never performs raw input itself.
package tactile

import (
	"context"
	"fmt"
	"time"

	"deskpilot/internal/logging"
	"deskpilot/internal/types"
)

// Outcome is what the backend reports after executing an action.
type Outcome struct {
	Success bool
	Payload map[string]any
}

// ActionBackend executes one ActionRecord against the desktop. Failures
// are *fault.Record values with Kind ActionFailure (or PolicyViolation
// when the backend itself enforces policy).
type ActionBackend interface {
	Execute(ctx context.Context, action *types.ActionRecord) (Outcome, error)
}

// DryRunBackend logs actions without touching the desktop. The CLI sends
// every action here, with or without --dry-run; wait actions sleep, and
// everything reports success.
type DryRunBackend struct {
	// Sleep is swapped out in tests so Wait actions take no wall time.
	Sleep func(time.Duration)
}

var _ ActionBackend = (*DryRunBackend)(nil)

// NewDryRunBackend creates a logging-only backend.
func NewDryRunBackend() *DryRunBackend {
	return &DryRunBackend{Sleep: time.Sleep}
}

// Execute logs the action and reports success. Wait actions sleep for
// real so pacing behaves like a live backend.
func (b *DryRunBackend) Execute(ctx context.Context, action *types.ActionRecord) (Outcome, error) {
	lg := logging.Get(logging.CategoryTactile)
	lg.Infow("dry-run action", "kind", action.Kind, "app", action.App, "text", action.Text, "key", action.Key)

	if action.Kind == types.ActionWait && action.Seconds > 0 {
		b.Sleep(time.Duration(action.Seconds * float64(time.Second)))
	}
	return Outcome{
		Success: true,
		Payload: map[string]any{"dry_run": true, "kind": string(action.Kind)},
	}, nil
}

// String renders an action for logs.
func String(action *types.ActionRecord) string {
	switch action.Kind {
	case types.ActionLaunchApp:
		return fmt.Sprintf("launch_app(%s)", action.App)
	case types.ActionClick:
		if action.HasXY {
			return fmt.Sprintf("click(%d,%d,%s)", action.X, action.Y, action.Button)
		}
		return "click()"
	case types.ActionTypeText:
		return fmt.Sprintf("type_text(%d chars)", len(action.Text))
	case types.ActionPressKey:
		return fmt.Sprintf("press_key(%s)", action.Key)
	case types.ActionHotkey:
		return fmt.Sprintf("hotkey(%v)", action.Keys)
	case types.ActionScroll:
		return fmt.Sprintf("scroll(%d)", action.DY)
	case types.ActionWait:
		return fmt.Sprintf("wait(%.1fs)", action.Seconds)
	case types.ActionAnalyzeScreen:
		return fmt.Sprintf("analyze_screen(%q)", action.Query)
	case types.ActionNoAction:
		return fmt.Sprintf("no_action(%s)", action.Reason)
	case types.ActionTaskComplete:
		return "task_complete"
	}
	return string(action.Kind)
}
