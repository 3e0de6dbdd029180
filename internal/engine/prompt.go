package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"deskpilot/internal/audit"
	"deskpilot/internal/memory"
	"deskpilot/internal/tactile"
	"deskpilot/internal/types"
)

// historyWindow bounds how many recent steps the reasoning prompt sees.
const historyWindow = 5

// workerSystemPrompt frames the reasoning call. The model states its next
// action in plain text; the deterministic parser does the rest.
const workerSystemPrompt = `You are a desktop automation worker. Each turn you receive the task,
the current milestone, what is on screen, and your recent steps.
Reply with your reasoning and end with exactly one next action, e.g.
open <app>, type "<text>", press <key>, click at (x, y),
analyze the screen, or say the task is complete.`

// buildReasonPrompt assembles the model input from structured state:
// task, milestone, active memory, recent history, observation, and any
// recovery context from a failed attempt. Purely a function of its
// inputs, so fixed backends give fixed prompts.
func buildReasonPrompt(state *types.AgentState, observation string, active []*memory.Item, recovery *audit.RecoveryContext) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Task: %s\n", state.Task.Description)
	if state.Milestone != nil {
		fmt.Fprintf(&b, "Milestone: %s\n", state.Milestone.Description)
		if state.Milestone.SuccessCriteria != "" {
			fmt.Fprintf(&b, "Success criteria: %s\n", state.Milestone.SuccessCriteria)
		}
	}

	if len(active) > 0 {
		b.WriteString("\nContext memory:\n")
		for _, item := range active {
			fmt.Fprintf(&b, "- [%s] %s\n", item.ID, string(item.Content))
		}
	}

	recent := state.RecentHistory(historyWindow)
	if len(recent) > 0 {
		b.WriteString("\nRecent steps:\n")
		for _, rec := range recent {
			action := "none"
			if rec.Action != nil {
				action = tactile.String(rec.Action)
				if !rec.Action.Success {
					action += " (failed)"
				}
			}
			fmt.Fprintf(&b, "%d. %s\n", rec.StepIndex, action)
		}
	}

	if recovery != nil {
		b.WriteString("\nThe previous attempt failed:\n")
		if recovery.Error != nil {
			fmt.Fprintf(&b, "Error: %s\n", recovery.Error.Error())
		}
		for _, rec := range recovery.RecentRecords {
			if rec.Action != nil {
				fmt.Fprintf(&b, "- step %d: %s\n", rec.StepIndex, tactile.String(rec.Action))
			}
		}
		b.WriteString("Try a different approach.\n")
	}

	fmt.Fprintf(&b, "\nCurrent screen: %s\n", observation)
	b.WriteString("\nWhat is your next action?")
	return b.String()
}

// observationQuery is the standard perception query for the Observe
// node, scoped to the milestone when one is set.
func observationQuery(state *types.AgentState) string {
	if state.Milestone != nil {
		return fmt.Sprintf("Describe the current screen state relevant to: %s", state.Milestone.Description)
	}
	return fmt.Sprintf("Describe the current screen state relevant to: %s", state.Task.Description)
}

// memoryContent serializes a step outcome for the context memory.
func memoryContent(rec types.StepRecord) []byte {
	summary := map[string]any{
		"step":        rec.StepIndex,
		"observation": rec.Observation,
	}
	if rec.Action != nil {
		summary["action"] = tactile.String(rec.Action)
		summary["success"] = rec.Action.Success
	}
	data, err := json.Marshal(summary)
	if err != nil {
		return []byte(rec.Observation)
	}
	return data
}
