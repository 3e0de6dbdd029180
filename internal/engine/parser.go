package engine

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"deskpilot/internal/fault"
	"deskpilot/internal/tactile"
	"deskpilot/internal/types"
)

// Intent is a parsed action plus the parser's confidence in it.
type Intent struct {
	Action     *types.ActionRecord
	Confidence float64
	Rationale  string
}

// keyTable normalizes key names to the backend vocabulary. Keys absent
// from the table do not parse as key presses at all.
var keyTable = map[string]string{
	"enter":     "enter",
	"return":    "enter",
	"tab":       "tab",
	"escape":    "esc",
	"esc":       "esc",
	"space":     "space",
	"spacebar":  "space",
	"backspace": "backspace",
	"delete":    "delete",
	"del":       "delete",
	"up":        "up",
	"down":      "down",
	"left":      "left",
	"right":     "right",
	"home":      "home",
	"end":       "end",
	"pageup":    "pageup",
	"pagedown":  "pagedown",
}

func init() {
	for i := 1; i <= 12; i++ {
		k := fmt.Sprintf("f%d", i)
		keyTable[k] = k
	}
}

// completionPhrases indicate the task is actually done; any mention of
// "complete" counts as well. Future intent ("to complete the task")
// suppresses completion so it cannot terminate the loop.
var completionPhrases = []string{
	"task is complete", "task is done", "task complete", "task done",
	"completed the task", "finished the task", "accomplished the task",
	"successfully completed", "i have finished", "i have completed",
	"this completes the task", "that completes the task",
	"done", "finished",
}

var futureIntentPhrases = []string{
	"to complete the task", "to complete this", "in order to complete",
	"will be", "should be", "next step",
}

var (
	launchRe = regexp.MustCompile(`\b(?:launch|open|start)\s+(?:the\s+)?([a-zA-Z][\w.-]*)`)
	quotedRe = regexp.MustCompile(`"([^"]+)"|'([^']+)'`)
	pressRe  = regexp.MustCompile(`\b(?:press|hit)\s+(?:the\s+)?(\w+)(?:\s+key)?`)
	coordRe  = regexp.MustCompile(`(?:at|on)?\s*\(?(\d+)\s*,\s*(\d+)\)?`)
	waitRe   = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*(?:seconds?|secs?|s\b)`)
)

// Parser maps reasoning text to an ActionRecord through a fixed,
// priority-ordered rule set. Same text in, same action out.
type Parser struct {
	allow *tactile.Allowlist
}

// NewParser creates a parser bound to an app allowlist.
func NewParser(allow *tactile.Allowlist) *Parser {
	return &Parser{allow: allow}
}

// Parse extracts the next action from reasoning text. The rules run in
// priority order; the first match wins. A launch of a non-allowlisted
// app returns a PolicyViolation fault and no action.
func (p *Parser) Parse(reasoning string, context map[string]any, taskDescription string) (*Intent, error) {
	text := strings.TrimSpace(reasoning)
	if text == "" {
		return noAction("empty reasoning"), nil
	}
	lower := strings.ToLower(text)

	// Rule 1: explicit app launch.
	if m := launchRe.FindStringSubmatch(lower); m != nil {
		name := m[1]
		if p.allow != nil && p.allow.Contains(name) {
			return &Intent{
				Action:     &types.ActionRecord{Kind: types.ActionLaunchApp, App: name},
				Confidence: 0.9,
				Rationale:  fmt.Sprintf("launch intent for %q", name),
			}, nil
		}
		// A launch verb aimed at a typing or analysis target is not an
		// app request; let the later rules have it.
		if !isActionVerbTarget(name) {
			return nil, fault.Newf(fault.PolicyViolation, "app %q is not on the allowlist", name).
				WithContext("app", name)
		}
	}

	// Rule 2: typing intent. "type" carries the full fallback chain;
	// "write" and "enter" count only with quoted text, since both words
	// are common in non-typing reasoning.
	hasQuoted := quotedRe.MatchString(text)
	if containsAny(lower, "type", "typing", "input text") ||
		(hasQuoted && (strings.Contains(lower, "write") || strings.Contains(lower, "enter"))) {
		if intent := p.parseTyping(text, context, taskDescription); intent != nil {
			return intent, nil
		}
	}

	// Rule 3: key press from the fixed table.
	if m := pressRe.FindStringSubmatch(lower); m != nil {
		if key, ok := keyTable[m[1]]; ok {
			return &Intent{
				Action:     &types.ActionRecord{Kind: types.ActionPressKey, Key: key},
				Confidence: 0.85,
				Rationale:  fmt.Sprintf("key press %q -> %q", m[1], key),
			}, nil
		}
	}

	// Rule 4: click, with or without coordinates.
	if idx := strings.Index(lower, "click"); idx >= 0 {
		rest := lower[idx:]
		if m := coordRe.FindStringSubmatch(rest); m != nil {
			x, _ := strconv.Atoi(m[1])
			y, _ := strconv.Atoi(m[2])
			return &Intent{
				Action:     &types.ActionRecord{Kind: types.ActionClick, X: x, Y: y, Button: types.ButtonLeft, HasXY: true},
				Confidence: 0.9,
				Rationale:  "click with coordinates",
			}, nil
		}
		return &Intent{
			Action:     &types.ActionRecord{Kind: types.ActionClick, Button: types.ButtonLeft},
			Confidence: 0.6,
			Rationale:  "click without coordinates",
		}, nil
	}

	// Rule 5: screen analysis.
	if containsAny(lower, "analyze", "look", "check", "observe", "examine") {
		return &Intent{
			Action:     &types.ActionRecord{Kind: types.ActionAnalyzeScreen, Query: text},
			Confidence: 0.8,
			Rationale:  "screen analysis intent",
		}, nil
	}

	// Rule 6: completion, guarded against future intent.
	if p.isCompletion(lower) {
		return &Intent{
			Action:     &types.ActionRecord{Kind: types.ActionTaskComplete},
			Confidence: 0.9,
			Rationale:  "task completion indicated",
		}, nil
	}

	// Wait, with optional duration.
	if containsAny(lower, "wait", "pause", "delay") {
		seconds := 1.0
		if m := waitRe.FindStringSubmatch(lower); m != nil {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil {
				seconds = v
			}
		}
		return &Intent{
			Action:     &types.ActionRecord{Kind: types.ActionWait, Seconds: seconds},
			Confidence: 0.9,
			Rationale:  "wait intent",
		}, nil
	}

	return noAction("no actionable command detected"), nil
}

// parseTyping resolves the text to type: quoted text, then
// context["text"], then the task description.
func (p *Parser) parseTyping(text string, context map[string]any, taskDescription string) *Intent {
	if quoted := extractQuoted(text); quoted != "" {
		return &Intent{
			Action:     &types.ActionRecord{Kind: types.ActionTypeText, Text: quoted},
			Confidence: 0.9,
			Rationale:  "quoted text in reasoning",
		}
	}
	if context != nil {
		if v, ok := context["text"].(string); ok && v != "" {
			return &Intent{
				Action:     &types.ActionRecord{Kind: types.ActionTypeText, Text: v},
				Confidence: 0.7,
				Rationale:  "text from context",
			}
		}
	}
	if taskDescription != "" {
		return &Intent{
			Action:     &types.ActionRecord{Kind: types.ActionTypeText, Text: taskDescription},
			Confidence: 0.5,
			Rationale:  "fell back to task description",
		}
	}
	return noAction("no text to type")
}

func (p *Parser) isCompletion(lower string) bool {
	done := false
	for _, phrase := range completionPhrases {
		if strings.Contains(lower, phrase) {
			done = true
			break
		}
	}
	if !done && strings.Contains(lower, "complete") {
		done = true
	}
	if !done {
		return false
	}
	for _, phrase := range futureIntentPhrases {
		if strings.Contains(lower, phrase) {
			return false
		}
	}
	return true
}

// extractQuoted returns the first double- or single-quoted substring.
func extractQuoted(text string) string {
	if m := quotedRe.FindStringSubmatch(text); m != nil {
		if m[1] != "" {
			return m[1]
		}
		return m[2]
	}
	return ""
}

// isActionVerbTarget filters launch captures that are really the start
// of a typing or analysis phrase ("start typing ...").
func isActionVerbTarget(word string) bool {
	switch word {
	case "typing", "writing", "entering", "analyzing", "looking", "checking", "clicking", "waiting":
		return true
	}
	return false
}

func containsAny(text string, words ...string) bool {
	for _, w := range words {
		if strings.Contains(text, w) {
			return true
		}
	}
	return false
}

func noAction(reason string) *Intent {
	return &Intent{
		Action:     &types.ActionRecord{Kind: types.ActionNoAction, Reason: reason},
		Confidence: 1.0,
		Rationale:  reason,
	}
}
