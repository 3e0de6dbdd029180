// Package types holds the shared data model for the agent execution core:
// tasks, milestones, step records, and per-worker state. Cross-component
// links carry ids rather than pointers so lifetimes stay explicit and
// serialization stays trivial.
package types

import (
	"time"

	"deskpilot/internal/fault"
)

// Task is the immutable user input: a description plus an opaque context
// map (file paths, user prefs). Created once per invocation, never mutated.
type Task struct {
	ID          string         `json:"id"`
	Description string         `json:"description"`
	Context     map[string]any `json:"context,omitempty"`
}

// MilestoneStatus is the lifecycle state of a milestone.
type MilestoneStatus string

const (
	MilestonePending    MilestoneStatus = "pending"
	MilestoneInProgress MilestoneStatus = "in_progress"
	MilestoneCompleted  MilestoneStatus = "completed"
	MilestoneFailed     MilestoneStatus = "failed"
	MilestoneSkipped    MilestoneStatus = "skipped"
)

// Milestone is a unit of decomposed work with an explicit success
// criterion. Created by the planner, mutated only by the coordinator.
// A milestone becomes in_progress only when all dependencies are
// completed, and attempts never exceeds MaxAttempts.
type Milestone struct {
	ID              string          `json:"id"`
	Description     string          `json:"description"`
	SuccessCriteria string          `json:"success_criteria,omitempty"`
	Status          MilestoneStatus `json:"status"`
	Dependencies    []string        `json:"dependencies,omitempty"`
	Attempts        int             `json:"attempts"`
	MaxAttempts     int             `json:"max_attempts"`
	Error           *fault.Record   `json:"error,omitempty"`
}

// CanStart reports whether every dependency is in the completed set.
func (m *Milestone) CanStart(completed map[string]bool) bool {
	for _, dep := range m.Dependencies {
		if !completed[dep] {
			return false
		}
	}
	return true
}

// CanRetry reports whether the milestone has attempts left.
func (m *Milestone) CanRetry() bool {
	return m.Attempts < m.MaxAttempts
}

// StepRecord is one completed observe/reason/act step. Appended by the
// engine, immutable once appended.
type StepRecord struct {
	StepIndex   int           `json:"step_index"`
	MilestoneID string        `json:"milestone_id,omitempty"`
	Observation string        `json:"observation"`
	Reasoning   string        `json:"reasoning"`
	Action      *ActionRecord `json:"action,omitempty"`
	Confidence  float64       `json:"confidence"`
	Timestamp   time.Time     `json:"timestamp"`
	Error       *fault.Record `json:"error,omitempty"`
}

// AgentState is the per-worker execution state. Owned by a single worker
// invocation and never shared mutably.
type AgentState struct {
	Task        *Task
	MilestoneID string
	Milestone   *Milestone
	Context     map[string]any
	History     []StepRecord
	StepIndex   int
	MaxSteps    int

	ConsecutiveFailures int
	ConsecutiveNoAction int

	Result        map[string]any
	TerminalError *fault.Record
}

// RecentHistory returns the last n step records.
func (s *AgentState) RecentHistory(n int) []StepRecord {
	if n <= 0 || len(s.History) <= n {
		return s.History
	}
	return s.History[len(s.History)-n:]
}

// TaskStatus is the terminal status of a task run.
type TaskStatus string

const (
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// MilestoneOutcome is the per-milestone slice of a TaskResult.
type MilestoneOutcome struct {
	MilestoneID string          `json:"milestone_id"`
	Description string          `json:"description"`
	Status      MilestoneStatus `json:"status"`
	Attempts    int             `json:"attempts"`
	StepsTaken  int             `json:"steps_taken"`
	Result      map[string]any  `json:"result,omitempty"`
	Error       *fault.Record   `json:"error,omitempty"`
}

// TaskResult is what RunTask returns once the run reaches a terminal
// state. Failed results carry the last error, the milestone it occurred
// on, and a trimmed audit window; secret-bearing fields never appear.
type TaskResult struct {
	Status        TaskStatus         `json:"status"`
	Milestones    []MilestoneOutcome `json:"milestones"`
	TerminalError *fault.Record      `json:"terminal_error,omitempty"`
	FailedAt      string             `json:"failed_at,omitempty"`
	AuditWindow   []StepRecord       `json:"audit_window,omitempty"`
}
