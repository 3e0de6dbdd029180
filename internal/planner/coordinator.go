package planner

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"deskpilot/internal/engine"
	"deskpilot/internal/fault"
	"deskpilot/internal/logging"
	"deskpilot/internal/memory"
	"deskpilot/internal/types"
)

// Options is the caller-facing knob set for RunTask.
type Options struct {
	MaxStepsPerMilestone int
	MaxRetries           int
	MaxMilestoneAttempts int
	CheckpointEvery      int
	EnablePlanner        bool
	EnableVerification   bool
	// Parallel dispatches independent milestones concurrently, each
	// worker with its own memory manager over the shared archival
	// store. Default is sequential.
	Parallel bool
	// AuditWindow is how many trailing records a failed TaskResult
	// carries.
	AuditWindow int
}

// DefaultOptions matches the documented contract.
func DefaultOptions() Options {
	return Options{
		MaxStepsPerMilestone: 15,
		MaxRetries:           3,
		MaxMilestoneAttempts: 2,
		CheckpointEvery:      5,
		EnablePlanner:        true,
		EnableVerification:   true,
		AuditWindow:          5,
	}
}

// Coordinator walks milestones in dependency order, hands each to a
// fresh worker invocation of the step graph engine, and re-plans on
// retryable failures. One Coordinator serves one task run.
type Coordinator struct {
	planner   *Planner
	collab    engine.Collaborators
	opts      Options
	engineCfg engine.Config
	engineOpt []engine.Option
	cancel    *engine.CancelSignal

	// newMemory builds a per-worker memory manager for parallel
	// dispatch. nil keeps the shared manager (sequential default).
	newMemory func() *memory.Manager

	mu        sync.Mutex
	lastSteps map[string]int // milestone id -> last committed step index
}

// NewCoordinator wires a coordinator. The cancel signal is shared with
// every worker it dispatches.
func NewCoordinator(p *Planner, collab engine.Collaborators, opts Options, engineCfg engine.Config, engineOpts ...engine.Option) *Coordinator {
	engineCfg.MaxSteps = opts.MaxStepsPerMilestone
	engineCfg.MaxRetries = opts.MaxRetries
	engineCfg.EnableVerification = opts.EnableVerification
	return &Coordinator{
		planner:   p,
		collab:    collab,
		opts:      opts,
		engineCfg: engineCfg,
		engineOpt: engineOpts,
		cancel:    engine.NewCancelSignal(),
		lastSteps: make(map[string]int),
	}
}

// SetMemoryFactory installs a per-worker memory manager factory for
// parallel dispatch.
func (c *Coordinator) SetMemoryFactory(f func() *memory.Manager) {
	c.newMemory = f
}

// Cancel sets the shared cancel signal. Workers observe it at their
// next node boundary.
func (c *Coordinator) Cancel() {
	c.cancel.Cancel()
}

// Signal exposes the cancel signal for callers that hold a handle.
func (c *Coordinator) Signal() *engine.CancelSignal {
	return c.cancel
}

// RunTask blocks until the task reaches a terminal state: all
// milestones completed, attempts exhausted, or cancellation.
func (c *Coordinator) RunTask(ctx context.Context, task *types.Task) *types.TaskResult {
	lg := logging.Get(logging.CategoryPlanner)

	if !c.opts.EnablePlanner {
		return c.runFlat(ctx, task)
	}

	plan, err := c.planner.Plan(ctx, task)
	if err != nil {
		rec := fault.Wrap(fault.PlanningFailure, err)
		return &types.TaskResult{Status: types.TaskFailed, TerminalError: rec}
	}

	result := &types.TaskResult{}
	for {
		if c.cancel.Cancelled() || ctx.Err() != nil {
			result.Status = types.TaskCancelled
			result.TerminalError = fault.New(fault.CancelRequested, "task cancelled")
			return result
		}

		runnable := nextRunnable(plan)
		if len(runnable) == 0 {
			return c.finish(result, plan)
		}
		if !c.opts.Parallel {
			runnable = runnable[:1]
		}

		outcomes := c.dispatch(ctx, task, runnable)
		for _, outcome := range outcomes {
			result.Milestones = append(result.Milestones, *outcome)
		}

		failed := firstFailure(plan, outcomes)
		if failed == nil {
			continue
		}
		rec := failed.Error

		if rec != nil && rec.Kind == fault.CancelRequested {
			result.Status = types.TaskCancelled
			result.TerminalError = rec
			return result
		}

		if rec != nil && rec.Retryable && failed.CanRetry() {
			lg.Infow("re-planning after milestone failure",
				"milestone", failed.ID, "attempts", failed.Attempts, "err", rec.Error())
			replacement, rerr := c.planner.Replan(ctx, task, failed, completedOf(plan), c.collab.Audit.Recent(c.opts.AuditWindow))
			if rerr != nil {
				return c.fail(result, failed, fault.Wrap(fault.PlanningFailure, rerr))
			}
			plan = mergeReplan(plan, failed, replacement)
			continue
		}

		return c.fail(result, failed, rec)
	}
}

// runFlat is the planner-off degradation: one worker invocation over
// the whole task, no milestone wrapper.
func (c *Coordinator) runFlat(ctx context.Context, task *types.Task) *types.TaskResult {
	state := c.newState(task, nil)
	eng := engine.New(c.collab, c.engineCfg, c.cancel, c.engineOpt...)
	stats := eng.Run(ctx, state)

	outcome := types.MilestoneOutcome{
		Description: task.Description,
		StepsTaken:  stats.Steps,
		Result:      state.Result,
		Error:       state.TerminalError,
	}
	result := &types.TaskResult{Milestones: []types.MilestoneOutcome{outcome}}

	switch {
	case state.TerminalError == nil:
		outcome.Status = types.MilestoneCompleted
		result.Milestones[0] = outcome
		result.Status = types.TaskCompleted
	case state.TerminalError.Kind == fault.CancelRequested:
		outcome.Status = types.MilestoneFailed
		result.Milestones[0] = outcome
		result.Status = types.TaskCancelled
		result.TerminalError = state.TerminalError
	default:
		outcome.Status = types.MilestoneFailed
		result.Milestones[0] = outcome
		result.Status = types.TaskFailed
		result.TerminalError = state.TerminalError
		result.AuditWindow = c.collab.Audit.Recent(c.opts.AuditWindow)
	}
	return result
}

// dispatch runs the given milestones, concurrently when more than one.
// Each worker gets a fresh AgentState; parallel workers additionally get
// their own memory manager.
func (c *Coordinator) dispatch(ctx context.Context, task *types.Task, milestones []*types.Milestone) []*types.MilestoneOutcome {
	outcomes := make([]*types.MilestoneOutcome, len(milestones))
	if len(milestones) == 1 {
		outcomes[0] = c.runMilestone(ctx, task, milestones[0], c.collab)
		return outcomes
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, m := range milestones {
		collab := c.collab
		if c.newMemory != nil {
			collab.Memory = c.newMemory()
		}
		g.Go(func() error {
			outcomes[i] = c.runMilestone(gctx, task, m, collab)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// runMilestone executes one attempt of one milestone. Attempts increment
// here, at dispatch, and never exceed MaxAttempts. Step indices continue
// across attempts so the audit log stays monotone per milestone.
func (c *Coordinator) runMilestone(ctx context.Context, task *types.Task, m *types.Milestone, collab engine.Collaborators) *types.MilestoneOutcome {
	m.Status = types.MilestoneInProgress
	m.Attempts++

	state := c.newState(task, m)
	eng := engine.New(collab, c.engineCfg, c.cancel, c.engineOpt...)
	stats := eng.Run(ctx, state)

	c.mu.Lock()
	c.lastSteps[m.ID] = state.StepIndex
	c.mu.Unlock()

	outcome := &types.MilestoneOutcome{
		MilestoneID: m.ID,
		Description: m.Description,
		Attempts:    m.Attempts,
		StepsTaken:  stats.Steps,
		Result:      state.Result,
		Error:       state.TerminalError,
	}

	if state.TerminalError == nil {
		m.Status = types.MilestoneCompleted
		m.Error = nil
		outcome.Status = types.MilestoneCompleted
		c.publishResult(m, state.Result)
	} else {
		m.Status = types.MilestoneFailed
		m.Error = state.TerminalError
		outcome.Status = types.MilestoneFailed
	}
	return outcome
}

// newState seeds a fresh AgentState for one worker invocation. Context
// is inherited from the task; history starts empty; step numbering
// resumes where the milestone's previous attempt stopped.
func (c *Coordinator) newState(task *types.Task, m *types.Milestone) *types.AgentState {
	start := 0
	milestoneID := ""
	if m != nil {
		milestoneID = m.ID
		c.mu.Lock()
		start = c.lastSteps[m.ID]
		c.mu.Unlock()
	}

	ctxCopy := make(map[string]any, len(task.Context))
	for k, v := range task.Context {
		ctxCopy[k] = v
	}

	return &types.AgentState{
		Task:        task,
		MilestoneID: milestoneID,
		Milestone:   m,
		Context:     ctxCopy,
		StepIndex:   start,
		MaxSteps:    start + c.opts.MaxStepsPerMilestone,
	}
}

// publishResult records a completion note for the milestone (its id and
// status) in shared memory so later milestones can see it.
func (c *Coordinator) publishResult(m *types.Milestone, result map[string]any) {
	if c.collab.Memory == nil || result == nil {
		return
	}
	content := []byte(fmt.Sprintf(`{"milestone":%q,"status":"completed"}`, m.ID))
	if err := c.collab.Memory.AddToActive("milestone-result-"+m.ID, content, 7, "milestone"); err != nil {
		logging.Get(logging.CategoryPlanner).Warnw("publish milestone result failed", "milestone", m.ID, "err", err)
	}
}

// finish closes out a run with no runnable milestones left: success when
// everything completed, failure otherwise (blocked milestones are
// skipped).
func (c *Coordinator) finish(result *types.TaskResult, plan []*types.Milestone) *types.TaskResult {
	var lastErr *fault.Record
	var failedAt string
	allDone := true
	for _, m := range plan {
		switch m.Status {
		case types.MilestoneCompleted:
		case types.MilestonePending:
			// Unreachable because a dependency failed.
			m.Status = types.MilestoneSkipped
			allDone = false
		case types.MilestoneFailed:
			allDone = false
			lastErr = m.Error
			failedAt = m.ID
		default:
			allDone = false
		}
	}
	if allDone {
		result.Status = types.TaskCompleted
		return result
	}
	if lastErr == nil {
		lastErr = fault.New(fault.PlanningFailure, "no runnable milestones remain")
	}
	result.Status = types.TaskFailed
	result.TerminalError = lastErr
	result.FailedAt = failedAt
	result.AuditWindow = c.collab.Audit.Recent(c.opts.AuditWindow)
	return result
}

func (c *Coordinator) fail(result *types.TaskResult, m *types.Milestone, rec *fault.Record) *types.TaskResult {
	result.Status = types.TaskFailed
	result.TerminalError = rec
	result.FailedAt = m.ID
	result.AuditWindow = c.collab.Audit.Recent(c.opts.AuditWindow)
	return result
}

// nextRunnable returns pending milestones whose dependencies are all
// completed, in plan order. While any milestone is failed it returns
// nothing; a failed milestone runs again only after the re-plan path
// resets it to pending.
func nextRunnable(plan []*types.Milestone) []*types.Milestone {
	completed := make(map[string]bool)
	failed := false
	for _, m := range plan {
		if m.Status == types.MilestoneCompleted {
			completed[m.ID] = true
		}
		if m.Status == types.MilestoneFailed {
			failed = true
		}
	}
	if failed {
		// A failed milestone gates the rest until the coordinator
		// resolves it (re-plan or terminal failure).
		return nil
	}

	var runnable []*types.Milestone
	for _, m := range plan {
		if m.Status == types.MilestonePending && m.CanStart(completed) {
			runnable = append(runnable, m)
		}
	}
	return runnable
}

// firstFailure returns the failed milestone from this batch, if any.
func firstFailure(plan []*types.Milestone, outcomes []*types.MilestoneOutcome) *types.Milestone {
	for _, outcome := range outcomes {
		if outcome == nil || outcome.Status != types.MilestoneFailed {
			continue
		}
		for _, m := range plan {
			if m.ID == outcome.MilestoneID {
				return m
			}
		}
	}
	return nil
}

// completedOf filters the completed milestones, for re-plan prompts.
func completedOf(plan []*types.Milestone) []*types.Milestone {
	var out []*types.Milestone
	for _, m := range plan {
		if m.Status == types.MilestoneCompleted {
			out = append(out, m)
		}
	}
	return out
}

// mergeReplan rebuilds the plan after a failure: completed milestones
// stay, the failed milestone is reset to pending for its next attempt,
// and everything after it is replaced by the new plan. The failed id is
// the only id re-introduced, and only with its attempts counter already
// incremented by the prior dispatch.
func mergeReplan(plan []*types.Milestone, failed *types.Milestone, replacement []*types.Milestone) []*types.Milestone {
	var merged []*types.Milestone
	for _, m := range plan {
		if m.Status == types.MilestoneCompleted {
			merged = append(merged, m)
		}
	}

	failed.Status = types.MilestonePending
	merged = append(merged, failed)

	prev := failed.ID
	for _, m := range replacement {
		if m.ID == failed.ID {
			continue
		}
		if len(m.Dependencies) == 0 {
			m.Dependencies = []string{prev}
		}
		merged = append(merged, m)
		prev = m.ID
	}
	return merged
}
