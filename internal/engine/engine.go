// Package engine executes the per-worker step graph: an
// observe -> reason -> act -> verify -> decide loop with typed error
// recovery, exponential backoff, cooperative cancellation at node
// boundaries, and checkpoints committed before every terminal
// transition.
package engine

import (
	"context"
	"fmt"
	"time"

	"deskpilot/internal/audit"
	"deskpilot/internal/fault"
	"deskpilot/internal/logging"
	"deskpilot/internal/memory"
	"deskpilot/internal/perception"
	"deskpilot/internal/tactile"
	"deskpilot/internal/toolcache"
	"deskpilot/internal/tools"
	"deskpilot/internal/types"
)

// node identifies a position in the step graph.
type node int

const (
	nodeObserve node = iota
	nodeReason
	nodeAct
	nodeVerify
	nodeDecide
	nodeRecover
	nodeTerminal
)

func (n node) String() string {
	switch n {
	case nodeObserve:
		return "observe"
	case nodeReason:
		return "reason"
	case nodeAct:
		return "act"
	case nodeVerify:
		return "verify"
	case nodeDecide:
		return "decide"
	case nodeRecover:
		return "recover"
	}
	return "terminal"
}

// Config bounds one worker invocation.
type Config struct {
	MaxSteps                int
	MaxRetries              int
	ConsecutiveFailureLimit int
	EnableVerification      bool
	RecoveryWindow          int
	StepTimeout             time.Duration
}

// DefaultConfig matches the documented contract.
func DefaultConfig() Config {
	return Config{
		MaxSteps:                15,
		MaxRetries:              3,
		ConsecutiveFailureLimit: 5,
		EnableVerification:      true,
		RecoveryWindow:          audit.DefaultRecoveryWindow,
		StepTimeout:             90 * time.Second,
	}
}

// Collaborators are the injected backends a worker runs against. There
// is no process-wide registry; every worker receives its own set.
type Collaborators struct {
	Model    perception.ModelBackend
	Registry *tools.Registry
	Actions  tactile.ActionBackend
	Cache    *toolcache.Cache
	Rules    toolcache.Rules
	Memory   *memory.Manager
	Audit    *audit.Log
	Parser   *Parser
}

// RunStats summarizes one worker invocation.
type RunStats struct {
	Steps   int
	Retries int
}

// Engine drives one AgentState through the step graph. Single-threaded
// cooperative: nodes run to completion, cancellation is observed only
// between them.
type Engine struct {
	collab  Collaborators
	cfg     Config
	backoff *Backoff
	sleep   Sleeper
	now     func() time.Time
	cancel  *CancelSignal
	temp    float32
}

// Option configures an Engine.
type Option func(*Engine)

// WithSleeper replaces the backoff sleeper.
func WithSleeper(s Sleeper) Option {
	return func(e *Engine) { e.sleep = s }
}

// WithClock replaces the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithBackoff replaces the backoff policy.
func WithBackoff(b *Backoff) Option {
	return func(e *Engine) { e.backoff = b }
}

// WithTemperature sets the reasoning temperature.
func WithTemperature(t float32) Option {
	return func(e *Engine) { e.temp = t }
}

// New creates an Engine. The cancel signal may be shared with a
// coordinator; nil means the worker cannot be cancelled externally.
func New(collab Collaborators, cfg Config, cancel *CancelSignal, opts ...Option) *Engine {
	if cancel == nil {
		cancel = NewCancelSignal()
	}
	def := DefaultConfig()
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = def.MaxSteps
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.ConsecutiveFailureLimit <= 0 {
		cfg.ConsecutiveFailureLimit = def.ConsecutiveFailureLimit
	}
	if cfg.RecoveryWindow <= 0 {
		cfg.RecoveryWindow = def.RecoveryWindow
	}
	e := &Engine{
		collab:  collab,
		cfg:     cfg,
		backoff: NewBackoff(time.Now().UnixNano()),
		sleep:   RealSleeper,
		now:     time.Now,
		cancel:  cancel,
		temp:    0.7,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.collab.Parser == nil {
		e.collab.Parser = NewParser(nil)
	}
	return e
}

// stepScratch is the in-flight state of the current step, discarded
// once the step's record is appended.
type stepScratch struct {
	observation string
	reasoning   string
	intent      *Intent
	appended    bool
}

// Run executes the graph until a terminal transition. The state carries
// the outcome: Result on completion, TerminalError otherwise. History is
// preserved on every path, cancellation included.
func (e *Engine) Run(ctx context.Context, state *types.AgentState) RunStats {
	lg := logging.Get(logging.CategoryEngine)
	if state.MaxSteps <= 0 {
		state.MaxSteps = e.cfg.MaxSteps
	}

	stats := RunStats{}
	current := nodeObserve
	scratch := &stepScratch{}
	var recovery *audit.RecoveryContext
	var pending *fault.Record // error being recovered
	var failedNode node
	retries := 0

	for {
		// Node boundary: cancellation wins before any work happens.
		if e.cancelled(ctx) {
			e.terminateCancelled(state, scratch)
			stats.Steps = state.StepIndex
			return stats
		}

		switch current {
		case nodeObserve:
			obs, err := e.observe(ctx, state)
			if err != nil {
				pending, failedNode = fault.Wrap(fault.PerceptionFailure, err), nodeObserve
				current = nodeRecover
				continue
			}
			scratch.observation = obs
			current = nodeReason

		case nodeReason:
			reasoning, err := e.reason(ctx, state, scratch.observation, recovery)
			if err != nil {
				pending, failedNode = fault.Wrap(fault.ModelFailure, err), nodeReason
				current = nodeRecover
				continue
			}
			scratch.reasoning = reasoning
			current = nodeAct

		case nodeAct:
			rec, err := e.act(ctx, state, scratch)
			if err != nil {
				pending, failedNode = fault.Wrap(fault.ActionFailure, err), nodeAct
				current = nodeRecover
				continue
			}
			// The step is complete: commit its record before anything
			// else can fail.
			if err := e.commitStep(state, scratch, rec); err != nil {
				e.terminate(state, scratch, fault.Wrap(fault.ToolFailure, err).NotRetryable())
				stats.Steps = state.StepIndex
				return stats
			}
			recovery = nil
			retries = 0
			if e.cfg.EnableVerification {
				current = nodeVerify
			} else {
				current = nodeDecide
			}

		case nodeVerify:
			if err := e.verify(state); err != nil {
				pending, failedNode = fault.Wrap(fault.VerificationFailure, err), nodeVerify
				current = nodeRecover
				continue
			}
			current = nodeDecide

		case nodeDecide:
			last := state.History[len(state.History)-1]
			switch {
			case last.Action != nil && last.Action.Terminal():
				state.Result = map[string]any{
					"status": "completed",
					"steps":  state.StepIndex,
				}
				e.terminate(state, scratch, nil)
				stats.Steps = state.StepIndex
				return stats
			case state.StepIndex >= state.MaxSteps:
				e.terminate(state, scratch, fault.Newf(fault.BudgetExhausted,
					"step limit %d reached", state.MaxSteps))
				stats.Steps = state.StepIndex
				return stats
			case state.ConsecutiveFailures >= e.cfg.ConsecutiveFailureLimit:
				e.terminate(state, scratch, fault.Newf(fault.BudgetExhausted,
					"%d consecutive failures", state.ConsecutiveFailures))
				stats.Steps = state.StepIndex
				return stats
			}
			scratch = &stepScratch{}
			current = nodeObserve

		case nodeRecover:
			// A verify failure follows a committed step whose failed
			// action was already counted by commitStep.
			if failedNode != nodeVerify {
				state.ConsecutiveFailures++
			}
			if pending.Terminal() ||
				retries >= e.cfg.MaxRetries ||
				state.ConsecutiveFailures >= e.cfg.ConsecutiveFailureLimit {
				e.terminate(state, scratch, pending)
				stats.Steps = state.StepIndex
				return stats
			}

			delay := e.backoff.Delay(retries)
			retries++
			stats.Retries++
			recovery = e.recoveryContext(pending)
			lg.Warnw("recovering", "node", failedNode.String(), "attempt", retries,
				"delay_ms", delay.Milliseconds(), "err", pending.Error())

			if err := e.sleep(ctx, delay); err != nil {
				e.terminateCancelled(state, scratch)
				stats.Steps = state.StepIndex
				return stats
			}
			// Verification cannot pass by re-checking the same action;
			// retry from a fresh observation instead.
			if failedNode == nodeVerify {
				scratch = &stepScratch{}
				current = nodeObserve
			} else {
				current = failedNode
			}
		}
	}
}

// cancelled polls the cooperative signal and the context.
func (e *Engine) cancelled(ctx context.Context) bool {
	return e.cancel.Cancelled() || ctx.Err() != nil
}

// observe produces the observation for this step, served from the tool
// cache when the screen has not changed since the last read.
func (e *Engine) observe(ctx context.Context, state *types.AgentState) (string, error) {
	if e.collab.Registry == nil {
		return "", fault.New(fault.PerceptionFailure, "no observation tools registered").NotRetryable()
	}
	ctx, cancel := e.stepContext(ctx)
	defer cancel()

	result, err := e.collab.Registry.Execute(ctx, tools.ToolScreenAnalyzer,
		map[string]any{"query": observationQuery(state)})
	if err != nil {
		return "", err
	}
	text, ok := result.(string)
	if !ok {
		return "", fault.Newf(fault.PerceptionFailure, "unexpected analyzer result type %T", result)
	}
	return text, nil
}

// reason asks the model for the next step.
func (e *Engine) reason(ctx context.Context, state *types.AgentState, observation string, recovery *audit.RecoveryContext) (string, error) {
	ctx, cancel := e.stepContext(ctx)
	defer cancel()

	var active []*memory.Item
	if e.collab.Memory != nil {
		active = e.collab.Memory.ReadActive()
	}
	prompt := buildReasonPrompt(state, observation, active, recovery)
	return e.collab.Model.Generate(ctx, prompt, perception.GenerateOptions{
		SystemPrompt: workerSystemPrompt,
		Temperature:  e.temp,
	})
}

// act parses the reasoning into an action and executes it. Mutating
// actions invalidate the perception cache entries first, so no stale
// observation can survive them. A policy violation surfaces before any
// execution or invalidation.
func (e *Engine) act(ctx context.Context, state *types.AgentState, scratch *stepScratch) (tactile.Outcome, error) {
	var intent *Intent

	// Two idle steps in a row force a fresh look at the screen.
	if state.ConsecutiveNoAction >= 2 {
		intent = &Intent{
			Action:     &types.ActionRecord{Kind: types.ActionAnalyzeScreen, Query: observationQuery(state)},
			Confidence: 1.0,
			Rationale:  "forced analyze after consecutive idle steps",
		}
	} else {
		parsed, err := e.collab.Parser.Parse(scratch.reasoning, state.Context, state.Task.Description)
		if err != nil {
			return tactile.Outcome{}, err
		}
		intent = parsed
	}
	scratch.intent = intent
	action := intent.Action

	if action.Mutating() && e.collab.Cache != nil {
		if tags := e.collab.Rules.TagsFor(action.Kind); len(tags) > 0 {
			e.collab.Cache.Invalidate(tags...)
		}
	}

	return e.execute(ctx, state, action)
}

// execute dispatches the action to the right collaborator. The switch
// covers every ActionKind.
func (e *Engine) execute(ctx context.Context, state *types.AgentState, action *types.ActionRecord) (tactile.Outcome, error) {
	ctx, cancel := e.stepContext(ctx)
	defer cancel()

	switch action.Kind {
	case types.ActionAnalyzeScreen:
		result, err := e.collab.Registry.Execute(ctx, tools.ToolScreenAnalyzer,
			map[string]any{"query": action.Query})
		if err != nil {
			return tactile.Outcome{}, err
		}
		return tactile.Outcome{
			Success: true,
			Payload: map[string]any{"analysis": result},
		}, nil

	case types.ActionNoAction:
		return tactile.Outcome{Success: true}, nil

	case types.ActionTaskComplete:
		return tactile.Outcome{Success: true}, nil

	case types.ActionLaunchApp, types.ActionClick, types.ActionTypeText,
		types.ActionPressKey, types.ActionHotkey, types.ActionScroll, types.ActionWait:
		return e.collab.Actions.Execute(ctx, action)
	}
	return tactile.Outcome{}, fault.Newf(fault.ActionFailure, "unknown action kind %q", action.Kind).NotRetryable()
}

// commitStep appends the completed step to the audit log, feeds the
// observation into context memory, and writes any due checkpoint.
func (e *Engine) commitStep(state *types.AgentState, scratch *stepScratch, outcome tactile.Outcome) error {
	action := scratch.intent.Action
	action.Success = outcome.Success
	if outcome.Payload != nil {
		action.Payload = outcome.Payload
	}

	state.StepIndex++
	rec := types.StepRecord{
		StepIndex:   state.StepIndex,
		MilestoneID: state.MilestoneID,
		Observation: scratch.observation,
		Reasoning:   scratch.reasoning,
		Action:      action,
		Confidence:  scratch.intent.Confidence,
		Timestamp:   e.now(),
	}
	if err := e.collab.Audit.Append(rec); err != nil {
		return err
	}
	state.History = append(state.History, rec)
	scratch.appended = true

	if action.Kind == types.ActionNoAction {
		state.ConsecutiveNoAction++
	} else {
		state.ConsecutiveNoAction = 0
	}
	if outcome.Success {
		state.ConsecutiveFailures = 0
	} else {
		state.ConsecutiveFailures++
	}

	if e.collab.Memory != nil {
		id := fmt.Sprintf("%s-step-%d", memoryScope(state), rec.StepIndex)
		priority := 3
		if !outcome.Success {
			priority = 2
		}
		if err := e.collab.Memory.AddToActive(id, memoryContent(rec), priority, "observation"); err != nil {
			logging.Get(logging.CategoryEngine).Warnw("memory add failed", "id", id, "err", err)
		}
	}

	// The checkpoint for this step must be durable before the next Act.
	if e.collab.Audit.ShouldCheckpoint(rec.StepIndex) {
		if err := e.writeCheckpoint(state); err != nil {
			return err
		}
	}
	return nil
}

// verify confirms the post-action state. The rule: an action that
// reported failure fails verification; everything else passes on its
// success flag.
func (e *Engine) verify(state *types.AgentState) error {
	last := state.History[len(state.History)-1]
	if last.Action == nil || last.Action.Success {
		return nil
	}
	return fault.Newf(fault.VerificationFailure, "action %s did not take effect", tactile.String(last.Action))
}

// terminate commits the terminal transition: partial record for a step
// cut short, checkpoint, then the outcome on the state.
func (e *Engine) terminate(state *types.AgentState, scratch *stepScratch, rec *fault.Record) {
	e.commitPartial(state, scratch, rec)
	if err := e.writeCheckpoint(state); err != nil {
		logging.Get(logging.CategoryEngine).Errorw("terminal checkpoint failed", "err", err)
	}
	if rec != nil {
		state.TerminalError = rec
		if state.Milestone != nil {
			state.Milestone.Error = rec
		}
	}
	logging.Get(logging.CategoryEngine).Infow("worker terminal",
		"milestone", state.MilestoneID, "steps", state.StepIndex, "err", errString(rec))
}

func (e *Engine) terminateCancelled(state *types.AgentState, scratch *stepScratch) {
	e.terminate(state, scratch, fault.New(fault.CancelRequested, "cancellation observed at node boundary"))
}

// commitPartial preserves a step that observed or reasoned but never
// acted, so the audit trail shows where the run stopped. Records with an
// executed action were already committed by commitStep.
func (e *Engine) commitPartial(state *types.AgentState, scratch *stepScratch, rec *fault.Record) {
	if scratch == nil || scratch.appended || (scratch.observation == "" && scratch.reasoning == "") {
		return
	}
	state.StepIndex++
	partial := types.StepRecord{
		StepIndex:   state.StepIndex,
		MilestoneID: state.MilestoneID,
		Observation: scratch.observation,
		Reasoning:   scratch.reasoning,
		Timestamp:   e.now(),
		Error:       rec,
	}
	if err := e.collab.Audit.Append(partial); err != nil {
		logging.Get(logging.CategoryEngine).Errorw("partial record append failed", "err", err)
		state.StepIndex--
		return
	}
	state.History = append(state.History, partial)
	scratch.appended = true
}

func (e *Engine) writeCheckpoint(state *types.AgentState) error {
	var activeIDs []string
	if e.collab.Memory != nil {
		for _, item := range e.collab.Memory.ReadActive() {
			activeIDs = append(activeIDs, item.ID)
		}
	}
	return e.collab.Audit.WriteCheckpoint(audit.Checkpoint{
		TaskID:              state.Task.ID,
		MilestoneID:         state.MilestoneID,
		StepIndex:           state.StepIndex,
		ActiveMemoryIDs:     activeIDs,
		ConsecutiveFailures: state.ConsecutiveFailures,
		CreatedAt:           e.now(),
	})
}

func (e *Engine) recoveryContext(rec *fault.Record) *audit.RecoveryContext {
	ctx := e.collab.Audit.RecoveryContext(rec, e.cfg.RecoveryWindow)
	return &ctx
}

func (e *Engine) stepContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.StepTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.cfg.StepTimeout)
}

func memoryScope(state *types.AgentState) string {
	if state.MilestoneID != "" {
		return state.MilestoneID
	}
	return state.Task.ID
}

func errString(rec *fault.Record) string {
	if rec == nil {
		return ""
	}
	return rec.Error()
}
