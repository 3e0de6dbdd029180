package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deskpilot/internal/audit"
	"deskpilot/internal/fault"
	"deskpilot/internal/memory"
	"deskpilot/internal/store"
	"deskpilot/internal/toolcache"
	"deskpilot/internal/tools"
	"deskpilot/internal/types"
)

// harness wires an engine against scripted collaborators.
type harness struct {
	engine  *Engine
	cancel  *CancelSignal
	cache   *toolcache.Cache
	log     *audit.Log
	screen  *fakeScreen
	backend *recordingBackend
	sleeper *fakeSleeper
	dir     string
}

func newHarness(t *testing.T, model *scriptedModel, mutate func(*Config)) *harness {
	t.Helper()

	dir := t.TempDir()
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now := func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	log, err := audit.Open(dir, audit.WithClock(now))
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	cache := toolcache.New(100, 5*time.Minute)
	screen := &fakeScreen{description: "a text editor with an empty document"}
	registry := tools.NewRegistry(cache)
	registry.MustRegister(tools.NewScreenAnalyzer(screen))

	backend := &recordingBackend{}
	sleeper := &fakeSleeper{}
	mem := memory.NewManager(64*1024, store.NewMemStore(), memory.WithClock(now))

	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	cancel := NewCancelSignal()

	parser := testParser()
	eng := New(Collaborators{
		Model:    model,
		Registry: registry,
		Actions:  backend,
		Cache:    cache,
		Rules:    toolcache.DefaultRules(),
		Memory:   mem,
		Audit:    log,
		Parser:   parser,
	}, cfg, cancel,
		WithSleeper(sleeper.sleep),
		WithClock(now),
		WithBackoff(&Backoff{Base: time.Second, Factor: 2, Cap: 16 * time.Second}),
	)

	return &harness{
		engine:  eng,
		cancel:  cancel,
		cache:   cache,
		log:     log,
		screen:  screen,
		backend: backend,
		sleeper: sleeper,
		dir:     dir,
	}
}

func newState(description string) *types.AgentState {
	return &types.AgentState{
		Task: &types.Task{ID: "task-1", Description: description},
	}
}

func checkpointCount(t *testing.T, dir string) int {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(dir, "checkpoints"))
	require.NoError(t, err)
	return len(entries)
}

// Happy-path flat run: type text, then report completion. Exactly two
// step records.
func TestHappyPathFlatRun(t *testing.T) {
	model := &scriptedModel{script: say(`Type "Hello World"`, "done")}
	h := newHarness(t, model, nil)

	state := newState("Type 'Hello World' in the focused window")
	stats := h.engine.Run(context.Background(), state)

	require.Nil(t, state.TerminalError)
	require.NotNil(t, state.Result)
	assert.Equal(t, "completed", state.Result["status"])
	assert.Equal(t, 2, stats.Steps)

	records := h.log.Records()
	require.Len(t, records, 2)
	require.Equal(t, types.ActionTypeText, records[0].Action.Kind)
	assert.Equal(t, "Hello World", records[0].Action.Text)
	assert.True(t, records[0].Action.Success)
	assert.Equal(t, types.ActionTaskComplete, records[1].Action.Kind)
	assert.Equal(t, 1, records[0].StepIndex)
	assert.Equal(t, 2, records[1].StepIndex)

	executed := h.backend.actions()
	require.Len(t, executed, 1)
	assert.Equal(t, types.ActionTypeText, executed[0].Kind)
}

// Transient model failures retry with exponential backoff and commit a
// single record once the step finally succeeds.
func TestRetryOnTransientModelFailure(t *testing.T) {
	unavailable := fault.FromModelError(503, assert.AnError)
	model := &scriptedModel{script: []modelTurn{
		{err: unavailable},
		{err: unavailable},
		{text: `Type "hi"`},
		{text: "done"},
	}}
	h := newHarness(t, model, nil)

	state := newState("greet")
	stats := h.engine.Run(context.Background(), state)

	require.Nil(t, state.TerminalError)
	assert.Equal(t, 2, stats.Retries)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, h.sleeper.delays)

	records := h.log.Records()
	require.Len(t, records, 2)
	assert.Equal(t, types.ActionTypeText, records[0].Action.Kind)
}

// A non-transient model failure surfaces immediately.
func TestModelFailure4xxIsTerminal(t *testing.T) {
	model := &scriptedModel{script: []modelTurn{
		{err: fault.FromModelError(400, assert.AnError)},
	}}
	h := newHarness(t, model, nil)

	state := newState("anything")
	h.engine.Run(context.Background(), state)

	require.NotNil(t, state.TerminalError)
	assert.Equal(t, fault.ModelFailure, state.TerminalError.Kind)
	assert.Empty(t, h.sleeper.delays, "no backoff for non-retryable errors")
}

// Cancellation between Reason and Act: no action executes, a partial
// record and a checkpoint are committed, history survives.
func TestCancellationBetweenReasonAndAct(t *testing.T) {
	model := &scriptedModel{script: say(`click at (10, 20)`)}
	h := newHarness(t, model, nil)
	model.afterCall = func(int) { h.cancel.Cancel() }

	state := newState("click something")
	h.engine.Run(context.Background(), state)

	require.NotNil(t, state.TerminalError)
	assert.Equal(t, fault.CancelRequested, state.TerminalError.Kind)
	assert.Empty(t, h.backend.actions(), "no mutating action may execute after cancel")

	records := h.log.Records()
	require.Len(t, records, 1)
	assert.Nil(t, records[0].Action, "cancelled step has no action")
	assert.NotEmpty(t, records[0].Reasoning)
	assert.GreaterOrEqual(t, checkpointCount(t, h.dir), 1, "checkpoint must be committed before terminal")
}

// Budget exactly reached: terminal BudgetExhausted with the last record
// and a checkpoint committed.
func TestBudgetExhaustedAtStepLimit(t *testing.T) {
	model := &scriptedModel{script: say("analyze the screen", "analyze the screen")}
	h := newHarness(t, model, func(cfg *Config) { cfg.MaxSteps = 1 })

	state := newState("never finishes")
	stats := h.engine.Run(context.Background(), state)

	require.NotNil(t, state.TerminalError)
	assert.Equal(t, fault.BudgetExhausted, state.TerminalError.Kind)
	assert.Equal(t, 1, stats.Steps)
	require.Len(t, h.log.Records(), 1)
	assert.GreaterOrEqual(t, checkpointCount(t, h.dir), 1)
}

// Two consecutive NoAction steps force an AnalyzeScreen on the third.
func TestDoubleNoActionForcesAnalyze(t *testing.T) {
	model := &scriptedModel{script: say(
		"the weather is nice",
		"still nothing to do here",
		"this reasoning is ignored",
		"done",
	)}
	h := newHarness(t, model, nil)

	state := newState("idle task")
	h.engine.Run(context.Background(), state)

	records := h.log.Records()
	require.GreaterOrEqual(t, len(records), 3)
	assert.Equal(t, types.ActionNoAction, records[0].Action.Kind)
	assert.Equal(t, types.ActionNoAction, records[1].Action.Kind)
	assert.Equal(t, types.ActionAnalyzeScreen, records[2].Action.Kind,
		"third step must be a forced analyze")
}

// LaunchApp outside the allowlist: terminal PolicyViolation, nothing
// executed, no cache invalidation.
func TestPolicyViolationOnUnknownApp(t *testing.T) {
	model := &scriptedModel{script: say("open hackertool")}
	h := newHarness(t, model, nil)

	state := newState("do something sketchy")
	h.engine.Run(context.Background(), state)

	require.NotNil(t, state.TerminalError)
	assert.Equal(t, fault.PolicyViolation, state.TerminalError.Kind)
	assert.Empty(t, h.backend.actions())
	assert.Equal(t, int64(0), h.cache.Stats().Invalidations,
		"rejected actions must not invalidate the cache")
}

// Mutating actions invalidate cached observations; identical queries
// before and after a click cannot share a cache entry.
func TestClickInvalidatesCachedObservation(t *testing.T) {
	model := &scriptedModel{script: say(
		"analyze the screen",
		"click at (10, 20)",
		"analyze the screen",
		"done",
	)}
	h := newHarness(t, model, nil)

	state := newState("inspect and click")
	h.engine.Run(context.Background(), state)

	require.Nil(t, state.TerminalError)
	stats := h.cache.Stats()
	assert.GreaterOrEqual(t, stats.Invalidations, int64(1))

	// The observation before the click was cached; after the click the
	// same observe query hits the backend again.
	assert.GreaterOrEqual(t, h.screen.calls(), 3)
}

// An action that keeps reporting failure exhausts the consecutive
// failure limit through verification.
func TestConsecutiveFailuresTerminate(t *testing.T) {
	model := &scriptedModel{script: say(
		"click at (1, 2)", "click at (1, 2)", "click at (1, 2)",
		"click at (1, 2)", "click at (1, 2)", "click at (1, 2)",
	)}
	h := newHarness(t, model, nil)
	h.backend.fail = true

	state := newState("click a dead button")
	h.engine.Run(context.Background(), state)

	require.NotNil(t, state.TerminalError)
	assert.Equal(t, fault.VerificationFailure, state.TerminalError.Kind)
	records := h.log.Records()
	assert.Len(t, records, 5, "one record per failed attempt up to the limit")
	for _, rec := range records {
		assert.False(t, rec.Action.Success)
	}
}

// Backend errors retry and then surface with their retryable kind.
func TestActionErrorExhaustsRetries(t *testing.T) {
	model := &scriptedModel{script: say("click at (1, 2)")}
	h := newHarness(t, model, nil)
	h.backend.failErr = fault.New(fault.ActionFailure, "input rejected")

	state := newState("click")
	stats := h.engine.Run(context.Background(), state)

	require.NotNil(t, state.TerminalError)
	assert.Equal(t, fault.ActionFailure, state.TerminalError.Kind)
	assert.True(t, state.TerminalError.Retryable)
	assert.Equal(t, 3, stats.Retries)
	assert.Len(t, h.sleeper.delays, 3)
}

// Checkpoints appear on the cadence during long runs.
func TestCheckpointOnCadence(t *testing.T) {
	script := make([]string, 0, 8)
	for i := 0; i < 7; i++ {
		script = append(script, "analyze the screen")
	}
	script = append(script, "done")
	model := &scriptedModel{script: say(script...)}
	h := newHarness(t, model, nil)

	state := newState("slow task")
	h.engine.Run(context.Background(), state)

	require.Nil(t, state.TerminalError)
	// Step 5 cadence checkpoint plus the terminal one at step 8.
	assert.GreaterOrEqual(t, checkpointCount(t, h.dir), 2)
	cp, ok := h.log.LatestCheckpoint()
	require.True(t, ok)
	assert.Equal(t, 8, cp.StepIndex)
	assert.Equal(t, "task-1", cp.TaskID)
	assert.NotEmpty(t, cp.ActiveMemoryIDs)
}
