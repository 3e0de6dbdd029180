package planner

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"deskpilot/internal/audit"
	"deskpilot/internal/engine"
	"deskpilot/internal/memory"
	"deskpilot/internal/perception"
	"deskpilot/internal/store"
	"deskpilot/internal/tactile"
	"deskpilot/internal/toolcache"
	"deskpilot/internal/tools"
	"deskpilot/internal/types"
)

// scriptedModel serves queued responses to both the planner and the
// workers, in call order.
type scriptedModel struct {
	mu        sync.Mutex
	script    []string
	errs      map[int]error // 1-based call number -> error
	calls     int
	prompts   []string
	afterCall func(call int)
}

func (m *scriptedModel) Generate(ctx context.Context, prompt string, opts perception.GenerateOptions) (string, error) {
	m.mu.Lock()
	m.calls++
	call := m.calls
	m.prompts = append(m.prompts, prompt)
	err := m.errs[call]
	next := "done"
	if len(m.script) > 0 {
		next = m.script[0]
		m.script = m.script[1:]
	}
	hook := m.afterCall
	m.mu.Unlock()

	if hook != nil {
		hook(call)
	}
	if err != nil {
		return "", err
	}
	return next, nil
}

func (m *scriptedModel) promptCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *scriptedModel) prompt(i int) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prompts[i]
}

// fixedScreen answers every analyze with the same text.
type fixedScreen struct{}

func (fixedScreen) Capture(ctx context.Context) (perception.Image, error) {
	return perception.Image{Data: []byte("frame"), Format: "text"}, nil
}

func (fixedScreen) Analyze(ctx context.Context, img perception.Image, query string) (string, error) {
	return "an empty desktop", nil
}

// scriptedBackend records executed actions; failErr makes every call
// fail.
type scriptedBackend struct {
	mu       sync.Mutex
	executed []*types.ActionRecord
	failErr  error
}

func (b *scriptedBackend) Execute(ctx context.Context, action *types.ActionRecord) (tactile.Outcome, error) {
	b.mu.Lock()
	cp := *action
	b.executed = append(b.executed, &cp)
	b.mu.Unlock()
	if b.failErr != nil {
		return tactile.Outcome{}, b.failErr
	}
	return tactile.Outcome{Success: true}, nil
}

// fixture bundles a coordinator plus everything observable about it.
type fixture struct {
	coord   *Coordinator
	model   *scriptedModel
	backend *scriptedBackend
	log     *audit.Log
	dir     string
}

func newFixture(t *testing.T, model *scriptedModel, mutateOpts func(*Options)) *fixture {
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
	registry := tools.NewRegistry(cache)
	registry.MustRegister(tools.NewScreenAnalyzer(fixedScreen{}))

	backend := &scriptedBackend{}
	mem := memory.NewManager(64*1024, store.NewMemStore(), memory.WithClock(now))
	allow := tactile.NewAllowlistFromMap(map[string]string{"notepad": "gedit"})

	collab := engine.Collaborators{
		Model:    model,
		Registry: registry,
		Actions:  backend,
		Cache:    cache,
		Rules:    toolcache.DefaultRules(),
		Memory:   mem,
		Audit:    log,
		Parser:   engine.NewParser(allow),
	}

	opts := DefaultOptions()
	if mutateOpts != nil {
		mutateOpts(&opts)
	}

	p := NewPlanner(model, 0.3, 0.5, 5, opts.MaxMilestoneAttempts)
	coord := NewCoordinator(p, collab, opts, engine.DefaultConfig(),
		engine.WithClock(now),
		engine.WithSleeper(func(ctx context.Context, d time.Duration) error { return nil }),
		engine.WithBackoff(&engine.Backoff{Base: time.Second, Factor: 2, Cap: 16 * time.Second}),
	)

	return &fixture{coord: coord, model: model, backend: backend, log: log, dir: dir}
}

func testTask(description string) *types.Task {
	return &types.Task{ID: "task-1", Description: description}
}

const twoMilestonePlan = `MILESTONE 1: Open the text editor
SUCCESS: editor window is visible

MILESTONE 2: Type the requested text
SUCCESS: text appears in the document`
