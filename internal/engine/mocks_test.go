package engine

import (
	"context"
	"sync"
	"time"

	"deskpilot/internal/perception"
	"deskpilot/internal/tactile"
	"deskpilot/internal/types"
)

// modelTurn is one scripted model response.
type modelTurn struct {
	text string
	err  error
}

// scriptedModel returns queued responses in order. afterCall fires once
// the response is produced, letting tests cancel between nodes.
type scriptedModel struct {
	mu        sync.Mutex
	script    []modelTurn
	calls     int
	afterCall func(call int)
}

func (m *scriptedModel) Generate(ctx context.Context, prompt string, opts perception.GenerateOptions) (string, error) {
	m.mu.Lock()
	m.calls++
	call := m.calls
	var turn modelTurn
	if len(m.script) > 0 {
		turn = m.script[0]
		m.script = m.script[1:]
	} else {
		turn = modelTurn{text: "done"}
	}
	hook := m.afterCall
	m.mu.Unlock()

	if hook != nil {
		hook(call)
	}
	return turn.text, turn.err
}

func say(texts ...string) []modelTurn {
	turns := make([]modelTurn, len(texts))
	for i, t := range texts {
		turns[i] = modelTurn{text: t}
	}
	return turns
}

// fakeScreen counts analyze calls so cache behavior is observable.
type fakeScreen struct {
	mu           sync.Mutex
	description  string
	analyzeCalls int
}

func (s *fakeScreen) Capture(ctx context.Context) (perception.Image, error) {
	return perception.Image{Data: []byte("frame"), Format: "text"}, nil
}

func (s *fakeScreen) Analyze(ctx context.Context, img perception.Image, query string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.analyzeCalls++
	return s.description, nil
}

func (s *fakeScreen) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.analyzeCalls
}

// recordingBackend captures executed actions. fail/failErr control the
// outcome of every call.
type recordingBackend struct {
	mu       sync.Mutex
	executed []*types.ActionRecord
	fail     bool
	failErr  error
}

func (b *recordingBackend) Execute(ctx context.Context, action *types.ActionRecord) (tactile.Outcome, error) {
	b.mu.Lock()
	cp := *action
	b.executed = append(b.executed, &cp)
	b.mu.Unlock()

	if b.failErr != nil {
		return tactile.Outcome{}, b.failErr
	}
	return tactile.Outcome{Success: !b.fail, Payload: map[string]any{"kind": string(action.Kind)}}, nil
}

func (b *recordingBackend) actions() []*types.ActionRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*types.ActionRecord, len(b.executed))
	copy(out, b.executed)
	return out
}

// fakeSleeper records requested delays without waiting.
type fakeSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *fakeSleeper) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
