package tools

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deskpilot/internal/fault"
	"deskpilot/internal/perception"
	"deskpilot/internal/toolcache"
	"deskpilot/internal/types"
)

// countingScreen answers analyzes and counts backend hits.
type countingScreen struct {
	calls int32
	text  string
	err   error
}

func (s *countingScreen) Capture(ctx context.Context) (perception.Image, error) {
	if s.err != nil {
		return perception.Image{}, s.err
	}
	return perception.Image{Data: []byte("frame"), Format: "text"}, nil
}

func (s *countingScreen) Analyze(ctx context.Context, img perception.Image, query string) (string, error) {
	atomic.AddInt32(&s.calls, 1)
	if s.err != nil {
		return "", s.err
	}
	return s.text, nil
}

func TestRegisterValidation(t *testing.T) {
	reg := NewRegistry(nil)

	err := reg.Register(&Tool{Name: "", Execute: func(ctx context.Context, args map[string]any) (any, error) { return nil, nil }})
	assert.ErrorIs(t, err, ErrToolNameEmpty)

	err = reg.Register(&Tool{Name: "x"})
	assert.ErrorIs(t, err, ErrToolExecuteNil)

	ok := &Tool{Name: "x", Execute: func(ctx context.Context, args map[string]any) (any, error) { return nil, nil }}
	require.NoError(t, reg.Register(ok))
	assert.ErrorIs(t, reg.Register(ok), ErrToolAlreadyRegistered)
}

func TestExecuteUnknownTool(t *testing.T) {
	reg := NewRegistry(nil)
	_, err := reg.Execute(context.Background(), "ghost", nil)
	require.Error(t, err)
	rec, ok := fault.As(err)
	require.True(t, ok)
	assert.Equal(t, fault.ToolFailure, rec.Kind)
	assert.False(t, rec.Retryable)
}

// The literal cache-invalidation scenario: analyze, click, analyze. The
// second analyze must miss because the click dropped the screen tag.
func TestAnalyzeClickAnalyze(t *testing.T) {
	cache := toolcache.New(100, 5*time.Minute)
	reg := NewRegistry(cache)
	screen := &countingScreen{text: "a window is visible"}
	reg.MustRegister(NewScreenAnalyzer(screen))

	args := map[string]any{"query": "what is visible"}

	result, err := reg.Execute(context.Background(), ToolScreenAnalyzer, args)
	require.NoError(t, err)
	assert.Equal(t, "a window is visible", result)

	// The click runs through the action path, not the registry; only
	// its invalidation side effect matters here.
	rules := toolcache.DefaultRules()
	cache.Invalidate(rules.TagsFor(types.ActionClick)...)

	_, err = reg.Execute(context.Background(), ToolScreenAnalyzer, args)
	require.NoError(t, err)

	stats := cache.Stats()
	assert.Equal(t, int64(2), stats.Misses)
	assert.Equal(t, int64(0), stats.Hits)
	assert.GreaterOrEqual(t, stats.Invalidations, int64(1))
	assert.Equal(t, int32(2), atomic.LoadInt32(&screen.calls))
}

func TestCacheableToolServedFromCache(t *testing.T) {
	cache := toolcache.New(100, 5*time.Minute)
	reg := NewRegistry(cache)
	screen := &countingScreen{text: "desktop"}
	reg.MustRegister(NewScreenAnalyzer(screen))

	args := map[string]any{"query": "anything open?"}
	_, err := reg.Execute(context.Background(), ToolScreenAnalyzer, args)
	require.NoError(t, err)
	_, err = reg.Execute(context.Background(), ToolScreenAnalyzer, args)
	require.NoError(t, err)

	assert.Equal(t, int32(1), atomic.LoadInt32(&screen.calls), "second call must come from cache")
	assert.Equal(t, int64(1), cache.Stats().Hits)
}

func TestDifferentArgsDifferentEntries(t *testing.T) {
	cache := toolcache.New(100, 5*time.Minute)
	reg := NewRegistry(cache)
	screen := &countingScreen{text: "desktop"}
	reg.MustRegister(NewScreenAnalyzer(screen))

	_, err := reg.Execute(context.Background(), ToolScreenAnalyzer, map[string]any{"query": "a"})
	require.NoError(t, err)
	_, err = reg.Execute(context.Background(), ToolScreenAnalyzer, map[string]any{"query": "b"})
	require.NoError(t, err)

	assert.Equal(t, int32(2), atomic.LoadInt32(&screen.calls))
}

func TestToolErrorsAreNotCached(t *testing.T) {
	cache := toolcache.New(100, 5*time.Minute)
	reg := NewRegistry(cache)
	screen := &countingScreen{err: errors.New("camera unplugged")}
	reg.MustRegister(NewScreenAnalyzer(screen))

	args := map[string]any{"query": "visible?"}
	_, err := reg.Execute(context.Background(), ToolScreenAnalyzer, args)
	require.Error(t, err)
	rec, ok := fault.As(err)
	require.True(t, ok)
	assert.Equal(t, fault.PerceptionFailure, rec.Kind)

	// Recovered backend: next call reaches it instead of a cached error.
	screen.err = nil
	screen.text = "back online"
	result, err := reg.Execute(context.Background(), ToolScreenAnalyzer, args)
	require.NoError(t, err)
	assert.Equal(t, "back online", result)
}

func TestAnalyzerRequiresQuery(t *testing.T) {
	reg := NewRegistry(nil)
	reg.MustRegister(NewScreenAnalyzer(&countingScreen{text: "x"}))

	_, err := reg.Execute(context.Background(), ToolScreenAnalyzer, map[string]any{})
	require.Error(t, err)
	rec, ok := fault.As(err)
	require.True(t, ok)
	assert.False(t, rec.Retryable)
}

func TestNames(t *testing.T) {
	reg := NewRegistry(nil)
	reg.MustRegister(NewScreenAnalyzer(&countingScreen{}))
	reg.MustRegister(NewScreenCapture(&countingScreen{}))
	assert.Equal(t, []string{ToolScreenAnalyzer, ToolScreenCapture}, reg.Names())
}
