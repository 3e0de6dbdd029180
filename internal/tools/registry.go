package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"deskpilot/internal/fault"
	"deskpilot/internal/logging"
	"deskpilot/internal/toolcache"
)

// Registry holds the available tools and serves cacheable ones through
// the shared result cache. Thread-safe; workers receive the registry via
// construction, never through package globals.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
	cache *toolcache.Cache
}

// NewRegistry creates a registry backed by the given cache. A nil cache
// disables memoization without changing tool behavior.
func NewRegistry(cache *toolcache.Cache) *Registry {
	return &Registry{
		tools: make(map[string]*Tool),
		cache: cache,
	}
}

// Register adds a tool. Duplicate names are rejected.
func (r *Registry) Register(tool *Tool) error {
	if err := tool.Validate(); err != nil {
		return fmt.Errorf("invalid tool: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[tool.Name]; exists {
		return fmt.Errorf("%w: %s", ErrToolAlreadyRegistered, tool.Name)
	}
	r.tools[tool.Name] = tool
	return nil
}

// MustRegister registers a tool and panics on error. For static wiring
// at construction time.
func (r *Registry) MustRegister(tool *Tool) {
	if err := r.Register(tool); err != nil {
		panic(fmt.Sprintf("failed to register tool %s: %v", tool.Name, err))
	}
}

// Get returns a tool by name, or nil.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute runs a tool, serving cacheable tools from the result cache.
// Tool errors come back as *fault.Record with Kind ToolFailure unless
// the tool already returned a typed record.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (any, error) {
	tool := r.Get(name)
	if tool == nil {
		return nil, fault.Newf(fault.ToolFailure, "%v: %s", ErrToolNotFound, name).NotRetryable()
	}

	lg := logging.Get(logging.CategoryCache)

	var key string
	if tool.Cacheable && r.cache != nil {
		key = toolcache.Fingerprint(name, args)
		if value, ok := r.cache.Get(key); ok {
			lg.Debugw("tool cache hit", "tool", name, "key", key)
			return value, nil
		}
	}

	result, err := tool.Execute(ctx, args)
	if err != nil {
		return nil, fault.Wrap(fault.ToolFailure, err)
	}

	if tool.Cacheable && r.cache != nil {
		if tool.TTL > 0 {
			r.cache.PutTTL(key, result, tool.TTL, tool.CacheTags...)
		} else {
			r.cache.Put(key, result, tool.CacheTags...)
		}
		lg.Debugw("tool cache store", "tool", name, "key", key, "tags", tool.CacheTags)
	}
	return result, nil
}
