// Package logging provides categorized structured logging for deskpilot.
// Each category writes JSON lines to its own file under <dir>/logs/.
// Logging is a no-op until Initialize is called with debug enabled, so
// production runs stay silent.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/system.
type Category string

const (
	CategoryBoot    Category = "boot"    // Startup and wiring
	CategoryEngine  Category = "engine"  // Step graph execution
	CategoryPlanner Category = "planner" // Planning and coordination
	CategoryMemory  Category = "memory"  // Context paging
	CategoryCache   Category = "cache"   // Tool result cache
	CategoryAudit   Category = "audit"   // Audit log and checkpoints
	CategoryStore   Category = "store"   // Archival storage
	CategoryTactile Category = "tactile" // Input actions, allowlist
	CategoryAPI     Category = "api"     // Model backend calls
)

var (
	mu         sync.RWMutex
	loggers    = make(map[Category]*zap.SugaredLogger)
	logsDir    string
	enabled    bool
	level      zapcore.Level
	categories map[string]bool
	nop        = zap.NewNop().Sugar()
)

// Options controls logger initialization.
type Options struct {
	Debug      bool
	Level      string          // debug, info, warn, error
	Categories map[string]bool // nil means all categories enabled
}

// Initialize sets up the logging directory. Silent no-op when debug is
// off; callers never need to guard Get calls.
func Initialize(dir string, opts Options) error {
	mu.Lock()
	defer mu.Unlock()

	for k := range loggers {
		delete(loggers, k)
	}
	enabled = opts.Debug
	categories = opts.Categories
	if err := level.Set(opts.Level); err != nil {
		level = zapcore.InfoLevel
	}
	if !enabled {
		return nil
	}

	logsDir = filepath.Join(dir, "logs")
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}
	return nil
}

// Enabled reports whether a category currently logs.
func Enabled(cat Category) bool {
	mu.RLock()
	defer mu.RUnlock()
	return enabledLocked(cat)
}

func enabledLocked(cat Category) bool {
	if !enabled {
		return false
	}
	if categories == nil {
		return true
	}
	on, ok := categories[string(cat)]
	return !ok || on
}

// Get returns (or creates) the logger for a category. Disabled categories
// get a shared no-op logger.
func Get(cat Category) *zap.SugaredLogger {
	mu.RLock()
	if lg, ok := loggers[cat]; ok {
		mu.RUnlock()
		return lg
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if lg, ok := loggers[cat]; ok {
		return lg
	}
	if !enabledLocked(cat) || logsDir == "" {
		loggers[cat] = nop
		return nop
	}

	path := filepath.Join(logsDir, string(cat)+".log")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		loggers[cat] = nop
		return nop
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.Lock(file), level)
	lg := zap.New(core).Sugar().With("cat", string(cat))
	loggers[cat] = lg
	return lg
}

// Sync flushes all category loggers. Called on shutdown.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	for _, lg := range loggers {
		_ = lg.Sync()
	}
}
