package tactile

import (
	"fmt"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"deskpilot/internal/logging"
)

// Allowlist resolves app names to launch commands. Only names that
// resolve may become LaunchApp actions; everything else is a policy
// violation before any input happens.
type Allowlist struct {
	mu      sync.RWMutex
	apps    map[string]string // lowercase name -> command
	path    string            // optional yaml file backing the list
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// builtinApps are the per-platform defaults. Cross-platform aliases
// ("notepad" on Linux maps to gedit) keep task phrasing portable.
func builtinApps() map[string]string {
	switch runtime.GOOS {
	case "windows":
		return map[string]string{
			"notepad":    "notepad.exe",
			"calc":       "calc.exe",
			"calculator": "calc.exe",
			"paint":      "mspaint.exe",
			"explorer":   "explorer.exe",
			"terminal":   "wt.exe",
		}
	case "darwin":
		return map[string]string{
			"textedit":   "open -a TextEdit",
			"calculator": "open -a Calculator",
			"calc":       "open -a Calculator",
			"finder":     "open -a Finder",
		}
	default:
		return map[string]string{
			"notepad":     "gedit",
			"gedit":       "gedit",
			"text editor": "gedit",
			"calc":        "gnome-calculator",
			"calculator":  "gnome-calculator",
			"files":       "nautilus",
			"terminal":    "gnome-terminal",
			"firefox":     "firefox",
		}
	}
}

// NewAllowlist creates an allowlist from the platform builtins.
func NewAllowlist() *Allowlist {
	return &Allowlist{apps: builtinApps()}
}

// NewAllowlistFromMap creates an allowlist from an explicit set. Tests
// and embedders use this to pin the permitted apps exactly.
func NewAllowlistFromMap(apps map[string]string) *Allowlist {
	normalized := make(map[string]string, len(apps))
	for name, cmd := range apps {
		normalized[strings.ToLower(strings.TrimSpace(name))] = cmd
	}
	return &Allowlist{apps: normalized}
}

// allowlistFile is the yaml shape: a flat name -> command mapping.
type allowlistFile struct {
	Apps map[string]string `yaml:"apps"`
}

// LoadAllowlist reads a yaml allowlist file and merges it over the
// platform builtins.
func LoadAllowlist(path string) (*Allowlist, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read allowlist: %w", err)
	}
	var file allowlistFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse allowlist: %w", err)
	}

	apps := builtinApps()
	for name, cmd := range file.Apps {
		apps[strings.ToLower(strings.TrimSpace(name))] = cmd
	}
	return &Allowlist{apps: apps, path: path}, nil
}

// Watch reloads the backing file whenever it changes on disk. Stop with
// Close. No-op when the allowlist has no backing file.
func (a *Allowlist) Watch() error {
	if a.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create allowlist watcher: %w", err)
	}
	if err := watcher.Add(a.path); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch allowlist: %w", err)
	}

	a.watcher = watcher
	a.done = make(chan struct{})
	go a.watchLoop()
	return nil
}

func (a *Allowlist) watchLoop() {
	lg := logging.Get(logging.CategoryTactile)
	for {
		select {
		case event, ok := <-a.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := a.reload(); err != nil {
				lg.Warnw("allowlist reload failed", "err", err)
				continue
			}
			lg.Infow("allowlist reloaded", "path", a.path)
		case _, ok := <-a.watcher.Errors:
			if !ok {
				return
			}
		case <-a.done:
			return
		}
	}
}

func (a *Allowlist) reload() error {
	fresh, err := LoadAllowlist(a.path)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.apps = fresh.apps
	a.mu.Unlock()
	return nil
}

// Close stops the file watcher, if any.
func (a *Allowlist) Close() error {
	if a.watcher == nil {
		return nil
	}
	close(a.done)
	return a.watcher.Close()
}

// Resolve maps a requested app name to its launch command. Exact match
// first, then substring fuzzy match in both directions (shortest match
// wins for determinism). ok=false means the name is not permitted.
func (a *Allowlist) Resolve(name string) (string, bool) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return "", false
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if cmd, ok := a.apps[key]; ok {
		return cmd, true
	}

	var matches []string
	for candidate := range a.apps {
		if strings.Contains(candidate, key) || strings.Contains(key, candidate) {
			matches = append(matches, candidate)
		}
	}
	if len(matches) == 0 {
		return "", false
	}
	sort.Slice(matches, func(i, j int) bool {
		if len(matches[i]) != len(matches[j]) {
			return len(matches[i]) < len(matches[j])
		}
		return matches[i] < matches[j]
	})
	return a.apps[matches[0]], true
}

// Contains reports whether a name resolves without returning the command.
func (a *Allowlist) Contains(name string) bool {
	_, ok := a.Resolve(name)
	return ok
}

// Names returns the permitted names, sorted.
func (a *Allowlist) Names() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	names := make([]string, 0, len(a.apps))
	for name := range a.apps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
