// Package audit implements the append-only trace and checkpoint log.
// One writer per worker appends StepRecords in strictly increasing
// step_index order; snapshots written every N steps and at milestone
// boundaries make a crashed or cancelled run resumable. Secret-bearing
// fields are redacted before anything reaches disk or a recovery prompt.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"deskpilot/internal/fault"
	"deskpilot/internal/logging"
	"deskpilot/internal/types"
)

// DefaultCheckpointEvery is the snapshot cadence in steps.
const DefaultCheckpointEvery = 5

// DefaultRecoveryWindow is how many recent records a retry prompt sees.
const DefaultRecoveryWindow = 3

// redactedValue replaces secret-bearing fields.
const redactedValue = "[REDACTED]"

// secretKeyMarkers flags map keys whose values never leave the process.
var secretKeyMarkers = []string{"password", "secret", "token", "api_key", "apikey", "credential", "auth"}

// Checkpoint is a resumable state snapshot.
type Checkpoint struct {
	TaskID              string    `json:"task_id"`
	MilestoneID         string    `json:"milestone_id,omitempty"`
	StepIndex           int       `json:"step_index"`
	ActiveMemoryIDs     []string  `json:"active_memory_ids,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	CreatedAt           time.Time `json:"created_at"`
}

// RecoveryContext is the structured context handed to the model on a
// retry attempt.
type RecoveryContext struct {
	Error          *fault.Record      `json:"error"`
	RecentRecords  []types.StepRecord `json:"recent_records"`
	LastCheckpoint *Checkpoint        `json:"last_checkpoint,omitempty"`
	TotalRecords   int                `json:"total_records"`
}

// Log is the per-task audit log. A single worker writes at a time;
// readers may take any suffix.
type Log struct {
	mu              sync.Mutex
	dir             string
	file            *os.File
	records         []types.StepRecord
	checkpoints     []Checkpoint
	lastStep        map[string]int // milestone id -> last step_index seen
	checkpointEvery int
	now             func() time.Time
}

// Option configures a Log.
type Option func(*Log)

// WithCheckpointEvery overrides the snapshot cadence.
func WithCheckpointEvery(n int) Option {
	return func(l *Log) {
		if n > 0 {
			l.checkpointEvery = n
		}
	}
}

// WithClock replaces the time source for deterministic logs.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// Open creates (or reopens) the audit log under dir. Reopening loads
// existing checkpoints so a fresh run can resume from the latest one.
func Open(dir string, opts ...Option) (*Log, error) {
	if err := os.MkdirAll(filepath.Join(dir, "checkpoints"), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	file, err := os.OpenFile(filepath.Join(dir, "audit.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}

	l := &Log{
		dir:             dir,
		file:            file,
		lastStep:        make(map[string]int),
		checkpointEvery: DefaultCheckpointEvery,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if err := l.loadCheckpoints(); err != nil {
		file.Close()
		return nil, err
	}
	return l, nil
}

// Append writes one StepRecord. The record is redacted, then persisted
// as a JSON line. Records within a milestone must arrive in strictly
// increasing step_index order; violations are programming errors and are
// rejected.
func (l *Log) Append(rec types.StepRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if last, ok := l.lastStep[rec.MilestoneID]; ok && rec.StepIndex <= last {
		return fmt.Errorf("audit: step_index %d not greater than previous %d (milestone %q)",
			rec.StepIndex, last, rec.MilestoneID)
	}

	redactRecord(&rec)

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("audit: marshal record: %w", err)
	}
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("audit: append record: %w", err)
	}

	l.records = append(l.records, rec)
	l.lastStep[rec.MilestoneID] = rec.StepIndex
	logging.Get(logging.CategoryAudit).Debugw("step recorded",
		"step", rec.StepIndex, "milestone", rec.MilestoneID, "confidence", rec.Confidence)
	return nil
}

// ShouldCheckpoint reports whether the cadence calls for a snapshot at
// this step.
func (l *Log) ShouldCheckpoint(stepIndex int) bool {
	return stepIndex > 0 && stepIndex%l.checkpointEvery == 0
}

// WriteCheckpoint durably commits a snapshot before returning. One file
// per snapshot, keyed by milestone id and step_index; a later snapshot at
// the same milestone and step_index replaces the earlier file.
func (l *Log) WriteCheckpoint(cp Checkpoint) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = l.now()
	}
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("audit: marshal checkpoint: %w", err)
	}

	name := fmt.Sprintf("step_%06d.json", cp.StepIndex)
	if cp.MilestoneID != "" {
		// Step indices restart per milestone; the id keeps snapshot
		// files from distinct milestones apart.
		name = fmt.Sprintf("%s_step_%06d.json", cp.MilestoneID, cp.StepIndex)
	}
	path := filepath.Join(l.dir, "checkpoints", name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("audit: write checkpoint: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("audit: commit checkpoint: %w", err)
	}

	l.checkpoints = append(l.checkpoints, cp)
	logging.Get(logging.CategoryAudit).Infow("checkpoint committed",
		"step", cp.StepIndex, "milestone", cp.MilestoneID)
	return nil
}

// LatestCheckpoint returns the most recent snapshot, if any.
func (l *Log) LatestCheckpoint() (Checkpoint, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.checkpoints) == 0 {
		return Checkpoint{}, false
	}
	return l.checkpoints[len(l.checkpoints)-1], true
}

// Recent returns the last k records.
func (l *Log) Recent(k int) []types.StepRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	if k <= 0 || k > len(l.records) {
		k = len(l.records)
	}
	out := make([]types.StepRecord, k)
	copy(out, l.records[len(l.records)-k:])
	return out
}

// Records returns a copy of the full in-memory record list.
func (l *Log) Records() []types.StepRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]types.StepRecord, len(l.records))
	copy(out, l.records)
	return out
}

// RecoveryContext assembles the structured retry context: the error, the
// last k records, and the latest checkpoint. Everything returned has
// already passed redaction.
func (l *Log) RecoveryContext(rec *fault.Record, k int) RecoveryContext {
	if k <= 0 {
		k = DefaultRecoveryWindow
	}
	ctx := RecoveryContext{
		Error:         redactFault(rec),
		RecentRecords: l.Recent(k),
	}
	if cp, ok := l.LatestCheckpoint(); ok {
		ctx.LastCheckpoint = &cp
	}
	l.mu.Lock()
	ctx.TotalRecords = len(l.records)
	l.mu.Unlock()
	return ctx
}

// Close flushes and closes the log file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// loadCheckpoints restores snapshots from a previous run, oldest first.
func (l *Log) loadCheckpoints() error {
	dir := filepath.Join(l.dir, "checkpoints")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("audit: read checkpoints: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return fmt.Errorf("audit: read checkpoint %s: %w", name, err)
		}
		var cp Checkpoint
		if err := json.Unmarshal(data, &cp); err != nil {
			return fmt.Errorf("audit: parse checkpoint %s: %w", name, err)
		}
		l.checkpoints = append(l.checkpoints, cp)
		if cp.StepIndex > l.lastStep[cp.MilestoneID] {
			l.lastStep[cp.MilestoneID] = cp.StepIndex
		}
	}
	return nil
}

// ReadRecords loads all persisted records from an audit.log file.
// Consumers use this for post-run inspection; the live Log keeps its own
// in-memory copy.
func ReadRecords(dir string) ([]types.StepRecord, error) {
	file, err := os.Open(filepath.Join(dir, "audit.log"))
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var records []types.StepRecord
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var rec types.StepRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("audit: parse record: %w", err)
		}
		records = append(records, rec)
	}
	return records, scanner.Err()
}

// redactRecord strips secret-bearing fields from a record in place.
func redactRecord(rec *types.StepRecord) {
	if rec.Action != nil && rec.Action.Payload != nil {
		rec.Action.Payload = redactMap(rec.Action.Payload)
	}
	if rec.Error != nil {
		rec.Error = redactFault(rec.Error)
	}
}

func redactFault(rec *fault.Record) *fault.Record {
	if rec == nil || rec.Context == nil {
		return rec
	}
	cp := *rec
	cp.Context = redactMap(rec.Context)
	return &cp
}

func redactMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if isSecretKey(k) {
			out[k] = redactedValue
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			out[k] = redactMap(nested)
			continue
		}
		out[k] = v
	}
	return out
}

func isSecretKey(key string) bool {
	lower := strings.ToLower(key)
	for _, marker := range secretKeyMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
