package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"deskpilot/internal/audit"
	"deskpilot/internal/store"
)

// taskStats is what `deskpilot stats` reports for one task directory.
type taskStats struct {
	TaskID             string         `json:"task_id"`
	StepRecords        int            `json:"step_records"`
	StepsPerMilestone  map[string]int `json:"steps_per_milestone,omitempty"`
	FailedSteps        int            `json:"failed_steps"`
	AverageConfidence  float64        `json:"average_confidence"`
	Checkpoints        int            `json:"checkpoints"`
	LatestCheckpointAt int            `json:"latest_checkpoint_step,omitempty"`
	ArchivalItems      int            `json:"archival_items"`
}

var statsCmd = &cobra.Command{
	Use:   "stats <task-id>",
	Short: "Show audit, checkpoint, and archival counters for a past task run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		taskDir := filepath.Join(cfg.StateDir, args[0])
		if _, err := os.Stat(taskDir); err != nil {
			return fmt.Errorf("no state recorded for task %q under %s", args[0], cfg.StateDir)
		}

		stats, err := collectTaskStats(taskDir, args[0])
		if err != nil {
			return err
		}
		data, err := json.MarshalIndent(stats, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	},
}

func collectTaskStats(taskDir, taskID string) (*taskStats, error) {
	stats := &taskStats{
		TaskID:            taskID,
		StepsPerMilestone: make(map[string]int),
	}

	records, err := audit.ReadRecords(taskDir)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read audit log: %w", err)
	}
	var confidence float64
	for _, rec := range records {
		stats.StepRecords++
		stats.StepsPerMilestone[milestoneKey(rec.MilestoneID)]++
		confidence += rec.Confidence
		if rec.Error != nil || (rec.Action != nil && !rec.Action.Success) {
			stats.FailedSteps++
		}
	}
	if stats.StepRecords > 0 {
		stats.AverageConfidence = confidence / float64(stats.StepRecords)
	}

	checkpointDir := filepath.Join(taskDir, "checkpoints")
	entries, err := os.ReadDir(checkpointDir)
	if err == nil {
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
				continue
			}
			stats.Checkpoints++
			data, err := os.ReadFile(filepath.Join(checkpointDir, e.Name()))
			if err != nil {
				continue
			}
			var cp audit.Checkpoint
			if err := json.Unmarshal(data, &cp); err != nil {
				continue
			}
			if cp.StepIndex > stats.LatestCheckpointAt {
				stats.LatestCheckpointAt = cp.StepIndex
			}
		}
	}

	dbPath := filepath.Join(taskDir, "archival", "kb.db")
	if _, err := os.Stat(dbPath); err == nil {
		db, err := store.OpenArchival(dbPath)
		if err != nil {
			return nil, err
		}
		defer db.Close()
		if n, err := db.Count(); err == nil {
			stats.ArchivalItems = n
		}
	}

	return stats, nil
}

func milestoneKey(id string) string {
	if id == "" {
		return "(flat)"
	}
	return id
}
