// deskpilot is a desktop automation agent: it takes a natural-language
// task and drives a GUI through an observe/reason/act loop until the
// task is judged complete.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"deskpilot/internal/config"
	"deskpilot/internal/logging"
)

var (
	configPath string
	stateDir   string
	verbose    bool
	dryRun     bool
	noPlanner  bool
	maxSteps   int

	cfg config.Config
)

var rootCmd = &cobra.Command{
	Use:   "deskpilot",
	Short: "deskpilot - desktop automation agent",
	Long: `deskpilot drives a desktop GUI from a natural-language task.

A planner decomposes the task into milestones; each milestone runs
through an observe/reason/act/verify loop with typed error recovery,
a paged context memory, a tool result cache, and an audit log that
makes every run resumable.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
		if stateDir != "" {
			cfg.StateDir = stateDir
		}
		if verbose {
			cfg.Logging.Debug = true
			cfg.Logging.Level = "debug"
		}
		if noPlanner {
			cfg.Planner.Enabled = false
		}
		if maxSteps > 0 {
			cfg.Engine.MaxSteps = maxSteps
		}
		return logging.Initialize(cfg.StateDir, logging.Options{
			Debug:      cfg.Logging.Debug,
			Level:      cfg.Logging.Level,
			Categories: cfg.Logging.Categories,
		})
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "deskpilot.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&stateDir, "state-dir", "", "override the state directory")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "keep archival memory in-process instead of on disk (actions always go to the logging-only backend)")
	rootCmd.PersistentFlags().BoolVar(&noPlanner, "no-planner", false, "skip planning, run a flat loop")
	rootCmd.PersistentFlags().IntVar(&maxSteps, "max-steps", 0, "override max steps per milestone")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(statsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
