package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"deskpilot/internal/audit"
	"deskpilot/internal/engine"
	"deskpilot/internal/memory"
	"deskpilot/internal/perception"
	"deskpilot/internal/planner"
	"deskpilot/internal/store"
	"deskpilot/internal/tactile"
	"deskpilot/internal/toolcache"
	"deskpilot/internal/tools"
	"deskpilot/internal/types"
)

var runCmd = &cobra.Command{
	Use:   "run <task description>",
	Short: "Run a task to completion",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		task := &types.Task{
			ID:          uuid.NewString(),
			Description: strings.Join(args, " "),
		}

		coord, cleanup, err := buildCoordinator(cmd.Context(), task)
		if err != nil {
			return err
		}
		defer cleanup()

		// Ctrl-C sets the cooperative cancel signal; the worker stops
		// at its next node boundary with checkpoints intact.
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigCh)
		go func() {
			<-sigCh
			fmt.Fprintln(os.Stderr, "cancelling...")
			coord.Cancel()
		}()

		result := coord.RunTask(cmd.Context(), task)
		return printResult(result)
	},
}

var planCmd = &cobra.Command{
	Use:   "plan <task description>",
	Short: "Show the milestone plan for a task without executing it",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		task := &types.Task{
			ID:          uuid.NewString(),
			Description: strings.Join(args, " "),
		}
		model, err := buildModel(cmd.Context())
		if err != nil {
			return err
		}
		p := planner.NewPlanner(model, cfg.Planner.Temperature, cfg.Planner.ReplanTemperature,
			cfg.Planner.MaxMilestones, cfg.Planner.MaxMilestoneAttempts)

		milestones, err := p.Plan(cmd.Context(), task)
		if err != nil {
			return err
		}
		for i, m := range milestones {
			fmt.Printf("%d. %s\n", i+1, m.Description)
			if m.SuccessCriteria != "" {
				fmt.Printf("   success: %s\n", m.SuccessCriteria)
			}
		}
		return nil
	},
}

// buildCoordinator wires the full collaborator set for one task run:
// model, screen, actions, allowlist, cache, memory, and audit log, all
// injected explicitly.
func buildCoordinator(ctx context.Context, task *types.Task) (*planner.Coordinator, func(), error) {
	model, err := buildModel(ctx)
	if err != nil {
		return nil, nil, err
	}

	taskDir := filepath.Join(cfg.StateDir, task.ID)
	log, err := audit.Open(taskDir, audit.WithCheckpointEvery(cfg.Engine.CheckpointEvery))
	if err != nil {
		return nil, nil, err
	}

	var archival memory.ArchivalStore
	var closeArchival func()
	if dryRun {
		archival = store.NewMemStore()
		closeArchival = func() {}
	} else {
		db, err := store.OpenArchival(filepath.Join(taskDir, "archival", "kb.db"))
		if err != nil {
			log.Close()
			return nil, nil, err
		}
		archival = db
		closeArchival = func() { db.Close() }
	}

	mem := memory.NewManager(cfg.Memory.ActiveBudgetBytes, archival,
		memory.WithWeights(cfg.Memory.WeightLRU, cfg.Memory.WeightPriority))

	cache := toolcache.New(cfg.Cache.MaxEntries, cfg.Cache.TTL.Std())

	registry := tools.NewRegistry(cache)
	screen := &perception.StaticScreen{}
	registry.MustRegister(tools.NewScreenAnalyzer(screen))
	registry.MustRegister(tools.NewScreenCapture(screen))

	allow, err := loadAllowlist()
	if err != nil {
		closeArchival()
		log.Close()
		return nil, nil, err
	}

	collab := engine.Collaborators{
		Model:    model,
		Registry: registry,
		Actions:  tactile.NewDryRunBackend(),
		Cache:    cache,
		Rules:    toolcache.DefaultRules(),
		Memory:   mem,
		Audit:    log,
		Parser:   engine.NewParser(allow),
	}

	p := planner.NewPlanner(model, cfg.Planner.Temperature, cfg.Planner.ReplanTemperature,
		cfg.Planner.MaxMilestones, cfg.Planner.MaxMilestoneAttempts)

	opts := planner.DefaultOptions()
	opts.MaxStepsPerMilestone = cfg.Engine.MaxSteps
	opts.MaxRetries = cfg.Engine.MaxRetries
	opts.MaxMilestoneAttempts = cfg.Planner.MaxMilestoneAttempts
	opts.CheckpointEvery = cfg.Engine.CheckpointEvery
	opts.EnablePlanner = cfg.Planner.Enabled
	opts.EnableVerification = cfg.Engine.EnableVerification
	opts.Parallel = cfg.Planner.Parallel

	engineCfg := engine.DefaultConfig()
	engineCfg.ConsecutiveFailureLimit = cfg.Engine.ConsecutiveFailureLimit
	engineCfg.StepTimeout = cfg.Engine.StepTimeout.Std()

	backoff := engine.NewBackoff(time.Now().UnixNano())
	backoff.Base = cfg.Engine.BackoffBase.Std()
	backoff.Cap = cfg.Engine.BackoffCap.Std()

	coord := planner.NewCoordinator(p, collab, opts, engineCfg, engine.WithBackoff(backoff))
	if opts.Parallel {
		coord.SetMemoryFactory(func() *memory.Manager {
			return memory.NewManager(cfg.Memory.ActiveBudgetBytes, archival,
				memory.WithWeights(cfg.Memory.WeightLRU, cfg.Memory.WeightPriority))
		})
	}

	cleanup := func() {
		allow.Close()
		closeArchival()
		log.Close()
	}
	return coord, cleanup, nil
}

func buildModel(ctx context.Context) (perception.ModelBackend, error) {
	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is not set")
	}
	return perception.NewGeminiClient(ctx, perception.GeminiConfig{
		APIKey:  apiKey,
		Model:   cfg.Model.Model,
		Timeout: cfg.Model.Timeout.Std(),
	})
}

func loadAllowlist() (*tactile.Allowlist, error) {
	if cfg.AllowlistPath == "" {
		return tactile.NewAllowlist(), nil
	}
	allow, err := tactile.LoadAllowlist(cfg.AllowlistPath)
	if err != nil {
		return nil, err
	}
	if err := allow.Watch(); err != nil {
		return nil, err
	}
	return allow, nil
}

func printResult(result *types.TaskResult) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	if result.Status != types.TaskCompleted {
		os.Exit(1)
	}
	return nil
}
