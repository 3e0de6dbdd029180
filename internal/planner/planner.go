// Package planner implements the hierarchical half of the core: a
// planner that decomposes tasks into milestones with explicit success
// criteria, and a coordinator that dispatches each milestone to the step
// graph engine, re-planning on failure.
package planner

import (
	"context"
	"fmt"
	"strings"

	"deskpilot/internal/fault"
	"deskpilot/internal/logging"
	"deskpilot/internal/perception"
	"deskpilot/internal/types"
)

// plannerSystemPrompt frames decomposition. Kept strategic: milestones,
// not step-level actions.
const plannerSystemPrompt = `You are a strategic planning agent for desktop automation tasks.
Break complex tasks into clear, measurable milestones with explicit
success criteria. Milestones build logically on each other and keep
sight of the final objective. When execution fails, re-plan from the
failure rather than abandoning the goal.`

// Planner turns a task into an ordered milestone list using the model at
// low temperature, and re-plans around failed milestones.
type Planner struct {
	model             perception.ModelBackend
	temperature       float32
	replanTemperature float32
	maxMilestones     int
	maxAttempts       int
	counter           int // milestone id counter, never reused across re-plans
}

// NewPlanner creates a planner. maxAttempts seeds each milestone's
// attempt budget.
func NewPlanner(model perception.ModelBackend, temperature, replanTemperature float32, maxMilestones, maxAttempts int) *Planner {
	if maxMilestones <= 0 {
		maxMilestones = 5
	}
	if maxAttempts <= 0 {
		maxAttempts = 2
	}
	return &Planner{
		model:             model,
		temperature:       temperature,
		replanTemperature: replanTemperature,
		maxMilestones:     maxMilestones,
		maxAttempts:       maxAttempts,
	}
}

// Plan decomposes the task. An empty or unusable response is a
// PlanningFailure; a non-empty response that resists parsing falls back
// to a deterministic three-milestone default.
func (p *Planner) Plan(ctx context.Context, task *types.Task) ([]*types.Milestone, error) {
	prompt := p.buildPlanPrompt(task)
	response, err := p.model.Generate(ctx, prompt, perception.GenerateOptions{
		SystemPrompt: plannerSystemPrompt,
		Temperature:  p.temperature,
		MaxTokens:    1000,
	})
	if err != nil {
		rec := fault.Wrap(fault.PlanningFailure, err)
		if rec.Kind == fault.ModelFailure {
			rec = fault.Newf(fault.PlanningFailure, "planner model call failed: %s", rec.Message)
		}
		return nil, rec
	}
	if strings.TrimSpace(response) == "" {
		return nil, fault.New(fault.PlanningFailure, "planner returned an empty plan")
	}

	milestones := p.parseMilestones(response)
	if len(milestones) == 0 {
		milestones = p.defaultPlan(task)
	}
	logging.Get(logging.CategoryPlanner).Infow("plan created", "milestones", len(milestones))
	return milestones, nil
}

// Replan produces replacement milestones after a failure, at a slightly
// higher temperature. The failed milestone, its error, and the recent
// audit slice give the model the failure context.
func (p *Planner) Replan(ctx context.Context, task *types.Task, failed *types.Milestone, completed []*types.Milestone, recent []types.StepRecord) ([]*types.Milestone, error) {
	prompt := p.buildReplanPrompt(task, failed, completed, recent)
	response, err := p.model.Generate(ctx, prompt, perception.GenerateOptions{
		SystemPrompt: plannerSystemPrompt,
		Temperature:  p.replanTemperature,
		MaxTokens:    1000,
	})
	if err != nil {
		return nil, fault.Newf(fault.PlanningFailure, "re-planning failed: %v", err)
	}
	if strings.TrimSpace(response) == "" {
		return nil, fault.New(fault.PlanningFailure, "re-planner returned an empty plan")
	}

	milestones := p.parseMilestones(response)
	if len(milestones) == 0 {
		return nil, fault.New(fault.PlanningFailure, "re-planner response had no parseable milestones")
	}
	logging.Get(logging.CategoryPlanner).Infow("re-planned", "failed", failed.ID, "replacement_milestones", len(milestones))
	return milestones, nil
}

// SingleMilestone wraps the whole task as one milestone. The
// coordinator's flat run does not use it; that run has no milestone.
func (p *Planner) SingleMilestone(task *types.Task) *types.Milestone {
	p.counter++
	return &types.Milestone{
		ID:          fmt.Sprintf("m%d", p.counter),
		Description: task.Description,
		Status:      types.MilestonePending,
		MaxAttempts: p.maxAttempts,
	}
}

func (p *Planner) buildPlanPrompt(task *types.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n\n", task.Description)
	fmt.Fprintf(&b, "Break down this task into %d or fewer measurable milestones.\n", p.maxMilestones)
	b.WriteString(`Each milestone must be specific, verifiable, and build on the previous ones.

Respond in exactly this format:
MILESTONE 1: [description]
SUCCESS: [how to verify completion]

MILESTONE 2: [description]
SUCCESS: [how to verify completion]
`)
	if len(task.Context) > 0 {
		fmt.Fprintf(&b, "\nContext: %v\n", task.Context)
	}
	b.WriteString("\nMilestones:")
	return b.String()
}

func (p *Planner) buildReplanPrompt(task *types.Task, failed *types.Milestone, completed []*types.Milestone, recent []types.StepRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Original task: %s\n\n", task.Description)
	fmt.Fprintf(&b, "Failed milestone: %s\n", failed.Description)
	if failed.Error != nil {
		fmt.Fprintf(&b, "Failure: %s\n", failed.Error.Error())
	}
	fmt.Fprintf(&b, "Attempts so far: %d\n", failed.Attempts)

	b.WriteString("\nCompleted milestones:\n")
	if len(completed) == 0 {
		b.WriteString("- none\n")
	}
	for _, m := range completed {
		fmt.Fprintf(&b, "- %s\n", m.Description)
	}

	if len(recent) > 0 {
		b.WriteString("\nRecent execution trace:\n")
		for _, rec := range recent {
			action := "none"
			if rec.Action != nil {
				action = string(rec.Action.Kind)
				if !rec.Action.Success {
					action += " (failed)"
				}
			}
			fmt.Fprintf(&b, "- step %d: %s\n", rec.StepIndex, action)
		}
	}

	b.WriteString(`
Analyze the failure and produce replacement milestones for the work
that remains, starting from the current position. Use the same format:
MILESTONE 1: [description]
SUCCESS: [how to verify completion]

Milestones:`)
	return b.String()
}

// parseMilestones extracts "MILESTONE n: ..." / "SUCCESS: ..." pairs.
// Ids are allocated from the planner's counter, so a re-plan never
// reuses an id from an earlier plan.
func (p *Planner) parseMilestones(response string) []*types.Milestone {
	var milestones []*types.Milestone
	var current *types.Milestone

	for _, line := range strings.Split(response, "\n") {
		line = strings.TrimSpace(line)
		upper := strings.ToUpper(line)

		switch {
		case strings.HasPrefix(upper, "MILESTONE"):
			if current != nil {
				milestones = append(milestones, current)
			}
			description := line
			if idx := strings.Index(line, ":"); idx >= 0 {
				description = strings.TrimSpace(line[idx+1:])
			}
			if description == "" {
				current = nil
				continue
			}
			p.counter++
			current = &types.Milestone{
				ID:          fmt.Sprintf("m%d", p.counter),
				Description: description,
				Status:      types.MilestonePending,
				MaxAttempts: p.maxAttempts,
			}
			if len(milestones) > 0 {
				current.Dependencies = []string{milestones[len(milestones)-1].ID}
			}

		case strings.HasPrefix(upper, "SUCCESS") && current != nil:
			if idx := strings.Index(line, ":"); idx >= 0 {
				current.SuccessCriteria = strings.TrimSpace(line[idx+1:])
			}
		}

		if len(milestones) >= p.maxMilestones {
			current = nil
			break
		}
	}
	if current != nil && len(milestones) < p.maxMilestones {
		milestones = append(milestones, current)
	}
	return milestones
}

// defaultPlan is the deterministic fallback when a non-empty planner
// response resists parsing.
func (p *Planner) defaultPlan(task *types.Task) []*types.Milestone {
	logging.Get(logging.CategoryPlanner).Warnw("plan parse failed, using default plan")
	mk := func(desc, success string) *types.Milestone {
		p.counter++
		return &types.Milestone{
			ID:              fmt.Sprintf("m%d", p.counter),
			Description:     desc,
			SuccessCriteria: success,
			Status:          types.MilestonePending,
			MaxAttempts:     p.maxAttempts,
		}
	}
	first := mk(fmt.Sprintf("Analyze requirements for: %s", task.Description), "Requirements clearly identified")
	second := mk(fmt.Sprintf("Execute main steps for: %s", task.Description), "Primary actions completed")
	second.Dependencies = []string{first.ID}
	third := mk(fmt.Sprintf("Verify completion of: %s", task.Description), "Task objectives met")
	third.Dependencies = []string{second.ID}
	return []*types.Milestone{first, second, third}
}
