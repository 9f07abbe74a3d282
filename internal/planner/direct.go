package planner

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gridline-robotics/warden/internal/logging"
	"github.com/gridline-robotics/warden/internal/planner/genai"
	"github.com/gridline-robotics/warden/internal/policy"
	"github.com/gridline-robotics/warden/model"
)

// FallbackModel tags results produced without the reasoning service.
const FallbackModel = "deterministic_fallback"

// Direct is the single-shot planner: one completion per proposal or plan,
// with a deterministic fallback when the reasoning service fails.
type Direct struct {
	llm  LLM
	eval *policy.Evaluator
	log  logging.Logger
}

// NewDirect builds a direct planner. llm may be nil; every call then takes
// the deterministic path.
func NewDirect(llm LLM, eval *policy.Evaluator, log logging.Logger) *Direct {
	if log == nil {
		log = logging.Noop()
	}
	return &Direct{llm: llm, eval: eval, log: log}
}

// RecordOutcome is a no-op: the direct planner carries no memory.
func (d *Direct) RecordOutcome(model.ActionProposal, model.GovernanceDecision, bool) {}

// Propose asks for a single action toward the goal.
func (d *Direct) Propose(ctx context.Context, in Input) (*Result, error) {
	if d.llm == nil {
		return d.fallbackResult(in), nil
	}

	telem, _ := json.Marshal(in.Telemetry)
	goal, _ := json.Marshal(in.Goal)
	prompt := fmt.Sprintf(`You are the high-level reasoning layer for a simulated mobile robot.

TASK: %s

WORLD STATE: %s

GOAL: %s

Output STRICT JSON: {"intent":"MOVE_TO|STOP|WAIT","params":{...},"rationale":"..."}
`, in.Task, telem, goal)

	text, modelUsed, err := d.llm.Generate(ctx, prompt)
	if err != nil {
		d.log.Warn(ctx, "direct propose falling back", logging.Err(err))
		return d.fallbackResult(in), nil
	}

	raw, err := genai.ExtractJSON(text)
	if err != nil {
		d.log.Warn(ctx, "direct propose parse failed", logging.Err(err))
		return d.fallbackResult(in), nil
	}
	var proposal model.ActionProposal
	if err := json.Unmarshal(raw, &proposal); err != nil {
		d.log.Warn(ctx, "direct propose decode failed", logging.Err(err))
		return d.fallbackResult(in), nil
	}

	if proposal.Intent == model.IntentMoveTo {
		proposal.Params = d.clampMove(proposal.Params, in.Goal)
	}
	proposal.Rationale = fmt.Sprintf("[%s] %s", modelUsed, proposal.Rationale)
	return &Result{Proposal: proposal, ModelUsed: modelUsed}, nil
}

// GeneratePlan asks for an ordered waypoint route. goal may be nil when the
// instruction carries the destination implicitly.
func (d *Direct) GeneratePlan(ctx context.Context, t model.Telemetry, instruction string, goal *Goal) (*Plan, error) {
	if d.llm == nil {
		return d.fallbackPlan(t, goal), nil
	}

	telem, _ := json.Marshal(t)
	goalText := "No specific goal."
	if goal != nil {
		g, _ := json.Marshal(goal)
		goalText = fmt.Sprintf("GOAL: %s", g)
	}
	prompt := fmt.Sprintf(`You are a robot planner in a 30x20m warehouse.

INSTRUCTION: %s

STATE: %s

%s

Output STRICT JSON:
{"waypoints": [{"x": <float>, "y": <float>, "max_speed": <float>}, ...], "rationale": "...", "estimated_time_s": <float>}
`, instruction, telem, goalText)

	text, modelUsed, err := d.llm.Generate(ctx, prompt)
	if err != nil {
		d.log.Warn(ctx, "plan generation falling back", logging.Err(err))
		return d.fallbackPlan(t, goal), nil
	}
	raw, err := genai.ExtractJSON(text)
	if err != nil {
		d.log.Warn(ctx, "plan parse failed", logging.Err(err))
		return d.fallbackPlan(t, goal), nil
	}
	var plan Plan
	if err := json.Unmarshal(raw, &plan); err != nil {
		d.log.Warn(ctx, "plan decode failed", logging.Err(err))
		return d.fallbackPlan(t, goal), nil
	}

	fence := d.eval.Config().Geofence
	for i := range plan.Waypoints {
		wp := &plan.Waypoints[i]
		wp.X, wp.Y = fence.ClampPoint(wp.X, wp.Y)
		if wp.MaxSpeed == 0 {
			wp.MaxSpeed = 0.5
		}
		wp.MaxSpeed = clampSpeed(wp.MaxSpeed)
	}
	plan.Rationale = fmt.Sprintf("[%s] %s", modelUsed, plan.Rationale)
	plan.ModelUsed = modelUsed
	return &plan, nil
}

func (d *Direct) clampMove(params map[string]any, g Goal) map[string]any {
	if params == nil {
		params = map[string]any{}
	}
	fence := d.eval.Config().Geofence
	x, y := fence.ClampPoint(num(params, "x", g.X), num(params, "y", g.Y))
	return map[string]any{
		"x":         x,
		"y":         y,
		"max_speed": clampSpeed(num(params, "max_speed", 0.5)),
	}
}

func (d *Direct) fallbackResult(in Input) *Result {
	return &Result{Proposal: d.fallbackProposal(in.Telemetry, in.Goal), ModelUsed: FallbackModel}
}

// fallbackProposal is the deterministic move: straight toward the goal at
// 0.6 m/s, or 0.4 m/s with a human in view; STOP once within 0.5m. The
// target is clamped to the geofence so an out-of-fence goal resolves to the
// nearest reachable point instead of a proposal governance must deny.
func (d *Direct) fallbackProposal(t model.Telemetry, g Goal) model.ActionProposal {
	g.X, g.Y = d.eval.Config().Geofence.ClampPoint(g.X, g.Y)
	if atGoal(t, g) {
		return model.ActionProposal{
			Intent:    model.IntentStop,
			Params:    map[string]any{},
			Rationale: "[Fallback] Reached goal.",
		}
	}
	speed := 0.6
	if t.HumanDetected {
		speed = 0.4
	}
	return model.ActionProposal{
		Intent:    model.IntentMoveTo,
		Params:    map[string]any{"x": g.X, "y": g.Y, "max_speed": speed},
		Rationale: "[Fallback] Deterministic path to goal.",
	}
}

// fallbackPlan is the deterministic two-waypoint route: midpoint then goal,
// both clamped to the geofence.
func (d *Direct) fallbackPlan(t model.Telemetry, goal *Goal) *Plan {
	g := Goal{X: 15, Y: 10}
	if goal != nil {
		g = *goal
	}
	fence := d.eval.Config().Geofence
	g.X, g.Y = fence.ClampPoint(g.X, g.Y)
	midX, midY := fence.ClampPoint((t.X+g.X)/2, (t.Y+g.Y)/2)
	speed := 0.6
	if t.HumanDetected {
		speed = 0.4
	}
	return &Plan{
		Waypoints: []model.Waypoint{
			{X: midX, Y: midY, MaxSpeed: speed},
			{X: g.X, Y: g.Y, MaxSpeed: speed},
		},
		Rationale:      "[Fallback] Deterministic 2-waypoint plan.",
		EstimatedTimeS: 15.0,
		ModelUsed:      FallbackModel,
	}
}

var _ Planner = (*Direct)(nil)
