package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gridline-robotics/warden/internal/logging"
	"github.com/gridline-robotics/warden/internal/planner/genai"
	"github.com/gridline-robotics/warden/internal/policy"
	"github.com/gridline-robotics/warden/model"
)

const (
	defaultMaxSteps   = 3
	defaultMaxReplans = 2
	// throttleWindow/throttleLimit: with this many non-approved outcomes
	// in the window, the prompt demands a strategy change and the
	// fallback tightens speed.
	throttleWindow = 5
	throttleLimit  = 3
)

// Agentic is the ReAct planner: it reasons in recorded steps, calls local
// tools, pre-checks its proposal against policy, and replans on pre-denial.
// Each run owns one instance; the memory inside is that run's outcome
// window.
type Agentic struct {
	llm  LLM
	eval *policy.Evaluator
	mem  *Memory
	log  logging.Logger

	// MaxSteps bounds reasoning steps per attempt; MaxReplans bounds
	// pre-denial retries.
	MaxSteps   int
	MaxReplans int
}

// NewAgentic builds an agentic planner with fresh memory.
func NewAgentic(llm LLM, eval *policy.Evaluator, log logging.Logger) *Agentic {
	if log == nil {
		log = logging.Noop()
	}
	return &Agentic{
		llm:        llm,
		eval:       eval,
		mem:        NewMemory(),
		log:        log,
		MaxSteps:   defaultMaxSteps,
		MaxReplans: defaultMaxReplans,
	}
}

// Memory exposes the outcome window for inspection APIs.
func (a *Agentic) Memory() *Memory { return a.mem }

// RecordOutcome stores a governed outcome in the sliding window.
func (a *Agentic) RecordOutcome(p model.ActionProposal, d model.GovernanceDecision, executed bool) {
	a.mem.Add(model.MemoryEntry{
		Intent:      p.Intent,
		Params:      p.Params,
		Decision:    d.Decision,
		PolicyHits:  d.PolicyHits,
		Reasons:     d.Reasons,
		PolicyState: d.PolicyState,
		WasExecuted: executed,
	})
}

type reasoningStep struct {
	Thought     string         `json:"thought"`
	Action      string         `json:"action"`
	ActionInput map[string]any `json:"action_input"`
}

// Propose runs the ReAct loop. It returns an APPROVED-precheckable proposal
// when it can; after exhausting replans it returns a WAIT proposal asking
// for manual override.
func (a *Agentic) Propose(ctx context.Context, in Input) (*Result, error) {
	feedback := a.initialFeedback(in)

	var thoughts []model.ThoughtStep
	modelUsed := FallbackModel

	for attempt := 0; attempt <= a.MaxReplans; attempt++ {
		proposal, attemptModel := a.attempt(ctx, in, feedback, &thoughts)
		if attemptModel != "" {
			modelUsed = attemptModel
		}

		pre := a.eval.Evaluate(in.Telemetry, proposal)
		if pre.Decision == model.DecisionApproved {
			return &Result{Proposal: proposal, Thoughts: thoughts, ModelUsed: modelUsed}, nil
		}
		if attempt == a.MaxReplans {
			break
		}

		feedback = fmt.Sprintf(
			"Pre-check %s (attempt %d): Policies: %s. Reasons: %s. Risk: %.2f. State: %s.",
			pre.Decision, attempt+1,
			strings.Join(pre.PolicyHits, ", "),
			strings.Join(pre.Reasons, "; "),
			pre.RiskScore, pre.PolicyState)
		a.log.Info(ctx, "pre-check denied, replanning",
			logging.Int("attempt", attempt+1),
			logging.String("feedback", feedback),
		)
		thoughts = append(thoughts, model.ThoughtStep{
			StepNumber:  len(thoughts) + 1,
			Thought:     fmt.Sprintf("My proposal was pre-denied. Replanning with feedback: %s", feedback),
			Action:      "replan",
			Observation: "Starting new reasoning chain.",
		})
	}

	thoughts = append(thoughts, model.ThoughtStep{
		StepNumber:  len(thoughts) + 1,
		Thought:     "Replanning attempts exhausted without an approvable action.",
		Action:      "graceful_stop",
		Observation: "Holding position and requesting operator intervention.",
	})
	return &Result{
		Proposal: model.ActionProposal{
			Intent:    model.IntentWait,
			Params:    map[string]any{},
			Rationale: "Unable to generate safe plan - recommend manual override",
		},
		Thoughts:  thoughts,
		ModelUsed: modelUsed,
	}, nil
}

// attempt produces one candidate proposal, appending its reasoning steps.
// Returns an empty model tag when the deterministic fallback served.
func (a *Agentic) attempt(ctx context.Context, in Input, feedback string, thoughts *[]model.ThoughtStep) (model.ActionProposal, string) {
	if a.llm == nil {
		return a.fallback(in), ""
	}

	text, modelUsed, err := a.llm.Generate(ctx, a.buildPrompt(in, feedback))
	if err != nil {
		a.log.Warn(ctx, "all models failed, using deterministic fallback", logging.Err(err))
		return a.fallback(in), ""
	}

	steps, err := parseSteps(text)
	if err != nil {
		a.log.Warn(ctx, "failed to parse reasoning steps", logging.Err(err))
		return a.fallback(in), modelUsed
	}

	tools := &toolExecutor{telem: in.Telemetry, world: in.World, eval: a.eval}
	if len(steps) > a.MaxSteps {
		steps = steps[:a.MaxSteps]
	}
	for _, raw := range steps {
		step := model.ThoughtStep{
			StepNumber:  len(*thoughts) + 1,
			Thought:     raw.Thought,
			Action:      raw.Action,
			ActionInput: raw.ActionInput,
		}
		if raw.Action == ToolSubmitAction {
			proposal := a.buildProposal(raw.ActionInput, in.Goal, modelUsed)
			step.Observation = fmt.Sprintf("Action submitted: %s %v", proposal.Intent, proposal.Params)
			*thoughts = append(*thoughts, step)
			return proposal, modelUsed
		}
		step.Observation = tools.execute(raw.Action, raw.ActionInput)
		*thoughts = append(*thoughts, step)
	}

	// The chain never called submit_action.
	a.log.Warn(ctx, "agent did not submit an action, using deterministic fallback")
	return a.fallback(in), modelUsed
}

func parseSteps(text string) ([]reasoningStep, error) {
	raw, err := genai.ExtractJSON(text)
	if err != nil {
		return nil, err
	}
	var steps []reasoningStep
	if err := json.Unmarshal(raw, &steps); err == nil {
		return steps, nil
	}
	var single reasoningStep
	if err := json.Unmarshal(raw, &single); err != nil {
		return nil, fmt.Errorf("decode reasoning steps: %w", err)
	}
	return []reasoningStep{single}, nil
}

func (a *Agentic) buildProposal(input map[string]any, g Goal, modelUsed string) model.ActionProposal {
	intent := model.IntentMoveTo
	if v, ok := input["intent"].(string); ok && v != "" {
		intent = model.Intent(v)
	}
	params := map[string]any{}
	if intent == model.IntentMoveTo {
		fence := a.eval.Config().Geofence
		x, y := fence.ClampPoint(num(input, "x", g.X), num(input, "y", g.Y))
		params = map[string]any{
			"x":         x,
			"y":         y,
			"max_speed": clampSpeed(num(input, "max_speed", 0.5)),
		}
	}
	rationale := "Agent-generated action"
	if v, ok := input["rationale"].(string); ok && v != "" {
		rationale = v
	}
	return model.ActionProposal{
		Intent:    intent,
		Params:    params,
		Rationale: fmt.Sprintf("[%s/agentic] %s", modelUsed, rationale),
	}
}

func (a *Agentic) initialFeedback(in Input) string {
	var parts []string
	if d := in.LastDecision; d != nil && d.Blocked() {
		parts = append(parts, fmt.Sprintf("Decision: %s. Policies: %s. Reasons: %s.",
			d.Decision, strings.Join(d.PolicyHits, ", "), strings.Join(d.Reasons, "; ")))
	}
	if n := a.mem.DenialCount(throttleWindow); n >= throttleLimit {
		parts = append(parts, fmt.Sprintf(
			"WARNING: %d of last %d proposals were denied. Significantly change your strategy.",
			n, throttleWindow))
	}
	return strings.Join(parts, "\n")
}

func (a *Agentic) buildPrompt(in Input, feedback string) string {
	denialText := ""
	if feedback != "" {
		denialText = fmt.Sprintf(`
IMPORTANT - YOUR PREVIOUS PROPOSAL WAS DENIED:
%s
You MUST propose a DIFFERENT action that avoids the denied policies. Do NOT repeat the same proposal.
Consider: different route, lower speed, waiting, or requesting a human override.
`, feedback)
	}
	t := in.Telemetry
	return fmt.Sprintf(`You are an autonomous warehouse robot AI agent with tool-use capabilities.

YOUR TASK: %s
GOAL: Navigate to (%.1f, %.1f)

CURRENT STATE:
- Position: (%.2f, %.2f)
- Speed: %.2f m/s
- Zone: %s
- Human detected: %t (distance: %.2fm)
- Nearest obstacle: %.2fm

MEMORY (learn from past decisions):
%s
%s
AVAILABLE TOOLS:
  - check_policy: Pre-check whether a proposed action would pass governance policies. Params: {"intent":"MOVE_TO|STOP|WAIT","x":float,"y":float,"max_speed":float}
  - get_world_state: Get current environment state: robot position, human positions, obstacle positions, zone info, geofence boundaries. Params: {}
  - calculate_distance: Calculate distance between two points and check if the path is clear of obstacles. Params: {"from_x":float,"from_y":float,"to_x":float,"to_y":float}
  - decompose_task: Break a high-level instruction into ordered sub-goals. Params: {"instruction":string}
  - submit_action: Submit your final action proposal. Params: {"intent":"MOVE_TO|STOP|WAIT","x":float,"y":float,"max_speed":float,"rationale":string}

POLICY RULES TO RESPECT:
- Geofence: x[0-30], y[0-20] - STOP if outside
- Aisle zone: max speed 0.5 m/s; loading bay: 0.4 m/s; corridor: 0.7 m/s
- Human within 1m: FULL STOP
- Human within 3m: max speed 0.4 m/s
- Obstacle clearance: minimum 0.5m

INSTRUCTIONS:
Use the ReAct pattern: think, then use a tool, observe the result, repeat.
You MUST use check_policy before submitting any MOVE_TO action.
When ready, call submit_action with your final decision.

OUTPUT FORMAT - respond with a JSON array of reasoning steps:
[
  {"thought": "...", "action": "get_world_state", "action_input": {}},
  {"thought": "...", "action": "check_policy", "action_input": {"intent": "MOVE_TO", "x": 15, "y": 10, "max_speed": 0.4}},
  {"thought": "...", "action": "submit_action", "action_input": {"intent": "MOVE_TO", "x": 15, "y": 10, "max_speed": 0.4, "rationale": "..."}}
]

RULES:
- ALWAYS check_policy before submit_action for MOVE_TO
- If near a human (<3m), reduce max_speed to 0.4
- If near a human (<1m), use STOP intent
- Maximum %d reasoning steps
- You MUST end with submit_action
`, in.Task, in.Goal.X, in.Goal.Y,
		t.X, t.Y, t.Speed, t.Zone, t.HumanDetected, t.HumanDistanceM, t.NearestObstacleM,
		a.mem.Context(), denialText, a.MaxSteps)
}

// fallback is the deterministic agentic action: stop near humans or at the
// goal, otherwise head for the goal at a speed tightened by zone limits and
// recent denials.
func (a *Agentic) fallback(in Input) model.ActionProposal {
	t := in.Telemetry
	goal := in.Goal
	goal.X, goal.Y = a.eval.Config().Geofence.ClampPoint(goal.X, goal.Y)
	if atGoal(t, goal) {
		return model.ActionProposal{
			Intent:    model.IntentStop,
			Params:    map[string]any{},
			Rationale: "[agentic/fallback] Reached goal.",
		}
	}
	if t.HumanDetected && t.HumanDistanceM < 1.0 {
		return model.ActionProposal{
			Intent:    model.IntentStop,
			Params:    map[string]any{},
			Rationale: "[agentic/fallback] Human too close, stopping.",
		}
	}

	speed := 0.5
	if t.HumanDetected && t.HumanDistanceM < 3.0 {
		speed = 0.3
	}
	switch n := a.mem.DenialCount(throttleWindow); {
	case n >= throttleLimit:
		speed = min(speed, 0.2)
	case n >= 2:
		speed = min(speed, 0.3)
	}
	speed = min(speed, a.eval.Config().ZoneLimit(t.Zone))

	return model.ActionProposal{
		Intent:    model.IntentMoveTo,
		Params:    map[string]any{"x": goal.X, "y": goal.Y, "max_speed": speed},
		Rationale: fmt.Sprintf("[agentic/fallback] Safe navigation at %.1f m/s (zone: %s).", speed, t.Zone),
	}
}

var _ Planner = (*Agentic)(nil)
