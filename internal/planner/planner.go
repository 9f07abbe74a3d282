// Package planner is the reasoning layer: it turns a mission goal and live
// telemetry into action proposals. Two implementations share one contract:
// Direct (single completion) and Agentic (ReAct loop with tools, memory,
// and replanning). Both degrade to deterministic behavior when the external
// reasoning service is unavailable, so a run never stalls on an LLM.
package planner

import (
	"context"
	"math"

	"github.com/gridline-robotics/warden/model"
)

// LLM is the text-completion dependency. genai.Client implements it; tests
// use fakes.
type LLM interface {
	Generate(ctx context.Context, prompt string) (text, model string, err error)
}

// Goal is a target position on the floor.
type Goal struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Input carries everything one propose call may draw on.
type Input struct {
	Telemetry model.Telemetry
	Goal      Goal
	Task      string
	// LastDecision, when set and non-approved, seeds denial feedback.
	LastDecision *model.GovernanceDecision
	World        *model.World
}

// Result is one propose outcome: the chosen action, the captured reasoning
// chain, and which model (or fallback) produced it.
type Result struct {
	Proposal  model.ActionProposal
	Thoughts  []model.ThoughtStep
	ModelUsed string
}

// Planner is the contract the run controller drives each tick.
type Planner interface {
	Propose(ctx context.Context, in Input) (*Result, error)
	// RecordOutcome feeds a governed outcome back for learning. Direct
	// planners ignore it.
	RecordOutcome(p model.ActionProposal, d model.GovernanceDecision, executed bool)
}

// Plan is an ordered waypoint route with its rationale.
type Plan struct {
	Waypoints      []model.Waypoint `json:"waypoints"`
	Rationale      string           `json:"rationale"`
	EstimatedTimeS float64          `json:"estimated_time_s"`
	ModelUsed      string           `json:"model_used"`
}

const (
	minSpeed = 0.1
	maxSpeed = 1.0
)

func clampSpeed(v float64) float64 {
	return math.Max(minSpeed, math.Min(maxSpeed, v))
}

func atGoal(t model.Telemetry, g Goal) bool {
	return math.Abs(t.X-g.X) < 0.5 && math.Abs(t.Y-g.Y) < 0.5
}
