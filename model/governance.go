package model

import "time"

// Intent enumerates the actions the reasoning layer may propose.
type Intent string

const (
	IntentMoveTo Intent = "MOVE_TO"
	IntentStop   Intent = "STOP"
	IntentWait   Intent = "WAIT"
)

// Decision is the verdict of the policy evaluator. NeedsReview is a soft
// deny reserved for aggregate high risk without a hard-deny rule.
type Decision string

const (
	DecisionApproved    Decision = "APPROVED"
	DecisionDenied      Decision = "DENIED"
	DecisionNeedsReview Decision = "NEEDS_REVIEW"
)

// PolicyState is the coarse safety mode derived from fired policy rules,
// ordered SAFE < SLOW < REPLAN < STOP.
type PolicyState string

const (
	StateSafe   PolicyState = "SAFE"
	StateSlow   PolicyState = "SLOW"
	StateReplan PolicyState = "REPLAN"
	StateStop   PolicyState = "STOP"
)

var stateRank = map[PolicyState]int{
	StateSafe:   0,
	StateSlow:   1,
	StateReplan: 2,
	StateStop:   3,
}

// MoreRestrictive returns the stricter of two policy states.
func MoreRestrictive(a, b PolicyState) PolicyState {
	if stateRank[b] > stateRank[a] {
		return b
	}
	return a
}

// ActionProposal is one candidate action from the reasoning layer. For
// MOVE_TO the params carry {x, y, max_speed}; max_speed is clamped into
// [0.1, 1.0] before any policy evaluation.
type ActionProposal struct {
	Intent    Intent         `json:"intent"`
	Params    map[string]any `json:"params"`
	Rationale string         `json:"rationale"`
}

// MoveParams extracts the MOVE_TO parameters, defaulting max_speed to 0.5.
func (p *ActionProposal) MoveParams() (x, y, maxSpeed float64) {
	x = numField(p.Params, "x")
	y = numField(p.Params, "y")
	maxSpeed = numField(p.Params, "max_speed")
	if maxSpeed == 0 {
		maxSpeed = 0.5
	}
	return x, y, maxSpeed
}

// GovernanceDecision is the policy evaluator's output for one proposal.
type GovernanceDecision struct {
	Decision       Decision    `json:"decision"`
	PolicyHits     []string    `json:"policy_hits"`
	Reasons        []string    `json:"reasons"`
	RequiredAction string      `json:"required_action,omitempty"`
	RiskScore      float64     `json:"risk_score"`
	PolicyState    PolicyState `json:"policy_state"`
}

// Blocked reports whether the decision prevents in-loop execution. The run
// controller is strict: anything short of APPROVED blocks.
func (d *GovernanceDecision) Blocked() bool {
	return d.Decision != DecisionApproved
}

// Waypoint is an ordered target for the robot to reach.
type Waypoint struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	MaxSpeed float64 `json:"max_speed"`
}

// ThoughtStep records one step of agentic reasoning for audit.
type ThoughtStep struct {
	StepNumber  int            `json:"step_number"`
	Thought     string         `json:"thought"`
	Action      string         `json:"action,omitempty"`
	ActionInput map[string]any `json:"action_input,omitempty"`
	Observation string         `json:"observation,omitempty"`
}

// MemoryEntry is one item in the agent's sliding outcome window: what was
// proposed, how governance ruled, and whether it ran.
type MemoryEntry struct {
	TS          time.Time      `json:"ts"`
	Intent      Intent         `json:"intent"`
	Params      map[string]any `json:"params"`
	Decision    Decision       `json:"decision"`
	PolicyHits  []string       `json:"policy_hits"`
	Reasons     []string       `json:"reasons"`
	PolicyState PolicyState    `json:"policy_state"`
	WasExecuted bool           `json:"was_executed"`
}
