package planner

import (
	"github.com/gridline-robotics/warden/internal/policy"
	"github.com/gridline-robotics/warden/model"
)

// WaypointCheck pairs one waypoint with its governance verdict.
type WaypointCheck struct {
	Waypoint model.Waypoint           `json:"waypoint"`
	Decision model.GovernanceDecision `json:"decision"`
}

// PlanValidation is the per-waypoint governance preview of a plan.
type PlanValidation struct {
	Checks      []WaypointCheck `json:"checks"`
	AllApproved bool            `json:"all_approved"`
}

// ValidatePlan runs the policy evaluator against every waypoint of a plan,
// treating each as a MOVE_TO from the current telemetry. Operators use the
// result to vet a route before execution.
func ValidatePlan(eval *policy.Evaluator, t model.Telemetry, waypoints []model.Waypoint) PlanValidation {
	out := PlanValidation{Checks: make([]WaypointCheck, 0, len(waypoints)), AllApproved: true}
	for _, wp := range waypoints {
		d := eval.Evaluate(t, model.ActionProposal{
			Intent: model.IntentMoveTo,
			Params: map[string]any{"x": wp.X, "y": wp.Y, "max_speed": wp.MaxSpeed},
		})
		if d.Blocked() {
			out.AllApproved = false
		}
		out.Checks = append(out.Checks, WaypointCheck{Waypoint: wp, Decision: d})
	}
	return out
}
