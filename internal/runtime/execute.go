package runtime

import (
	"context"
	"fmt"

	"github.com/gridline-robotics/warden/internal/canonical"
	"github.com/gridline-robotics/warden/internal/logging"
	"github.com/gridline-robotics/warden/internal/planner"
	"github.com/gridline-robotics/warden/model"
)

// StepResult records how one waypoint of a pre-approved plan fared.
type StepResult struct {
	Waypoint model.Waypoint           `json:"waypoint"`
	Decision model.GovernanceDecision `json:"decision"`
	Executed bool                     `json:"executed"`
	Status   string                   `json:"status"` // executed | review_executed | denied | send_failed
}

// ExecutePlan drives a vetted waypoint plan against the simulator outside the
// tick loop. Unlike the live loop, NEEDS_REVIEW here is warn-and-continue:
// the plan was already reviewed as a whole. Execution stops at the first
// DENIED waypoint. Every step appends DECISION (and EXECUTION on send) events
// to the run chain; the returned hash binds the step records for audit.
func (c *Controller) ExecutePlan(ctx context.Context, runID string, waypoints []model.Waypoint) ([]StepResult, string, error) {
	ctx, span := c.tracer.Start(ctx, "run.execute_plan")
	defer span.End()

	if _, err := c.st.GetRun(ctx, runID); err != nil {
		return nil, "", err
	}

	steps := make([]StepResult, 0, len(waypoints))
	for _, wp := range waypoints {
		t, err := c.sim.Telemetry(ctx)
		if err != nil {
			return steps, "", fmt.Errorf("telemetry before waypoint (%.1f, %.1f): %w", wp.X, wp.Y, err)
		}

		proposal := model.ActionProposal{
			Intent:    model.IntentMoveTo,
			Params:    map[string]any{"x": wp.X, "y": wp.Y, "max_speed": wp.MaxSpeed},
			Rationale: "Pre-approved plan execution",
		}
		d := c.eval.Evaluate(t, proposal)
		c.metrics.RecordDecision(string(d.Decision))
		// The decision record must be durable before the command goes out.
		if _, err := c.appendEvent(ctx, runID, model.EventDecision, decisionPayload(t, planner.Goal{X: wp.X, Y: wp.Y}, proposal, d)); err != nil {
			return steps, "", fmt.Errorf("record decision for waypoint (%.1f, %.1f): %w", wp.X, wp.Y, err)
		}

		step := StepResult{Waypoint: wp, Decision: d}
		switch d.Decision {
		case model.DecisionDenied:
			step.Status = "denied"
			steps = append(steps, step)
			c.log.Warn(ctx, "plan execution halted at denied waypoint",
				logging.String("run_id", runID),
				logging.Float64("x", wp.X),
				logging.Float64("y", wp.Y),
			)
			return c.sealSteps(runID, steps)
		case model.DecisionNeedsReview:
			c.log.Warn(ctx, "waypoint needs review, continuing per plan approval",
				logging.String("run_id", runID),
				logging.Float64("risk_score", d.RiskScore),
			)
			step.Status = "review_executed"
		default:
			step.Status = "executed"
		}

		if err := c.sim.SendCommand(ctx, model.Command{Intent: proposal.Intent, Params: proposal.Params}); err != nil {
			step.Status = "send_failed"
			steps = append(steps, step)
			return c.sealSteps(runID, steps)
		}
		step.Executed = true
		if _, err := c.appendEvent(ctx, runID, model.EventExecution, map[string]any{
			"intent": string(proposal.Intent),
			"params": proposal.Params,
			"status": "ok",
		}); err != nil {
			steps = append(steps, step)
			return steps, "", fmt.Errorf("record execution for waypoint (%.1f, %.1f): %w", wp.X, wp.Y, err)
		}
		steps = append(steps, step)
	}
	return c.sealSteps(runID, steps)
}

// sealSteps hashes the step records so the caller holds a tamper-evident
// receipt of what ran.
func (c *Controller) sealSteps(runID string, steps []StepResult) ([]StepResult, string, error) {
	hash, err := canonical.Hash(map[string]any{
		"run_id": runID,
		"steps":  mustSlice(steps),
	})
	if err != nil {
		return steps, "", fmt.Errorf("seal plan steps for run %s: %w", runID, err)
	}
	return steps, hash, nil
}

func mustSlice(steps []StepResult) []any {
	out := make([]any, len(steps))
	for i, s := range steps {
		out[i] = jsonMap(s)
	}
	return out
}
