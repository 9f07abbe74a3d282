package runtime

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gridline-robotics/warden/internal/broadcast"
	"github.com/gridline-robotics/warden/internal/logging"
	"github.com/gridline-robotics/warden/internal/planner"
	"github.com/gridline-robotics/warden/model"
)

// proc is the private state of one run loop. The loop goroutine is the single
// writer of the run's status and event chain.
type proc struct {
	runID string
	goal  planner.Goal
	task  string
	pl    planner.Planner

	stop     atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}

	queue        []model.Waypoint
	world        *model.World
	lastDecision *model.GovernanceDecision
	simFailures  int
}

func (p *proc) signalStop() {
	p.stop.Store(true)
	p.stopOnce.Do(func() { close(p.stopCh) })
}

func (p *proc) finished() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (c *Controller) loop(p *proc) {
	defer c.wg.Done()
	defer close(p.done)
	defer c.removeProc(p.runID)

	ctx, log := logging.WithRunLogger(context.Background(), c.log, p.runID)
	log.Info(ctx, "run loop started", logging.Int("queued_waypoints", len(p.queue)))

	if w, err := c.sim.World(ctx); err == nil {
		p.world = &w
	} else {
		log.Warn(ctx, "world snapshot unavailable", logging.Err(err))
	}

	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	for {
		if c.tick(ctx, log, p) {
			return
		}
		select {
		case <-ticker.C:
		case <-p.stopCh:
		}
	}
}

// tick runs one control cycle. Returns true when the loop must exit.
func (c *Controller) tick(ctx context.Context, log logging.Logger, p *proc) bool {
	ctx, span := c.tracer.Start(ctx, "run.tick")
	defer span.End()

	if p.stop.Load() {
		c.finalize(ctx, log, p, model.RunStopped)
		return true
	}

	run, err := c.st.GetRun(ctx, p.runID)
	if err != nil {
		log.Error(ctx, "run lookup failed, exiting loop", logging.Err(err))
		return true
	}
	if run.Status != model.RunRunning {
		log.Info(ctx, "run no longer running, exiting loop",
			logging.String("status", string(run.Status)))
		return true
	}

	t, err := c.sim.Telemetry(ctx)
	if err != nil {
		p.simFailures++
		c.metrics.RecordTick("sim_error")
		log.Warn(ctx, "telemetry fetch failed",
			logging.Int("consecutive_failures", p.simFailures),
			logging.Err(err),
		)
		if p.simFailures >= c.cfg.SimFailureLimit {
			// Best effort: the run fails either way.
			c.appendEvent(ctx, p.runID, model.EventAlert, map[string]any{
				"message": fmt.Sprintf("simulator unreachable for %d consecutive ticks", p.simFailures),
				"source":  "controller",
			})
			c.finalize(ctx, log, p, model.RunFailed)
			return true
		}
		return false
	}
	p.simFailures = 0

	now := time.Now().UTC()
	if err := c.st.AppendSample(ctx, &model.TelemetrySample{RunID: p.runID, TS: now, Payload: jsonMap(t)}); err != nil {
		log.Warn(ctx, "telemetry sample append failed", logging.Err(err))
	}
	if _, err := c.appendEvent(ctx, p.runID, model.EventTelemetry, map[string]any{
		"x": t.X, "y": t.Y, "zone": t.Zone, "speed": t.Speed,
	}); err != nil {
		return c.failStore(ctx, log, p)
	}
	c.hub.Broadcast(broadcast.Message{RunID: p.runID, Kind: broadcast.KindTelemetry, Data: jsonMap(t)})

	for _, msg := range t.Events {
		if _, err := c.appendEvent(ctx, p.runID, model.EventAlert, map[string]any{
			"message": msg, "source": "simulator",
		}); err != nil {
			return c.failStore(ctx, log, p)
		}
		c.hub.Broadcast(broadcast.Message{
			RunID: p.runID,
			Kind:  broadcast.KindAlert,
			Data:  map[string]any{"message": msg},
		})
	}

	res, fromQueue := c.nextProposal(ctx, log, p, t)
	if res == nil {
		return false
	}
	proposal := res.Proposal

	// Zone speed limits are hard caps: clamp before governance rather than
	// let a hot proposal burn a denial.
	if proposal.Intent == model.IntentMoveTo {
		limit := c.eval.Config().ZoneLimit(t.Zone)
		if speed := numField(proposal.Params, "max_speed"); speed > limit {
			proposal.Params["max_speed"] = limit
		}
	}

	d := c.eval.Evaluate(t, proposal)
	p.lastDecision = &d
	c.metrics.RecordDecision(string(d.Decision))
	// The decision record must be durable before any command goes out.
	if _, err := c.appendEvent(ctx, p.runID, model.EventDecision, decisionPayload(t, p.goal, proposal, d)); err != nil {
		return c.failStore(ctx, log, p)
	}

	executed := false
	if d.Decision == model.DecisionApproved {
		if err := c.sim.SendCommand(ctx, model.Command{Intent: proposal.Intent, Params: proposal.Params}); err != nil {
			p.simFailures++
			log.Warn(ctx, "command send failed", logging.Err(err))
		} else {
			executed = true
			if _, err := c.appendEvent(ctx, p.runID, model.EventExecution, map[string]any{
				"intent": string(proposal.Intent),
				"params": proposal.Params,
				"status": "ok",
			}); err != nil {
				return c.failStore(ctx, log, p)
			}
			if fromQueue {
				p.queue = p.queue[1:]
			}
		}
	}

	p.pl.RecordOutcome(proposal, d, executed)

	c.hub.Broadcast(broadcast.Message{
		RunID: p.runID,
		Kind:  broadcast.KindEvent,
		Data: map[string]any{
			"intent":      string(proposal.Intent),
			"decision":    string(d.Decision),
			"risk_score":  d.RiskScore,
			"policy_hits": d.PolicyHits,
			"rationale":   proposal.Rationale,
			"model_used":  res.ModelUsed,
			"executed":    executed,
		},
	})
	if len(res.Thoughts) > 0 {
		c.hub.Broadcast(broadcast.Message{
			RunID: p.runID,
			Kind:  broadcast.KindAgentReasoning,
			Data: map[string]any{
				"thought_chain": res.Thoughts,
				"model_used":    res.ModelUsed,
			},
		})
	}

	if proposal.Intent == model.IntentStop && d.Decision == model.DecisionApproved {
		log.Info(ctx, "approved stop at goal, completing run")
		c.finalize(ctx, log, p, model.RunCompleted)
		return true
	}

	c.metrics.RecordTick("ok")
	return false
}

// nextProposal takes the plan queue head when one exists, otherwise asks the
// planner. A nil result means this tick is skipped.
func (c *Controller) nextProposal(ctx context.Context, log logging.Logger, p *proc, t model.Telemetry) (*planner.Result, bool) {
	if len(p.queue) > 0 {
		wp := p.queue[0]
		return &planner.Result{
			Proposal: model.ActionProposal{
				Intent: model.IntentMoveTo,
				Params: map[string]any{"x": wp.X, "y": wp.Y, "max_speed": wp.MaxSpeed},
				Rationale: fmt.Sprintf("Following planned waypoint (%.1f, %.1f), %d remaining.",
					wp.X, wp.Y, len(p.queue)-1),
			},
			ModelUsed: "plan_queue",
		}, true
	}

	res, err := p.pl.Propose(ctx, planner.Input{
		Telemetry:    t,
		Goal:         p.goal,
		Task:         p.task,
		LastDecision: p.lastDecision,
		World:        p.world,
	})
	if err != nil {
		c.metrics.RecordTick("planner_fallback")
		log.Warn(ctx, "planner failed, skipping tick", logging.Err(err))
		return nil, false
	}
	return res, false
}

// failStore ends the run after a chain append failure. Unavailable storage
// is fatal: the loop must not act without a persisted governance record.
func (c *Controller) failStore(ctx context.Context, log logging.Logger, p *proc) bool {
	c.metrics.RecordTick("store_error")
	log.Error(ctx, "event store unavailable, failing run")
	c.finalize(ctx, log, p, model.RunFailed)
	return true
}

func (c *Controller) finalize(ctx context.Context, log logging.Logger, p *proc, status model.RunStatus) {
	run, err := c.st.GetRun(ctx, p.runID)
	if err != nil {
		log.Error(ctx, "run lookup during finalize failed", logging.Err(err))
		return
	}
	if run.Status.Terminal() {
		return
	}
	if err := c.closeRun(ctx, run, status); err != nil {
		log.Error(ctx, "run finalize failed", logging.Err(err))
	}
}

// decisionPayload is the persisted DECISION shape. The flat decision, intent,
// and risk_score keys mirror the nested governance block so digests and
// analyses read one level deep.
func decisionPayload(t model.Telemetry, goal planner.Goal, p model.ActionProposal, d model.GovernanceDecision) map[string]any {
	return map[string]any{
		"context": map[string]any{
			"telemetry":    jsonMap(t),
			"mission_goal": map[string]any{"x": goal.X, "y": goal.Y},
		},
		"proposal": map[string]any{
			"intent":    string(p.Intent),
			"params":    p.Params,
			"rationale": p.Rationale,
		},
		"governance": map[string]any{
			"decision":        string(d.Decision),
			"policy_hits":     d.PolicyHits,
			"reasons":         d.Reasons,
			"required_action": d.RequiredAction,
			"risk_score":      d.RiskScore,
			"policy_state":    string(d.PolicyState),
		},
		"decision":   string(d.Decision),
		"intent":     string(p.Intent),
		"risk_score": d.RiskScore,
	}
}
