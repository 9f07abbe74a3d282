// Package policy implements the safety rule set that governs every action
// proposal. Evaluation is a pure function of (telemetry, proposal): no I/O,
// no clock, no randomness, so repeated calls always return the same decision.
package policy

import (
	"fmt"
	"math"

	"github.com/gridline-robotics/warden/model"
)

// Rule identifiers. These appear in decision payloads, audit bundles, and
// compliance reports, so they are part of the persisted vocabulary.
const (
	RuleGeofence          = "GEOFENCE_01"
	RuleSafeSpeed         = "SAFE_SPEED_01"
	RuleHumanClearance    = "HUMAN_CLEARANCE_02"
	RuleHumanProximity    = "HUMAN_PROXIMITY_02"
	RuleObstacleClearance = "OBSTACLE_CLEARANCE_03"
	RuleUncertainty       = "UNCERTAINTY_04"
	RuleHumanReview       = "HITL_05"
)

// Config carries the tunable rule constants.
type Config struct {
	Geofence         model.Rect
	ZoneSpeedLimits  map[string]float64
	DefaultZoneLimit float64

	MinObstacleClearanceM float64
	HumanStopRadiusM      float64
	HumanSlowRadiusM      float64
	MaxSpeedNearHumanMS   float64
	MinHumanConf          float64
	MinConfForMove        float64
	ReviewRiskThreshold   float64
}

// DefaultConfig returns the stock warehouse rule constants.
func DefaultConfig() Config {
	return Config{
		Geofence: model.Rect{MinX: 0, MaxX: 30, MinY: 0, MaxY: 20},
		ZoneSpeedLimits: map[string]float64{
			"aisle":       0.5,
			"corridor":    0.7,
			"loading_bay": 0.4,
		},
		DefaultZoneLimit:      0.5,
		MinObstacleClearanceM: 0.5,
		HumanStopRadiusM:      1.0,
		HumanSlowRadiusM:      3.0,
		MaxSpeedNearHumanMS:   0.4,
		MinHumanConf:          0.65,
		MinConfForMove:        0.55,
		ReviewRiskThreshold:   0.75,
	}
}

// ZoneLimit returns the speed limit for a zone name.
func (c Config) ZoneLimit(zone string) float64 {
	if limit, ok := c.ZoneSpeedLimits[zone]; ok {
		return limit
	}
	return c.DefaultZoneLimit
}

// Evaluator applies the rule set. It holds only configuration and is safe
// for concurrent use by every run.
type Evaluator struct {
	cfg Config
}

// NewEvaluator builds an evaluator around the given constants.
func NewEvaluator(cfg Config) *Evaluator {
	if cfg.ZoneSpeedLimits == nil {
		cfg.ZoneSpeedLimits = DefaultConfig().ZoneSpeedLimits
	}
	return &Evaluator{cfg: cfg}
}

// Config exposes the active constants (planners use the geofence and zone
// limits for clamping).
func (e *Evaluator) Config() Config { return e.cfg }

// Evaluate scores one proposal against the rule set. STOP and WAIT are
// always approved. MOVE_TO proposals accumulate hits; any hit denies unless
// the aggregate risk reaches the review threshold without a geofence hit,
// in which case the decision softens to NEEDS_REVIEW.
func (e *Evaluator) Evaluate(t model.Telemetry, p model.ActionProposal) model.GovernanceDecision {
	if p.Intent != model.IntentMoveTo {
		return model.GovernanceDecision{
			Decision:    model.DecisionApproved,
			PolicyHits:  []string{},
			Reasons:     []string{},
			RiskScore:   0,
			PolicyState: model.StateSafe,
		}
	}

	var (
		hits     []string
		reasons  []string
		required string
		risk     float64
	)
	state := model.StateSafe

	hit := func(rule, reason string, ruleRisk float64, ruleState model.PolicyState) {
		hits = append(hits, rule)
		reasons = append(reasons, reason)
		risk = math.Max(risk, ruleRisk)
		state = model.MoreRestrictive(state, ruleState)
	}

	x, y, maxSpeed := p.MoveParams()

	// GEOFENCE_01: both the current and the proposed position must stay
	// inside the fence. Boundary points are inside.
	if !e.cfg.Geofence.Contains(t.X, t.Y) {
		hit(RuleGeofence,
			fmt.Sprintf("Robot out of geofence at (%.2f,%.2f).", t.X, t.Y),
			0.95, model.StateStop)
	} else if !e.cfg.Geofence.Contains(x, y) {
		hit(RuleGeofence,
			fmt.Sprintf("Proposed destination (%.2f,%.2f) outside geofence.", x, y),
			0.95, model.StateStop)
	}

	// OBSTACLE_CLEARANCE_03: clearance strictly below the minimum trips.
	if t.NearestObstacleM < e.cfg.MinObstacleClearanceM {
		hit(RuleObstacleClearance,
			fmt.Sprintf("Obstacle clearance too low: %.2fm < %.2fm.", t.NearestObstacleM, e.cfg.MinObstacleClearanceM),
			0.9, model.StateReplan)
		required = "Stop or replan with safer clearance."
	}

	humanDist, humanConf, humanPresent := nearestHuman(t)

	// HUMAN_PROXIMITY_02: inside the stop radius the only safe state is a
	// full stop; inside the slow radius movement is capped.
	if humanPresent {
		switch {
		case humanDist < e.cfg.HumanStopRadiusM:
			hit(RuleHumanProximity,
				fmt.Sprintf("Human at %.2fm, inside %.1fm stop radius.", humanDist, e.cfg.HumanStopRadiusM),
				0.95, model.StateStop)
			required = "Full stop until the person clears the area."
		case humanDist < e.cfg.HumanSlowRadiusM:
			hit(RuleHumanProximity,
				fmt.Sprintf("Human at %.2fm, inside %.1fm slow radius; cap speed at %.1f m/s.", humanDist, e.cfg.HumanSlowRadiusM, e.cfg.MaxSpeedNearHumanMS),
				0.80, model.StateSlow)
		}
	}

	// UNCERTAINTY_04: a detection we cannot trust forces caution.
	if t.HumanDetected && t.HumanConf < e.cfg.MinHumanConf {
		hit(RuleUncertainty,
			fmt.Sprintf("Human detected but confidence too low: %.2f < %.2f.", t.HumanConf, e.cfg.MinHumanConf),
			0.8, model.StateSlow)
		required = "Slow down and request operator review; improve perception confidence."
	}

	// SAFE_SPEED_01: zone speed limits.
	limit := e.cfg.ZoneLimit(t.Zone)
	if maxSpeed > limit {
		hit(RuleSafeSpeed,
			fmt.Sprintf("Speed too high for zone %q: %.2f > %.2f.", t.Zone, maxSpeed, limit),
			0.85, model.StateSlow)
		required = fmt.Sprintf("Reduce max_speed to <= %.2f.", limit)
	}

	// HUMAN_CLEARANCE_02: confident human present and moving too fast.
	if humanPresent && humanConf >= e.cfg.MinHumanConf && maxSpeed > e.cfg.MaxSpeedNearHumanMS {
		hit(RuleHumanClearance,
			fmt.Sprintf("Human nearby (conf=%.2f); max_speed %.2f too high.", humanConf, maxSpeed),
			0.88, model.StateSlow)
		required = fmt.Sprintf("Reduce max_speed to <= %.2f near humans.", e.cfg.MaxSpeedNearHumanMS)
	}

	// Residual risk bump for barely-credible detections; not a hit on its own.
	if t.HumanDetected && t.HumanConf < e.cfg.MinConfForMove {
		risk = math.Max(risk, 0.7)
	}

	// HITL_05: aggregate risk at the review threshold without any concrete
	// rule firing still deserves a human look.
	if len(hits) == 0 && risk >= e.cfg.ReviewRiskThreshold {
		hits = append(hits, RuleHumanReview)
		reasons = append(reasons, fmt.Sprintf("Aggregate risk %.2f at or above review threshold %.2f.", risk, e.cfg.ReviewRiskThreshold))
		return model.GovernanceDecision{
			Decision:       model.DecisionNeedsReview,
			PolicyHits:     hits,
			Reasons:        reasons,
			RequiredAction: "Route to human review before execution.",
			RiskScore:      risk,
			PolicyState:    state,
		}
	}

	if len(hits) == 0 {
		return model.GovernanceDecision{
			Decision:    model.DecisionApproved,
			PolicyHits:  []string{},
			Reasons:     []string{},
			RiskScore:   risk,
			PolicyState: model.StateSafe,
		}
	}

	decision := model.DecisionDenied
	if risk >= e.cfg.ReviewRiskThreshold && !contains(hits, RuleGeofence) {
		decision = model.DecisionNeedsReview
	}

	return model.GovernanceDecision{
		Decision:       decision,
		PolicyHits:     hits,
		Reasons:        reasons,
		RequiredAction: required,
		RiskScore:      risk,
		PolicyState:    state,
	}
}

// nearestHuman picks the closest credible human candidate: the primary
// detection and any walking workers all compete, the nearer one wins.
func nearestHuman(t model.Telemetry) (dist, conf float64, present bool) {
	if t.HumanDetected {
		dist, conf, present = t.HumanDistanceM, t.HumanConf, true
	}
	for _, w := range t.WalkingHumans {
		d := math.Hypot(w.X-t.X, w.Y-t.Y)
		if !present || d < dist {
			dist, conf, present = d, w.Conf, true
		}
	}
	return dist, conf, present
}

func contains(hits []string, rule string) bool {
	for _, h := range hits {
		if h == rule {
			return true
		}
	}
	return false
}
