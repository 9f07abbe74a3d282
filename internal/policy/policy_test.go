package policy

import (
	"reflect"
	"testing"

	"github.com/gridline-robotics/warden/model"
)

func safeTelemetry() model.Telemetry {
	return model.Telemetry{
		X:                5,
		Y:                5,
		Zone:             "aisle",
		NearestObstacleM: 5.0,
		HumanDetected:    false,
		HumanConf:        0,
		HumanDistanceM:   999,
	}
}

func moveTo(x, y, speed float64) model.ActionProposal {
	return model.ActionProposal{
		Intent: model.IntentMoveTo,
		Params: map[string]any{"x": x, "y": y, "max_speed": speed},
	}
}

func TestEvaluate_SafeAisleMove(t *testing.T) {
	e := NewEvaluator(DefaultConfig())

	d := e.Evaluate(safeTelemetry(), moveTo(6, 6, 0.3))

	if d.Decision != model.DecisionApproved {
		t.Fatalf("decision: got %s, want APPROVED (%v)", d.Decision, d.Reasons)
	}
	if len(d.PolicyHits) != 0 {
		t.Fatalf("policy hits: got %v, want none", d.PolicyHits)
	}
	if d.RiskScore >= 0.7 {
		t.Fatalf("risk score: got %f, want < 0.7", d.RiskScore)
	}
	if d.PolicyState != model.StateSafe {
		t.Fatalf("policy state: got %s, want SAFE", d.PolicyState)
	}
}

func TestEvaluate_SpeedViolationInAisle(t *testing.T) {
	e := NewEvaluator(DefaultConfig())

	d := e.Evaluate(safeTelemetry(), moveTo(10, 10, 0.9))

	if d.Decision != model.DecisionDenied && d.Decision != model.DecisionNeedsReview {
		t.Fatalf("decision: got %s, want DENIED or NEEDS_REVIEW", d.Decision)
	}
	if !hasHit(d, RuleSafeSpeed) {
		t.Fatalf("expected %s in hits, got %v", RuleSafeSpeed, d.PolicyHits)
	}
	if d.PolicyState != model.StateSlow {
		t.Fatalf("policy state: got %s, want SLOW", d.PolicyState)
	}
}

func TestEvaluate_GeofenceAtSource(t *testing.T) {
	e := NewEvaluator(DefaultConfig())
	telem := safeTelemetry()
	telem.X = -5

	d := e.Evaluate(telem, moveTo(5, 5, 0.3))

	if d.Decision != model.DecisionDenied {
		t.Fatalf("decision: got %s, want DENIED", d.Decision)
	}
	if !hasHit(d, RuleGeofence) {
		t.Fatalf("expected %s in hits, got %v", RuleGeofence, d.PolicyHits)
	}
	if d.RiskScore < 0.95 {
		t.Fatalf("risk score: got %f, want >= 0.95", d.RiskScore)
	}
	if d.PolicyState != model.StateStop {
		t.Fatalf("policy state: got %s, want STOP", d.PolicyState)
	}
}

func TestEvaluate_DestinationOutsideGeofence(t *testing.T) {
	e := NewEvaluator(DefaultConfig())

	d := e.Evaluate(safeTelemetry(), moveTo(50, 5, 0.3))

	if d.Decision != model.DecisionDenied {
		t.Fatalf("decision: got %s, want DENIED", d.Decision)
	}
	if !hasHit(d, RuleGeofence) {
		t.Fatalf("expected %s in hits, got %v", RuleGeofence, d.PolicyHits)
	}
}

func TestEvaluate_ConfidentHumanTooFast(t *testing.T) {
	e := NewEvaluator(DefaultConfig())
	telem := safeTelemetry()
	telem.HumanDetected = true
	telem.HumanConf = 0.9
	telem.HumanDistanceM = 2.0

	d := e.Evaluate(telem, moveTo(6, 6, 0.8))

	if d.Decision != model.DecisionDenied && d.Decision != model.DecisionNeedsReview {
		t.Fatalf("decision: got %s, want DENIED or NEEDS_REVIEW", d.Decision)
	}
	if !hasHit(d, RuleHumanClearance) && !hasHit(d, RuleHumanProximity) {
		t.Fatalf("expected human rule in hits, got %v", d.PolicyHits)
	}
}

func TestEvaluate_StopAlwaysApproved(t *testing.T) {
	e := NewEvaluator(DefaultConfig())
	telem := safeTelemetry()
	telem.X = -100 // even out of fence
	telem.HumanDetected = true
	telem.HumanDistanceM = 0.1

	for _, intent := range []model.Intent{model.IntentStop, model.IntentWait} {
		d := e.Evaluate(telem, model.ActionProposal{Intent: intent})
		if d.Decision != model.DecisionApproved {
			t.Fatalf("%s: got %s, want APPROVED", intent, d.Decision)
		}
		if d.RiskScore != 0 {
			t.Fatalf("%s: risk score %f, want 0", intent, d.RiskScore)
		}
		if d.PolicyState != model.StateSafe {
			t.Fatalf("%s: state %s, want SAFE", intent, d.PolicyState)
		}
	}
}

func TestEvaluate_GeofenceCornerIsInside(t *testing.T) {
	e := NewEvaluator(DefaultConfig())
	telem := safeTelemetry()
	telem.X, telem.Y = 0, 0

	d := e.Evaluate(telem, moveTo(30, 20, 0.3))

	if hasHit(d, RuleGeofence) {
		t.Fatalf("corner positions must be inside the fence, got hits %v", d.PolicyHits)
	}
}

func TestEvaluate_ObstacleClearanceBoundary(t *testing.T) {
	e := NewEvaluator(DefaultConfig())

	telem := safeTelemetry()
	telem.NearestObstacleM = 0.5
	if d := e.Evaluate(telem, moveTo(6, 6, 0.3)); hasHit(d, RuleObstacleClearance) {
		t.Fatalf("clearance of exactly 0.5m must not trip, got %v", d.PolicyHits)
	}

	telem.NearestObstacleM = 0.499
	d := e.Evaluate(telem, moveTo(6, 6, 0.3))
	if !hasHit(d, RuleObstacleClearance) {
		t.Fatalf("clearance of 0.499m must trip, got %v", d.PolicyHits)
	}
	if d.PolicyState != model.StateReplan {
		t.Fatalf("policy state: got %s, want REPLAN", d.PolicyState)
	}
}

func TestEvaluate_HumanProximityBoundary(t *testing.T) {
	e := NewEvaluator(DefaultConfig())
	telem := safeTelemetry()
	telem.HumanDetected = true
	telem.HumanConf = 0.9

	telem.HumanDistanceM = 1.0
	d := e.Evaluate(telem, moveTo(6, 6, 0.3))
	if d.PolicyState != model.StateSlow {
		t.Fatalf("human at 1.0m: state %s, want SLOW", d.PolicyState)
	}

	telem.HumanDistanceM = 0.999
	d = e.Evaluate(telem, moveTo(6, 6, 0.3))
	if d.PolicyState != model.StateStop {
		t.Fatalf("human at 0.999m: state %s, want STOP", d.PolicyState)
	}
}

func TestEvaluate_NearestWorkerWins(t *testing.T) {
	e := NewEvaluator(DefaultConfig())
	telem := safeTelemetry()
	// Primary human far away, walking worker close.
	telem.HumanDetected = true
	telem.HumanConf = 0.9
	telem.HumanDistanceM = 10
	telem.WalkingHumans = []model.Detection{{X: 5.5, Y: 5, Conf: 0.8, Type: "worker"}}

	d := e.Evaluate(telem, moveTo(6, 6, 0.3))

	if d.PolicyState != model.StateStop {
		t.Fatalf("worker at 0.5m must force STOP, got %s (%v)", d.PolicyState, d.Reasons)
	}
	if !hasHit(d, RuleHumanProximity) {
		t.Fatalf("expected %s in hits, got %v", RuleHumanProximity, d.PolicyHits)
	}
}

func TestEvaluate_LowConfidenceDetection(t *testing.T) {
	e := NewEvaluator(DefaultConfig())
	telem := safeTelemetry()
	telem.HumanDetected = true
	telem.HumanConf = 0.4
	telem.HumanDistanceM = 5

	d := e.Evaluate(telem, moveTo(6, 6, 0.3))

	if !hasHit(d, RuleUncertainty) {
		t.Fatalf("expected %s in hits, got %v", RuleUncertainty, d.PolicyHits)
	}
	if d.PolicyState != model.StateSlow {
		t.Fatalf("policy state: got %s, want SLOW", d.PolicyState)
	}
}

func TestEvaluate_Deterministic(t *testing.T) {
	e := NewEvaluator(DefaultConfig())
	telem := safeTelemetry()
	telem.HumanDetected = true
	telem.HumanConf = 0.9
	telem.HumanDistanceM = 2.0
	prop := moveTo(6, 6, 0.8)

	first := e.Evaluate(telem, prop)
	for i := 0; i < 10; i++ {
		if d := e.Evaluate(telem, prop); !reflect.DeepEqual(d, first) {
			t.Fatalf("evaluation %d differs: %+v vs %+v", i, d, first)
		}
	}
}

func TestEvaluate_MostRestrictiveStateWins(t *testing.T) {
	e := NewEvaluator(DefaultConfig())
	telem := safeTelemetry()
	telem.X = -1                 // STOP via geofence
	telem.NearestObstacleM = 0.2 // REPLAN via clearance

	d := e.Evaluate(telem, moveTo(6, 6, 0.9))

	if d.PolicyState != model.StateStop {
		t.Fatalf("policy state: got %s, want STOP", d.PolicyState)
	}
}

func TestCatalog_CoversEveryRule(t *testing.T) {
	want := map[string]bool{
		RuleGeofence: false, RuleSafeSpeed: false, RuleHumanClearance: false,
		RuleHumanProximity: false, RuleObstacleClearance: false,
		RuleUncertainty: false, RuleHumanReview: false,
	}
	for _, info := range Catalog() {
		if _, ok := want[info.PolicyID]; !ok {
			t.Fatalf("catalog lists unknown rule %s", info.PolicyID)
		}
		want[info.PolicyID] = true
	}
	for rule, seen := range want {
		if !seen {
			t.Fatalf("catalog missing rule %s", rule)
		}
	}
}

func hasHit(d model.GovernanceDecision, rule string) bool {
	for _, h := range d.PolicyHits {
		if h == rule {
			return true
		}
	}
	return false
}
