package compliance

import (
	"context"
	"math"
	"strings"
	"testing"

	"github.com/gridline-robotics/warden/internal/chain"
	"github.com/gridline-robotics/warden/internal/policy"
	"github.com/gridline-robotics/warden/internal/store/memstore"
	"github.com/gridline-robotics/warden/model"
)

func decisionEvent(t *testing.T, log *chain.Log, runID, decision string, risk float64, hits ...string) {
	t.Helper()
	hitList := make([]any, len(hits))
	for i, h := range hits {
		hitList[i] = h
	}
	_, err := log.Append(context.Background(), runID, model.EventDecision, map[string]any{
		"decision":   decision,
		"risk_score": risk,
		"governance": map[string]any{
			"decision":    decision,
			"risk_score":  risk,
			"policy_hits": hitList,
		},
	})
	if err != nil {
		t.Fatalf("append decision: %v", err)
	}
}

func TestBuildReport_Rollup(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	log := chain.NewLog(st)
	run := &model.Run{ID: "run_1", MissionID: "mis_1"}

	decisionEvent(t, log, run.ID, "APPROVED", 0.1)
	decisionEvent(t, log, run.ID, "APPROVED", 0.2)
	decisionEvent(t, log, run.ID, "DENIED", 0.9, policy.RuleSafeSpeed)
	decisionEvent(t, log, run.ID, "NEEDS_REVIEW", 0.8, policy.RuleSafeSpeed, policy.RuleHumanClearance)
	if _, err := log.Append(ctx, run.ID, model.EventTelemetry, map[string]any{"x": 1.0, "y": 1.0}); err != nil {
		t.Fatalf("append telemetry: %v", err)
	}

	events, err := st.ListEvents(ctx, run.ID, 0, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	r := BuildReport(run, events)

	m := r.Metrics
	if m.TotalDecisions != 4 || m.Approved != 2 || m.Denied != 1 || m.NeedsReview != 1 {
		t.Fatalf("counts: %+v", m)
	}
	if m.ApprovalRate != 0.5 {
		t.Fatalf("approval rate: %f", m.ApprovalRate)
	}
	if math.Abs(m.MeanRisk-0.5) > 1e-9 {
		t.Fatalf("mean risk: %f", m.MeanRisk)
	}
	if m.MaxRisk != 0.9 {
		t.Fatalf("max risk: %f", m.MaxRisk)
	}
	if m.ViolationsByPolicy[policy.RuleSafeSpeed] != 2 || m.ViolationsByPolicy[policy.RuleHumanClearance] != 1 {
		t.Fatalf("violations: %v", m.ViolationsByPolicy)
	}
	if r.EventCount != 5 || !r.ChainValid {
		t.Fatalf("chain facts: count=%d valid=%t", r.EventCount, r.ChainValid)
	}
}

func TestBuildReport_DetectsTamperedChain(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	log := chain.NewLog(st)
	run := &model.Run{ID: "run_1"}
	decisionEvent(t, log, run.ID, "APPROVED", 0.1)
	decisionEvent(t, log, run.ID, "APPROVED", 0.1)

	events, _ := st.ListEvents(ctx, run.ID, 0, 0)
	events[0].Payload["risk_score"] = 0.99

	if r := BuildReport(run, events); r.ChainValid {
		t.Fatalf("tampered chain reported valid")
	}
}

func TestBuildReport_EmptyRun(t *testing.T) {
	r := BuildReport(&model.Run{ID: "run_1"}, nil)
	if r.Metrics.TotalDecisions != 0 || r.Metrics.ApprovalRate != 0 {
		t.Fatalf("empty metrics: %+v", r.Metrics)
	}
	if !r.ChainValid {
		t.Fatalf("empty chain must be valid")
	}
	if len(r.Frameworks) != 3 {
		t.Fatalf("framework count: %d", len(r.Frameworks))
	}
}

func TestSummary_RendersKeyFacts(t *testing.T) {
	st := memstore.New()
	log := chain.NewLog(st)
	run := &model.Run{ID: "run_1", MissionID: "mis_1"}
	decisionEvent(t, log, run.ID, "DENIED", 0.9, policy.RuleGeofence)

	events, _ := st.ListEvents(context.Background(), run.ID, 0, 0)
	text := BuildReport(run, events).Summary()

	for _, want := range []string{
		"run_1",
		"1 denied",
		policy.RuleGeofence + ": 1",
		"valid=true",
		"ISO 42001",
		"EU AI Act",
		"NIST AI RMF",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("summary missing %q:\n%s", want, text)
		}
	}
}
