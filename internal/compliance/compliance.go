// Package compliance turns a run's event chain into governance evidence: a
// decision metrics rollup, chain validity, and mappings onto the AI
// governance frameworks auditors ask about.
package compliance

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gridline-robotics/warden/internal/chain"
	"github.com/gridline-robotics/warden/internal/policy"
	"github.com/gridline-robotics/warden/model"
)

// Metrics is the decision rollup over one run's DECISION events.
type Metrics struct {
	TotalDecisions     int            `json:"total_decisions"`
	Approved           int            `json:"approved"`
	Denied             int            `json:"denied"`
	NeedsReview        int            `json:"needs_review"`
	ApprovalRate       float64        `json:"approval_rate"`
	MeanRisk           float64        `json:"mean_risk"`
	MaxRisk            float64        `json:"max_risk"`
	ViolationsByPolicy map[string]int `json:"violations_by_policy"`
}

// Control is one framework control with its standing in this system.
type Control struct {
	Control  string `json:"control"`
	Status   string `json:"status"`
	Evidence string `json:"evidence"`
}

// Report is the full compliance artifact for one run.
type Report struct {
	RunID       string               `json:"run_id"`
	MissionID   string               `json:"mission_id"`
	GeneratedAt time.Time            `json:"generated_at"`
	Metrics     Metrics              `json:"metrics"`
	EventCount  int                  `json:"event_count"`
	ChainValid  bool                 `json:"chain_valid"`
	Frameworks  map[string][]Control `json:"frameworks"`
}

// BuildReport computes the report from a run and its ordered event chain.
// Pure: same inputs, same report (modulo GeneratedAt).
func BuildReport(run *model.Run, events []*model.Event) *Report {
	m := rollup(events)
	return &Report{
		RunID:       run.ID,
		MissionID:   run.MissionID,
		GeneratedAt: time.Now().UTC(),
		Metrics:     m,
		EventCount:  len(events),
		ChainValid:  chain.VerifyChain(events).Valid,
		Frameworks:  frameworks(m),
	}
}

func rollup(events []*model.Event) Metrics {
	m := Metrics{ViolationsByPolicy: map[string]int{}}
	var riskSum float64
	for _, e := range events {
		if e.Type != model.EventDecision {
			continue
		}
		m.TotalDecisions++
		switch decisionOf(e) {
		case string(model.DecisionApproved):
			m.Approved++
		case string(model.DecisionDenied):
			m.Denied++
		case string(model.DecisionNeedsReview):
			m.NeedsReview++
		}
		risk := riskOf(e)
		riskSum += risk
		if risk > m.MaxRisk {
			m.MaxRisk = risk
		}
		for _, hit := range policyHits(e) {
			m.ViolationsByPolicy[hit]++
		}
	}
	if m.TotalDecisions > 0 {
		m.ApprovalRate = float64(m.Approved) / float64(m.TotalDecisions)
		m.MeanRisk = riskSum / float64(m.TotalDecisions)
	}
	return m
}

// frameworks renders the static control tables, weaving the run's numbers
// into the evidence column.
func frameworks(m Metrics) map[string][]Control {
	decisions := fmt.Sprintf("%d decisions evaluated, %.0f%% approved", m.TotalDecisions, m.ApprovalRate*100)
	return map[string][]Control{
		"ISO 42001": {
			{
				Control:  "6.1 Risk and opportunity management",
				Status:   "implemented",
				Evidence: "Every proposal is risk-scored before execution; " + decisions + ".",
			},
			{
				Control:  "8.4 AI system impact assessment",
				Status:   "implemented",
				Evidence: "Policy evaluator checks geofence, human proximity, obstacle clearance, and speed per action.",
			},
			{
				Control:  "9.1 Monitoring and measurement",
				Status:   "implemented",
				Evidence: "Hash-linked event chain and telemetry log persist every decision with its context.",
			},
		},
		"EU AI Act": {
			{
				Control:  "Art. 9 Risk management system",
				Status:   "implemented",
				Evidence: fmt.Sprintf("Continuous risk scoring; mean risk %.2f, max %.2f across the run.", m.MeanRisk, m.MaxRisk),
			},
			{
				Control:  "Art. 12 Record-keeping",
				Status:   "implemented",
				Evidence: "Tamper-evident SHA-256 event chain with offline-verifiable audit bundles.",
			},
			{
				Control:  "Art. 14 Human oversight",
				Status:   "implemented",
				Evidence: fmt.Sprintf("NEEDS_REVIEW routing plus manual-override WAIT; %d decisions routed to review.", m.NeedsReview),
			},
		},
		"NIST AI RMF": {
			{
				Control:  "GOVERN: policies and accountability",
				Status:   "implemented",
				Evidence: fmt.Sprintf("Static policy catalog of %d rules with severities; every hit recorded.", len(policy.Catalog())),
			},
			{
				Control:  "MEASURE: risk tracking",
				Status:   "implemented",
				Evidence: fmt.Sprintf("Per-decision risk scores; %d policy violations attributed by rule.", totalViolations(m)),
			},
			{
				Control:  "MANAGE: response to incidents",
				Status:   "implemented",
				Evidence: fmt.Sprintf("%d denials enforced in-loop; runs fail closed on simulator loss.", m.Denied),
			},
		},
	}
}

func totalViolations(m Metrics) int {
	n := 0
	for _, v := range m.ViolationsByPolicy {
		n += v
	}
	return n
}

// Summary renders the report as operator-readable text.
func (r *Report) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Compliance report for run %s (mission %s)\n", r.RunID, r.MissionID)
	fmt.Fprintf(&b, "Generated: %s\n\n", r.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "Decisions: %d total, %d approved, %d denied, %d needs-review (approval rate %.1f%%)\n",
		r.Metrics.TotalDecisions, r.Metrics.Approved, r.Metrics.Denied, r.Metrics.NeedsReview,
		r.Metrics.ApprovalRate*100)
	fmt.Fprintf(&b, "Risk: mean %.2f, max %.2f\n", r.Metrics.MeanRisk, r.Metrics.MaxRisk)

	if len(r.Metrics.ViolationsByPolicy) > 0 {
		b.WriteString("Violations by policy:\n")
		ids := make([]string, 0, len(r.Metrics.ViolationsByPolicy))
		for id := range r.Metrics.ViolationsByPolicy {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			fmt.Fprintf(&b, "  %s: %d\n", id, r.Metrics.ViolationsByPolicy[id])
		}
	}

	fmt.Fprintf(&b, "Event chain: %d events, valid=%t\n\n", r.EventCount, r.ChainValid)

	names := make([]string, 0, len(r.Frameworks))
	for name := range r.Frameworks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, "%s:\n", name)
		for _, c := range r.Frameworks[name] {
			fmt.Fprintf(&b, "  [%s] %s: %s\n", c.Status, c.Control, c.Evidence)
		}
	}
	return b.String()
}

func decisionOf(e *model.Event) string {
	if v, ok := e.Payload["decision"].(string); ok {
		return v
	}
	if gov, ok := e.Payload["governance"].(map[string]any); ok {
		if v, ok := gov["decision"].(string); ok {
			return v
		}
	}
	return ""
}

func riskOf(e *model.Event) float64 {
	if v, ok := e.Payload["risk_score"].(float64); ok {
		return v
	}
	if gov, ok := e.Payload["governance"].(map[string]any); ok {
		if v, ok := gov["risk_score"].(float64); ok {
			return v
		}
	}
	return 0
}

func policyHits(e *model.Event) []string {
	gov, ok := e.Payload["governance"].(map[string]any)
	if !ok {
		return nil
	}
	switch hits := gov["policy_hits"].(type) {
	case []string:
		return hits
	case []any:
		out := make([]string, 0, len(hits))
		for _, h := range hits {
			if s, ok := h.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
