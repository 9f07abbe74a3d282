package planner

import (
	"fmt"

	"github.com/gridline-robotics/warden/model"
)

// Analysis is a rule-based digest of a run's event log: what went wrong,
// how risky it was, what to do about it. Deterministic by construction so
// the same log always yields the same report.
type Analysis struct {
	Findings        []string       `json:"findings"`
	RiskSummary     map[string]int `json:"risk_summary"`
	Recommendations []string       `json:"recommendations"`
}

// AnalyzeEvents digests an event log for denials, alerts, and high-risk
// decisions.
func AnalyzeEvents(events []*model.Event) Analysis {
	var denials, alerts, highRisk int
	for _, e := range events {
		switch e.Type {
		case model.EventAlert:
			alerts++
		case model.EventDecision:
			if decisionOf(e) == string(model.DecisionDenied) {
				denials++
			}
			if riskOf(e) > 0.7 {
				highRisk++
			}
		}
	}

	var findings, recs []string
	if denials > 0 {
		findings = append(findings, fmt.Sprintf("%d governance denial(s) detected.", denials))
		recs = append(recs, "Review denied waypoints and consider safer routing.")
	}
	if alerts > 0 {
		findings = append(findings, fmt.Sprintf("%d alert(s) raised during mission.", alerts))
	}
	if highRisk > 0 {
		findings = append(findings, fmt.Sprintf("%d high-risk decision(s) (risk > 0.7).", highRisk))
		recs = append(recs, "Lower speeds in high-risk zones or add waypoint buffers.")
	}
	if len(findings) == 0 {
		findings = append(findings, "No anomalies detected. Mission telemetry looks nominal.")
	}
	if len(recs) == 0 {
		recs = append(recs, "Continue current operational pattern.")
	}

	return Analysis{
		Findings: findings,
		RiskSummary: map[string]int{
			"total_events":        len(events),
			"denials":             denials,
			"alerts":              alerts,
			"high_risk_decisions": highRisk,
		},
		Recommendations: recs,
	}
}

// Failure is one detected failure pattern.
type Failure struct {
	Type        string `json:"type"`
	Severity    string `json:"severity"`
	Description string `json:"description"`
	Mitigation  string `json:"mitigation"`
}

// FailureReport summarizes detected failure patterns and overall health.
type FailureReport struct {
	Failures     []Failure `json:"failures"`
	TotalEvents  int       `json:"total_events_analyzed"`
	HealthStatus string    `json:"health_status"`
}

const (
	// stuckWindow telemetry samples with under stuckEpsilonM of movement
	// reads as a stuck robot.
	stuckWindow   = 5
	stuckEpsilonM = 0.3

	repeatedDenialLimit = 3
)

// DetectFailures scans a run's event log for stuck-robot and denied-loop
// patterns.
func DetectFailures(events []*model.Event) FailureReport {
	var failures []Failure

	denials := 0
	var positions [][2]float64
	for _, e := range events {
		switch e.Type {
		case model.EventDecision:
			if decisionOf(e) == string(model.DecisionDenied) {
				denials++
			}
		case model.EventTelemetry:
			positions = append(positions, [2]float64{
				num(e.Payload, "x", 0), num(e.Payload, "y", 0),
			})
		}
	}

	if denials >= repeatedDenialLimit {
		failures = append(failures, Failure{
			Type:        "REPEATED_DENIALS",
			Severity:    "HIGH",
			Description: fmt.Sprintf("%d governance denials; robot may be stuck in a denied loop.", denials),
			Mitigation:  "Re-plan route to avoid policy-violating zones.",
		})
	}
	if len(positions) >= stuckWindow {
		recent := positions[len(positions)-stuckWindow:]
		minX, maxX := recent[0][0], recent[0][0]
		minY, maxY := recent[0][1], recent[0][1]
		for _, p := range recent[1:] {
			minX, maxX = min(minX, p[0]), max(maxX, p[0])
			minY, maxY = min(minY, p[1]), max(maxY, p[1])
		}
		if maxX-minX < stuckEpsilonM && maxY-minY < stuckEpsilonM {
			failures = append(failures, Failure{
				Type:        "STUCK_ROBOT",
				Severity:    "HIGH",
				Description: "Robot position has barely changed over recent telemetry samples.",
				Mitigation:  "Issue a new plan or manually reposition.",
			})
		}
	}
	if len(failures) == 0 {
		failures = append(failures, Failure{
			Type:        "NONE",
			Severity:    "LOW",
			Description: "No failure patterns detected.",
			Mitigation:  "Continue normal operations.",
		})
	}

	health := "OK"
	for _, f := range failures {
		if f.Severity == "HIGH" {
			health = "CRITICAL"
		}
	}
	return FailureReport{Failures: failures, TotalEvents: len(events), HealthStatus: health}
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
		return num(gov, "risk_score", 0)
	}
	return 0
}
