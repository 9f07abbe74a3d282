package policy

// Severity grades how hard a rule bites when it fires.
type Severity string

const (
	SeverityLow    Severity = "LOW"
	SeverityMedium Severity = "MEDIUM"
	SeverityHigh   Severity = "HIGH"
)

// Info describes one rule for operators and compliance consumers.
type Info struct {
	PolicyID    string   `json:"policy_id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Severity    Severity `json:"severity"`
}

// Catalog lists the active rule set. The order matches evaluation order.
func Catalog() []Info {
	return []Info{
		{
			PolicyID:    RuleGeofence,
			Name:        "Geofence containment",
			Description: "Current and proposed positions must stay inside the operating rectangle.",
			Severity:    SeverityHigh,
		},
		{
			PolicyID:    RuleObstacleClearance,
			Name:        "Obstacle clearance",
			Description: "Movement is blocked when the nearest obstacle is closer than the minimum clearance.",
			Severity:    SeverityHigh,
		},
		{
			PolicyID:    RuleHumanProximity,
			Name:        "Human proximity",
			Description: "Full stop inside the human stop radius; capped speed inside the slow radius.",
			Severity:    SeverityHigh,
		},
		{
			PolicyID:    RuleUncertainty,
			Name:        "Perception uncertainty",
			Description: "Low-confidence human detections force reduced speed and operator review.",
			Severity:    SeverityMedium,
		},
		{
			PolicyID:    RuleSafeSpeed,
			Name:        "Zone speed limit",
			Description: "Each warehouse zone carries its own speed ceiling.",
			Severity:    SeverityMedium,
		},
		{
			PolicyID:    RuleHumanClearance,
			Name:        "Human clearance speed cap",
			Description: "With a confident human present, speed is capped regardless of zone.",
			Severity:    SeverityHigh,
		},
		{
			PolicyID:    RuleHumanReview,
			Name:        "Human-in-the-loop review",
			Description: "Aggregate risk at the review threshold without a concrete hit routes to a human.",
			Severity:    SeverityLow,
		},
	}
}
