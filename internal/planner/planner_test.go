package planner

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/gridline-robotics/warden/internal/planner/genai"
	"github.com/gridline-robotics/warden/internal/policy"
	"github.com/gridline-robotics/warden/model"
)

// fakeLLM replays canned completions and records prompts.
type fakeLLM struct {
	responses []string
	prompts   []string
}

func (f *fakeLLM) Generate(_ context.Context, prompt string) (string, string, error) {
	f.prompts = append(f.prompts, prompt)
	if len(f.responses) == 0 {
		return "", "", genai.ErrUnavailable
	}
	r := f.responses[0]
	f.responses = f.responses[1:]
	return r, "fake-model", nil
}

func safeTelemetry() model.Telemetry {
	return model.Telemetry{
		X: 5, Y: 5, Zone: "aisle",
		NearestObstacleM: 5.0,
		HumanDistanceM:   999,
	}
}

func steps(items ...map[string]any) string {
	b, _ := json.Marshal(items)
	return string(b)
}

func submitStep(x, y, speed float64) map[string]any {
	return map[string]any{
		"thought": "submitting",
		"action":  ToolSubmitAction,
		"action_input": map[string]any{
			"intent": "MOVE_TO", "x": x, "y": y, "max_speed": speed,
			"rationale": "heading to goal",
		},
	}
}

func TestDirect_Propose_ParsesAndClamps(t *testing.T) {
	llm := &fakeLLM{responses: []string{
		"```json\n" + `{"intent":"MOVE_TO","params":{"x":50,"y":-3,"max_speed":2.0},"rationale":"go"}` + "\n```",
	}}
	d := NewDirect(llm, policy.NewEvaluator(policy.DefaultConfig()), nil)

	res, err := d.Propose(context.Background(), Input{Telemetry: safeTelemetry(), Goal: Goal{X: 10, Y: 10}, Task: "go"})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if res.ModelUsed != "fake-model" {
		t.Fatalf("model: %s", res.ModelUsed)
	}
	x, y, speed := res.Proposal.MoveParams()
	if x != 30 || y != 0 {
		t.Fatalf("coordinates not clamped to fence: (%f, %f)", x, y)
	}
	if speed != 1.0 {
		t.Fatalf("speed not clamped: %f", speed)
	}
	if !strings.HasPrefix(res.Proposal.Rationale, "[fake-model]") {
		t.Fatalf("rationale not tagged: %q", res.Proposal.Rationale)
	}
}

func TestDirect_Propose_FallbackSpeeds(t *testing.T) {
	d := NewDirect(&fakeLLM{}, policy.NewEvaluator(policy.DefaultConfig()), nil)

	res, err := d.Propose(context.Background(), Input{Telemetry: safeTelemetry(), Goal: Goal{X: 10, Y: 10}})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if res.ModelUsed != FallbackModel {
		t.Fatalf("model: %s", res.ModelUsed)
	}
	if _, _, speed := res.Proposal.MoveParams(); speed != 0.6 {
		t.Fatalf("clear-floor fallback speed: %f", speed)
	}

	telem := safeTelemetry()
	telem.HumanDetected = true
	telem.HumanConf = 0.9
	telem.HumanDistanceM = 5
	res, _ = d.Propose(context.Background(), Input{Telemetry: telem, Goal: Goal{X: 10, Y: 10}})
	if _, _, speed := res.Proposal.MoveParams(); speed != 0.4 {
		t.Fatalf("human-present fallback speed: %f", speed)
	}
}

func TestDirect_Propose_StopAtGoal(t *testing.T) {
	d := NewDirect(&fakeLLM{}, policy.NewEvaluator(policy.DefaultConfig()), nil)
	telem := safeTelemetry()
	telem.X, telem.Y = 10.2, 9.8

	res, err := d.Propose(context.Background(), Input{Telemetry: telem, Goal: Goal{X: 10, Y: 10}})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if res.Proposal.Intent != model.IntentStop {
		t.Fatalf("intent at goal: %s", res.Proposal.Intent)
	}
}

func TestDirect_GeneratePlan_Fallback(t *testing.T) {
	d := NewDirect(&fakeLLM{}, policy.NewEvaluator(policy.DefaultConfig()), nil)
	telem := safeTelemetry() // at (5, 5)

	plan, err := d.GeneratePlan(context.Background(), telem, "go to bay", &Goal{X: 15, Y: 15})
	if err != nil {
		t.Fatalf("generate plan: %v", err)
	}
	if plan.ModelUsed != FallbackModel {
		t.Fatalf("model: %s", plan.ModelUsed)
	}
	if len(plan.Waypoints) != 2 {
		t.Fatalf("waypoint count: %d", len(plan.Waypoints))
	}
	if plan.Waypoints[0].X != 10 || plan.Waypoints[0].Y != 10 {
		t.Fatalf("midpoint: %+v", plan.Waypoints[0])
	}
	if plan.Waypoints[1].X != 15 || plan.Waypoints[1].Y != 15 {
		t.Fatalf("goal waypoint: %+v", plan.Waypoints[1])
	}
}

func TestDirect_Fallback_ClampsOutOfFenceGoal(t *testing.T) {
	d := NewDirect(&fakeLLM{}, policy.NewEvaluator(policy.DefaultConfig()), nil)

	res, err := d.Propose(context.Background(), Input{Telemetry: safeTelemetry(), Goal: Goal{X: 50, Y: 25}})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if x, y, _ := res.Proposal.MoveParams(); x != 30 || y != 20 {
		t.Fatalf("fallback target not clamped to fence: (%f, %f)", x, y)
	}

	// At the fence edge the clamped goal is reached: stop, not spin.
	telem := safeTelemetry()
	telem.X, telem.Y = 30, 20
	res, err = d.Propose(context.Background(), Input{Telemetry: telem, Goal: Goal{X: 50, Y: 25}})
	if err != nil {
		t.Fatalf("propose at edge: %v", err)
	}
	if res.Proposal.Intent != model.IntentStop {
		t.Fatalf("intent at clamped goal: %s", res.Proposal.Intent)
	}
}

func TestDirect_GeneratePlan_FallbackClampsGoal(t *testing.T) {
	d := NewDirect(&fakeLLM{}, policy.NewEvaluator(policy.DefaultConfig()), nil)
	telem := safeTelemetry() // at (5, 5)

	plan, err := d.GeneratePlan(context.Background(), telem, "go to bay", &Goal{X: 50, Y: 25})
	if err != nil {
		t.Fatalf("generate plan: %v", err)
	}
	fence := policy.DefaultConfig().Geofence
	for i, wp := range plan.Waypoints {
		if !fence.Contains(wp.X, wp.Y) {
			t.Fatalf("waypoint %d outside geofence: (%f, %f)", i+1, wp.X, wp.Y)
		}
	}
	last := plan.Waypoints[len(plan.Waypoints)-1]
	if last.X != 30 || last.Y != 20 {
		t.Fatalf("goal waypoint not clamped to fence edge: %+v", last)
	}
}

func TestDirect_GeneratePlan_ClampsModelOutput(t *testing.T) {
	llm := &fakeLLM{responses: []string{
		`{"waypoints":[{"x":40,"y":10,"max_speed":3.0},{"x":15,"y":10,"max_speed":0.5}],"rationale":"route","estimated_time_s":20}`,
	}}
	d := NewDirect(llm, policy.NewEvaluator(policy.DefaultConfig()), nil)

	plan, err := d.GeneratePlan(context.Background(), safeTelemetry(), "go", &Goal{X: 15, Y: 10})
	if err != nil {
		t.Fatalf("generate plan: %v", err)
	}
	if plan.Waypoints[0].X != 30 {
		t.Fatalf("x not clamped: %f", plan.Waypoints[0].X)
	}
	if plan.Waypoints[0].MaxSpeed != 1.0 {
		t.Fatalf("speed not clamped: %f", plan.Waypoints[0].MaxSpeed)
	}
}

func TestAgentic_ToolChainThenSubmit(t *testing.T) {
	llm := &fakeLLM{responses: []string{steps(
		map[string]any{"thought": "look around", "action": ToolGetWorldState, "action_input": map[string]any{}},
		map[string]any{"thought": "check it", "action": ToolCheckPolicy,
			"action_input": map[string]any{"intent": "MOVE_TO", "x": 10.0, "y": 10.0, "max_speed": 0.3}},
		submitStep(10, 10, 0.3),
	)}}
	a := NewAgentic(llm, policy.NewEvaluator(policy.DefaultConfig()), nil)

	res, err := a.Propose(context.Background(), Input{Telemetry: safeTelemetry(), Goal: Goal{X: 10, Y: 10}, Task: "go"})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if res.Proposal.Intent != model.IntentMoveTo {
		t.Fatalf("intent: %s", res.Proposal.Intent)
	}
	if len(res.Thoughts) != 3 {
		t.Fatalf("thought count: %d", len(res.Thoughts))
	}
	if !strings.Contains(res.Thoughts[0].Observation, "Robot position") {
		t.Fatalf("world state observation: %q", res.Thoughts[0].Observation)
	}
	if !strings.Contains(res.Thoughts[1].Observation, "Decision: APPROVED") {
		t.Fatalf("policy observation: %q", res.Thoughts[1].Observation)
	}
	if !strings.Contains(res.Proposal.Rationale, "[fake-model/agentic]") {
		t.Fatalf("rationale: %q", res.Proposal.Rationale)
	}
}

func TestAgentic_ReplanAfterPreDenial(t *testing.T) {
	// First attempt proposes 0.9 m/s in an aisle (pre-denied), second
	// attempt drops to 0.3 and passes.
	llm := &fakeLLM{responses: []string{
		steps(submitStep(10, 10, 0.9)),
		steps(submitStep(10, 10, 0.3)),
	}}
	a := NewAgentic(llm, policy.NewEvaluator(policy.DefaultConfig()), nil)

	res, err := a.Propose(context.Background(), Input{Telemetry: safeTelemetry(), Goal: Goal{X: 10, Y: 10}, Task: "go"})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if _, _, speed := res.Proposal.MoveParams(); speed != 0.3 {
		t.Fatalf("final speed: %f", speed)
	}
	replanSeen := false
	for _, step := range res.Thoughts {
		if step.Action == "replan" {
			replanSeen = true
		}
	}
	if !replanSeen {
		t.Fatalf("no replan step in chain: %+v", res.Thoughts)
	}
	if !strings.Contains(llm.prompts[1], "PREVIOUS PROPOSAL WAS DENIED") {
		t.Fatalf("second prompt missing denial feedback")
	}
}

func TestAgentic_ExhaustedReplansYieldsWait(t *testing.T) {
	// Every attempt proposes an over-limit speed.
	llm := &fakeLLM{responses: []string{
		steps(submitStep(10, 10, 0.9)),
		steps(submitStep(10, 10, 0.9)),
		steps(submitStep(10, 10, 0.9)),
	}}
	a := NewAgentic(llm, policy.NewEvaluator(policy.DefaultConfig()), nil)

	res, err := a.Propose(context.Background(), Input{Telemetry: safeTelemetry(), Goal: Goal{X: 10, Y: 10}, Task: "go"})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if res.Proposal.Intent != model.IntentWait {
		t.Fatalf("intent after exhaustion: %s", res.Proposal.Intent)
	}
	if !strings.Contains(res.Proposal.Rationale, "manual override") {
		t.Fatalf("rationale: %q", res.Proposal.Rationale)
	}
	last := res.Thoughts[len(res.Thoughts)-1]
	if last.Action != "graceful_stop" {
		t.Fatalf("terminal step action: %s", last.Action)
	}
}

func TestAgentic_FallbackWhenReasoningUnavailable(t *testing.T) {
	a := NewAgentic(&fakeLLM{}, policy.NewEvaluator(policy.DefaultConfig()), nil)

	res, err := a.Propose(context.Background(), Input{Telemetry: safeTelemetry(), Goal: Goal{X: 10, Y: 10}})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if res.ModelUsed != FallbackModel {
		t.Fatalf("model: %s", res.ModelUsed)
	}
	if res.Proposal.Intent != model.IntentMoveTo {
		t.Fatalf("intent: %s", res.Proposal.Intent)
	}
	if _, _, speed := res.Proposal.MoveParams(); speed != 0.5 {
		t.Fatalf("fallback speed: %f", speed)
	}
}

func TestAgentic_ThrottleAfterRepeatedDenials(t *testing.T) {
	llm := &fakeLLM{responses: []string{steps(submitStep(10, 10, 0.3))}}
	a := NewAgentic(llm, policy.NewEvaluator(policy.DefaultConfig()), nil)
	for i := 0; i < 3; i++ {
		a.RecordOutcome(
			model.ActionProposal{Intent: model.IntentMoveTo},
			model.GovernanceDecision{Decision: model.DecisionDenied},
			false,
		)
	}

	if _, err := a.Propose(context.Background(), Input{Telemetry: safeTelemetry(), Goal: Goal{X: 10, Y: 10}}); err != nil {
		t.Fatalf("propose: %v", err)
	}
	if !strings.Contains(llm.prompts[0], "Significantly change your strategy") {
		t.Fatalf("prompt missing throttle warning")
	}
}

func TestAgentic_FallbackClampsOutOfFenceGoal(t *testing.T) {
	a := NewAgentic(&fakeLLM{}, policy.NewEvaluator(policy.DefaultConfig()), nil)

	res, err := a.Propose(context.Background(), Input{Telemetry: safeTelemetry(), Goal: Goal{X: 50, Y: 25}})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if res.Proposal.Intent != model.IntentMoveTo {
		t.Fatalf("intent: %s", res.Proposal.Intent)
	}
	if x, y, _ := res.Proposal.MoveParams(); x != 30 || y != 20 {
		t.Fatalf("fallback target not clamped to fence: (%f, %f)", x, y)
	}
}

func TestMemory_WindowAndDenialCount(t *testing.T) {
	m := NewMemory()
	for i := 0; i < 25; i++ {
		decision := model.DecisionApproved
		if i >= 22 {
			decision = model.DecisionDenied
		}
		m.Add(model.MemoryEntry{Intent: model.IntentMoveTo, Decision: decision})
	}

	if got := len(m.Snapshot()); got != 20 {
		t.Fatalf("window size: %d", got)
	}
	if got := m.DenialCount(5); got != 3 {
		t.Fatalf("denial count: %d", got)
	}
	ctxText := m.Context()
	if strings.Count(ctxText, "- Proposed") != 8 {
		t.Fatalf("prompt window: %q", ctxText)
	}
}

func TestMemory_StampsEntryTime(t *testing.T) {
	m := NewMemory()
	m.Add(model.MemoryEntry{Intent: model.IntentMoveTo, Decision: model.DecisionApproved})

	entries := m.Snapshot()
	if len(entries) != 1 {
		t.Fatalf("entry count: %d", len(entries))
	}
	if entries[0].TS.IsZero() {
		t.Fatalf("entry timestamp not stamped")
	}
}

func TestValidatePlan_FlagsBlockedWaypoint(t *testing.T) {
	eval := policy.NewEvaluator(policy.DefaultConfig())
	v := ValidatePlan(eval, safeTelemetry(), []model.Waypoint{
		{X: 10, Y: 10, MaxSpeed: 0.3},
		{X: 50, Y: 10, MaxSpeed: 0.3}, // outside the fence
	})
	if v.AllApproved {
		t.Fatalf("plan with out-of-fence waypoint approved")
	}
	if v.Checks[0].Decision.Blocked() {
		t.Fatalf("safe waypoint blocked: %+v", v.Checks[0].Decision)
	}
	if !v.Checks[1].Decision.Blocked() {
		t.Fatalf("unsafe waypoint approved")
	}
}

func TestPreviewRoute(t *testing.T) {
	route, mode := PreviewRoute(Goal{X: 0, Y: 0}, Goal{X: 10, Y: 0}, nil, 0.75)
	if mode != RouteStraight || len(route) != 2 {
		t.Fatalf("clear route: %s %d points", mode, len(route))
	}

	blocking := []model.Obstacle{{X: 5, Y: 0, R: 0.5}}
	route, mode = PreviewRoute(Goal{X: 0, Y: 0}, Goal{X: 10, Y: 0}, blocking, 0.75)
	if mode != RouteDetour || len(route) != 3 {
		t.Fatalf("blocked route: %s %d points", mode, len(route))
	}
	if d := segmentPointDistance(5, 0, route[0].X, route[0].Y, route[1].X, route[1].Y); d <= 0.5 {
		t.Fatalf("detour leg still hits obstacle: %f", d)
	}
}

func TestAnalyzeEvents(t *testing.T) {
	events := []*model.Event{
		{Type: model.EventDecision, Payload: map[string]any{"decision": "DENIED", "risk_score": 0.9}},
		{Type: model.EventAlert, Payload: map[string]any{"message": "near_miss"}},
		{Type: model.EventDecision, Payload: map[string]any{"decision": "APPROVED", "risk_score": 0.1}},
	}
	a := AnalyzeEvents(events)
	if a.RiskSummary["denials"] != 1 || a.RiskSummary["alerts"] != 1 || a.RiskSummary["high_risk_decisions"] != 1 {
		t.Fatalf("risk summary: %v", a.RiskSummary)
	}
	if len(a.Findings) != 3 {
		t.Fatalf("findings: %v", a.Findings)
	}

	clean := AnalyzeEvents(nil)
	if len(clean.Findings) != 1 || !strings.Contains(clean.Findings[0], "nominal") {
		t.Fatalf("clean findings: %v", clean.Findings)
	}
}

func TestDetectFailures_StuckRobot(t *testing.T) {
	var events []*model.Event
	for i := 0; i < 6; i++ {
		events = append(events, &model.Event{
			Type:    model.EventTelemetry,
			Payload: map[string]any{"x": 5.0, "y": 5.0},
		})
	}
	r := DetectFailures(events)
	if r.HealthStatus != "CRITICAL" {
		t.Fatalf("health: %s", r.HealthStatus)
	}
	found := false
	for _, f := range r.Failures {
		if f.Type == "STUCK_ROBOT" {
			found = true
		}
	}
	if !found {
		t.Fatalf("stuck robot not detected: %+v", r.Failures)
	}
}

func TestDetectFailures_Nominal(t *testing.T) {
	events := []*model.Event{
		{Type: model.EventTelemetry, Payload: map[string]any{"x": 1.0, "y": 1.0}},
		{Type: model.EventTelemetry, Payload: map[string]any{"x": 2.0, "y": 2.0}},
	}
	r := DetectFailures(events)
	if r.HealthStatus != "OK" {
		t.Fatalf("health: %s", r.HealthStatus)
	}
	if len(r.Failures) != 1 || r.Failures[0].Type != "NONE" {
		t.Fatalf("failures: %+v", r.Failures)
	}
}
