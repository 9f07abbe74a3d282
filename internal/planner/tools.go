package planner

import (
	"fmt"
	"math"
	"strings"

	"github.com/gridline-robotics/warden/internal/policy"
	"github.com/gridline-robotics/warden/model"
)

// Tool names the agent may invoke. submit_action is the sentinel that ends
// a reasoning chain.
const (
	ToolCheckPolicy       = "check_policy"
	ToolGetWorldState     = "get_world_state"
	ToolCalculateDistance = "calculate_distance"
	ToolDecomposeTask     = "decompose_task"
	ToolSubmitAction      = "submit_action"
)

// pathClearanceM is how close an obstacle may sit to a straight path before
// calculate_distance flags it.
const pathClearanceM = 1.5

// toolExecutor runs agent tool calls against a frozen view of the
// environment. Every tool is side-effect free.
type toolExecutor struct {
	telem model.Telemetry
	world *model.World
	eval  *policy.Evaluator
}

func (t *toolExecutor) execute(name string, input map[string]any) string {
	switch name {
	case ToolCheckPolicy:
		return t.checkPolicy(input)
	case ToolGetWorldState:
		return t.worldState()
	case ToolCalculateDistance:
		return t.calculateDistance(input)
	case ToolDecomposeTask:
		return t.decomposeTask(input)
	}
	return fmt.Sprintf("Unknown tool: %s", name)
}

func (t *toolExecutor) checkPolicy(input map[string]any) string {
	intent := model.IntentMoveTo
	if v, ok := input["intent"].(string); ok && v != "" {
		intent = model.Intent(v)
	}
	proposal := model.ActionProposal{
		Intent: intent,
		Params: map[string]any{
			"x":         num(input, "x", 0),
			"y":         num(input, "y", 0),
			"max_speed": num(input, "max_speed", 0.5),
		},
		Rationale: "Policy pre-check",
	}
	d := t.eval.Evaluate(t.telem, proposal)
	hits := "none"
	if len(d.PolicyHits) > 0 {
		hits = strings.Join(d.PolicyHits, ", ")
	}
	reasons := "none"
	if len(d.Reasons) > 0 {
		reasons = strings.Join(d.Reasons, "; ")
	}
	return fmt.Sprintf("Decision: %s. Policy hits: %s. Risk score: %.2f. Policy state: %s. Reasons: %s.",
		d.Decision, hits, d.RiskScore, d.PolicyState, reasons)
}

func (t *toolExecutor) worldState() string {
	parts := []string{
		fmt.Sprintf("Robot position: (%.2f, %.2f)", t.telem.X, t.telem.Y),
		fmt.Sprintf("Robot speed: %.2f m/s", t.telem.Speed),
		fmt.Sprintf("Zone: %s", t.telem.Zone),
		fmt.Sprintf("Nearest obstacle: %.2fm", t.telem.NearestObstacleM),
		fmt.Sprintf("Human detected: %t", t.telem.HumanDetected),
	}
	if t.telem.HumanDetected {
		parts = append(parts,
			fmt.Sprintf("Human distance: %.2fm (confidence %.2f)", t.telem.HumanDistanceM, t.telem.HumanConf))
	}
	if t.world != nil {
		g := t.world.Geofence
		parts = append(parts,
			fmt.Sprintf("Geofence: x[%.0f-%.0f], y[%.0f-%.0f]", g.MinX, g.MaxX, g.MinY, g.MaxY))
		if len(t.world.Zones) > 0 {
			zones := make([]string, len(t.world.Zones))
			for i, z := range t.world.Zones {
				zones[i] = fmt.Sprintf("%s(y:%.0f-%.0f)", z.Name, z.Rect.MinY, z.Rect.MaxY)
			}
			parts = append(parts, "Zones: "+strings.Join(zones, ", "))
		}
		if len(t.world.Obstacles) > 0 {
			obs := make([]string, len(t.world.Obstacles))
			for i, o := range t.world.Obstacles {
				obs[i] = fmt.Sprintf("(%.1f,%.1f)", o.X, o.Y)
			}
			parts = append(parts, "Obstacles at: "+strings.Join(obs, ", "))
		}
		if t.world.Human != nil {
			parts = append(parts,
				fmt.Sprintf("Human at: (%.1f, %.1f)", t.world.Human.X, t.world.Human.Y))
		}
	}
	return strings.Join(parts, "\n")
}

func (t *toolExecutor) calculateDistance(input map[string]any) string {
	fx, fy := num(input, "from_x", 0), num(input, "from_y", 0)
	tx, ty := num(input, "to_x", 0), num(input, "to_y", 0)
	d := math.Hypot(tx-fx, ty-fy)

	result := fmt.Sprintf("Distance: %.2fm.", d)
	if t.world == nil {
		return result + " Path appears clear of obstacles."
	}
	for _, ob := range t.world.Obstacles {
		obsDist := segmentPointDistance(ob.X, ob.Y, fx, fy, tx, ty)
		if obsDist < pathClearanceM {
			return result + fmt.Sprintf(
				" WARNING: Obstacle at (%.1f, %.1f) is %.1fm from path and may cause denial.",
				ob.X, ob.Y, obsDist)
		}
	}
	return result + " Path appears clear of obstacles."
}

func (t *toolExecutor) decomposeTask(input map[string]any) string {
	instruction := ""
	if v, ok := input["instruction"].(string); ok {
		instruction = strings.ToLower(v)
	}

	var goals []string
	switch {
	case strings.Contains(instruction, "bay") || strings.Contains(instruction, "loading"):
		if t.telem.Y < 12 {
			goals = []string{
				"1. Navigate through aisle to y=12 boundary (stay in clear corridor)",
				"2. Cross into loading bay zone (reduce speed to 0.4 m/s)",
				"3. Approach target position in loading bay",
				"4. STOP at destination",
			}
		} else {
			goals = []string{
				"1. Navigate to target position in loading bay",
				"2. STOP at destination",
			}
		}
	case strings.Contains(instruction, "avoid") || strings.Contains(instruction, "around"):
		goals = []string{
			"1. Check obstacle and human positions",
			"2. Plan waypoints that maintain >1.5m clearance from all obstacles",
			"3. Reduce speed near humans (<0.4 m/s within 3m)",
			"4. Navigate via waypoints to target",
			"5. STOP at destination",
		}
	default:
		goals = []string{
			"1. Check current environment for hazards",
			"2. Plan direct path to goal",
			"3. Navigate to goal with safe speed",
			"4. STOP at destination",
		}
	}
	return "Sub-goals:\n" + strings.Join(goals, "\n")
}

func num(vals map[string]any, key string, def float64) float64 {
	switch v := vals[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return def
}
