package model

import "time"

// MissionStatus is the lifecycle state of a Mission.
type MissionStatus string

const (
	MissionDraft     MissionStatus = "draft"
	MissionExecuting MissionStatus = "executing"
	MissionPaused    MissionStatus = "paused"
	MissionCompleted MissionStatus = "completed"
	MissionFailed    MissionStatus = "failed"
	MissionDeleted   MissionStatus = "deleted"
)

// Mission is a declarative goal for the robot. The goal mapping is free-form;
// its canonical shape carries {x, y} target coordinates.
type Mission struct {
	ID        string         `json:"id"`
	Title     string         `json:"title"`
	Goal      map[string]any `json:"goal"`
	Status    MissionStatus  `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// GoalEditable reports whether the mission's goal may still be changed.
// Once a mission is executing (or terminal) the goal is frozen.
func (m *Mission) GoalEditable() bool {
	return m.Status == MissionDraft || m.Status == MissionPaused
}

// GoalXY extracts the canonical {x, y} target from the goal mapping,
// defaulting to the origin for missing or malformed entries.
func (m *Mission) GoalXY() (float64, float64) {
	return numField(m.Goal, "x"), numField(m.Goal, "y")
}

func numField(vals map[string]any, key string) float64 {
	if vals == nil {
		return 0
	}
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
	return 0
}

// MissionAudit is one entry in a mission's control-plane audit log. Every
// state-changing operation on a Mission appends one. This log is append-only
// but, unlike the run event chain, not hash-linked.
type MissionAudit struct {
	ID        string         `json:"id"`
	MissionID string         `json:"mission_id"`
	OldValues map[string]any `json:"old_values"`
	NewValues map[string]any `json:"new_values"`
	Actor     string         `json:"actor"`
	Details   string         `json:"details"`
	TS        time.Time      `json:"ts"`
}

// missionTransitions enumerates the allowed status moves. Soft deletion is
// modelled as a transition into MissionDeleted.
var missionTransitions = map[MissionStatus][]MissionStatus{
	MissionDraft:     {MissionExecuting, MissionDeleted},
	MissionExecuting: {MissionPaused, MissionCompleted, MissionFailed, MissionDeleted},
	MissionPaused:    {MissionExecuting, MissionCompleted, MissionFailed, MissionDeleted},
	MissionCompleted: {MissionDeleted},
	MissionFailed:    {MissionDeleted},
}

// CanTransition reports whether a mission may move from its current status
// to the target status.
func (m *Mission) CanTransition(to MissionStatus) bool {
	for _, allowed := range missionTransitions[m.Status] {
		if allowed == to {
			return true
		}
	}
	return false
}
