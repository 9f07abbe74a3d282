package model

import "time"

// RunStatus is the lifecycle state of a Run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunStopped   RunStatus = "stopped"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == RunStopped || s == RunCompleted || s == RunFailed
}

// Run is one execution of a Mission. A Run exclusively owns its event chain,
// its telemetry samples, its in-memory plan queue, and its agent memory.
type Run struct {
	ID        string     `json:"id"`
	MissionID string     `json:"mission_id"`
	Status    RunStatus  `json:"status"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at"`
}

// EventType classifies entries in a run's event chain.
type EventType string

const (
	EventPlan      EventType = "PLAN"
	EventTelemetry EventType = "TELEMETRY"
	EventDecision  EventType = "DECISION"
	EventExecution EventType = "EXECUTION"
	EventAlert     EventType = "ALERT"
)

// Event is one link in the tamper-evident chain of a Run. The hash covers
// the canonical JSON of {run_id, ts, type, payload, prev_hash}; prev_hash of
// the first event is the 64-character zero hash. Events are append-only.
type Event struct {
	ID       string         `json:"id"`
	RunID    string         `json:"run_id"`
	TS       time.Time      `json:"ts"`
	Type     EventType      `json:"type"`
	Payload  map[string]any `json:"payload"`
	PrevHash string         `json:"prev_hash"`
	Hash     string         `json:"hash"`
}

// TelemetrySample is a raw telemetry snapshot kept for replay and debugging.
// Samples are not hash-linked.
type TelemetrySample struct {
	RunID   string         `json:"run_id"`
	TS      time.Time      `json:"ts"`
	Payload map[string]any `json:"payload"`
}
