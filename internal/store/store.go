// Package store defines the persistence contracts for missions, runs,
// events, telemetry, and mission audits. The runtime only ever talks to
// these interfaces; memstore and sqlitestore provide the implementations.
package store

import (
	"context"
	"errors"

	"github.com/gridline-robotics/warden/model"
)

var (
	// ErrNotFound indicates a missing mission, run, or event.
	ErrNotFound = errors.New("not found")
	// ErrUnavailable indicates the backing store cannot be reached. The
	// run controller treats this as fatal for the affected run.
	ErrUnavailable = errors.New("store unavailable")
)

// MissionStore persists missions.
type MissionStore interface {
	CreateMission(ctx context.Context, m *model.Mission) error
	GetMission(ctx context.Context, id string) (*model.Mission, error)
	ListMissions(ctx context.Context) ([]*model.Mission, error)
	UpdateMission(ctx context.Context, m *model.Mission) error
}

// RunStore persists runs.
type RunStore interface {
	CreateRun(ctx context.Context, r *model.Run) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListRunsByStatus(ctx context.Context, status model.RunStatus) ([]*model.Run, error)
	UpdateRun(ctx context.Context, r *model.Run) error
	// DeleteRun removes a run and all of its children (events, telemetry).
	DeleteRun(ctx context.Context, id string) error
}

// EventStore persists chain events. Hash computation and prev_hash linkage
// live in the chain package; this layer only orders and stores rows.
type EventStore interface {
	AppendEvent(ctx context.Context, e *model.Event) error
	// LastEvent returns the most recent event for a run in ts order, or
	// ErrNotFound when the chain is empty.
	LastEvent(ctx context.Context, runID string) (*model.Event, error)
	// ListEvents returns events for a run ordered by ts ascending.
	// limit <= 0 means no limit.
	ListEvents(ctx context.Context, runID string, limit, offset int) ([]*model.Event, error)
	// LatestEventOfType returns the most recent event of one type for a
	// run, or ErrNotFound.
	LatestEventOfType(ctx context.Context, runID string, t model.EventType) (*model.Event, error)
}

// TelemetryStore persists raw telemetry samples.
type TelemetryStore interface {
	AppendSample(ctx context.Context, s *model.TelemetrySample) error
	ListSamples(ctx context.Context, runID string) ([]*model.TelemetrySample, error)
}

// AuditStore persists the mission-level audit log.
type AuditStore interface {
	AppendAudit(ctx context.Context, a *model.MissionAudit) error
	ListAudits(ctx context.Context, missionID string) ([]*model.MissionAudit, error)
}

// Store bundles all persistence contracts behind one handle.
type Store interface {
	MissionStore
	RunStore
	EventStore
	TelemetryStore
	AuditStore
}
