// Package chain maintains the tamper-evident event chain of each run. Every
// appended event carries the hash of its predecessor; the hash itself covers
// the canonical JSON of the event body, so any later edit to a stored event
// breaks verification from that point on.
package chain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gridline-robotics/warden/internal/canonical"
	"github.com/gridline-robotics/warden/internal/store"
	"github.com/gridline-robotics/warden/model"
)

// ErrIntegrity indicates that a stored chain no longer verifies.
var ErrIntegrity = errors.New("event chain integrity violation")

// Log appends hash-linked events on top of an EventStore. Appends to the
// same run are serialized; different runs append concurrently.
type Log struct {
	events store.EventStore

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLog builds a Log over the given event store.
func NewLog(events store.EventStore) *Log {
	return &Log{events: events, locks: make(map[string]*sync.Mutex)}
}

func (l *Log) runLock(runID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk, ok := l.locks[runID]
	if !ok {
		lk = &sync.Mutex{}
		l.locks[runID] = lk
	}
	return lk
}

// hashBody is the exact structure the event hash covers. The timestamp is
// hashed as its RFC3339Nano string so storage round-trips cannot shift it.
func hashBody(e *model.Event) map[string]any {
	return map[string]any{
		"run_id":    e.RunID,
		"ts":        e.TS.UTC().Format(time.RFC3339Nano),
		"type":      string(e.Type),
		"payload":   e.Payload,
		"prev_hash": e.PrevHash,
	}
}

// Append writes one event to a run's chain, linking it to the current tip.
// The first event of a run links to the zero hash.
func (l *Log) Append(ctx context.Context, runID string, t model.EventType, payload map[string]any) (*model.Event, error) {
	lk := l.runLock(runID)
	lk.Lock()
	defer lk.Unlock()

	prev := canonical.ZeroHash
	last, err := l.events.LastEvent(ctx, runID)
	switch {
	case err == nil:
		prev = last.Hash
	case errors.Is(err, store.ErrNotFound):
	default:
		return nil, fmt.Errorf("chain tip for run %s: %w", runID, err)
	}

	e := &model.Event{
		ID:       model.NewID("evt"),
		RunID:    runID,
		TS:       time.Now().UTC(),
		Type:     t,
		Payload:  payload,
		PrevHash: prev,
	}
	hash, err := canonical.Hash(hashBody(e))
	if err != nil {
		return nil, fmt.Errorf("hash event for run %s: %w", runID, err)
	}
	e.Hash = hash

	if err := l.events.AppendEvent(ctx, e); err != nil {
		return nil, fmt.Errorf("append event for run %s: %w", runID, err)
	}
	return e, nil
}

// List returns a run's events in chain order.
func (l *Log) List(ctx context.Context, runID string, limit, offset int) ([]*model.Event, error) {
	return l.events.ListEvents(ctx, runID, limit, offset)
}

// VerifyResult is the outcome of a chain verification pass.
type VerifyResult struct {
	Valid   bool     `json:"valid"`
	Checked int      `json:"checked"`
	Errors  []string `json:"errors"`
}

// VerifyChain re-derives every hash and linkage of an ordered event list.
// It is a pure function: auditors can run it over an exported bundle without
// any store access.
func VerifyChain(events []*model.Event) VerifyResult {
	res := VerifyResult{Valid: true, Errors: []string{}}
	prev := canonical.ZeroHash
	for i, e := range events {
		res.Checked++
		if e.PrevHash != prev {
			res.Valid = false
			res.Errors = append(res.Errors,
				fmt.Sprintf("event %d (%s): prev_hash mismatch, got %s want %s", i, e.ID, e.PrevHash, prev))
		}
		want, err := canonical.Hash(hashBody(e))
		if err != nil {
			res.Valid = false
			res.Errors = append(res.Errors, fmt.Sprintf("event %d (%s): hash: %v", i, e.ID, err))
			prev = e.Hash
			continue
		}
		if e.Hash != want {
			res.Valid = false
			res.Errors = append(res.Errors,
				fmt.Sprintf("event %d (%s): hash mismatch, stored %s derived %s", i, e.ID, e.Hash, want))
		}
		prev = e.Hash
	}
	return res
}

// Verify loads and verifies the full chain of a run.
func (l *Log) Verify(ctx context.Context, runID string) (VerifyResult, error) {
	events, err := l.events.ListEvents(ctx, runID, 0, 0)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("list events for run %s: %w", runID, err)
	}
	return VerifyChain(events), nil
}

// BundleFormatVersion tags exported bundles so future readers can detect
// layout changes.
const BundleFormatVersion = "1.0"

// Bundle is a self-contained audit export of one run: run metadata, the full
// event chain, raw telemetry, and a hash binding the event hashes to the run
// ID. The layout is a persisted file format and must stay stable; hashes are
// "sha256:"-prefixed except the bare zero hash.
type Bundle struct {
	RunID         string                   `json:"run_id"`
	MissionID     string                   `json:"mission_id"`
	Status        model.RunStatus          `json:"status"`
	StartedAt     time.Time                `json:"started_at"`
	EndedAt       *time.Time               `json:"ended_at"`
	Events        []*model.Event           `json:"events"`
	Telemetry     []*model.TelemetrySample `json:"telemetry"`
	EventCount    int                      `json:"event_count"`
	ChainValid    bool                     `json:"chain_valid"`
	BundleHash    string                   `json:"bundle_hash"`
	FormatVersion string                   `json:"format_version"`
}

// ExportBundle builds the audit bundle for a run. samples may be nil. The
// bundle hash covers only {event_hashes, run_id}, so re-verifiers can
// recompute it from the events alone.
func (l *Log) ExportBundle(ctx context.Context, run *model.Run, samples []*model.TelemetrySample) (*Bundle, error) {
	events, err := l.events.ListEvents(ctx, run.ID, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("list events for run %s: %w", run.ID, err)
	}
	hash, err := BundleHash(run.ID, events)
	if err != nil {
		return nil, err
	}
	return &Bundle{
		RunID:         run.ID,
		MissionID:     run.MissionID,
		Status:        run.Status,
		StartedAt:     run.StartedAt,
		EndedAt:       run.EndedAt,
		Events:        events,
		Telemetry:     samples,
		EventCount:    len(events),
		ChainValid:    VerifyChain(events).Valid,
		BundleHash:    hash,
		FormatVersion: BundleFormatVersion,
	}, nil
}

// BundleHash derives the binding hash of a bundle from its run ID and the
// ordered event hashes.
func BundleHash(runID string, events []*model.Event) (string, error) {
	hashes := make([]string, len(events))
	for i, e := range events {
		hashes[i] = e.Hash
	}
	h, err := canonical.Hash(map[string]any{
		"event_hashes": hashes,
		"run_id":       runID,
	})
	if err != nil {
		return "", fmt.Errorf("bundle hash for run %s: %w", runID, err)
	}
	return h, nil
}

// VerifyBundle re-verifies an exported bundle offline: the chain must hold
// and the recorded bundle hash must match the recomputed one.
func VerifyBundle(b *Bundle) (VerifyResult, error) {
	res := VerifyChain(b.Events)
	want, err := BundleHash(b.RunID, b.Events)
	if err != nil {
		return res, err
	}
	if b.BundleHash != want {
		res.Valid = false
		res.Errors = append(res.Errors,
			fmt.Sprintf("bundle hash mismatch: stored %s derived %s", b.BundleHash, want))
	}
	return res, nil
}

// TimelineEntry is a human-oriented digest of one chain event.
type TimelineEntry struct {
	TS      time.Time `json:"ts"`
	Type    string    `json:"type"`
	Summary string    `json:"summary"`
	Hash    string    `json:"hash"`
}

// Timeline renders a run's chain as a digest list for operators.
func (l *Log) Timeline(ctx context.Context, runID string) ([]TimelineEntry, error) {
	events, err := l.events.ListEvents(ctx, runID, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("list events for run %s: %w", runID, err)
	}
	out := make([]TimelineEntry, len(events))
	for i, e := range events {
		out[i] = TimelineEntry{TS: e.TS, Type: string(e.Type), Summary: summarize(e), Hash: e.Hash}
	}
	return out, nil
}

func summarize(e *model.Event) string {
	switch e.Type {
	case model.EventPlan:
		if wps, ok := e.Payload["waypoints"].([]any); ok {
			return fmt.Sprintf("plan with %d waypoints", len(wps))
		}
		return "plan recorded"
	case model.EventDecision:
		d, _ := e.Payload["decision"].(string)
		intent, _ := e.Payload["intent"].(string)
		return fmt.Sprintf("%s for %s", d, intent)
	case model.EventExecution:
		status, _ := e.Payload["status"].(string)
		return fmt.Sprintf("execution %s", status)
	case model.EventAlert:
		msg, _ := e.Payload["message"].(string)
		return msg
	case model.EventTelemetry:
		return fmt.Sprintf("position (%v, %v)", e.Payload["x"], e.Payload["y"])
	}
	return string(e.Type)
}
