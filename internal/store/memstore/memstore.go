// Package memstore is the in-memory Store implementation. It backs unit
// tests and single-process deployments where durability is not required.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/gridline-robotics/warden/internal/store"
	"github.com/gridline-robotics/warden/model"
)

// Store keeps everything behind one mutex. Values are copied on the way in
// and out so callers can never mutate shared state.
type Store struct {
	mu        sync.RWMutex
	missions  map[string]*model.Mission
	runs      map[string]*model.Run
	events    map[string][]*model.Event           // run ID -> append order
	samples   map[string][]*model.TelemetrySample // run ID -> append order
	audits    map[string][]*model.MissionAudit    // mission ID -> append order
	runOrder  []string
	missOrder []string
}

var _ store.Store = (*Store)(nil)

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		missions: make(map[string]*model.Mission),
		runs:     make(map[string]*model.Run),
		events:   make(map[string][]*model.Event),
		samples:  make(map[string][]*model.TelemetrySample),
		audits:   make(map[string][]*model.MissionAudit),
	}
}

func (s *Store) CreateMission(_ context.Context, m *model.Mission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.missions[m.ID]; ok {
		return fmt.Errorf("mission %s already exists", m.ID)
	}
	cp := *m
	s.missions[m.ID] = &cp
	s.missOrder = append(s.missOrder, m.ID)
	return nil
}

func (s *Store) GetMission(_ context.Context, id string) (*model.Mission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.missions[id]
	if !ok {
		return nil, fmt.Errorf("mission %s: %w", id, store.ErrNotFound)
	}
	cp := *m
	return &cp, nil
}

func (s *Store) ListMissions(_ context.Context) ([]*model.Mission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.Mission, 0, len(s.missOrder))
	for _, id := range s.missOrder {
		if m, ok := s.missions[id]; ok {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) UpdateMission(_ context.Context, m *model.Mission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.missions[m.ID]; !ok {
		return fmt.Errorf("mission %s: %w", m.ID, store.ErrNotFound)
	}
	cp := *m
	s.missions[m.ID] = &cp
	return nil
}

func (s *Store) CreateRun(_ context.Context, r *model.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[r.ID]; ok {
		return fmt.Errorf("run %s already exists", r.ID)
	}
	cp := *r
	s.runs[r.ID] = &cp
	s.runOrder = append(s.runOrder, r.ID)
	return nil
}

func (s *Store) GetRun(_ context.Context, id string) (*model.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, store.ErrNotFound)
	}
	cp := *r
	return &cp, nil
}

func (s *Store) ListRunsByStatus(_ context.Context, status model.RunStatus) ([]*model.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Run
	for _, id := range s.runOrder {
		r, ok := s.runs[id]
		if !ok || r.Status != status {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) UpdateRun(_ context.Context, r *model.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[r.ID]; !ok {
		return fmt.Errorf("run %s: %w", r.ID, store.ErrNotFound)
	}
	cp := *r
	s.runs[r.ID] = &cp
	return nil
}

func (s *Store) DeleteRun(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[id]; !ok {
		return fmt.Errorf("run %s: %w", id, store.ErrNotFound)
	}
	delete(s.runs, id)
	delete(s.events, id)
	delete(s.samples, id)
	for i, rid := range s.runOrder {
		if rid == id {
			s.runOrder = append(s.runOrder[:i], s.runOrder[i+1:]...)
			break
		}
	}
	return nil
}

func (s *Store) AppendEvent(_ context.Context, e *model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.events[e.RunID] = append(s.events[e.RunID], &cp)
	return nil
}

func (s *Store) LastEvent(_ context.Context, runID string) (*model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	evs := s.events[runID]
	if len(evs) == 0 {
		return nil, fmt.Errorf("run %s has no events: %w", runID, store.ErrNotFound)
	}
	cp := *evs[len(evs)-1]
	return &cp, nil
}

func (s *Store) ListEvents(_ context.Context, runID string, limit, offset int) ([]*model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	evs := s.events[runID]
	ordered := make([]*model.Event, len(evs))
	copy(ordered, evs)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].TS.Before(ordered[j].TS) })
	if offset > len(ordered) {
		offset = len(ordered)
	}
	ordered = ordered[offset:]
	if limit > 0 && limit < len(ordered) {
		ordered = ordered[:limit]
	}
	out := make([]*model.Event, len(ordered))
	for i, e := range ordered {
		cp := *e
		out[i] = &cp
	}
	return out, nil
}

func (s *Store) LatestEventOfType(_ context.Context, runID string, t model.EventType) (*model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	evs := s.events[runID]
	for i := len(evs) - 1; i >= 0; i-- {
		if evs[i].Type == t {
			cp := *evs[i]
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("run %s has no %s event: %w", runID, t, store.ErrNotFound)
}

func (s *Store) AppendSample(_ context.Context, sample *model.TelemetrySample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sample
	s.samples[sample.RunID] = append(s.samples[sample.RunID], &cp)
	return nil
}

func (s *Store) ListSamples(_ context.Context, runID string) ([]*model.TelemetrySample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	samples := s.samples[runID]
	out := make([]*model.TelemetrySample, len(samples))
	for i, sm := range samples {
		cp := *sm
		out[i] = &cp
	}
	return out, nil
}

func (s *Store) AppendAudit(_ context.Context, a *model.MissionAudit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.audits[a.MissionID] = append(s.audits[a.MissionID], &cp)
	return nil
}

func (s *Store) ListAudits(_ context.Context, missionID string) ([]*model.MissionAudit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	audits := s.audits[missionID]
	out := make([]*model.MissionAudit, len(audits))
	for i, a := range audits {
		cp := *a
		out[i] = &cp
	}
	return out, nil
}
