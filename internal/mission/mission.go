// Package mission is the control plane for missions: create, inspect, edit,
// drive through the status machine, and soft-delete. Every mutation appends
// a MissionAudit entry.
package mission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gridline-robotics/warden/internal/logging"
	"github.com/gridline-robotics/warden/internal/store"
	"github.com/gridline-robotics/warden/model"
)

var (
	// ErrValidation indicates malformed caller input.
	ErrValidation = errors.New("validation failed")
	// ErrPrecondition indicates the mission is in a state that forbids
	// the requested operation.
	ErrPrecondition = errors.New("precondition failed")
)

// Service implements mission operations over a store.
type Service struct {
	missions store.MissionStore
	audits   store.AuditStore
	log      logging.Logger
	now      func() time.Time
}

// NewService builds a mission service.
func NewService(missions store.MissionStore, audits store.AuditStore, log logging.Logger) *Service {
	if log == nil {
		log = logging.Noop()
	}
	return &Service{missions: missions, audits: audits, log: log, now: time.Now}
}

func validateGoal(goal map[string]any) error {
	if goal == nil {
		return fmt.Errorf("%w: goal is required", ErrValidation)
	}
	for _, key := range []string{"x", "y"} {
		switch goal[key].(type) {
		case float64, float32, int, int64:
		default:
			return fmt.Errorf("%w: goal.%s must be a number", ErrValidation, key)
		}
	}
	return nil
}

// Create registers a new draft mission.
func (s *Service) Create(ctx context.Context, title string, goal map[string]any, actor string) (*model.Mission, error) {
	if title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrValidation)
	}
	if err := validateGoal(goal); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	m := &model.Mission{
		ID:        model.NewID("mis"),
		Title:     title,
		Goal:      goal,
		Status:    model.MissionDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.missions.CreateMission(ctx, m); err != nil {
		return nil, fmt.Errorf("create mission: %w", err)
	}
	s.audit(ctx, m.ID, actor, "mission created", nil, map[string]any{
		"title": m.Title, "goal": m.Goal, "status": string(m.Status),
	})
	s.log.Info(ctx, "mission created",
		logging.String("mission_id", m.ID),
		logging.String("title", title),
	)
	return m, nil
}

// Get returns one mission. Soft-deleted missions stay visible; callers see
// their status.
func (s *Service) Get(ctx context.Context, id string) (*model.Mission, error) {
	return s.missions.GetMission(ctx, id)
}

// List returns all missions except soft-deleted ones.
func (s *Service) List(ctx context.Context) ([]*model.Mission, error) {
	all, err := s.missions.ListMissions(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, m := range all {
		if m.Status != model.MissionDeleted {
			out = append(out, m)
		}
	}
	return out, nil
}

// UpdateGoal replaces the goal of a draft or paused mission.
func (s *Service) UpdateGoal(ctx context.Context, id string, goal map[string]any, actor string) (*model.Mission, error) {
	if err := validateGoal(goal); err != nil {
		return nil, err
	}
	m, err := s.missions.GetMission(ctx, id)
	if err != nil {
		return nil, err
	}
	if !m.GoalEditable() {
		return nil, fmt.Errorf("%w: goal frozen in status %s", ErrPrecondition, m.Status)
	}

	old := m.Goal
	m.Goal = goal
	m.UpdatedAt = s.now().UTC()
	if err := s.missions.UpdateMission(ctx, m); err != nil {
		return nil, fmt.Errorf("update mission %s: %w", id, err)
	}
	s.audit(ctx, id, actor, "goal updated", map[string]any{"goal": old}, map[string]any{"goal": goal})
	return m, nil
}

// Transition moves a mission through its status machine.
func (s *Service) Transition(ctx context.Context, id string, to model.MissionStatus, actor string) (*model.Mission, error) {
	m, err := s.missions.GetMission(ctx, id)
	if err != nil {
		return nil, err
	}
	if !m.CanTransition(to) {
		return nil, fmt.Errorf("%w: cannot move mission from %s to %s", ErrPrecondition, m.Status, to)
	}

	old := m.Status
	m.Status = to
	m.UpdatedAt = s.now().UTC()
	if err := s.missions.UpdateMission(ctx, m); err != nil {
		return nil, fmt.Errorf("update mission %s: %w", id, err)
	}
	s.audit(ctx, id, actor, fmt.Sprintf("status %s -> %s", old, to),
		map[string]any{"status": string(old)}, map[string]any{"status": string(to)})
	s.log.Info(ctx, "mission transitioned",
		logging.String("mission_id", id),
		logging.String("from", string(old)),
		logging.String("to", string(to)),
	)
	return m, nil
}

// Delete soft-deletes a mission. Its history stays queryable.
func (s *Service) Delete(ctx context.Context, id, actor string) error {
	_, err := s.Transition(ctx, id, model.MissionDeleted, actor)
	return err
}

// Audits returns the mutation log of a mission.
func (s *Service) Audits(ctx context.Context, missionID string) ([]*model.MissionAudit, error) {
	return s.audits.ListAudits(ctx, missionID)
}

// audit appends one audit entry. Audit failures are logged, not fatal: the
// mutation itself already committed.
func (s *Service) audit(ctx context.Context, missionID, actor, details string, before, after map[string]any) {
	if actor == "" {
		actor = "system"
	}
	entry := &model.MissionAudit{
		ID:        model.NewID("aud"),
		MissionID: missionID,
		OldValues: before,
		NewValues: after,
		Actor:     actor,
		Details:   details,
		TS:        s.now().UTC(),
	}
	if err := s.audits.AppendAudit(ctx, entry); err != nil {
		s.log.Error(ctx, "mission audit append failed",
			logging.String("mission_id", missionID),
			logging.Err(err),
		)
	}
}
