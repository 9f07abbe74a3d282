package mission

import (
	"context"
	"errors"
	"testing"

	"github.com/gridline-robotics/warden/internal/store"
	"github.com/gridline-robotics/warden/internal/store/memstore"
	"github.com/gridline-robotics/warden/model"
)

func newService() (*Service, *memstore.Store) {
	st := memstore.New()
	return NewService(st, st, nil), st
}

func TestCreate_ValidMission(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService()

	m, err := svc.Create(ctx, "restock aisle 3", map[string]any{"x": 12.0, "y": 8.0}, "operator")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if m.Status != model.MissionDraft {
		t.Fatalf("status: got %s, want draft", m.Status)
	}
	if x, y := m.GoalXY(); x != 12.0 || y != 8.0 {
		t.Fatalf("goal: (%f, %f)", x, y)
	}

	audits, err := svc.Audits(ctx, m.ID)
	if err != nil {
		t.Fatalf("audits: %v", err)
	}
	if len(audits) != 1 || audits[0].Actor != "operator" {
		t.Fatalf("creation audit: %+v", audits)
	}
}

func TestCreate_Validation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService()

	cases := []struct {
		name  string
		title string
		goal  map[string]any
	}{
		{"empty title", "", map[string]any{"x": 1.0, "y": 2.0}},
		{"nil goal", "m", nil},
		{"missing y", "m", map[string]any{"x": 1.0}},
		{"non-numeric x", "m", map[string]any{"x": "here", "y": 2.0}},
	}
	for _, tc := range cases {
		if _, err := svc.Create(ctx, tc.title, tc.goal, ""); !errors.Is(err, ErrValidation) {
			t.Fatalf("%s: got %v, want ErrValidation", tc.name, err)
		}
	}
}

func TestUpdateGoal_OnlyWhileEditable(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService()
	m, err := svc.Create(ctx, "m", map[string]any{"x": 1.0, "y": 2.0}, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := svc.UpdateGoal(ctx, m.ID, map[string]any{"x": 5.0, "y": 6.0}, ""); err != nil {
		t.Fatalf("update goal in draft: %v", err)
	}

	if _, err := svc.Transition(ctx, m.ID, model.MissionExecuting, ""); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if _, err := svc.UpdateGoal(ctx, m.ID, map[string]any{"x": 9.0, "y": 9.0}, ""); !errors.Is(err, ErrPrecondition) {
		t.Fatalf("goal edit while executing: got %v, want ErrPrecondition", err)
	}

	// Paused missions become editable again.
	if _, err := svc.Transition(ctx, m.ID, model.MissionPaused, ""); err != nil {
		t.Fatalf("pause: %v", err)
	}
	got, err := svc.UpdateGoal(ctx, m.ID, map[string]any{"x": 9.0, "y": 9.0}, "")
	if err != nil {
		t.Fatalf("update goal while paused: %v", err)
	}
	if x, _ := got.GoalXY(); x != 9.0 {
		t.Fatalf("goal not updated: %f", x)
	}
}

func TestTransition_IllegalMoves(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService()
	m, _ := svc.Create(ctx, "m", map[string]any{"x": 1.0, "y": 2.0}, "")

	// draft -> completed skips execution.
	if _, err := svc.Transition(ctx, m.ID, model.MissionCompleted, ""); !errors.Is(err, ErrPrecondition) {
		t.Fatalf("draft->completed: got %v, want ErrPrecondition", err)
	}

	if _, err := svc.Transition(ctx, m.ID, model.MissionExecuting, ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := svc.Transition(ctx, m.ID, model.MissionCompleted, ""); err != nil {
		t.Fatalf("complete: %v", err)
	}
	// Completed is terminal except for deletion.
	if _, err := svc.Transition(ctx, m.ID, model.MissionExecuting, ""); !errors.Is(err, ErrPrecondition) {
		t.Fatalf("completed->executing: got %v, want ErrPrecondition", err)
	}
}

func TestDelete_SoftDeleteKeepsHistory(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService()
	m, _ := svc.Create(ctx, "m", map[string]any{"x": 1.0, "y": 2.0}, "")

	if err := svc.Delete(ctx, m.ID, "operator"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	got, err := svc.Get(ctx, m.ID)
	if err != nil {
		t.Fatalf("get after delete: %v", err)
	}
	if got.Status != model.MissionDeleted {
		t.Fatalf("status after delete: %s", got.Status)
	}

	list, err := svc.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, it := range list {
		if it.ID == m.ID {
			t.Fatalf("deleted mission still listed")
		}
	}

	audits, _ := svc.Audits(ctx, m.ID)
	if len(audits) != 2 {
		t.Fatalf("audit count after delete: %d", len(audits))
	}
}

func TestGet_Missing(t *testing.T) {
	svc, _ := newService()
	if _, err := svc.Get(context.Background(), "mis_nope"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}
