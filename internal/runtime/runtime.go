// Package runtime drives mission runs: one loop task per run ticking
// telemetry through the planner and the policy evaluator, with plan seeding,
// crash rehydration, auto-resume, and bounded graceful shutdown.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/gridline-robotics/warden/internal/broadcast"
	"github.com/gridline-robotics/warden/internal/chain"
	"github.com/gridline-robotics/warden/internal/logging"
	"github.com/gridline-robotics/warden/internal/mission"
	"github.com/gridline-robotics/warden/internal/observability"
	"github.com/gridline-robotics/warden/internal/planner"
	"github.com/gridline-robotics/warden/internal/policy"
	"github.com/gridline-robotics/warden/internal/store"
	"github.com/gridline-robotics/warden/model"
)

// Sim is the controller's view of the simulator. simulator.Client satisfies
// it; tests substitute fakes.
type Sim interface {
	Telemetry(ctx context.Context) (model.Telemetry, error)
	World(ctx context.Context) (model.World, error)
	SendCommand(ctx context.Context, cmd model.Command) error
}

// Config carries the controller's tunables.
type Config struct {
	// TickInterval is the loop period. Zero means 100ms.
	TickInterval time.Duration
	// SimFailureLimit is how many consecutive simulator failures fail the
	// run. Zero means 5.
	SimFailureLimit int
	// ShutdownTimeout bounds how long Shutdown waits for loops to drain.
	// Zero means 5s.
	ShutdownTimeout time.Duration
	// Agentic selects the ReAct planner for run loops; false selects the
	// single-shot planner. Agentic runs ignore the seeded plan queue.
	Agentic bool
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = 100 * time.Millisecond
	}
	if c.SimFailureLimit <= 0 {
		c.SimFailureLimit = 5
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
	return c
}

// Controller owns every live run loop in the process.
type Controller struct {
	cfg      Config
	st       store.Store
	chain    *chain.Log
	sim      Sim
	eval     *policy.Evaluator
	hub      *broadcast.Hub
	missions *mission.Service
	llm      planner.LLM
	direct   *planner.Direct
	metrics  *observability.Collector
	log      logging.Logger
	tracer   trace.Tracer

	mu    sync.Mutex
	procs map[string]*proc
	wg    sync.WaitGroup
}

// New wires a controller. llm may be nil; planners then run deterministic
// fallbacks. The hub's subscribe and drop hooks are claimed here: a new
// subscription auto-resumes the run it names.
func New(cfg Config, st store.Store, log *chain.Log, sim Sim, eval *policy.Evaluator,
	hub *broadcast.Hub, missions *mission.Service, llm planner.LLM,
	metrics *observability.Collector, logger logging.Logger) *Controller {
	if logger == nil {
		logger = logging.Noop()
	}
	c := &Controller{
		cfg:      cfg.withDefaults(),
		st:       st,
		chain:    log,
		sim:      sim,
		eval:     eval,
		hub:      hub,
		missions: missions,
		llm:      llm,
		direct:   planner.NewDirect(llm, eval, logger),
		metrics:  metrics,
		log:      logger,
		tracer:   otel.Tracer("warden/runtime"),
		procs:    make(map[string]*proc),
	}
	hub.OnDrop(metrics.RecordBroadcastDrop)
	hub.OnSubscribe(func(runID string) {
		go func() {
			if err := c.EnsureLoop(context.Background(), runID); err != nil && !errors.Is(err, store.ErrNotFound) {
				logger.Warn(context.Background(), "auto-resume failed",
					logging.String("run_id", runID), logging.Err(err))
			}
		}()
	})
	return c
}

// StartRun creates a run for a mission, moves the mission to executing,
// seeds the initial plan, and spawns the loop.
func (c *Controller) StartRun(ctx context.Context, missionID string) (*model.Run, error) {
	m, err := c.missions.Get(ctx, missionID)
	if err != nil {
		return nil, err
	}
	switch m.Status {
	case model.MissionDraft, model.MissionPaused:
		if m, err = c.missions.Transition(ctx, missionID, model.MissionExecuting, "system"); err != nil {
			return nil, err
		}
	case model.MissionExecuting:
		return nil, fmt.Errorf("%w: mission %s already executing", mission.ErrPrecondition, missionID)
	default:
		return nil, fmt.Errorf("%w: mission %s is %s", mission.ErrPrecondition, missionID, m.Status)
	}

	run := &model.Run{
		ID:        model.NewID("run"),
		MissionID: missionID,
		Status:    model.RunRunning,
		StartedAt: time.Now().UTC(),
	}
	if err := c.st.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	queue := c.seedPlan(ctx, run.ID, m)
	goalX, goalY := m.GoalXY()
	c.spawn(run.ID, planner.Goal{X: goalX, Y: goalY}, m.Title, queue)
	return run, nil
}

// seedPlan records the initial strategy as a PLAN event. Returns the waypoint
// queue for direct-mode loops; agentic loops ignore it.
func (c *Controller) seedPlan(ctx context.Context, runID string, m *model.Mission) []model.Waypoint {
	t, err := c.sim.Telemetry(ctx)
	if err != nil {
		c.log.Warn(ctx, "plan seeding skipped, telemetry unavailable",
			logging.String("run_id", runID), logging.Err(err))
		return nil
	}
	goalX, goalY := m.GoalXY()
	plan, err := c.direct.GeneratePlan(ctx, t, m.Title, &planner.Goal{X: goalX, Y: goalY})
	if err != nil {
		c.log.Warn(ctx, "plan seeding failed",
			logging.String("run_id", runID), logging.Err(err))
		return nil
	}

	// A failed PLAN append is not fatal here; the queue still drives the
	// loop, and the first tick fails the run if the store is really down.
	c.appendEvent(ctx, runID, model.EventPlan, map[string]any{
		"waypoints":        waypointMaps(plan.Waypoints),
		"rationale":        plan.Rationale,
		"estimated_time_s": plan.EstimatedTimeS,
		"model_used":       plan.ModelUsed,
	})
	if c.cfg.Agentic {
		return nil
	}
	return plan.Waypoints
}

// StopRun requests a cooperative stop. When no loop is live (for example
// after a crash) the run record is closed out directly.
func (c *Controller) StopRun(ctx context.Context, runID string) error {
	c.mu.Lock()
	p, ok := c.procs[runID]
	c.mu.Unlock()
	if ok {
		p.signalStop()
		return nil
	}

	run, err := c.st.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != model.RunRunning {
		return nil
	}
	return c.closeRun(ctx, run, model.RunStopped)
}

// GetRun returns a run, auto-resuming its loop first if the DB says it
// should be live.
func (c *Controller) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	if err := c.EnsureLoop(ctx, runID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	return c.st.GetRun(ctx, runID)
}

// EnsureLoop relaunches the loop for a run whose DB status is running but
// which has no live task. Idempotent.
func (c *Controller) EnsureLoop(ctx context.Context, runID string) error {
	c.mu.Lock()
	if p, ok := c.procs[runID]; ok && !p.finished() {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	run, err := c.st.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != model.RunRunning {
		return nil
	}

	m, err := c.missions.Get(ctx, run.MissionID)
	if err != nil {
		return fmt.Errorf("mission for run %s: %w", runID, err)
	}
	goalX, goalY := m.GoalXY()
	c.spawn(runID, planner.Goal{X: goalX, Y: goalY}, m.Title, c.rehydrateQueue(ctx, runID))
	return nil
}

// Rehydrate relaunches loops for every run the DB still marks running.
// Called once at process start.
func (c *Controller) Rehydrate(ctx context.Context) error {
	runs, err := c.st.ListRunsByStatus(ctx, model.RunRunning)
	if err != nil {
		return fmt.Errorf("list running runs: %w", err)
	}
	for _, run := range runs {
		if err := c.EnsureLoop(ctx, run.ID); err != nil {
			c.log.Warn(ctx, "rehydration failed",
				logging.String("run_id", run.ID), logging.Err(err))
			continue
		}
		c.log.Info(ctx, "run rehydrated", logging.String("run_id", run.ID))
	}
	return nil
}

// rehydrateQueue rebuilds the waypoint queue from the latest PLAN event.
func (c *Controller) rehydrateQueue(ctx context.Context, runID string) []model.Waypoint {
	if c.cfg.Agentic {
		return nil
	}
	e, err := c.st.LatestEventOfType(ctx, runID, model.EventPlan)
	if err != nil {
		return nil
	}
	raw, ok := e.Payload["waypoints"].([]any)
	if !ok {
		return nil
	}
	queue := make([]model.Waypoint, 0, len(raw))
	for _, item := range raw {
		wp, ok := item.(map[string]any)
		if !ok {
			continue
		}
		queue = append(queue, model.Waypoint{
			X:        numField(wp, "x"),
			Y:        numField(wp, "y"),
			MaxSpeed: numField(wp, "max_speed"),
		})
	}
	return queue
}

// Shutdown signals every live loop and waits up to the configured bound for
// them to drain, then closes the broadcaster.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	for _, p := range c.procs {
		p.signalStop()
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(c.cfg.ShutdownTimeout):
		err = errors.New("shutdown timeout: run loops still draining")
	case <-ctx.Done():
		err = ctx.Err()
	}
	c.hub.Close()
	return err
}

// ActiveRuns reports the run IDs with a live loop.
func (c *Controller) ActiveRuns() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.procs))
	for id, p := range c.procs {
		if !p.finished() {
			out = append(out, id)
		}
	}
	return out
}

func (c *Controller) spawn(runID string, goal planner.Goal, task string, queue []model.Waypoint) {
	p := &proc{
		runID:  runID,
		goal:   goal,
		task:   task,
		queue:  queue,
		pl:     c.newPlanner(),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}

	c.mu.Lock()
	if existing, ok := c.procs[runID]; ok && !existing.finished() {
		c.mu.Unlock()
		return
	}
	c.procs[runID] = p
	active := len(c.procs)
	c.mu.Unlock()

	c.metrics.SetActiveRuns(active)
	c.wg.Add(1)
	go c.loop(p)
}

func (c *Controller) newPlanner() planner.Planner {
	if c.cfg.Agentic {
		return planner.NewAgentic(c.llm, c.eval, c.log)
	}
	return planner.NewDirect(c.llm, c.eval, c.log)
}

func (c *Controller) removeProc(runID string) {
	c.mu.Lock()
	delete(c.procs, runID)
	active := len(c.procs)
	c.mu.Unlock()
	c.metrics.SetActiveRuns(active)
}

// appendEvent writes one chain event, counting it. The error is returned so
// callers can treat a dead store as fatal for the run: no command may
// execute without its persisted governance record.
func (c *Controller) appendEvent(ctx context.Context, runID string, t model.EventType, payload map[string]any) (*model.Event, error) {
	e, err := c.chain.Append(ctx, runID, t, payload)
	if err != nil {
		c.log.Error(ctx, "event append failed",
			logging.String("run_id", runID),
			logging.String("type", string(t)),
			logging.Err(err),
		)
		return nil, err
	}
	c.metrics.RecordEventAppend()
	return e, nil
}

// closeRun finalizes a run record and moves its mission along: completed
// missions complete, failed runs fail the mission, stopped runs pause it so
// the operator can restart later.
func (c *Controller) closeRun(ctx context.Context, run *model.Run, status model.RunStatus) error {
	now := time.Now().UTC()
	run.Status = status
	run.EndedAt = &now
	if err := c.st.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("close run %s: %w", run.ID, err)
	}

	var missionStatus model.MissionStatus
	switch status {
	case model.RunCompleted:
		missionStatus = model.MissionCompleted
	case model.RunFailed:
		missionStatus = model.MissionFailed
	case model.RunStopped:
		missionStatus = model.MissionPaused
	}
	if missionStatus != "" {
		if _, err := c.missions.Transition(ctx, run.MissionID, missionStatus, "system"); err != nil {
			c.log.Warn(ctx, "mission transition on run close failed",
				logging.String("run_id", run.ID),
				logging.String("mission_id", run.MissionID),
				logging.Err(err),
			)
		}
	}

	c.hub.Broadcast(broadcast.Message{
		RunID: run.ID,
		Kind:  broadcast.KindStatus,
		Data:  map[string]any{"status": string(status)},
	})
	c.log.Info(ctx, "run closed",
		logging.String("run_id", run.ID),
		logging.String("status", string(status)),
	)
	return nil
}

func waypointMaps(wps []model.Waypoint) []any {
	out := make([]any, len(wps))
	for i, wp := range wps {
		out[i] = map[string]any{"x": wp.X, "y": wp.Y, "max_speed": wp.MaxSpeed}
	}
	return out
}

// jsonMap round-trips a value through JSON into a plain map so event and
// broadcast payloads stay storage-shape stable.
func jsonMap(v any) map[string]any {
	raw, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return map[string]any{}
	}
	return m
}

func numField(vals map[string]any, key string) float64 {
	switch v := vals[key].(type) {
	case float64:
		return v
	case json.Number:
		f, _ := v.Float64()
		return f
	case int:
		return float64(v)
	}
	return 0
}
