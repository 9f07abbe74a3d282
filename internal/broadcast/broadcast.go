// Package broadcast fans out live run messages (telemetry, events, alerts,
// status, agent reasoning) to per-run subscribers. Delivery is best effort:
// a failing sink is dropped rather than allowed to stall the run loop.
package broadcast

import (
	"context"
	"sync"

	"github.com/gridline-robotics/warden/internal/logging"
)

// Kind classifies a broadcast message.
type Kind string

const (
	KindTelemetry      Kind = "telemetry"
	KindEvent          Kind = "event"
	KindAlert          Kind = "alert"
	KindStatus         Kind = "status"
	KindAgentReasoning Kind = "agent_reasoning"
)

// Message is one fan-out payload.
type Message struct {
	RunID string `json:"run_id"`
	Kind  Kind   `json:"kind"`
	Data  any    `json:"data"`
}

// Sink receives messages for one run. Send must not block indefinitely; a
// returned error drops the sink from the hub.
type Sink interface {
	Send(m Message) error
	Close() error
}

// Hub is the fan-out point. Subscribers attach per run. Safe for concurrent
// use.
type Hub struct {
	log logging.Logger

	mu          sync.Mutex
	subs        map[string]map[Sink]struct{}
	onDrop      func()
	onSubscribe func(runID string)
}

// NewHub builds an empty hub.
func NewHub(log logging.Logger) *Hub {
	if log == nil {
		log = logging.Noop()
	}
	return &Hub{log: log, subs: make(map[string]map[Sink]struct{})}
}

// OnDrop registers a callback fired once per dropped sink (metrics hook).
func (h *Hub) OnDrop(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onDrop = fn
}

// OnSubscribe registers a callback fired after each new subscription. The
// run controller uses it to auto-resume dormant runs a consumer asks about.
func (h *Hub) OnSubscribe(fn func(runID string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onSubscribe = fn
}

// Subscribe attaches a sink to one run's stream.
func (h *Hub) Subscribe(runID string, s Sink) {
	h.mu.Lock()
	set, ok := h.subs[runID]
	if !ok {
		set = make(map[Sink]struct{})
		h.subs[runID] = set
	}
	set[s] = struct{}{}
	onSubscribe := h.onSubscribe
	h.mu.Unlock()

	if onSubscribe != nil {
		onSubscribe(runID)
	}
}

// Unsubscribe detaches a sink without closing it.
func (h *Hub) Unsubscribe(runID string, s Sink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subs[runID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.subs, runID)
		}
	}
}

// Len reports the subscriber count for one run.
func (h *Hub) Len(runID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[runID])
}

// Broadcast delivers one message to every subscriber of its run. Sends
// happen outside the hub lock on a snapshot of the sink set, so a slow sink
// never blocks Subscribe or other senders; sinks that error are dropped and
// closed.
func (h *Hub) Broadcast(m Message) {
	h.mu.Lock()
	set := h.subs[m.RunID]
	snapshot := make([]Sink, 0, len(set))
	for s := range set {
		snapshot = append(snapshot, s)
	}
	onDrop := h.onDrop
	h.mu.Unlock()

	var failed []Sink
	for _, s := range snapshot {
		if err := s.Send(m); err != nil {
			h.log.Warn(context.Background(), "dropping broadcast sink",
				logging.String("run_id", m.RunID),
				logging.String("kind", string(m.Kind)),
				logging.Err(err),
			)
			failed = append(failed, s)
		}
	}
	if len(failed) == 0 {
		return
	}

	h.mu.Lock()
	if set, ok := h.subs[m.RunID]; ok {
		for _, s := range failed {
			delete(set, s)
		}
		if len(set) == 0 {
			delete(h.subs, m.RunID)
		}
	}
	h.mu.Unlock()
	for _, s := range failed {
		s.Close()
		if onDrop != nil {
			onDrop()
		}
	}
}

// Close drops and closes every subscriber of every run.
func (h *Hub) Close() {
	h.mu.Lock()
	var sinks []Sink
	for _, set := range h.subs {
		for s := range set {
			sinks = append(sinks, s)
		}
	}
	h.subs = make(map[string]map[Sink]struct{})
	h.mu.Unlock()
	for _, s := range sinks {
		s.Close()
	}
}

// ChanSink buffers messages on a channel. Tests and in-process consumers
// use it; a full buffer counts as a failed send.
type ChanSink struct {
	C chan Message

	once sync.Once
}

// NewChanSink builds a sink with the given buffer size.
func NewChanSink(size int) *ChanSink {
	return &ChanSink{C: make(chan Message, size)}
}

func (s *ChanSink) Send(m Message) error {
	select {
	case s.C <- m:
		return nil
	default:
		return errSinkFull
	}
}

func (s *ChanSink) Close() error {
	s.once.Do(func() { close(s.C) })
	return nil
}

type sinkFullError struct{}

func (sinkFullError) Error() string { return "sink buffer full" }

var errSinkFull = sinkFullError{}
