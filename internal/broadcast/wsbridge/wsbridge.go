// Package wsbridge exposes the broadcast hub over websockets so dashboards
// can watch a run's message stream live. Clients pick the run with the
// run_id query parameter.
package wsbridge

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gridline-robotics/warden/internal/broadcast"
	"github.com/gridline-robotics/warden/internal/logging"
)

const writeWait = 5 * time.Second

// Bridge upgrades HTTP requests and attaches each connection to the hub as
// a per-run sink.
type Bridge struct {
	hub      *broadcast.Hub
	log      logging.Logger
	upgrader websocket.Upgrader
}

// New builds a bridge over the given hub.
func New(hub *broadcast.Hub, log logging.Logger) *Bridge {
	if log == nil {
		log = logging.Noop()
	}
	return &Bridge{
		hub: hub,
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The stream is observe-only; origin enforcement belongs to
			// the fronting proxy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the connection and streams messages for the requested
// run until the client goes away or a write fails.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		http.Error(w, "run_id query parameter required", http.StatusBadRequest)
		return
	}

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Warn(r.Context(), "websocket upgrade failed", logging.Err(err))
		return
	}
	sink := &connSink{conn: conn}
	b.hub.Subscribe(runID, sink)
	b.log.Debug(r.Context(), "websocket subscriber attached",
		logging.String("run_id", runID),
		logging.String("remote", conn.RemoteAddr().String()),
	)

	// Drain the read side: clients send nothing meaningful, but reads are
	// how we notice a closed peer.
	go func() {
		defer b.hub.Unsubscribe(runID, sink)
		defer sink.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// connSink adapts one websocket connection to the hub's Sink interface.
// gorilla connections allow a single concurrent writer, hence the mutex.
type connSink struct {
	mu   sync.Mutex
	conn *websocket.Conn
	once sync.Once
}

func (s *connSink) Send(m broadcast.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(m)
}

func (s *connSink) Close() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		err = s.conn.Close()
	})
	return err
}
