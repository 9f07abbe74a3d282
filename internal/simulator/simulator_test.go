package simulator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/gridline-robotics/warden/model"
)

func TestTelemetry_DecodesSnapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/telemetry" {
			t.Errorf("path: %s", r.URL.Path)
		}
		if got := r.Header.Get("X-Sim-Token"); got != "sekrit" {
			t.Errorf("token header: %q", got)
		}
		json.NewEncoder(w).Encode(model.Telemetry{
			X: 3, Y: 4, Zone: "aisle", NearestObstacleM: 2.5,
			HumanDetected: true, HumanConf: 0.9, HumanDistanceM: 1.8,
		})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Token: "sekrit"}, nil)
	telem, err := c.Telemetry(context.Background())
	if err != nil {
		t.Fatalf("telemetry: %v", err)
	}
	if telem.X != 3 || telem.Zone != "aisle" || !telem.HumanDetected {
		t.Fatalf("snapshot: %+v", telem)
	}
}

func TestSendCommand_PostsJSON(t *testing.T) {
	var got model.Command
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/command" {
			t.Errorf("request: %s %s", r.Method, r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type: %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL}, nil)
	cmd := model.Command{Intent: model.IntentMoveTo, Params: map[string]any{"x": 5.0, "y": 6.0, "max_speed": 0.4}}
	if err := c.SendCommand(context.Background(), cmd); err != nil {
		t.Fatalf("send command: %v", err)
	}
	if got.Intent != model.IntentMoveTo || got.Params["x"] != 5.0 {
		t.Fatalf("received command: %+v", got)
	}
}

func TestDo_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(model.Telemetry{X: 1})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL}, nil)
	telem, err := c.Telemetry(context.Background())
	if err != nil {
		t.Fatalf("telemetry after retries: %v", err)
	}
	if telem.X != 1 {
		t.Fatalf("snapshot: %+v", telem)
	}
	if calls.Load() != 3 {
		t.Fatalf("call count: %d", calls.Load())
	}
}

func TestDo_ClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad command", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL}, nil)
	err := c.SendCommand(context.Background(), model.Command{Intent: model.IntentStop})
	if err == nil {
		t.Fatalf("expected error for 400 response")
	}
	if errors.Is(err, ErrUnreachable) {
		t.Fatalf("4xx must not read as unreachable: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("4xx must not retry, got %d calls", calls.Load())
	}
}

func TestDo_ConnectionRefusedIsUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // nothing listens anymore

	c := New(Config{BaseURL: srv.URL}, nil)
	_, err := c.Telemetry(context.Background())
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("got %v, want ErrUnreachable", err)
	}
}
