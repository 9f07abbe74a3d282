// Package simulator is the HTTP adapter to the warehouse simulator. It is
// the runtime's only view of the physical (simulated) robot: telemetry in,
// commands out.
package simulator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/gridline-robotics/warden/internal/logging"
	"github.com/gridline-robotics/warden/model"
)

// ErrUnreachable indicates the simulator did not answer in time or at all.
// The run controller counts consecutive occurrences and fails the run past
// its limit.
var ErrUnreachable = errors.New("simulator unreachable")

const (
	defaultTimeout = 5 * time.Second
	tokenHeader    = "X-Sim-Token"
	maxTries       = 3
)

// Config configures the simulator client.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Client talks to one simulator instance. It is safe for concurrent use by
// every run loop.
type Client struct {
	cfg  Config
	http *http.Client
	log  logging.Logger
}

// New builds a client. A zero timeout falls back to the 5s default.
func New(cfg Config, log logging.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if log == nil {
		log = logging.Noop()
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  log,
	}
}

// Telemetry fetches the current robot snapshot.
func (c *Client) Telemetry(ctx context.Context) (model.Telemetry, error) {
	var t model.Telemetry
	if err := c.getJSON(ctx, "/telemetry", &t); err != nil {
		return model.Telemetry{}, err
	}
	return t, nil
}

// World fetches the static environment definition.
func (c *Client) World(ctx context.Context) (model.World, error) {
	var w model.World
	if err := c.getJSON(ctx, "/world", &w); err != nil {
		return model.World{}, err
	}
	return w, nil
}

// SendCommand posts one approved command to the simulator.
func (c *Client) SendCommand(ctx context.Context, cmd model.Command) error {
	body, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}
	_, err = c.do(ctx, http.MethodPost, "/command", body)
	return err
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	data, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// do issues one request with bounded retries. Connection failures and 5xx
// responses retry; 4xx responses are permanent.
func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	attempt := func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bytes.NewReader(body))
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("build request %s %s: %w", method, path, err))
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.cfg.Token != "" {
			req.Header.Set(tokenHeader, c.cfg.Token)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%w: %s %s: %v", ErrUnreachable, method, path, err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("%w: read %s response: %v", ErrUnreachable, path, err)
		}
		switch {
		case resp.StatusCode >= 500:
			return nil, fmt.Errorf("%w: %s %s returned %d", ErrUnreachable, method, path, resp.StatusCode)
		case resp.StatusCode >= 400:
			return nil, backoff.Permanent(fmt.Errorf("simulator rejected %s %s: %d: %s", method, path, resp.StatusCode, data))
		}
		return data, nil
	}

	data, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(maxTries),
	)
	if err != nil {
		c.log.Warn(ctx, "simulator call failed",
			logging.String("method", method),
			logging.String("path", path),
			logging.Err(err),
		)
		return nil, err
	}
	return data, nil
}
