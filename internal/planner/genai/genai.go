// Package genai is a minimal client for Gemini-style generateContent REST
// endpoints. It cascades through a model list so a rate-limited or retired
// primary model degrades to a cheaper one instead of failing the caller.
package genai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gridline-robotics/warden/internal/logging"
)

// ErrUnavailable indicates no model in the cascade produced output. Callers
// fall back to deterministic planning.
var ErrUnavailable = errors.New("reasoning unavailable")

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// DefaultCascade is the stock model order: robotics-tuned first, then deep
// reasoning, then fast high-quota.
var DefaultCascade = []string{
	"gemini-robotics-er-1.5-preview",
	"gemini-2.5-pro-preview-05-06",
	"gemini-2.0-flash",
}

// Config configures the client.
type Config struct {
	APIKey  string
	BaseURL string
	// Model, when set, is tried first; the default cascade follows.
	Model   string
	Timeout time.Duration
}

// ConfigFromEnv reads GEMINI_API_KEY, GEMINI_MODEL, and GEMINI_TIMEOUT_S.
func ConfigFromEnv() Config {
	cfg := Config{
		APIKey: os.Getenv("GEMINI_API_KEY"),
		Model:  os.Getenv("GEMINI_MODEL"),
	}
	if v := os.Getenv("GEMINI_TIMEOUT_S"); v != "" {
		var secs int
		if _, err := fmt.Sscanf(v, "%d", &secs); err == nil && secs > 0 {
			cfg.Timeout = time.Duration(secs) * time.Second
		}
	}
	return cfg
}

// Client calls the generateContent endpoint. Safe for concurrent use.
type Client struct {
	cfg     Config
	cascade []string
	http    *http.Client
	log     logging.Logger
}

// New builds a client. Zero timeout defaults to 12s per call.
func New(cfg Config, log logging.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 12 * time.Second
	}
	if log == nil {
		log = logging.Noop()
	}
	cascade := make([]string, 0, len(DefaultCascade)+1)
	if cfg.Model != "" {
		cascade = append(cascade, cfg.Model)
	}
	for _, m := range DefaultCascade {
		if m != cfg.Model {
			cascade = append(cascade, m)
		}
	}
	return &Client{
		cfg:     cfg,
		cascade: cascade,
		http:    &http.Client{Timeout: cfg.Timeout},
		log:     log,
	}
}

// Configured reports whether an API key is present. Without one, Generate
// returns ErrUnavailable immediately.
func (c *Client) Configured() bool { return c.cfg.APIKey != "" }

// Generate runs the prompt down the cascade and returns the first non-empty
// completion along with the model that produced it.
func (c *Client) Generate(ctx context.Context, prompt string) (text, model string, err error) {
	if !c.Configured() {
		return "", "", ErrUnavailable
	}
	for _, m := range c.cascade {
		out, callErr := c.call(ctx, m, prompt)
		if callErr != nil {
			if ctx.Err() != nil {
				return "", "", ctx.Err()
			}
			c.log.Warn(ctx, "model call failed",
				logging.String("model", m),
				logging.Err(callErr),
			)
			continue
		}
		if out != "" {
			return out, m, nil
		}
	}
	return "", "", ErrUnavailable
}

type generateRequest struct {
	Contents []content `json:"contents"`
	Config   genConfig `json:"generationConfig"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type genConfig struct {
	Temperature float64 `json:"temperature"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
}

func (c *Client) call(ctx context.Context, model, prompt string) (string, error) {
	payload, err := json.Marshal(generateRequest{
		Contents: []content{{Parts: []part{{Text: prompt}}}},
		Config:   genConfig{Temperature: 0.2},
	})
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", c.cfg.BaseURL, model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return "", fmt.Errorf("rate limited")
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("status %d: %.200s", resp.StatusCode, body)
	}

	var out generateResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(out.Candidates) == 0 || len(out.Candidates[0].Content.Parts) == 0 {
		return "", nil
	}
	return out.Candidates[0].Content.Parts[0].Text, nil
}

// ExtractJSON pulls the first JSON object or array out of a completion.
// Models wrap output in markdown fences or chatter around it; this strips
// ``` fences and <think> blocks, then scans for a balanced JSON value.
func ExtractJSON(text string) (json.RawMessage, error) {
	s := stripThinkBlocks(stripFences(strings.TrimSpace(text)))
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return nil, fmt.Errorf("no JSON found in model output")
	}

	opener := s[start]
	closer := byte('}')
	if opener == '[' {
		closer = ']'
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		switch {
		case escaped:
			escaped = false
		case ch == '\\' && inString:
			escaped = true
		case ch == '"':
			inString = !inString
		case inString:
		case ch == opener:
			depth++
		case ch == closer:
			depth--
			if depth == 0 {
				candidate := s[start : i+1]
				if !json.Valid([]byte(candidate)) {
					return nil, fmt.Errorf("malformed JSON in model output")
				}
				return json.RawMessage(candidate), nil
			}
		}
	}
	return nil, fmt.Errorf("unbalanced JSON in model output")
}

func stripFences(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if idx := strings.Index(s, "\n"); idx >= 0 {
		s = s[idx+1:]
	}
	if idx := strings.LastIndex(s, "```"); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}

func stripThinkBlocks(s string) string {
	for {
		start := strings.Index(s, "<think>")
		if start < 0 {
			return s
		}
		end := strings.Index(s[start:], "</think>")
		if end < 0 {
			return s[:start]
		}
		s = s[:start] + s[start+end+len("</think>"):]
	}
}
