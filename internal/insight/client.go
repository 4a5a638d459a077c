// Package insight hands finished terminal sessions to the insight service,
// which mines the captured output. Delivery is best effort.
package insight

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agent-command/termd/internal/metrics"
	"github.com/agent-command/termd/internal/terminal"
)

const (
	DefaultTimeout = 10 * time.Second
	// DefaultName is used when the client never named the terminal.
	DefaultName = "Terminal"
)

// Payload is the JSON body posted for one session.
type Payload struct {
	TerminalID   string `json:"terminalId"`
	TerminalName string `json:"terminalName"`
	ProjectID    string `json:"projectId"`
	OutputBuffer string `json:"outputBuffer"`
	StartTime    string `json:"startTime"`
	EndTime      string `json:"endTime"`
	CommandCount int    `json:"commandCount"`
	WorktreeID   string `json:"worktreeId,omitempty"`
	Cwd          string `json:"cwd"`
}

// NewPayload builds the payload for session id from a registry snapshot.
func NewPayload(id, name string, md terminal.Metadata) Payload {
	if name == "" {
		name = DefaultName
	}
	return Payload{
		TerminalID:   id,
		TerminalName: name,
		ProjectID:    md.ProjectID,
		OutputBuffer: md.Output,
		StartTime:    md.StartTime.UTC().Format(time.RFC3339Nano),
		EndTime:      md.EndTime.UTC().Format(time.RFC3339Nano),
		CommandCount: md.CommandCount,
		WorktreeID:   md.WorktreeID,
		Cwd:          md.WorkDir,
	}
}

// Client posts payloads to a fixed URL. A Client with an empty URL is
// disabled and drops every submission.
type Client struct {
	url     string
	http    *http.Client
	timeout time.Duration
	log     zerolog.Logger
	metrics *metrics.Metrics

	wg sync.WaitGroup
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) { c.log = log }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

func NewClient(url string, opts ...Option) *Client {
	c := &Client{
		url:     url,
		http:    http.DefaultClient,
		timeout: DefaultTimeout,
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Enabled() bool {
	return c != nil && c.url != ""
}

// Send posts p, authenticated with token as a bearer credential.
func (c *Client) Send(ctx context.Context, token string, p Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal insight payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create insight request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post insight: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("insight service returned %s", resp.Status)
	}
	return nil
}

// Submit sends p in the background. Failures are logged and counted, never
// returned.
func (c *Client) Submit(token string, p Payload) {
	if !c.Enabled() {
		c.metrics.InsightSubmitted("disabled")
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				c.metrics.InsightSubmitted("error")
				c.log.Error().Interface("panic", r).Str("session_id", p.TerminalID).Msg("Insight submission panicked")
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()

		if err := c.Send(ctx, token, p); err != nil {
			c.metrics.InsightSubmitted("error")
			c.log.Warn().Err(err).Str("session_id", p.TerminalID).Msg("Insight capture failed")
			return
		}
		c.metrics.InsightSubmitted("ok")
		c.log.Debug().Str("session_id", p.TerminalID).Int("commands", p.CommandCount).Msg("Insight captured")
	}()
}

// Wait blocks until background submissions finish.
func (c *Client) Wait() {
	c.wg.Wait()
}

// WaitTimeout is Wait bounded by d. It reports whether every submission
// finished in time.
func (c *Client) WaitTimeout(d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}
