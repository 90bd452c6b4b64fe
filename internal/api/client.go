// Package api implements the decision-service collaborator: session
// lifecycle calls, goal simulation, and rules-engine retrieval over
// HTTP. The client performs no retries of its own; calls are shaped to
// be idempotent-safe for transport-level retry.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"parley/internal/logging"
	"parley/internal/types"
)

// ClientConfig parameterizes the decision-service client.
type ClientConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client talks to one decision service deployment.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient builds a client; a zero Timeout defaults to 30s.
func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
	}
}

// SimulatePayload is the body of a simulate call: compute the goal (or
// the response shape) from the partial data without saving anything.
type SimulatePayload struct {
	Mode     string                `json:"mode"`
	Save     bool                  `json:"save"`
	Goal     string                `json:"goal,omitempty"`
	Data     types.AttributeValues `json:"data"`
	Response any                   `json:"response,omitempty"`
}

// Create starts a new interview session.
func (c *Client) Create(ctx context.Context, cfg types.SessionConfig) (*types.Session, error) {
	if cfg.InteractionID == "" {
		cfg.InteractionID = uuid.NewString()
	}
	var sess types.Session
	if err := c.do(ctx, http.MethodPost, "/interviews", nil, cfg, &sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	logging.API("created session %s (interaction %s)", sess.SessionID, sess.InteractionID)
	return &sess, nil
}

// Load resumes an existing interview session.
func (c *Client) Load(ctx context.Context, cfg types.SessionConfig) (*types.Session, error) {
	if cfg.SessionID == "" {
		return nil, fmt.Errorf("load session: sessionId required")
	}
	if cfg.InteractionID == "" {
		cfg.InteractionID = uuid.NewString()
	}
	var sess types.Session
	q := sessionQuery(cfg.SessionID, cfg.InteractionID)
	if err := c.do(ctx, http.MethodPost, "/interviews/load", q, cfg, &sess); err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	return &sess, nil
}

// Submit posts the screen's data, optionally navigating, and returns
// the replacement session.
func (c *Client) Submit(ctx context.Context, sess *types.Session, data types.AttributeValues, navigate string, overrides map[string]any) (*types.Session, error) {
	body := map[string]any{"data": data}
	if navigate != "" {
		body["navigate"] = navigate
	}
	for k, v := range overrides {
		body[k] = v
	}
	var next types.Session
	if err := c.do(ctx, http.MethodPost, "/interviews/submit", sessionQuery(sess.SessionID, sess.InteractionID), body, &next); err != nil {
		return nil, fmt.Errorf("submit: %w", err)
	}
	return &next, nil
}

// Navigate jumps to a named step.
func (c *Client) Navigate(ctx context.Context, sess *types.Session, step string, overrides map[string]any) (*types.Session, error) {
	body := map[string]any{"step": step}
	for k, v := range overrides {
		body[k] = v
	}
	var next types.Session
	if err := c.do(ctx, http.MethodPost, "/interviews/navigate", sessionQuery(sess.SessionID, sess.InteractionID), body, &next); err != nil {
		return nil, fmt.Errorf("navigate: %w", err)
	}
	return &next, nil
}

// Back returns to the previous screen.
func (c *Client) Back(ctx context.Context, sess *types.Session, overrides map[string]any) (*types.Session, error) {
	body := map[string]any{}
	for k, v := range overrides {
		body[k] = v
	}
	var next types.Session
	if err := c.do(ctx, http.MethodPost, "/interviews/back", sessionQuery(sess.SessionID, sess.InteractionID), body, &next); err != nil {
		return nil, fmt.Errorf("back: %w", err)
	}
	return &next, nil
}

// Chat exchanges one conversational message against a goal.
func (c *Client) Chat(ctx context.Context, sess *types.Session, message, goal string, overrides map[string]any, interactionID string) (*types.ChatResponse, error) {
	if interactionID == "" {
		interactionID = uuid.NewString()
	}
	body := map[string]any{"message": message, "goal": goal}
	for k, v := range overrides {
		body[k] = v
	}
	var resp types.ChatResponse
	if err := c.do(ctx, http.MethodPost, "/interviews/chat", sessionQuery(sess.SessionID, interactionID), body, &resp); err != nil {
		return nil, fmt.Errorf("chat: %w", err)
	}
	if resp.InteractionID == "" {
		resp.InteractionID = interactionID
	}
	return &resp, nil
}

// Simulate computes goals from partial data without persisting.
func (c *Client) Simulate(ctx context.Context, sess *types.Session, payload SimulatePayload) (types.AttributeValues, error) {
	timer := logging.StartTimer(logging.CategoryAPI, "simulate "+payload.Goal)
	defer timer.Stop()

	var out types.AttributeValues
	if err := c.do(ctx, http.MethodPost, "/interviews/simulate", sessionQuery(sess.SessionID, sess.InteractionID), payload, &out); err != nil {
		return nil, fmt.Errorf("simulate %s: %w", payload.Goal, err)
	}
	return out, nil
}

// GetRulesEngine fetches the rules-engine script source, optionally
// pinned to a checksum.
func (c *Client) GetRulesEngine(ctx context.Context, checksum string) (string, error) {
	q := url.Values{}
	if checksum != "" {
		q.Set("checksum", checksum)
	}
	req, err := c.newRequest(ctx, http.MethodGet, "/rules-engine", q, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("get rules engine: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", statusError(resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("get rules engine: %w", err)
	}
	return string(data), nil
}

// GetConnectedData fetches external reference data for a screen.
func (c *Client) GetConnectedData(ctx context.Context, options map[string]any) (any, error) {
	var out any
	if err := c.do(ctx, http.MethodPost, "/connected-data", nil, options, &out); err != nil {
		return nil, fmt.Errorf("connected data: %w", err)
	}
	return out, nil
}

// ExportTimeline fetches the audit timeline of a session.
func (c *Client) ExportTimeline(ctx context.Context, sess *types.Session) (string, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/interviews/timeline", sessionQuery(sess.SessionID, sess.InteractionID), nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("export timeline: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", statusError(resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("export timeline: %w", err)
	}
	return string(data), nil
}

func sessionQuery(sessionID, interactionID string) url.Values {
	q := url.Values{}
	q.Set("session", sessionID)
	q.Set("interaction", interactionID)
	return q
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body any) (*http.Request, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	req, err := c.newRequest(ctx, method, path, query, body)
	if err != nil {
		return err
	}

	logging.APIDebug("%s %s", method, req.URL.Path)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func statusError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	msg := strings.TrimSpace(string(data))
	if msg == "" {
		msg = resp.Status
	}
	return fmt.Errorf("decision api %s: status %d: %s", resp.Request.URL.Path, resp.StatusCode, msg)
}
