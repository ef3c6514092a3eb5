package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// HealthInfo is the agent's GET /health payload. Extra keys are preserved.
type HealthInfo struct {
	Version string         `json:"version"`
	Extra   map[string]any `json:"-"`
}

func (h *HealthInfo) UnmarshalJSON(b []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if v, _ := raw["version"].(string); v != "" {
		h.Version = v
		delete(raw, "version")
	}
	h.Extra = raw
	return nil
}

// TurnRequest starts one agent turn.
type TurnRequest struct {
	WorkspaceRoot string `json:"workspace_root"`
	Prompt        string `json:"prompt"`
	Model         string `json:"model,omitempty"`
	Effort        string `json:"effort,omitempty"`
}

// TurnPart is one streamed event within a turn: reasoning text, tool calls,
// file patches, usage metrics. The payload is kept opaque.
type TurnPart struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

// Client talks to one agent server over its local HTTP protocol.
type Client struct {
	baseURL  string
	username string
	password string
	http     *http.Client
}

// NewClient builds a client for baseURL. password may be empty; when set,
// requests carry HTTP basic auth.
func NewClient(baseURL, password string) *Client {
	return &Client{
		baseURL:  strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		username: "agent",
		password: password,
		http: &http.Client{
			Transport: &http.Transport{
				// Agent servers are loopback-only; tight connect timeout
				// keeps dead-process detection fast.
				DialContext: (&net.Dialer{Timeout: 2 * time.Second}).DialContext,
			},
		},
	}
}

func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if c.password != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	return req, nil
}

// Health probes GET /health, classifying failures the way attach logic
// needs them: auth, endpoint mismatch, or connect.
func (c *Client) Health(ctx context.Context) (*HealthInfo, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &AttachError{Kind: AttachConnect, BaseURL: c.baseURL, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &AttachError{Kind: AttachAuth, BaseURL: c.baseURL, Err: fmt.Errorf("status %d", resp.StatusCode)}
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusMethodNotAllowed:
		return nil, &AttachError{Kind: AttachEndpointMismatch, BaseURL: c.baseURL, Err: fmt.Errorf("status %d", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		return nil, &ProtocolError{Status: resp.StatusCode, Detail: "health probe"}
	}

	var info HealthInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, &ProtocolError{Detail: "health payload", Err: err}
	}
	return &info, nil
}

// FetchSchema retrieves GET /doc (OpenAPI) for discovery. Best-effort:
// callers log failures and move on.
func (c *Client) FetchSchema(ctx context.Context) (map[string]any, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/doc", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("schema fetch: status %d", resp.StatusCode)
	}
	var doc map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// RunTurn starts a turn and streams part events to onPart until the agent
// finishes. A deadline on ctx that elapses mid-turn returns ErrTurnTimeout;
// a dropped connection returns ErrDisconnected.
func (c *Client) RunTurn(ctx context.Context, turn TurnRequest, onPart func(TurnPart)) error {
	payload, err := json.Marshal(turn)
	if err != nil {
		return err
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/turn", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTurnErr(ctx, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		return &ProtocolError{Status: resp.StatusCode, Detail: strings.TrimSpace(string(body))}
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var part TurnPart
		if err := json.Unmarshal([]byte(line), &part); err != nil {
			return &ProtocolError{Detail: fmt.Sprintf("unparseable part event: %.120s", line), Err: err}
		}
		if onPart != nil {
			onPart(part)
		}
	}
	if err := sc.Err(); err != nil {
		return classifyTurnErr(ctx, err)
	}
	return nil
}

func classifyTurnErr(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTurnTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrDisconnected, err)
}
