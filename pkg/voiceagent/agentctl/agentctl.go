// Package agentctl is a REST client for the service that starts, stops and
// pings the remote conversational agent bound to a channel.
package agentctl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ErrCapacity reports that the provider refused to start another agent.
var ErrCapacity = errors.New("agentctl: resource limit exceeded")

// resourceLimitCode is the numeric form of resource_limit_exceeded.
const resourceLimitCode = "1412"

type StartRequest struct {
	Channel               string          `json:"channel"`
	Token                 string          `json:"token"`
	AgentParticipantID    string          `json:"agent_participant_id"`
	RemoteParticipantIDs  []string        `json:"remote_participant_ids"`
	SystemPrompt          string          `json:"system_prompt,omitempty"`
	Greeting              string          `json:"greeting,omitempty"`
	ModelID               string          `json:"model_id,omitempty"`
	ModelParams           json.RawMessage `json:"model_params,omitempty"`
	TTS                   json.RawMessage `json:"tts,omitempty"`
	ASR                   json.RawMessage `json:"asr,omitempty"`
	Preset                string          `json:"preset_name,omitempty"`
	EnableTranscriptFeeds bool            `json:"enable_transcript,omitempty"`
}

type StartResult struct {
	AgentID string
	// AgentParticipantID is the participant id the agent actually joined
	// with; empty when the server kept the requested one.
	AgentParticipantID string
}

// APIError is a non-success envelope or HTTP status.
type APIError struct {
	Op     string
	Status int
	Code   string
	Msg    string
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("agentctl: %s failed (status %d, code %s): %s", e.Op, e.Status, e.Code, e.Msg)
}

type Client struct {
	baseURL string
	http    *http.Client
	appID   string
	auth    func(*http.Request)
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

func WithAppID(appID string) Option {
	return func(cl *Client) { cl.appID = appID }
}

// WithBasicAuth authenticates with the provider's customer key and secret.
func WithBasicAuth(user, pass string) Option {
	return func(cl *Client) {
		if user == "" {
			return
		}
		cl.auth = func(r *http.Request) { r.SetBasicAuth(user, pass) }
	}
}

func WithBearer(token string) Option {
	return func(cl *Client) {
		if token == "" {
			return
		}
		cl.auth = func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }
	}
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type envelope struct {
	Code json.RawMessage `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type startBody struct {
	AppID string `json:"app_id,omitempty"`
	StartRequest
}

type startData struct {
	AgentID     string          `json:"agent_id"`
	AgentRTCUID json.RawMessage `json:"agent_rtc_uid"`
}

type agentRef struct {
	AppID   string `json:"app_id,omitempty"`
	AgentID string `json:"agent_id"`
	Channel string `json:"channel"`
}

func (c *Client) Start(ctx context.Context, req StartRequest) (StartResult, error) {
	if req.RemoteParticipantIDs == nil {
		req.RemoteParticipantIDs = []string{}
	}
	var data startData
	if err := c.post(ctx, "start", startBody{AppID: c.appID, StartRequest: req}, &data); err != nil {
		return StartResult{}, err
	}
	if strings.TrimSpace(data.AgentID) == "" {
		return StartResult{}, &APIError{Op: "start", Status: http.StatusOK, Msg: "agent_id missing in response"}
	}
	return StartResult{AgentID: data.AgentID, AgentParticipantID: rawID(data.AgentRTCUID)}, nil
}

// Stop is a no-op for an empty agentID.
func (c *Client) Stop(ctx context.Context, agentID, channel string) error {
	if strings.TrimSpace(agentID) == "" {
		return nil
	}
	return c.post(ctx, "stop", agentRef{AppID: c.appID, AgentID: agentID, Channel: channel}, nil)
}

func (c *Client) Ping(ctx context.Context, agentID, channel string) error {
	if strings.TrimSpace(agentID) == "" {
		return errors.New("agentctl: ping requires an agent id")
	}
	return c.post(ctx, "ping", agentRef{AppID: c.appID, AgentID: agentID, Channel: channel}, nil)
}

func (c *Client) post(ctx context.Context, op string, in any, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("agentctl: marshal %s request: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+op, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("agentctl: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.auth != nil {
		c.auth(req)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("agentctl: %s request failed: %w", op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("agentctl: read %s response: %w", op, err)
	}

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)
	code := codeString(env.Code)

	if resp.StatusCode == http.StatusTooManyRequests || isResourceLimit(code) {
		return fmt.Errorf("%w: %s", ErrCapacity, strings.TrimSpace(env.Msg))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := env.Msg
		if decodeErr != nil || msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		return &APIError{Op: op, Status: resp.StatusCode, Code: code, Msg: msg}
	}
	if decodeErr != nil {
		return fmt.Errorf("agentctl: decode %s response: %w", op, decodeErr)
	}
	if !codeOK(code) {
		return &APIError{Op: op, Status: resp.StatusCode, Code: code, Msg: env.Msg}
	}
	if out != nil && len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("agentctl: decode %s data: %w", op, err)
		}
	}
	return nil
}

func codeString(raw json.RawMessage) string {
	return strings.Trim(strings.TrimSpace(string(raw)), `"`)
}

func codeOK(code string) bool {
	switch strings.ToLower(code) {
	case "", "0", "200", "ok", "null", "success":
		return true
	}
	return false
}

func isResourceLimit(code string) bool {
	return strings.EqualFold(code, "resource_limit_exceeded") || code == resourceLimitCode
}

func rawID(raw json.RawMessage) string {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return ""
	}
	return strings.Trim(s, `"`)
}
