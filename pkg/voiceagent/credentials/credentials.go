// Package credentials fetches time-boxed media and signaling tokens for one
// participant in one channel.
package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	defaultTokenPath = "/v2/convoai/token/generate"
	defaultTTL       = 24 * time.Hour
)

type Credentials struct {
	MediaToken     string
	SignalingToken string
	AppID          string
	// ParticipantID is the uid the tokens were minted for; the server may
	// assign one that differs from the requested uid.
	ParticipantID string
	SessionID     string
	ExpiresAt     time.Time
}

type Provider interface {
	Issue(ctx context.Context, participantID, channelName string) (Credentials, error)
}

type ErrorKind string

const (
	KindNetwork ErrorKind = "network"
	KindAuth    ErrorKind = "auth"
	KindQuota   ErrorKind = "quota"
	KindInvalid ErrorKind = "invalid"
)

type Error struct {
	Kind    ErrorKind
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := "credentials: " + string(e.Kind)
	if e.Status != 0 {
		msg += " (status " + strconv.Itoa(e.Status) + ")"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Option configures a Client.
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

// WithTTL sets the lifetime assumed for issued tokens.
func WithTTL(ttl time.Duration) Option {
	return func(cl *Client) {
		if ttl > 0 {
			cl.ttl = ttl
		}
	}
}

func WithSource(src string) Option {
	return func(cl *Client) { cl.src = src }
}

func WithBearer(token string) Option {
	return func(cl *Client) { cl.bearer = token }
}

// Client issues credentials from the token endpoint.
type Client struct {
	baseURL string
	http    *http.Client
	appID   string
	bearer  string
	src     string
	ttl     time.Duration
	now     func() time.Time
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    http.DefaultClient,
		src:     "Go",
		ttl:     defaultTTL,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type tokenRequest struct {
	RequestID   string `json:"request_id"`
	ChannelName string `json:"channel_name"`
	// The gateway reads camelCase while the legacy service reads snake_case.
	ChannelNameCamel string `json:"channelName"`
	UID              string `json:"uid"`
	AppID            string `json:"appId,omitempty"`
	Type             int    `json:"type"`
	Src              string `json:"src"`
	TS               string `json:"ts"`
}

type tokenResponse struct {
	Code json.RawMessage `json:"code"`
	Msg  string          `json:"msg"`
	Data *struct {
		Token     string          `json:"token"`
		RTMToken  string          `json:"rtmToken"`
		AppID     string          `json:"appId"`
		UID       json.RawMessage `json:"uid"`
		SessionID string          `json:"sessionId"`
		ExpiresIn int64           `json:"expiresIn,omitempty"`
	} `json:"data"`
}

func (c *Client) Issue(ctx context.Context, participantID, channelName string) (Credentials, error) {
	participantID = strings.TrimSpace(participantID)
	if participantID == "" {
		return Credentials{}, &Error{Kind: KindInvalid, Message: "participant id is required"}
	}
	uidType := 0
	if _, err := strconv.ParseUint(participantID, 10, 32); err == nil {
		uidType = 1
	}
	now := c.now()
	body, err := json.Marshal(tokenRequest{
		RequestID:        uuid.NewString(),
		ChannelName:      channelName,
		ChannelNameCamel: channelName,
		UID:              participantID,
		AppID:            c.appID,
		Type:             uidType,
		Src:              c.src,
		TS:               strconv.FormatInt(now.UnixMilli(), 10),
	})
	if err != nil {
		return Credentials{}, fmt.Errorf("credentials: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+defaultTokenPath, bytes.NewReader(body))
	if err != nil {
		return Credentials{}, fmt.Errorf("credentials: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Credentials{}, &Error{Kind: KindNetwork, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Credentials{}, &Error{Kind: KindNetwork, Status: resp.StatusCode, Err: err}
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Credentials{}, &Error{Kind: KindAuth, Status: resp.StatusCode, Message: snippet(raw)}
	case resp.StatusCode == http.StatusTooManyRequests:
		return Credentials{}, &Error{Kind: KindQuota, Status: resp.StatusCode, Message: snippet(raw)}
	case resp.StatusCode >= 500:
		return Credentials{}, &Error{Kind: KindNetwork, Status: resp.StatusCode, Message: snippet(raw)}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return Credentials{}, &Error{Kind: KindInvalid, Status: resp.StatusCode, Message: snippet(raw)}
	}

	var decoded tokenResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return Credentials{}, &Error{Kind: KindInvalid, Status: resp.StatusCode, Message: "decode response", Err: err}
	}
	if !codeOK(decoded.Code) {
		return Credentials{}, &Error{Kind: KindInvalid, Status: resp.StatusCode, Message: strings.TrimSpace(string(decoded.Code) + " " + decoded.Msg)}
	}
	if decoded.Data == nil || strings.TrimSpace(decoded.Data.Token) == "" {
		return Credentials{}, &Error{Kind: KindInvalid, Status: resp.StatusCode, Message: "token missing in response"}
	}

	d := decoded.Data
	out := Credentials{
		MediaToken:     d.Token,
		SignalingToken: d.RTMToken,
		AppID:          c.appID,
		ParticipantID:  participantID,
		SessionID:      d.SessionID,
		ExpiresAt:      now.Add(c.ttl),
	}
	if out.SignalingToken == "" {
		out.SignalingToken = d.Token
	}
	if strings.TrimSpace(d.AppID) != "" {
		out.AppID = d.AppID
	}
	if uid := rawID(d.UID); uid != "" {
		out.ParticipantID = uid
	}
	if d.ExpiresIn > 0 {
		out.ExpiresAt = now.Add(time.Duration(d.ExpiresIn) * time.Second)
	}
	return out, nil
}

func codeOK(raw json.RawMessage) bool {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	switch strings.ToLower(s) {
	case "", "0", "200", "ok", "null", "success":
		return true
	}
	return false
}

func rawID(raw json.RawMessage) string {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return ""
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return strings.TrimSpace(str)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 256 {
		s = s[:256]
	}
	return s
}

// IsKind reports whether err is a credentials error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Kind == kind
}
