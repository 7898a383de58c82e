package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/EchoLoomAI/EchoSpark/pkg/voiceagent/apierror"
	"github.com/EchoLoomAI/EchoSpark/pkg/voiceagent/lifecycle"
	"github.com/EchoLoomAI/EchoSpark/pkg/voiceagent/mw"
	"github.com/EchoLoomAI/EchoSpark/pkg/voiceagent/session"
)

// Sessions is the slice of the orchestrator the control API drives.
type Sessions interface {
	StartSession(ctx context.Context, participantID, channel string, cfg session.StartConfig) (string, error)
	StopSession(ctx context.Context) error
	Interrupt(ctx context.Context) error
	SendText(ctx context.Context, text string) error
	SetMuted(ctx context.Context, muted bool) error
	UserSpeechStarted(ctx context.Context) error
	Snapshot(ctx context.Context) (session.Snapshot, error)
}

// SessionHandler serves the /v1/session routes.
type SessionHandler struct {
	Sessions        Sessions
	Lifecycle       *lifecycle.Lifecycle
	Logger          *slog.Logger
	DefaultScenario string
	MaxBodyBytes    int64
}

type startRequest struct {
	ParticipantID string `json:"participant_id"`
	Channel       string `json:"channel"`
	session.StartConfig
}

type startResponse struct {
	AttemptID string `json:"attempt_id"`
}

type textRequest struct {
	Text string `json:"text"`
}

type muteRequest struct {
	Muted *bool `json:"muted"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

func (h SessionHandler) Start(w http.ResponseWriter, r *http.Request) {
	if h.Lifecycle.IsDraining() {
		h.writeError(w, r, &apierror.Error{Type: apierror.TypeUnavailable, Message: "server is draining", Code: "draining"})
		return
	}
	var req startRequest
	if !h.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Scenario) == "" {
		req.Scenario = h.DefaultScenario
	}
	attemptID, err := h.Sessions.StartSession(r.Context(), req.ParticipantID, req.Channel, req.StartConfig)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.logger().Info("session start requested",
		"attempt_id", attemptID,
		"channel", strings.TrimSpace(req.Channel),
		"scenario", req.Scenario,
	)
	writeJSON(w, http.StatusAccepted, startResponse{AttemptID: attemptID})
}

func (h SessionHandler) Stop(w http.ResponseWriter, r *http.Request) {
	if err := h.Sessions.StopSession(r.Context()); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (h SessionHandler) Interrupt(w http.ResponseWriter, r *http.Request) {
	h.simple(w, r, h.Sessions.Interrupt)
}

func (h SessionHandler) SpeechStarted(w http.ResponseWriter, r *http.Request) {
	h.simple(w, r, h.Sessions.UserSpeechStarted)
}

func (h SessionHandler) Text(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.Sessions.SendText(r.Context(), req.Text); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (h SessionHandler) Mute(w http.ResponseWriter, r *http.Request) {
	var req muteRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Muted == nil {
		h.writeError(w, r, &apierror.Error{Type: apierror.TypeInvalidRequest, Message: "muted is required", Param: "muted"})
		return
	}
	if err := h.Sessions.SetMuted(r.Context(), *req.Muted); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (h SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Sessions.Snapshot(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h SessionHandler) simple(w http.ResponseWriter, r *http.Request, fn func(context.Context) error) {
	if err := fn(r.Context()); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

// decode reads a strict JSON body. An empty body decodes as {}.
func (h SessionHandler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	limit := h.MaxBodyBytes
	if limit <= 0 {
		limit = 64 << 10
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	dec.DisallowUnknownFields()
	err := dec.Decode(v)
	if errors.Is(err, io.EOF) {
		return true
	}
	if err == nil && dec.More() {
		err = errors.New("unexpected data after JSON body")
	}
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, r, &apierror.Error{Type: apierror.TypeInvalidRequest, Message: "request body too large", Code: "body_too_large"})
			return false
		}
		h.writeError(w, r, &apierror.Error{Type: apierror.TypeInvalidRequest, Message: fmt.Sprintf("invalid JSON body: %v", err)})
		return false
	}
	return true
}

func (h SessionHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	apiErr, status := apierror.FromError(err, reqID)
	if status >= http.StatusInternalServerError {
		h.logger().Error("session request failed", "request_id", reqID, "path", r.URL.Path, "error", err)
	}
	apierror.Write(w, status, apiErr)
}

func (h SessionHandler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
