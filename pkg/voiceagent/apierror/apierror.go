package apierror

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/EchoLoomAI/EchoSpark/pkg/voiceagent/session"
)

type Type string

const (
	TypeInvalidRequest Type = "invalid_request_error"
	TypeNotFound       Type = "not_found_error"
	TypeConflict       Type = "conflict_error"
	TypeUnavailable    Type = "unavailable_error"
	TypeSession        Type = "session_error"
	TypeAPI            Type = "api_error"
)

// Error is the JSON error body of every non-2xx control API response.
type Error struct {
	Type      Type   `json:"type"`
	Message   string `json:"message"`
	Param     string `json:"param,omitempty"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return string(e.Type) + ": " + e.Message
}

type Envelope struct {
	Error *Error `json:"error"`
}

func FromError(err error, requestID string) (*Error, int) {
	if err == nil {
		return nil, http.StatusOK
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Type: TypeAPI, Message: "request timeout", RequestID: requestID}, http.StatusGatewayTimeout
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Type: TypeAPI, Message: "request cancelled", Code: "cancelled", RequestID: requestID}, http.StatusRequestTimeout
	}

	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr != nil {
		out := *apiErr
		out.RequestID = requestID
		return &out, statusFromType(apiErr.Type)
	}

	switch {
	case errors.Is(err, session.ErrInvalid):
		return &Error{Type: TypeInvalidRequest, Message: err.Error(), RequestID: requestID}, http.StatusBadRequest
	case errors.Is(err, session.ErrNotRunning):
		return &Error{Type: TypeConflict, Message: "no running session", Code: "no_session", RequestID: requestID}, http.StatusConflict
	case errors.Is(err, session.ErrClosed):
		return &Error{Type: TypeUnavailable, Message: "session orchestrator stopped", Code: "stopped", RequestID: requestID}, http.StatusServiceUnavailable
	}

	var serr *session.SessionError
	if errors.As(err, &serr) && serr != nil {
		return &Error{Type: TypeSession, Message: serr.Message, Code: string(serr.Kind), RequestID: requestID}, http.StatusBadGateway
	}

	// Unknown errors are not echoed to clients.
	return &Error{Type: TypeAPI, Message: "internal error", RequestID: requestID}, http.StatusInternalServerError
}

func statusFromType(t Type) int {
	switch t {
	case TypeInvalidRequest:
		return http.StatusBadRequest
	case TypeNotFound:
		return http.StatusNotFound
	case TypeConflict:
		return http.StatusConflict
	case TypeUnavailable:
		return http.StatusServiceUnavailable
	case TypeSession:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func Write(w http.ResponseWriter, status int, err *Error) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Envelope{Error: err})
}
