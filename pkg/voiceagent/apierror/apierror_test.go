package apierror

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/EchoLoomAI/EchoSpark/pkg/voiceagent/session"
)

func TestFromError_Mapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		status   int
		typ      Type
		code     string
		contains string
	}{
		{"deadline", fmt.Errorf("wrap: %w", context.DeadlineExceeded), http.StatusGatewayTimeout, TypeAPI, "", "timeout"},
		{"cancelled", context.Canceled, http.StatusRequestTimeout, TypeAPI, "cancelled", "cancelled"},
		{"invalid", fmt.Errorf("%w: channel is required", session.ErrInvalid), http.StatusBadRequest, TypeInvalidRequest, "", "channel is required"},
		{"not running", session.ErrNotRunning, http.StatusConflict, TypeConflict, "no_session", ""},
		{"closed", session.ErrClosed, http.StatusServiceUnavailable, TypeUnavailable, "stopped", ""},
		{"session error", &session.SessionError{Kind: session.KindMediaFailure, Message: "join audio channel"}, http.StatusBadGateway, TypeSession, "media_failure", "join audio"},
		{"passthrough", &Error{Type: TypeNotFound, Message: "nope"}, http.StatusNotFound, TypeNotFound, "", "nope"},
		{"unknown", errors.New("secret detail"), http.StatusInternalServerError, TypeAPI, "", "internal error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, status := FromError(tt.err, "req_1")
			if status != tt.status {
				t.Fatalf("status=%d, want %d", status, tt.status)
			}
			if got.Type != tt.typ || got.Code != tt.code || got.RequestID != "req_1" {
				t.Fatalf("err=%+v", got)
			}
			if !strings.Contains(got.Message, tt.contains) {
				t.Fatalf("message=%q, want it to contain %q", got.Message, tt.contains)
			}
		})
	}
}

func TestFromError_NilIsOK(t *testing.T) {
	got, status := FromError(nil, "req_1")
	if got != nil || status != http.StatusOK {
		t.Fatalf("got=%+v status=%d", got, status)
	}
}

func TestWrite_Envelope(t *testing.T) {
	rr := httptest.NewRecorder()
	Write(rr, http.StatusConflict, &Error{Type: TypeConflict, Message: "busy", RequestID: "req_2"})
	if rr.Code != http.StatusConflict {
		t.Fatalf("status=%d", rr.Code)
	}
	body := rr.Body.String()
	if !strings.Contains(body, `"error":{"type":"conflict_error","message":"busy","request_id":"req_2"}`) {
		t.Fatalf("body=%q", body)
	}
}
