package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/EchoLoomAI/EchoSpark/pkg/voiceagent/apierror"
	"github.com/EchoLoomAI/EchoSpark/pkg/voiceagent/markers"
	"github.com/EchoLoomAI/EchoSpark/pkg/voiceagent/mw"
	"github.com/EchoLoomAI/EchoSpark/pkg/voiceagent/store/postgres"
)

type ArchiveReader interface {
	ListTurns(ctx context.Context, sessionID string, limit int) ([]postgres.ArchivedTurn, error)
	Profile(ctx context.Context, sessionID string) (markers.ProfileDraft, error)
}

// ArchiveHandler serves archived transcripts and profiles by session id.
type ArchiveHandler struct {
	Archive ArchiveReader
}

func (h ArchiveHandler) Transcript(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := h.sessionID(w, r)
	if !ok {
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeAPIError(w, r, &apierror.Error{Type: apierror.TypeInvalidRequest, Message: "limit must be a positive integer", Param: "limit"})
			return
		}
		limit = n
	}
	turns, err := h.Archive.ListTurns(r.Context(), sessionID, limit)
	if err != nil {
		writeAPIError(w, r, err)
		return
	}
	if turns == nil {
		turns = []postgres.ArchivedTurn{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": sessionID, "turns": turns})
}

func (h ArchiveHandler) Profile(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := h.sessionID(w, r)
	if !ok {
		return
	}
	profile, err := h.Archive.Profile(r.Context(), sessionID)
	if err != nil {
		writeAPIError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": sessionID, "profile": profile})
}

func (h ArchiveHandler) sessionID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeAPIError(w, r, &apierror.Error{Type: apierror.TypeInvalidRequest, Message: "session id is required", Param: "id"})
		return "", false
	}
	return id, true
}

func writeAPIError(w http.ResponseWriter, r *http.Request, err error) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	apiErr, status := apierror.FromError(err, reqID)
	apierror.Write(w, status, apiErr)
}
