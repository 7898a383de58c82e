package handlers

import (
	"net/http"

	"github.com/EchoLoomAI/EchoSpark/pkg/voiceagent/apierror"
	"github.com/EchoLoomAI/EchoSpark/pkg/voiceagent/mw"
)

type NotFoundHandler struct{}

func (h NotFoundHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	apierror.Write(w, http.StatusNotFound, &apierror.Error{
		Type:      apierror.TypeNotFound,
		Message:   "not found",
		RequestID: reqID,
	})
}
