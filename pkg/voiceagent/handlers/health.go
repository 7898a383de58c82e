package handlers

import (
	"net/http"
	"time"

	"github.com/EchoLoomAI/EchoSpark/pkg/voiceagent/lifecycle"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// ReadyHandler fails while the orchestrator is not running or the process
// is draining, so load balancers stop routing new sessions here.
type ReadyHandler struct {
	Lifecycle   *lifecycle.Lifecycle
	Subscribers func() int
	Features    map[string]bool
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK            bool            `json:"ok"`
		Draining      bool            `json:"draining"`
		DrainingSince *time.Time      `json:"draining_since,omitempty"`
		Subscribers   int             `json:"subscribers"`
		Features      map[string]bool `json:"features,omitempty"`
	}

	resp := readyResp{
		OK:       h.Lifecycle.Ready(),
		Draining: h.Lifecycle.IsDraining(),
		Features: h.Features,
	}
	if since := h.Lifecycle.DrainingSince(); !since.IsZero() {
		resp.DrainingSince = &since
	}
	if h.Subscribers != nil {
		resp.Subscribers = h.Subscribers()
	}

	status := http.StatusOK
	if !resp.OK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
