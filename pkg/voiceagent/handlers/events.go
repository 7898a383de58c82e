package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/EchoLoomAI/EchoSpark/pkg/voiceagent/apierror"
	"github.com/EchoLoomAI/EchoSpark/pkg/voiceagent/fanout"
	"github.com/EchoLoomAI/EchoSpark/pkg/voiceagent/lifecycle"
	"github.com/EchoLoomAI/EchoSpark/pkg/voiceagent/mw"
	"github.com/EchoLoomAI/EchoSpark/pkg/voiceagent/session"
)

const TypeSnapshot = "session.snapshot"

type Snapshotter interface {
	Snapshot(ctx context.Context) (session.Snapshot, error)
}

// EventsHandler streams session events over a websocket. Each connection
// first receives a snapshot, then every broadcast event in order. Frames are
// JSON text unless the client asks for ?encoding=cbor, which yields binary
// CBOR frames with the same fields.
type EventsHandler struct {
	Hub            *fanout.Hub
	Sessions       Snapshotter
	Lifecycle      *lifecycle.Lifecycle
	Logger         *slog.Logger
	AllowedOrigins map[string]struct{}
	PingInterval   time.Duration
	WriteTimeout   time.Duration
}

func (h EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	if h.Lifecycle.IsDraining() {
		apierror.Write(w, http.StatusServiceUnavailable, &apierror.Error{
			Type: apierror.TypeUnavailable, Message: "server is draining", Code: "draining", RequestID: reqID,
		})
		return
	}
	if origin := r.Header.Get("Origin"); origin != "" && !mw.OriginAllowed(h.AllowedOrigins, origin) {
		apierror.Write(w, http.StatusForbidden, &apierror.Error{
			Type: apierror.TypeInvalidRequest, Message: "origin is not allowed", Param: "Origin", RequestID: reqID,
		})
		return
	}

	enc, err := fanout.ParseEncoding(r.URL.Query().Get("encoding"))
	if err != nil {
		apierror.Write(w, http.StatusBadRequest, &apierror.Error{
			Type: apierror.TypeInvalidRequest, Message: err.Error(), Param: "encoding", RequestID: reqID,
		})
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	logger := h.logger().With("request_id", reqID)
	pingInterval := h.PingInterval
	if pingInterval <= 0 {
		pingInterval = 20 * time.Second
	}
	writeTimeout := h.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}

	sub := h.Hub.Subscribe(reqID, enc)
	defer sub.Close()
	logger.Info("event subscriber connected", "encoding", enc.String(), "subscribers", h.Hub.Count())

	snap, err := h.Sessions.Snapshot(r.Context())
	if err != nil {
		h.closeWith(conn, websocket.CloseInternalServerErr, "snapshot unavailable", writeTimeout)
		return
	}
	first, err := h.Hub.Encode(enc, TypeSnapshot, snap)
	if err != nil {
		h.closeWith(conn, websocket.CloseInternalServerErr, "snapshot unavailable", writeTimeout)
		return
	}
	if err := writeFrame(conn, enc, first, writeTimeout); err != nil {
		return
	}

	// Clients only send control frames. Reading drives pong handling and
	// notices when the peer goes away.
	readDone := make(chan struct{})
	conn.SetReadLimit(4 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(2 * pingInterval))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(2 * pingInterval))
	})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-readDone:
			logger.Info("event subscriber disconnected")
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeTimeout)); err != nil {
				return
			}
		case payload, ok := <-sub.C():
			if !ok {
				if sub.Evicted() {
					logger.Warn("event subscriber too slow, closing")
					h.closeWith(conn, websocket.CloseTryAgainLater, "subscriber too slow", writeTimeout)
					return
				}
				h.closeWith(conn, websocket.CloseGoingAway, "server shutting down", writeTimeout)
				return
			}
			if err := writeFrame(conn, enc, payload, writeTimeout); err != nil {
				return
			}
		}
	}
}

func (h EventsHandler) closeWith(conn *websocket.Conn, code int, text string, timeout time.Duration) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(timeout))
}

func (h EventsHandler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

func writeFrame(conn *websocket.Conn, enc fanout.Encoding, payload []byte, timeout time.Duration) error {
	if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	kind := websocket.TextMessage
	if enc.Binary() {
		kind = websocket.BinaryMessage
	}
	return conn.WriteMessage(kind, payload)
}
