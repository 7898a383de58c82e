// Package signaling implements the session's event channel over a WebSocket:
// login, channel membership, peer text and control messages, and the inbound
// transcript and agent-state stream.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/EchoLoomAI/EchoSpark/pkg/voiceagent/protocol"
)

var (
	ErrNotConnected = errors.New("signaling: not logged in")
	ErrNotJoined    = errors.New("signaling: not joined to a channel")
	ErrClosed       = errors.New("signaling: connection closed")
)

// Handler receives decoded inbound events: protocol.TranscriptEvent,
// protocol.AgentStateEvent, protocol.AgentErrorEvent or
// protocol.ConnectionLost. Handlers run on the read goroutine in delivery
// order and must not block.
type Handler = func(event any)

type Config struct {
	URL   string
	AppID string

	PingInterval time.Duration
	WriteTimeout time.Duration
	Dialer       *websocket.Dialer
	Logger       *slog.Logger
}

type Client struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	channel   string
	handlers  map[int]Handler
	nextID    int
	waiters   map[string]chan error
	closed    chan struct{}
	closeOnce *sync.Once
	loggedOut bool

	writeMu sync.Mutex
}

func New(cfg Config) *Client {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 15 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:      cfg,
		logger:   logger,
		handlers: make(map[int]Handler),
		waiters:  make(map[string]chan error),
	}
}

// Login dials the signaling service and authenticates as participantID.
func (c *Client) Login(ctx context.Context, participantID, token string) error {
	participantID = strings.TrimSpace(participantID)
	if participantID == "" {
		return fmt.Errorf("signaling: participant id is required")
	}
	wsURL, err := buildURL(c.cfg.URL, c.cfg.AppID, participantID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return fmt.Errorf("signaling: already logged in")
	}
	c.mu.Unlock()

	header := http.Header{}
	if strings.TrimSpace(token) != "" {
		header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	}
	conn, _, err := c.cfg.Dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return fmt.Errorf("signaling: dial: %w", err)
	}

	closed := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.closed = closed
	c.closeOnce = &sync.Once{}
	c.loggedOut = false
	c.mu.Unlock()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(3 * c.cfg.PingInterval))
	})
	_ = conn.SetReadDeadline(time.Now().Add(3 * c.cfg.PingInterval))

	go c.readLoop(conn)
	go c.keepAliveLoop(conn, closed)

	err = c.request(ctx, "login_ack", protocol.LoginFrame{Type: "login", Token: token, ParticipantID: participantID})
	if err != nil {
		c.shutdown("login failed")
		return fmt.Errorf("signaling: login: %w", err)
	}
	return nil
}

func (c *Client) Join(ctx context.Context, channel string) error {
	channel = strings.TrimSpace(channel)
	if channel == "" {
		return fmt.Errorf("signaling: channel is required")
	}
	if err := c.request(ctx, "join_ack", protocol.JoinFrame{Type: "join", Channel: channel}); err != nil {
		return fmt.Errorf("signaling: join %s: %w", channel, err)
	}
	c.mu.Lock()
	c.channel = channel
	c.mu.Unlock()
	return nil
}

// Subscribe registers h and returns a func that removes it.
func (c *Client) Subscribe(h Handler) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.handlers[id] = h
	c.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.handlers, id)
			c.mu.Unlock()
		})
	}
}

func (c *Client) SendText(ctx context.Context, targetID, text, priority string) error {
	if priority == "" {
		priority = protocol.PriorityInterrupt
	}
	return c.write(ctx, protocol.MessageFrame{
		Type:          "message",
		Target:        targetID,
		Text:          text,
		Priority:      priority,
		Interruptable: true,
	})
}

func (c *Client) SendControl(ctx context.Context, targetID, op string) error {
	return c.write(ctx, protocol.ControlFrame{Type: "control", Target: targetID, Op: op})
}

// Leave is a no-op when no channel is joined.
func (c *Client) Leave(ctx context.Context) error {
	c.mu.Lock()
	channel := c.channel
	c.channel = ""
	c.mu.Unlock()
	if channel == "" {
		return nil
	}
	err := c.write(ctx, protocol.LeaveFrame{Type: "leave", Channel: channel})
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

// Logout closes the connection. It is a no-op when not logged in.
func (c *Client) Logout(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil
	}
	c.loggedOut = true
	c.mu.Unlock()

	werr := c.write(ctx, protocol.LogoutFrame{Type: "logout"})
	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "logout"), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	c.shutdown("logout")
	if werr != nil && !errors.Is(werr, ErrNotConnected) && !errors.Is(werr, ErrClosed) {
		return werr
	}
	return nil
}

func (c *Client) request(ctx context.Context, ackType string, frame any) error {
	wait := make(chan error, 1)
	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	closed := c.closed
	c.waiters[ackType] = wait
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.waiters[ackType] == wait {
			delete(c.waiters, ackType)
		}
		c.mu.Unlock()
	}()

	if err := c.write(ctx, frame); err != nil {
		return err
	}
	select {
	case err := <-wait:
		return err
	case <-closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) write(ctx context.Context, frame any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	} else {
		_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	if err := conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("signaling: write: %w", err)
	}
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	reason := "closed"
	defer func() {
		c.mu.Lock()
		local := c.loggedOut || c.conn != conn
		c.mu.Unlock()
		c.shutdownConn(conn, reason)
		if !local {
			c.dispatch(protocol.ConnectionLost{Reason: reason})
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				reason = fmt.Sprintf("code=%d msg=%s", closeErr.Code, strings.TrimSpace(closeErr.Text))
			} else {
				reason = strings.TrimSpace(err.Error())
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(3 * c.cfg.PingInterval))

		msg, err := protocol.DecodeServerFrame(data)
		if err != nil {
			c.logger.Warn("signaling frame dropped", "error", err)
			continue
		}
		switch m := msg.(type) {
		case protocol.Ack:
			c.resolve(m.Type, nil)
		case protocol.ServerError:
			if !c.resolveAny(m) {
				c.logger.Warn("signaling server error", "code", m.Code, "message", m.Message)
			}
		default:
			c.dispatch(msg)
		}
	}
}

func (c *Client) keepAliveLoop(conn *websocket.Conn, closed chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Debug("signaling ping failed", "error", err)
			}
		}
	}
}

func (c *Client) dispatch(event any) {
	c.mu.Lock()
	ids := make([]int, 0, len(c.handlers))
	for id := range c.handlers {
		ids = append(ids, id)
	}
	handlers := make([]Handler, 0, len(ids))
	sort.Ints(ids)
	for _, id := range ids {
		handlers = append(handlers, c.handlers[id])
	}
	c.mu.Unlock()
	for _, h := range handlers {
		h(event)
	}
}

func (c *Client) resolve(ackType string, err error) {
	c.mu.Lock()
	wait := c.waiters[ackType]
	delete(c.waiters, ackType)
	c.mu.Unlock()
	if wait != nil {
		wait <- err
	}
}

// resolveAny fails the pending request, if any, with a server error.
func (c *Client) resolveAny(se protocol.ServerError) bool {
	c.mu.Lock()
	var (
		key  string
		wait chan error
	)
	for k, w := range c.waiters {
		key, wait = k, w
		break
	}
	if wait != nil {
		delete(c.waiters, key)
	}
	c.mu.Unlock()
	if wait == nil {
		return false
	}
	wait <- se
	return true
}

func (c *Client) shutdown(reason string) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		c.shutdownConn(conn, reason)
	}
}

func (c *Client) shutdownConn(conn *websocket.Conn, reason string) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	closeOnce := c.closeOnce
	closed := c.closed
	c.conn = nil
	c.channel = ""
	c.mu.Unlock()

	closeOnce.Do(func() {
		close(closed)
		_ = conn.Close()
		c.logger.Debug("signaling connection closed", "reason", reason)
	})
}

func buildURL(base, appID, participantID string) (string, error) {
	if strings.TrimSpace(base) == "" {
		return "", fmt.Errorf("signaling: url is required")
	}
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("signaling: invalid url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("signaling: unsupported url scheme %q", u.Scheme)
	}
	q := u.Query()
	if appID != "" {
		q.Set("app_id", appID)
	}
	q.Set("uid", participantID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
