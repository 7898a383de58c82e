// Package fanout broadcasts session events to any number of observers, such
// as the websocket clients of the control API.
package fanout

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/EchoLoomAI/EchoSpark/pkg/voiceagent/session"
)

const TypeWarning = "server.warning"

// Envelope is the wire form of one broadcast event.
type Envelope struct {
	Type string    `json:"type" cbor:"type"`
	Seq  uint64    `json:"seq" cbor:"seq"`
	Time time.Time `json:"time" cbor:"time"`
	Data any       `json:"data,omitempty" cbor:"data,omitempty"`
}

type warning struct {
	Code    string `json:"code" cbor:"code"`
	Message string `json:"message" cbor:"message"`
}

// Hub fans events out to subscribers. Each subscriber has a bounded queue; a
// subscriber that falls behind is evicted rather than allowed to stall the
// others, and is expected to reconnect and resync from a snapshot.
type Hub struct {
	buffer int
	logger *slog.Logger
	now    func() time.Time
	seq    atomic.Uint64

	mu   sync.Mutex
	subs map[string]*Subscription
	wg   sync.WaitGroup
}

func NewHub(buffer int, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		buffer: buffer,
		logger: logger,
		now:    time.Now,
		subs:   make(map[string]*Subscription),
	}
}

type Subscription struct {
	id      string
	enc     Encoding
	hub     *Hub
	ch      chan []byte
	closed  bool // guarded by hub.mu
	evicted atomic.Bool
	once    sync.Once
}

// C yields encoded envelopes. It is closed when the subscription ends.
func (s *Subscription) C() <-chan []byte { return s.ch }

func (s *Subscription) ID() string { return s.id }

func (s *Subscription) Encoding() Encoding { return s.enc }

// Evicted reports whether the hub dropped this subscriber for falling behind.
func (s *Subscription) Evicted() bool { return s.evicted.Load() }

// Close unregisters the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	if s == nil || s.hub == nil {
		return
	}
	s.hub.unregister(s)
}

// Subscribe registers an observer under id whose frames use enc. An existing
// subscriber with the same id is replaced.
func (h *Hub) Subscribe(id string, enc Encoding) *Subscription {
	sub := &Subscription{id: id, enc: enc, hub: h, ch: make(chan []byte, h.buffer)}

	h.mu.Lock()
	old := h.subs[id]
	h.subs[id] = sub
	h.wg.Add(1)
	h.mu.Unlock()

	if old != nil {
		h.unregister(old)
	}
	return sub
}

func (h *Hub) unregister(sub *Subscription) {
	sub.once.Do(func() {
		h.mu.Lock()
		if h.subs[sub.id] == sub {
			delete(h.subs, sub.id)
		}
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
		h.mu.Unlock()
		h.wg.Done()
	})
}

// Run publishes every event from events until ctx is done or events closes.
func (h *Hub) Run(ctx context.Context, events <-chan session.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			h.Publish(ev.EventType(), ev)
		}
	}
}

// Publish encodes data once per encoding in use and queues it for every
// subscriber. Subscribers whose queue is full are evicted.
func (h *Hub) Publish(eventType string, data any) {
	env := Envelope{Type: eventType, Seq: h.seq.Add(1), Time: h.now().UTC(), Data: data}
	_, slow := h.broadcast(env)
	for _, sub := range slow {
		sub.evicted.Store(true)
		h.logger.Warn("event subscriber evicted", "subscriber_id", sub.id, "type", eventType)
		h.unregister(sub)
	}
}

// broadcast queues env for every subscriber and returns those whose queue
// was full. The lock is held while encoding so a subscriber never misses a
// frame in its format.
func (h *Hub) broadcast(env Envelope) (sent int, slow []*Subscription) {
	var frames [2][]byte
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs {
		if sub.closed {
			continue
		}
		payload := frames[sub.enc]
		if payload == nil {
			var err error
			payload, err = encode(sub.enc, env)
			if err != nil {
				h.logger.Error("encode event", "type", env.Type, "encoding", sub.enc.String(), "error", err)
				continue
			}
			frames[sub.enc] = payload
		}
		select {
		case sub.ch <- payload:
			sent++
		default:
			slow = append(slow, sub)
		}
	}
	return sent, slow
}

// Encode renders a one-off envelope, such as the snapshot a new subscriber
// receives before any broadcast.
func (h *Hub) Encode(enc Encoding, eventType string, data any) ([]byte, error) {
	return encode(enc, Envelope{Type: eventType, Seq: h.seq.Load(), Time: h.now().UTC(), Data: data})
}

func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// WarnAll queues a warning for every subscriber that has room for it and
// returns how many accepted it. Nobody is evicted for missing a warning.
func (h *Hub) WarnAll(code, message string) int {
	sent, _ := h.broadcast(Envelope{
		Type: TypeWarning,
		Seq:  h.seq.Add(1),
		Time: h.now().UTC(),
		Data: warning{Code: code, Message: message},
	})
	return sent
}

// CloseAll ends every subscription.
func (h *Hub) CloseAll() (closed int) {
	h.mu.Lock()
	subs := make([]*Subscription, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		h.unregister(sub)
		closed++
	}
	return closed
}

// Wait blocks until every subscription has been closed or ctx is done.
func (h *Hub) Wait(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.wg.Wait()
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
