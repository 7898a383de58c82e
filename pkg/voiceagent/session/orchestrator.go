// Package session drives one voice conversation: credentials, signaling,
// audio and the remote agent, and the state, transcript and profile derived
// from them. All session state is owned by a single goroutine (Run); every
// other goroutine talks to it through the inbox.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/EchoLoomAI/EchoSpark/internal/clock"
	"github.com/EchoLoomAI/EchoSpark/pkg/voiceagent/credentials"
	"github.com/EchoLoomAI/EchoSpark/pkg/voiceagent/markers"
	"github.com/EchoLoomAI/EchoSpark/pkg/voiceagent/metrics"
	"github.com/EchoLoomAI/EchoSpark/pkg/voiceagent/transcript"
)

const tracerName = "github.com/EchoLoomAI/EchoSpark/pkg/voiceagent/session"

type Dependencies struct {
	Credentials  credentials.Provider
	NewSignaling func() SignalingChannel
	NewAudio     func() AudioTransport
	Agents       AgentController

	Sink     TranscriptSink
	Fallback markers.FallbackExtractor
	Presets  PresetSource

	Config         Config
	Clock          clock.Clock
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
	TracerProvider trace.TracerProvider

	NewID       func() string
	NewAgentUID func(localParticipantID string) string
}

type HeartbeatState struct {
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastSuccessAt       time.Time `json:"last_success_at,omitzero"`
}

// Snapshot is a copy of the session as seen by the owner goroutine.
type Snapshot struct {
	SessionID          string               `json:"session_id,omitempty"`
	AttemptID          string               `json:"attempt_id,omitempty"`
	State              State                `json:"state"`
	Channel            string               `json:"channel,omitempty"`
	ParticipantID      string               `json:"participant_id,omitempty"`
	AgentID            string               `json:"agent_id,omitempty"`
	AgentParticipantID string               `json:"agent_participant_id,omitempty"`
	Scenario           string               `json:"scenario,omitempty"`
	Muted              bool                 `json:"muted"`
	History            []transcript.Turn    `json:"history"`
	Partials           map[string]string    `json:"partials"`
	Profile            markers.ProfileDraft `json:"profile"`
	MissingProfileKeys []string             `json:"missing_profile_keys,omitempty"`
	ProfileComplete    bool                 `json:"profile_complete"`
	Heartbeat          *HeartbeatState      `json:"heartbeat,omitempty"`
	StaleDiscarded     int64                `json:"stale_discarded"`
	DroppedEvents      int64                `json:"dropped_events"`
	LastError          *SessionError        `json:"last_error,omitempty"`
	StartedAt          time.Time            `json:"started_at,omitzero"`
}

type Orchestrator struct {
	deps    Dependencies
	cfg     Config
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer

	inbox   chan any
	events  chan Event
	archive chan archiveItem
	done    chan struct{}
	running atomic.Bool

	attempts sync.WaitGroup
	stale    atomic.Int64
	dropped  atomic.Int64

	// Owned by Run.
	state      State
	cur        *attempt
	muted      bool
	lastErr    *SessionError
	reconciler *transcript.Reconciler
	collector  *markers.Collector
	hb         *heartbeat
	hbState    HeartbeatState
}

func New(deps Dependencies) (*Orchestrator, error) {
	if deps.Credentials == nil {
		return nil, fmt.Errorf("credentials provider is required")
	}
	if deps.NewSignaling == nil {
		return nil, fmt.Errorf("signaling factory is required")
	}
	if deps.NewAudio == nil {
		return nil, fmt.Errorf("audio factory is required")
	}
	if deps.Agents == nil {
		return nil, fmt.Errorf("agent controller is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.TracerProvider == nil {
		deps.TracerProvider = noop.NewTracerProvider()
	}
	if deps.NewID == nil {
		deps.NewID = uuid.NewString
	}
	if deps.NewAgentUID == nil {
		deps.NewAgentUID = randomAgentUID
	}
	deps.Config = deps.Config.withDefaults()

	o := &Orchestrator{
		deps:       deps,
		cfg:        deps.Config,
		clock:      deps.Clock,
		logger:     deps.Logger,
		metrics:    deps.Metrics,
		tracer:     deps.TracerProvider.Tracer(tracerName),
		inbox:      make(chan any, deps.Config.InboxSize),
		events:     make(chan Event, deps.Config.EventBuffer),
		archive:    make(chan archiveItem, deps.Config.ArchiveQueue),
		done:       make(chan struct{}),
		reconciler: transcript.NewReconciler(deps.Logger),
		collector:  markers.NewCollector(nil),
	}
	return o, nil
}

// Events delivers session notifications. Delivery never blocks the session:
// when the buffer is full the event is dropped and counted.
func (o *Orchestrator) Events() <-chan Event {
	return o.events
}

// Run owns the session until ctx is cancelled, then tears down whatever is
// live and returns.
func (o *Orchestrator) Run(ctx context.Context) error {
	if !o.running.CompareAndSwap(false, true) {
		return fmt.Errorf("orchestrator already running")
	}
	archiveDone := make(chan struct{})
	go func() {
		defer close(archiveDone)
		o.archiveLoop(ctx)
	}()

	for {
		select {
		case <-ctx.Done():
			o.shutdown()
			close(o.done)
			<-archiveDone
			return nil
		case msg := <-o.inbox:
			o.handle(msg)
		}
	}
}

func (o *Orchestrator) shutdown() {
	o.endAttempt("shutdown")
	waited := make(chan struct{})
	go func() {
		o.attempts.Wait()
		close(waited)
	}()
	t := time.NewTimer(o.cfg.TeardownTimeout)
	defer t.Stop()
	select {
	case <-waited:
	case <-t.C:
		o.logger.Warn("teardown did not finish before shutdown", "timeout", o.cfg.TeardownTimeout)
	}
}

// StartSession begins a new attempt and returns its id. Any previous attempt
// is abandoned and releases its own resources in the background.
func (o *Orchestrator) StartSession(ctx context.Context, participantID, channel string, cfg StartConfig) (string, error) {
	participantID = strings.TrimSpace(participantID)
	channel = strings.TrimSpace(channel)
	if participantID == "" {
		return "", fmt.Errorf("%w: participant id is required", ErrInvalid)
	}
	if channel == "" {
		return "", fmt.Errorf("%w: channel is required", ErrInvalid)
	}
	if name := strings.TrimSpace(cfg.Scenario); name != "" && o.deps.Presets != nil {
		base, ok := o.deps.Presets.Lookup(name)
		if !ok {
			return "", fmt.Errorf("%w: unknown scenario %q", ErrInvalid, name)
		}
		cfg = cfg.WithDefaults(base)
	}
	reply := make(chan string, 1)
	if err := o.send(ctx, cmdStart{participantID: participantID, channel: channel, cfg: cfg, reply: reply}); err != nil {
		return "", err
	}
	return await(ctx, o, reply)
}

// StopSession tears the session down and returns once teardown has finished
// or timed out. It is valid in every state and idempotent.
func (o *Orchestrator) StopSession(ctx context.Context) error {
	reply := make(chan struct{}, 1)
	if err := o.send(ctx, cmdStop{reply: reply}); err != nil {
		return err
	}
	_, err := await(ctx, o, reply)
	return err
}

// Interrupt cuts off the agent's current utterance.
func (o *Orchestrator) Interrupt(ctx context.Context) error {
	return o.call(ctx, func(reply chan error) any { return cmdInterrupt{reply: reply} })
}

// SendText commits text as a user turn and delivers it to the agent with
// interrupt priority.
func (o *Orchestrator) SendText(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return fmt.Errorf("%w: text is required", ErrInvalid)
	}
	return o.call(ctx, func(reply chan error) any { return cmdSendText{text: text, reply: reply} })
}

func (o *Orchestrator) SetMuted(ctx context.Context, muted bool) error {
	return o.call(ctx, func(reply chan error) any { return cmdSetMuted{muted: muted, reply: reply} })
}

// UserSpeechStarted reports local voice activity. While the agent is
// speaking it acts as Interrupt.
func (o *Orchestrator) UserSpeechStarted(ctx context.Context) error {
	return o.call(ctx, func(reply chan error) any { return cmdUserSpeech{reply: reply} })
}

func (o *Orchestrator) Snapshot(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	if err := o.send(ctx, cmdSnapshot{reply: reply}); err != nil {
		return Snapshot{}, err
	}
	return await(ctx, o, reply)
}

func (o *Orchestrator) call(ctx context.Context, build func(reply chan error) any) error {
	reply := make(chan error, 1)
	if err := o.send(ctx, build(reply)); err != nil {
		return err
	}
	err, werr := await(ctx, o, reply)
	if werr != nil {
		return werr
	}
	return err
}

func (o *Orchestrator) send(ctx context.Context, msg any) error {
	select {
	case o.inbox <- msg:
		return nil
	case <-o.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func await[T any](ctx context.Context, o *Orchestrator, reply <-chan T) (T, error) {
	var zero T
	select {
	case v := <-reply:
		return v, nil
	case <-o.done:
		return zero, ErrClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// postFor delivers a message produced on behalf of attempt a. Once a is
// abandoned the message is discarded and counted instead.
func (o *Orchestrator) postFor(a *attempt, source string, msg any) bool {
	select {
	case o.inbox <- msg:
		return true
	case <-a.ctx.Done():
		o.discard(a.id, source)
		return false
	case <-o.done:
		return false
	}
}

func (o *Orchestrator) discard(attemptID, source string) {
	o.stale.Add(1)
	o.metrics.RecordStale(source)
	o.logger.Debug("stale session message discarded", "attempt_id", attemptID, "source", source)
}

// live returns the current attempt if id still names it and it has not
// ended. Anything else is stale.
func (o *Orchestrator) live(id, source string) *attempt {
	if o.cur == nil || o.cur.id != id || o.cur.phase == phaseEnded {
		o.discard(id, source)
		return nil
	}
	return o.cur
}

func (o *Orchestrator) handle(msg any) {
	switch m := msg.(type) {
	case cmdStart:
		o.handleStart(m)
	case cmdStop:
		o.handleStop(m)
	case cmdInterrupt:
		a := o.established()
		if a == nil {
			m.reply <- ErrNotRunning
			return
		}
		o.interrupt(a, "manual")
		m.reply <- nil
	case cmdSendText:
		m.reply <- o.handleSendText(m.text)
	case cmdSetMuted:
		o.muted = m.muted
		if o.cur != nil && o.cur.phase != phaseEnded {
			o.cur.setMuted(m.muted)
		}
		m.reply <- nil
	case cmdUserSpeech:
		if a := o.established(); a != nil && o.state == StateSpeaking {
			o.interrupt(a, "user_speech")
		}
		m.reply <- nil
	case cmdSnapshot:
		m.reply <- o.snapshot()

	case msgCredentials:
		if a := o.live(m.attempt, "runner"); a != nil {
			a.creds = m.creds
			a.participantID = m.creds.ParticipantID
			if m.creds.SessionID != "" {
				a.sessionID = m.creds.SessionID
			}
		}
	case msgAgentRequested:
		if a := o.live(m.attempt, "runner"); a != nil && a.phase == phaseConnecting {
			a.agentPID = m.agentParticipantID
		}
	case msgEstablished:
		o.handleEstablished(m)
	case msgAttemptFailed:
		if a := o.live(m.attempt, "runner"); a != nil {
			o.fail(m.err)
		}
	case msgStartTimeout:
		if a := o.live(m.attempt, "timer"); a != nil && a.phase == phaseConnecting {
			o.fail(newError(KindAgentStartTimeout, fmt.Sprintf("agent did not start within %s", o.cfg.StartTimeout), nil))
		}
	case msgSignal:
		if a := o.live(m.attempt, "signaling"); a != nil {
			o.handleSignal(a, m.event)
		}
	case msgMedia:
		if a := o.live(m.attempt, "media"); a != nil {
			o.handleMedia(a, m.event)
		}
	case msgHeartbeat:
		if a := o.live(m.attempt, "heartbeat"); a != nil {
			o.handleHeartbeat(a, m)
		}
	case msgFallback:
		if a := o.live(m.attempt, "fallback"); a != nil {
			o.handleFallback(a, m)
		}
	default:
		o.logger.Warn("unknown session message", "type", fmt.Sprintf("%T", msg))
	}
}

func (o *Orchestrator) handleStart(m cmdStart) {
	if prev := o.endAttempt("superseded"); prev != nil {
		o.logger.Info("session attempt superseded", "attempt_id", prev.id)
	}

	a := newAttempt(o.deps.NewID(), m.participantID, m.channel, m.cfg)
	a.sessionID = o.deps.NewID()
	a.startedAt = o.clock.Now()
	a.setMuted(o.muted)
	o.cur = a
	o.lastErr = nil
	o.hbState = HeartbeatState{}
	o.reconciler = transcript.NewReconciler(o.logger.With("attempt_id", a.id))
	o.collector = markers.NewCollector(m.cfg.RequiredProfileKeys)

	o.metrics.RecordAttempt()
	o.logger.Info("session starting",
		"attempt_id", a.id,
		"channel", a.channel,
		"participant_id", a.requestedPID,
		"scenario", a.cfg.Scenario,
	)
	o.setState(StateConnecting, nil)

	o.attempts.Add(1)
	go func() {
		defer o.attempts.Done()
		o.runAttempt(a)
	}()
	m.reply <- a.id
}

func (o *Orchestrator) handleStop(m cmdStop) {
	a := o.cur
	o.endAttempt("stopped")
	o.lastErr = nil
	o.setState(StateIdle, nil)
	if a == nil {
		m.reply <- struct{}{}
		return
	}
	go func() {
		t := time.NewTimer(o.cfg.TeardownTimeout)
		defer t.Stop()
		select {
		case <-a.released:
		case <-t.C:
			o.logger.Warn("session teardown timed out", "attempt_id", a.id, "timeout", o.cfg.TeardownTimeout)
		}
		m.reply <- struct{}{}
	}()
}

func (o *Orchestrator) handleEstablished(m msgEstablished) {
	a := o.live(m.attempt, "runner")
	if a == nil || a.phase != phaseConnecting {
		return
	}
	a.phase = phaseEstablished
	a.agentID = m.agentID
	a.agentPID = m.agentParticipantID
	a.upAt = o.clock.Now()

	o.hbState = HeartbeatState{LastSuccessAt: a.upAt}
	o.hb = o.startHeartbeat(a)
	o.metrics.RecordSessionUp()
	o.logger.Info("session established",
		"attempt_id", a.id,
		"agent_id", a.agentID,
		"agent_participant_id", a.agentPID,
		"setup_duration", a.upAt.Sub(a.startedAt),
	)
	// Keep a state the agent already reported while Start was in flight.
	if !o.state.Running() {
		o.setState(StateListening, nil)
	}
}

// endAttempt abandons the current attempt: the heartbeat is stopped before
// anything else, then the attempt context is cancelled so its runner
// releases resources. It returns nil when there was nothing live to end.
func (o *Orchestrator) endAttempt(outcome string) *attempt {
	a := o.cur
	if a == nil || a.phase == phaseEnded {
		return nil
	}
	wasUp := a.phase == phaseEstablished
	a.phase = phaseEnded
	if o.hb != nil {
		o.hb.Stop()
		o.hb = nil
	}
	a.stopStartTimer()
	a.cancel()
	o.metrics.RecordSessionEnd(outcome, wasUp)
	return a
}

func (o *Orchestrator) fail(serr *SessionError) {
	a := o.endAttempt(string(serr.Kind))
	o.lastErr = serr
	attemptID := ""
	if a != nil {
		attemptID = a.id
	}
	o.logger.Error("session failed", "attempt_id", attemptID, "kind", serr.Kind, "error", serr)
	o.setState(StateError, serr)
}

func (o *Orchestrator) established() *attempt {
	if o.cur == nil || o.cur.phase != phaseEstablished {
		return nil
	}
	return o.cur
}

func (o *Orchestrator) setState(to State, serr *SessionError) {
	from := o.state
	if from == to && serr == nil {
		return
	}
	o.state = to
	attemptID := ""
	if o.cur != nil {
		attemptID = o.cur.id
	}
	o.logger.Debug("session state changed", "attempt_id", attemptID, "from", from, "to", to)
	o.emit(&StateChangedEvent{AttemptID: attemptID, From: from, To: to, Err: serr})
}

func (o *Orchestrator) emit(ev Event) {
	select {
	case o.events <- ev:
	default:
		o.dropped.Add(1)
		o.metrics.RecordDroppedEvent()
		o.logger.Warn("session event dropped", "type", ev.EventType())
	}
}

func (o *Orchestrator) emitTranscript() {
	o.emit(&TranscriptUpdatedEvent{History: o.reconciler.History(), Partials: o.reconciler.Partials()})
}

func (o *Orchestrator) snapshot() Snapshot {
	s := Snapshot{
		State:           o.state,
		Muted:           o.muted,
		History:         o.reconciler.History(),
		Partials:        o.reconciler.Partials(),
		Profile:         o.collector.Draft(),
		ProfileComplete: o.collector.Completed(),
		StaleDiscarded:  o.stale.Load(),
		DroppedEvents:   o.dropped.Load(),
		LastError:       o.lastErr,
	}
	s.MissingProfileKeys = o.collector.Missing()
	if a := o.cur; a != nil {
		s.SessionID = a.sessionID
		s.AttemptID = a.id
		s.Channel = a.channel
		s.ParticipantID = a.requestedPID
		if a.participantID != "" {
			s.ParticipantID = a.participantID
		}
		s.AgentID = a.agentID
		s.AgentParticipantID = a.agentPID
		s.Scenario = a.cfg.Scenario
		s.StartedAt = a.startedAt
		if a.phase == phaseEstablished {
			hb := o.hbState
			s.Heartbeat = &hb
		}
	}
	return s
}

func randomAgentUID(local string) string {
	for {
		uid := strconv.Itoa(10000 + rand.IntN(90000))
		if uid != local {
			return uid
		}
	}
}
