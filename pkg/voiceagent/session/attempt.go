package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/EchoLoomAI/EchoSpark/internal/clock"
	"github.com/EchoLoomAI/EchoSpark/pkg/voiceagent/agentctl"
	"github.com/EchoLoomAI/EchoSpark/pkg/voiceagent/credentials"
	"github.com/EchoLoomAI/EchoSpark/pkg/voiceagent/media"
)

type phase int

const (
	phaseConnecting phase = iota
	phaseEstablished
	phaseEnded
)

// attempt is one StartSession call. Its resources are acquired and released
// by its own runner goroutine; the owner goroutine only reads the handles.
type attempt struct {
	id           string
	requestedPID string
	channel      string
	cfg          StartConfig

	ctx      context.Context
	cancel   context.CancelFunc
	released chan struct{}

	// Owned by Run.
	phase         phase
	sessionID     string
	participantID string
	creds         credentials.Credentials
	agentID       string
	agentPID      string
	startedAt     time.Time
	upAt          time.Time
	fallbackBusy  bool

	mu         sync.Mutex
	muted      bool
	startTimer *clock.Timer
	res        resources
}

type resources struct {
	sig         SignalingChannel
	unsubscribe func()
	audio       AudioTransport
	agentID     string
}

func newAttempt(id, participantID, channel string, cfg StartConfig) *attempt {
	ctx, cancel := context.WithCancel(context.Background())
	return &attempt{
		id:           id,
		requestedPID: participantID,
		channel:      channel,
		cfg:          cfg,
		ctx:          ctx,
		cancel:       cancel,
		released:     make(chan struct{}),
	}
}

func (a *attempt) setMuted(muted bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.muted = muted
	if a.res.audio != nil {
		a.res.audio.SetLocalTrackEnabled(!muted)
	}
}

func (a *attempt) setAudio(audio AudioTransport) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.res.audio = audio
}

func (a *attempt) applyMute() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.res.audio != nil {
		a.res.audio.SetLocalTrackEnabled(!a.muted)
	}
}

func (a *attempt) audio() AudioTransport {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.res.audio
}

func (a *attempt) signaling() SignalingChannel {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.res.sig
}

func (a *attempt) setStartTimer(t *clock.Timer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.startTimer = t
}

func (a *attempt) stopStartTimer() {
	a.mu.Lock()
	t := a.startTimer
	a.startTimer = nil
	a.mu.Unlock()
	if t != nil {
		t.Stop()
	}
}

type (
	cmdStart struct {
		participantID string
		channel       string
		cfg           StartConfig
		reply         chan string
	}
	cmdStop struct {
		reply chan struct{}
	}
	cmdInterrupt struct {
		reply chan error
	}
	cmdSendText struct {
		text  string
		reply chan error
	}
	cmdSetMuted struct {
		muted bool
		reply chan error
	}
	cmdUserSpeech struct {
		reply chan error
	}
	cmdSnapshot struct {
		reply chan Snapshot
	}

	msgCredentials struct {
		attempt string
		creds   credentials.Credentials
	}
	msgAgentRequested struct {
		attempt            string
		agentParticipantID string
	}
	msgEstablished struct {
		attempt            string
		agentID            string
		agentParticipantID string
	}
	msgAttemptFailed struct {
		attempt string
		err     *SessionError
	}
	msgStartTimeout struct {
		attempt string
	}
	msgSignal struct {
		attempt string
		event   any
	}
	msgMedia struct {
		attempt string
		event   media.Event
	}
)

// runAttempt performs setup, then holds the attempt's resources until the
// attempt is abandoned and releases them in reverse order.
func (o *Orchestrator) runAttempt(a *attempt) {
	defer close(a.released)

	if serr := o.setup(a); serr != nil && a.ctx.Err() == nil {
		o.postFor(a, "runner", msgAttemptFailed{attempt: a.id, err: serr})
	}
	<-a.ctx.Done()
	o.release(a)
}

func (o *Orchestrator) setup(a *attempt) *SessionError {
	ctx, span := o.tracer.Start(a.ctx, "voice.session.setup", trace.WithAttributes(
		attribute.String("voice.attempt_id", a.id),
		attribute.String("voice.channel", a.channel),
		attribute.String("voice.scenario", a.cfg.Scenario),
	))
	defer span.End()

	failed := func(kind ErrorKind, message string, err error) *SessionError {
		if a.ctx.Err() != nil {
			span.SetStatus(codes.Error, "abandoned")
			return nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, message)
		return newError(kind, message, err)
	}

	var creds credentials.Credentials
	err := o.step(ctx, "credentials", func(ctx context.Context) error {
		var err error
		creds, err = o.deps.Credentials.Issue(ctx, a.requestedPID, a.channel)
		return err
	})
	if err != nil {
		return failed(KindCredentialFailure, "issue credentials", err)
	}
	if !o.postFor(a, "runner", msgCredentials{attempt: a.id, creds: creds}) {
		return nil
	}

	sig := o.deps.NewSignaling()
	a.mu.Lock()
	a.res.sig = sig
	a.mu.Unlock()
	err = o.step(ctx, "signaling_login", func(ctx context.Context) error {
		return sig.Login(ctx, creds.ParticipantID, creds.SignalingToken)
	})
	if err != nil {
		return failed(KindSignalingFailure, "signaling login", err)
	}
	err = o.step(ctx, "signaling_join", func(ctx context.Context) error {
		return sig.Join(ctx, a.channel)
	})
	if err != nil {
		return failed(KindSignalingFailure, "signaling join", err)
	}
	unsubscribe := sig.Subscribe(func(event any) {
		o.postFor(a, "signaling", msgSignal{attempt: a.id, event: event})
	})
	a.mu.Lock()
	a.res.unsubscribe = unsubscribe
	a.mu.Unlock()

	audio := o.deps.NewAudio()
	audio.OnEvent(func(ev media.Event) {
		o.postFor(a, "media", msgMedia{attempt: a.id, event: ev})
	})
	a.setAudio(audio)
	err = o.step(ctx, "audio_track", audio.CreateLocalTrack)
	if err != nil {
		return failed(KindMediaFailure, "create local audio track", err)
	}
	err = o.step(ctx, "audio_join", func(ctx context.Context) error {
		return audio.Join(ctx, a.channel, creds.ParticipantID, creds.MediaToken)
	})
	if err != nil {
		return failed(KindMediaFailure, "join audio channel", err)
	}
	err = o.step(ctx, "audio_publish", audio.Publish)
	if err != nil {
		return failed(KindMediaFailure, "publish local audio", err)
	}
	a.applyMute()

	agentPID := a.cfg.AgentParticipantID
	if agentPID == "" {
		agentPID = o.deps.NewAgentUID(creds.ParticipantID)
	}
	req := agentctl.StartRequest{
		Channel:               a.channel,
		Token:                 creds.MediaToken,
		AgentParticipantID:    agentPID,
		RemoteParticipantIDs:  []string{creds.ParticipantID},
		SystemPrompt:          a.cfg.SystemPrompt,
		Greeting:              a.cfg.Greeting,
		ModelID:               a.cfg.ModelID,
		ModelParams:           a.cfg.ModelParams,
		TTS:                   a.cfg.TTS,
		ASR:                   a.cfg.ASR,
		Preset:                a.cfg.Preset,
		EnableTranscriptFeeds: true,
	}
	if !o.postFor(a, "runner", msgAgentRequested{attempt: a.id, agentParticipantID: agentPID}) {
		return nil
	}
	a.setStartTimer(o.clock.AfterFunc(o.cfg.StartTimeout, func() {
		o.postFor(a, "timer", msgStartTimeout{attempt: a.id})
	}))
	var result agentctl.StartResult
	err = o.step(ctx, "agent_start", func(ctx context.Context) error {
		var err error
		result, err = o.deps.Agents.Start(ctx, req)
		if err == nil {
			a.mu.Lock()
			a.res.agentID = result.AgentID
			a.mu.Unlock()
		}
		return err
	})
	a.stopStartTimer()
	if err != nil {
		if errors.Is(err, agentctl.ErrCapacity) {
			return failed(KindAgentStartCapacityExceeded, "agent capacity exceeded", err)
		}
		return failed(KindAgentStartFailure, "start agent", err)
	}
	if result.AgentParticipantID == "" {
		result.AgentParticipantID = agentPID
	}
	span.SetAttributes(attribute.String("voice.agent_id", result.AgentID))
	o.postFor(a, "runner", msgEstablished{
		attempt:            a.id,
		agentID:            result.AgentID,
		agentParticipantID: result.AgentParticipantID,
	})
	return nil
}

// step runs one setup step with its own span. A step that succeeds after
// the attempt was abandoned still reports the abandonment.
func (o *Orchestrator) step(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ctx, span := o.tracer.Start(ctx, "voice.setup."+name)
	defer span.End()

	start := o.clock.Now()
	err := fn(ctx)
	o.metrics.RecordStep(name, err, o.clock.Now().Sub(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return ctx.Err()
}

func (o *Orchestrator) release(a *attempt) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.TeardownTimeout)
	defer cancel()

	a.stopStartTimer()
	a.mu.Lock()
	res := a.res
	a.mu.Unlock()
	log := o.logger.With("attempt_id", a.id)

	if err := o.deps.Agents.Stop(ctx, res.agentID, a.channel); err != nil {
		log.Warn("agent stop failed", "agent_id", res.agentID, "error", err)
	}
	if res.audio != nil {
		if err := res.audio.Leave(ctx); err != nil {
			log.Warn("audio leave failed", "error", err)
		}
	}
	if res.sig != nil {
		if res.unsubscribe != nil {
			res.unsubscribe()
		}
		if err := res.sig.Leave(ctx); err != nil {
			log.Warn("signaling leave failed", "error", err)
		}
		if err := res.sig.Logout(ctx); err != nil {
			log.Warn("signaling logout failed", "error", err)
		}
	}
	log.Debug("session resources released")
}
