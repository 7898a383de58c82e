package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/EchoLoomAI/EchoSpark/internal/clock"
	"github.com/EchoLoomAI/EchoSpark/pkg/voiceagent/agentctl"
	"github.com/EchoLoomAI/EchoSpark/pkg/voiceagent/credentials"
	"github.com/EchoLoomAI/EchoSpark/pkg/voiceagent/markers"
	"github.com/EchoLoomAI/EchoSpark/pkg/voiceagent/media"
	"github.com/EchoLoomAI/EchoSpark/pkg/voiceagent/protocol"
	"github.com/EchoLoomAI/EchoSpark/pkg/voiceagent/transcript"
)

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(call string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call)
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func (l *callLog) has(call string) bool {
	return slices.Contains(l.snapshot(), call)
}

type fakeCredentials struct {
	err error
}

func (f *fakeCredentials) Issue(ctx context.Context, participantID, channel string) (credentials.Credentials, error) {
	if f.err != nil {
		return credentials.Credentials{}, f.err
	}
	return credentials.Credentials{
		MediaToken:     "media-token",
		SignalingToken: "signaling-token",
		ParticipantID:  participantID,
	}, nil
}

type fakeSignaling struct {
	name string
	log  *callLog

	mu       sync.Mutex
	handlers map[int]func(any)
	all      []func(any)
	next     int
}

func (f *fakeSignaling) Login(ctx context.Context, participantID, token string) error {
	f.log.add(f.name + ".login")
	return nil
}

func (f *fakeSignaling) Join(ctx context.Context, channel string) error {
	f.log.add(f.name + ".join")
	return nil
}

func (f *fakeSignaling) Subscribe(h func(event any)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handlers == nil {
		f.handlers = make(map[int]func(any))
	}
	id := f.next
	f.next++
	f.handlers[id] = h
	f.all = append(f.all, h)
	return func() {
		f.log.add(f.name + ".unsubscribe")
		f.mu.Lock()
		delete(f.handlers, id)
		f.mu.Unlock()
	}
}

func (f *fakeSignaling) SendText(ctx context.Context, targetID, text, priority string) error {
	f.log.add(fmt.Sprintf("%s.text:%s:%s:%s", f.name, targetID, text, priority))
	return nil
}

func (f *fakeSignaling) SendControl(ctx context.Context, targetID, op string) error {
	f.log.add(fmt.Sprintf("%s.control:%s:%s", f.name, targetID, op))
	return nil
}

func (f *fakeSignaling) Leave(ctx context.Context) error {
	f.log.add(f.name + ".leave")
	return nil
}

func (f *fakeSignaling) Logout(ctx context.Context) error {
	f.log.add(f.name + ".logout")
	return nil
}

func (f *fakeSignaling) emit(event any) {
	f.mu.Lock()
	hs := make([]func(any), 0, len(f.handlers))
	for _, h := range f.handlers {
		hs = append(hs, h)
	}
	f.mu.Unlock()
	for _, h := range hs {
		h(event)
	}
}

// emitAny delivers through a handler even after it was unsubscribed, like a
// read loop that already took its handler snapshot.
func (f *fakeSignaling) emitAny(event any) {
	f.mu.Lock()
	hs := slices.Clone(f.all)
	f.mu.Unlock()
	for _, h := range hs {
		h(event)
	}
}

type fakeAudio struct {
	name string
	log  *callLog

	mu      sync.Mutex
	handler func(media.Event)
	enabled bool
}

func (f *fakeAudio) OnEvent(h func(media.Event)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
}

func (f *fakeAudio) CreateLocalTrack(ctx context.Context) error {
	f.log.add(f.name + ".track")
	return nil
}

func (f *fakeAudio) Join(ctx context.Context, channel, participantID, token string) error {
	f.log.add(f.name + ".join")
	return nil
}

func (f *fakeAudio) Publish(ctx context.Context) error {
	f.log.add(f.name + ".publish")
	return nil
}

func (f *fakeAudio) Subscribe(ctx context.Context, remoteID string) error {
	f.log.add(f.name + ".subscribe:" + remoteID)
	return nil
}

func (f *fakeAudio) SetLocalTrackEnabled(enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = enabled
}

func (f *fakeAudio) StopRemotePlayback() {
	f.log.add(f.name + ".stop_playback")
}

func (f *fakeAudio) Leave(ctx context.Context) error {
	f.log.add(f.name + ".leave")
	return nil
}

func (f *fakeAudio) isEnabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled
}

func (f *fakeAudio) fire(ev media.Event) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

type fakeAgents struct {
	log *callLog

	mu       sync.Mutex
	startErr error
	gates    []chan struct{}
	starts   int
	pingErr  error
	pings    int
}

func (f *fakeAgents) Start(ctx context.Context, req agentctl.StartRequest) (agentctl.StartResult, error) {
	f.mu.Lock()
	n := f.starts
	f.starts++
	var gate chan struct{}
	if n < len(f.gates) {
		gate = f.gates[n]
	}
	err := f.startErr
	f.mu.Unlock()

	f.log.add("agent.start")
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return agentctl.StartResult{}, ctx.Err()
		}
	}
	if err != nil {
		return agentctl.StartResult{}, err
	}
	return agentctl.StartResult{AgentID: fmt.Sprintf("agent-id-%d", n+1), AgentParticipantID: req.AgentParticipantID}, nil
}

func (f *fakeAgents) Stop(ctx context.Context, agentID, channel string) error {
	f.log.add("agent.stop:" + agentID)
	return nil
}

func (f *fakeAgents) Ping(ctx context.Context, agentID, channel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return f.pingErr
}

func (f *fakeAgents) setPingErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pingErr = err
}

type fakeSink struct {
	mu    sync.Mutex
	turns []string
}

func (f *fakeSink) AppendTurn(ctx context.Context, sessionID, channel string, turn transcript.Turn) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.turns = append(f.turns, channel+"/"+turn.TurnID)
	return nil
}

func (f *fakeSink) has(entry string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Contains(f.turns, entry)
}

type fakeProfileSink struct {
	fakeSink
	fields []string
}

func (f *fakeProfileSink) SaveProfileField(ctx context.Context, sessionID string, field markers.Field, source string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fields = append(f.fields, field.Key+"="+field.Value.String()+"/"+source)
	return nil
}

func (f *fakeProfileSink) hasField(entry string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Contains(f.fields, entry)
}

type fakeFallback struct {
	fields []markers.Field
	calls  chan []string
}

func (f *fakeFallback) ExtractProfile(ctx context.Context, text string, missing []string) ([]markers.Field, error) {
	f.calls <- missing
	return f.fields, nil
}

type presetMap map[string]StartConfig

func (p presetMap) Lookup(name string) (StartConfig, bool) {
	cfg, ok := p[name]
	return cfg, ok
}

type harness struct {
	t      *testing.T
	o      *Orchestrator
	clock  *clock.Fake
	log    *callLog
	agents *fakeAgents

	mu     sync.Mutex
	sigs   []*fakeSignaling
	audios []*fakeAudio
	events []Event
}

func newHarness(t *testing.T, mutate ...func(*Dependencies)) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		clock: clock.NewFake(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)),
		log:   &callLog{},
	}
	h.agents = &fakeAgents{log: h.log}
	deps := Dependencies{
		Credentials: &fakeCredentials{},
		NewSignaling: func() SignalingChannel {
			h.mu.Lock()
			defer h.mu.Unlock()
			s := &fakeSignaling{name: fmt.Sprintf("sig%d", len(h.sigs)+1), log: h.log}
			h.sigs = append(h.sigs, s)
			return s
		},
		NewAudio: func() AudioTransport {
			h.mu.Lock()
			defer h.mu.Unlock()
			a := &fakeAudio{name: fmt.Sprintf("audio%d", len(h.audios)+1), log: h.log, enabled: true}
			h.audios = append(h.audios, a)
			return a
		},
		Agents:      h.agents,
		Clock:       h.clock,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		NewAgentUID: func(string) string { return "agent-1" },
		Config: Config{
			StartTimeout:      30 * time.Second,
			TeardownTimeout:   2 * time.Second,
			HeartbeatInterval: time.Second,
		},
	}
	for _, m := range mutate {
		m(&deps)
	}
	o, err := New(deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.o = o

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = o.Run(ctx)
	}()
	go func() {
		for {
			select {
			case ev := <-o.Events():
				h.mu.Lock()
				h.events = append(h.events, ev)
				h.mu.Unlock()
			case <-ctx.Done():
				return
			}
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-runDone
	})
	return h
}

func (h *harness) sig(i int) *fakeSignaling {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sigs[i]
}

func (h *harness) audio(i int) *fakeAudio {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.audios[i]
}

func (h *harness) countEvents(match func(Event) bool) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, ev := range h.events {
		if match(ev) {
			n++
		}
	}
	return n
}

// waitEvents waits until exactly want collected events match. Events reach
// the harness on its own goroutine, after the orchestrator has moved on.
func (h *harness) waitEvents(match func(Event) bool, want int, what string) {
	h.t.Helper()
	var got int
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if got = h.countEvents(match); got == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	h.t.Fatalf("%s events=%d, want %d", what, got, want)
}

func isEvent[T Event](ev Event) bool {
	_, ok := ev.(T)
	return ok
}

func (h *harness) snapshot() Snapshot {
	h.t.Helper()
	s, err := h.o.Snapshot(context.Background())
	if err != nil {
		h.t.Fatalf("Snapshot: %v", err)
	}
	return s
}

func (h *harness) start(cfg StartConfig) string {
	h.t.Helper()
	id, err := h.o.StartSession(context.Background(), "1001", "room-1", cfg)
	if err != nil {
		h.t.Fatalf("StartSession: %v", err)
	}
	return id
}

func (h *harness) waitState(want State) Snapshot {
	h.t.Helper()
	var s Snapshot
	eventually(h.t, func() bool {
		s = h.snapshot()
		return s.State == want
	}, "state "+want.String())
	return s
}

func (h *harness) startListening(cfg StartConfig) {
	h.t.Helper()
	h.start(cfg)
	h.waitState(StateListening)
}

func eventually(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func stateChange(to State) func(Event) bool {
	return func(ev Event) bool {
		sc, ok := ev.(*StateChangedEvent)
		return ok && sc.To == to
	}
}

func TestStartSession_SetupOrderAndListening(t *testing.T) {
	h := newHarness(t)
	h.startListening(StartConfig{})

	want := []string{"sig1.login", "sig1.join", "audio1.track", "audio1.join", "audio1.publish", "agent.start"}
	if got := h.log.snapshot(); !slices.Equal(got, want) {
		t.Fatalf("calls=%v, want %v", got, want)
	}
	s := h.snapshot()
	if s.AgentID != "agent-id-1" || s.AgentParticipantID != "agent-1" || s.ParticipantID != "1001" {
		t.Fatalf("snapshot=%+v", s)
	}
	if s.Heartbeat == nil || s.Heartbeat.ConsecutiveFailures != 0 {
		t.Fatalf("heartbeat=%+v, want zero failures", s.Heartbeat)
	}
	h.waitEvents(stateChange(StateConnecting), 1, "connecting")
	h.waitEvents(stateChange(StateListening), 1, "listening")
}

func TestStartSession_Validation(t *testing.T) {
	h := newHarness(t, func(d *Dependencies) { d.Presets = presetMap{} })
	if _, err := h.o.StartSession(context.Background(), "", "room", StartConfig{}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("err=%v, want ErrInvalid for empty participant", err)
	}
	if _, err := h.o.StartSession(context.Background(), "1", " ", StartConfig{}); err == nil {
		t.Fatalf("expected error for empty channel")
	}
	if _, err := h.o.StartSession(context.Background(), "1", "room", StartConfig{Scenario: "nope"}); err == nil {
		t.Fatalf("expected error for unknown scenario")
	}
}

func TestStartSession_AppliesScenarioPreset(t *testing.T) {
	h := newHarness(t, func(d *Dependencies) {
		d.Presets = presetMap{"profiling": {RequiredProfileKeys: []string{"nickname"}, Greeting: "hi"}}
	})
	h.startListening(StartConfig{Scenario: "profiling"})

	h.sig(0).emit(protocol.TranscriptEvent{TurnID: "1", Speaker: "agent", Status: "final",
		Text: `ok $$PROFILE:{"key":"nickname","value":"Sam"}$$`})
	eventually(t, func() bool { return h.snapshot().ProfileComplete }, "profile complete")
	if s := h.snapshot(); s.Scenario != "profiling" {
		t.Fatalf("scenario=%q, want profiling", s.Scenario)
	}
}

func TestTranscript_MarkersStrippedAndProfileExtracted(t *testing.T) {
	h := newHarness(t)
	h.startListening(StartConfig{RequiredProfileKeys: []string{"nickname", "age"}})

	sig := h.sig(0)
	sig.emit(protocol.TranscriptEvent{TurnID: "7", Speaker: "agent", Status: "in_progress",
		Text: `Nice to meet you. $$PROFILE:{"key":"nick`})
	sig.emit(protocol.TranscriptEvent{TurnID: "7", Speaker: "agent", Status: "final",
		Text: `Nice to meet you. $$PROFILE:{"key":"nickname","value":"Sam"}$$`})
	sig.emit(protocol.TranscriptEvent{TurnID: "7", Speaker: "agent", Status: "final",
		Text: `Nice to meet you. $$PROFILE:{"key":"nickname","value":"Sam"}$$`})

	var s Snapshot
	eventually(t, func() bool {
		s = h.snapshot()
		return len(s.History) == 1
	}, "one committed turn")
	if s.History[0].Text != "Nice to meet you." {
		t.Fatalf("text=%q, want markers stripped", s.History[0].Text)
	}
	if v, ok := s.Profile["nickname"]; !ok || v.String() != "Sam" {
		t.Fatalf("profile=%v, want nickname=Sam", s.Profile)
	}
	if s.ProfileComplete || !slices.Equal(s.MissingProfileKeys, []string{"age"}) {
		t.Fatalf("complete=%v missing=%v", s.ProfileComplete, s.MissingProfileKeys)
	}
	h.waitEvents(func(ev Event) bool {
		tu, ok := ev.(*TranscriptUpdatedEvent)
		return ok && tu.Partials["agent"] == "Nice to meet you."
	}, 1, "partial transcript")
	h.waitEvents(isEvent[*TurnCommittedEvent], 1, "turn committed")
	h.waitEvents(isEvent[*ProfileFieldExtractedEvent], 1, "profile field")
}

func TestProfile_CompletesOnceAndDirectivesEmitted(t *testing.T) {
	h := newHarness(t)
	h.startListening(StartConfig{RequiredProfileKeys: []string{"nickname"}})

	sig := h.sig(0)
	sig.emit(protocol.TranscriptEvent{TurnID: "1", Speaker: "agent", Status: "final",
		Text: `$$PROFILE:{"key":"nickname","value":"Sam"}$$ $$DISPLAY_PHOTO: hometown$$`})
	sig.emit(protocol.TranscriptEvent{TurnID: "2", Speaker: "agent", Status: "final",
		Text: `$$PROFILE:{"key":"nickname","value":"Sammy"}$$`})

	eventually(t, func() bool { return len(h.snapshot().History) == 2 }, "two turns")
	h.waitEvents(isEvent[*ProfileCompletedEvent], 1, "profile completed")
	if got := h.snapshot().Profile["nickname"].String(); got != "Sammy" {
		t.Fatalf("nickname=%q, want last write", got)
	}
	h.waitEvents(func(ev Event) bool {
		d, ok := ev.(*DirectiveEvent)
		return ok && d.Name == markers.KindDisplayPhoto && d.Argument == "hometown"
	}, 1, "directive")
}

func TestTranscript_MalformedDropped(t *testing.T) {
	h := newHarness(t)
	h.startListening(StartConfig{})

	h.sig(0).emit(protocol.TranscriptEvent{TurnID: "", Speaker: "user", Status: "final", Text: "lost"})
	h.sig(0).emit(protocol.TranscriptEvent{TurnID: "2", Speaker: "user", Status: "final", Text: "kept"})
	eventually(t, func() bool { return len(h.snapshot().History) == 1 }, "one turn")
	if got := h.snapshot().History[0].TurnID; got != "2" {
		t.Fatalf("turn=%q, want 2", got)
	}
}

func TestAgentState_MapsAndFiltersByParticipant(t *testing.T) {
	h := newHarness(t)
	h.startListening(StartConfig{})
	sig := h.sig(0)

	sig.emit(protocol.AgentStateEvent{ParticipantID: "agent-1", State: "speaking"})
	h.waitState(StateSpeaking)

	sig.emit(protocol.AgentStateEvent{ParticipantID: "someone-else", State: "thinking"})
	sig.emit(protocol.AgentStateEvent{ParticipantID: "agent-1", State: "dancing"})
	if s := h.snapshot(); s.State != StateSpeaking {
		t.Fatalf("state=%v, want speaking", s.State)
	}

	sig.emit(protocol.AgentStateEvent{ParticipantID: "agent-1", State: "thinking"})
	h.waitState(StateThinking)
	sig.emit(protocol.AgentStateEvent{ParticipantID: "agent-1", State: "listening"})
	h.waitState(StateListening)
}

func TestAgentState_ErrorFailsSession(t *testing.T) {
	h := newHarness(t)
	h.startListening(StartConfig{})

	h.sig(0).emit(protocol.AgentStateEvent{ParticipantID: "agent-1", State: "error"})
	s := h.waitState(StateError)
	if s.LastError == nil || s.LastError.Kind != KindAgentError {
		t.Fatalf("error=%v, want agent error", s.LastError)
	}
	eventually(t, func() bool { return h.log.has("agent.stop:agent-id-1") && h.log.has("sig1.logout") }, "release")
	if got := h.clock.Pending(); got != 0 {
		t.Fatalf("pending timers=%d, want 0", got)
	}
}

func TestAgentState_AppliedWhileConnecting(t *testing.T) {
	h := newHarness(t)
	gate := make(chan struct{})
	h.agents.gates = []chan struct{}{gate}

	h.start(StartConfig{})
	eventually(t, func() bool { return h.log.has("agent.start") }, "agent start in flight")
	sig := h.sig(0)

	// The greeting starts before Start returns.
	sig.emit(protocol.AgentStateEvent{ParticipantID: "agent-1", State: "speaking"})
	h.waitState(StateSpeaking)
	sig.emit(protocol.AgentStateEvent{ParticipantID: "someone-else", State: "listening"})
	if s := h.snapshot(); s.State != StateSpeaking {
		t.Fatalf("state=%v, want speaking", s.State)
	}

	close(gate)
	eventually(t, func() bool { return h.snapshot().AgentID == "agent-id-1" }, "start confirmed")
	if s := h.snapshot(); s.State != StateSpeaking {
		t.Fatalf("state after start confirmed=%v, want speaking", s.State)
	}
	h.waitEvents(stateChange(StateListening), 0, "listening")

	if err := h.o.UserSpeechStarted(context.Background()); err != nil {
		t.Fatalf("UserSpeechStarted: %v", err)
	}
	h.waitState(StateListening)
	if !h.log.has("audio1.stop_playback") {
		t.Fatalf("playback was not stopped: %v", h.log.snapshot())
	}
	eventually(t, func() bool { return h.log.has("sig1.control:agent-1:interrupt") }, "interrupt control")
}

func TestBargeIn_UserSpeechWhileSpeaking(t *testing.T) {
	h := newHarness(t)
	h.startListening(StartConfig{})
	sig := h.sig(0)

	sig.emit(protocol.AgentStateEvent{ParticipantID: "agent-1", State: "speaking"})
	h.waitState(StateSpeaking)

	sig.emit(protocol.TranscriptEvent{TurnID: "u1", Speaker: "user", Status: "in_progress", Text: "wait"})
	h.waitState(StateListening)
	eventually(t, func() bool { return h.log.has("sig1.control:agent-1:interrupt") }, "interrupt control")
	if !h.log.has("audio1.stop_playback") {
		t.Fatalf("playback was not stopped: %v", h.log.snapshot())
	}
}

func TestUserSpeechStarted_OnlyInterruptsWhileSpeaking(t *testing.T) {
	h := newHarness(t)
	h.startListening(StartConfig{})

	if err := h.o.UserSpeechStarted(context.Background()); err != nil {
		t.Fatalf("UserSpeechStarted: %v", err)
	}
	if h.log.has("audio1.stop_playback") {
		t.Fatalf("interrupted while listening")
	}

	h.sig(0).emit(protocol.AgentStateEvent{ParticipantID: "agent-1", State: "speaking"})
	h.waitState(StateSpeaking)
	if err := h.o.UserSpeechStarted(context.Background()); err != nil {
		t.Fatalf("UserSpeechStarted: %v", err)
	}
	h.waitState(StateListening)
	eventually(t, func() bool { return h.log.has("sig1.control:agent-1:interrupt") }, "interrupt control")
}

func TestConversation_GreetingThenManualInterrupt(t *testing.T) {
	h := newHarness(t)
	h.start(StartConfig{})
	h.waitState(StateListening)
	h.waitEvents(func(ev Event) bool {
		sc, ok := ev.(*StateChangedEvent)
		return ok && sc.From == StateIdle && sc.To == StateConnecting
	}, 1, "idle to connecting")
	h.waitEvents(func(ev Event) bool {
		sc, ok := ev.(*StateChangedEvent)
		return ok && sc.From == StateConnecting && sc.To == StateListening
	}, 1, "connecting to listening")

	sig := h.sig(0)
	sig.emit(protocol.AgentStateEvent{ParticipantID: "agent-1", State: "speaking"})
	sig.emit(protocol.TranscriptEvent{TurnID: "1", Speaker: "agent", Status: "final", Text: "您好"})
	h.waitState(StateSpeaking)
	eventually(t, func() bool {
		hist := h.snapshot().History
		return len(hist) == 1 && hist[0].Speaker == "agent" && hist[0].Text == "您好"
	}, "greeting in history")

	if err := h.o.Interrupt(context.Background()); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}
	s := h.snapshot()
	if s.State != StateListening {
		t.Fatalf("state=%v, want listening", s.State)
	}
	if len(s.History) != 1 || s.History[0].Text != "您好" {
		t.Fatalf("history=%+v, want greeting kept", s.History)
	}
	if !h.log.has("audio1.stop_playback") {
		t.Fatalf("playback was not stopped: %v", h.log.snapshot())
	}
	eventually(t, func() bool { return h.log.has("sig1.control:agent-1:interrupt") }, "interrupt control")
}

func TestInterrupt_RequiresRunningSession(t *testing.T) {
	h := newHarness(t)
	if err := h.o.Interrupt(context.Background()); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("err=%v, want ErrNotRunning", err)
	}
	if err := h.o.SendText(context.Background(), "hi"); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("err=%v, want ErrNotRunning", err)
	}

	h.startListening(StartConfig{})
	if err := h.o.Interrupt(context.Background()); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}
	eventually(t, func() bool { return h.log.has("sig1.control:agent-1:interrupt") }, "interrupt control")
}

func TestSendText_CommitsLocalTurn(t *testing.T) {
	sink := &fakeSink{}
	h := newHarness(t, func(d *Dependencies) { d.Sink = sink })
	h.startListening(StartConfig{})

	if err := h.o.SendText(context.Background(), "  hello there "); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	s := h.snapshot()
	if len(s.History) != 1 || s.History[0].TurnID != "local-1" || s.History[0].Speaker != "user" || s.History[0].Text != "hello there" {
		t.Fatalf("history=%+v", s.History)
	}
	eventually(t, func() bool { return h.log.has("sig1.text:agent-1:hello there:interrupted") }, "text delivery")
	eventually(t, func() bool { return sink.has("room-1/local-1") }, "archived turn")

	if err := h.o.SendText(context.Background(), "   "); err == nil {
		t.Fatalf("expected error for blank text")
	}
}

func TestProfileFields_ArchivedWhenSinkStoresProfiles(t *testing.T) {
	sink := &fakeProfileSink{}
	h := newHarness(t, func(d *Dependencies) { d.Sink = sink })
	h.startListening(StartConfig{RequiredProfileKeys: []string{"age"}})

	h.sig(0).emit(protocol.TranscriptEvent{TurnID: "3", Speaker: "agent", Status: "final",
		Text: `Got it. $$PROFILE:{"key":"age","value":67}$$`})

	eventually(t, func() bool { return sink.hasField("age=67/marker") }, "archived profile field")
	eventually(t, func() bool { return sink.has("room-1/3") }, "archived turn")
}

func TestStopSession_TeardownOrderAndIdempotent(t *testing.T) {
	h := newHarness(t)
	h.startListening(StartConfig{})
	if got := h.clock.Pending(); got != 1 {
		t.Fatalf("pending timers=%d, want heartbeat ticker only", got)
	}
	before := len(h.log.snapshot())

	if err := h.o.StopSession(context.Background()); err != nil {
		t.Fatalf("StopSession: %v", err)
	}
	got := h.log.snapshot()[before:]
	want := []string{"agent.stop:agent-id-1", "audio1.leave", "sig1.unsubscribe", "sig1.leave", "sig1.logout"}
	if !slices.Equal(got, want) {
		t.Fatalf("teardown=%v, want %v", got, want)
	}
	if s := h.snapshot(); s.State != StateIdle || s.Heartbeat != nil {
		t.Fatalf("snapshot=%+v, want idle without heartbeat", s)
	}
	if got := h.clock.Pending(); got != 0 {
		t.Fatalf("pending timers=%d, want 0", got)
	}

	if err := h.o.StopSession(context.Background()); err != nil {
		t.Fatalf("second StopSession: %v", err)
	}
	if n := len(h.log.snapshot()); n != before+len(want) {
		t.Fatalf("second stop made %d more calls", n-before-len(want))
	}
}

func TestStopSession_MidConnecting(t *testing.T) {
	h := newHarness(t)
	h.agents.gates = []chan struct{}{make(chan struct{})}

	h.start(StartConfig{})
	eventually(t, func() bool { return h.log.has("agent.start") && h.clock.Pending() == 1 }, "start timeout armed")
	before := len(h.log.snapshot())

	if err := h.o.StopSession(context.Background()); err != nil {
		t.Fatalf("StopSession: %v", err)
	}
	got := h.log.snapshot()[before:]
	want := []string{"agent.stop:", "audio1.leave", "sig1.unsubscribe", "sig1.leave", "sig1.logout"}
	if !slices.Equal(got, want) {
		t.Fatalf("teardown=%v, want %v", got, want)
	}
	s := h.snapshot()
	if s.State != StateIdle || s.Heartbeat != nil || s.LastError != nil {
		t.Fatalf("snapshot=%+v, want clean idle", s)
	}
	if got := h.clock.Pending(); got != 0 {
		t.Fatalf("pending timers=%d, want 0", got)
	}

	// The abandoned timeout must not fire into the idle session.
	h.clock.Advance(30 * time.Second)
	if s := h.snapshot(); s.State != StateIdle {
		t.Fatalf("state=%v after timeout window, want idle", s.State)
	}
	h.waitEvents(stateChange(StateError), 0, "error")
}

func TestStopSession_FromIdle(t *testing.T) {
	h := newHarness(t)
	if err := h.o.StopSession(context.Background()); err != nil {
		t.Fatalf("StopSession: %v", err)
	}
	if s := h.snapshot(); s.State != StateIdle {
		t.Fatalf("state=%v, want idle", s.State)
	}
	if n := len(h.log.snapshot()); n != 0 {
		t.Fatalf("calls=%v, want none", h.log.snapshot())
	}
}

func TestStartSession_SupersedesEarlierAttempt(t *testing.T) {
	h := newHarness(t)
	h.agents.gates = []chan struct{}{make(chan struct{})}

	first := h.start(StartConfig{})
	eventually(t, func() bool { return h.log.has("agent.start") }, "first agent start")

	second := h.start(StartConfig{})
	if first == second {
		t.Fatalf("attempt ids must differ")
	}
	h.waitState(StateListening)
	eventually(t, func() bool { return h.log.has("sig1.logout") }, "first attempt released")

	// A late event from the first attempt must not touch the live session.
	h.sig(0).emitAny(protocol.AgentStateEvent{ParticipantID: "agent-1", State: "speaking"})
	s := h.snapshot()
	if s.State != StateListening || s.AttemptID != second {
		t.Fatalf("state=%v attempt=%s, want listening %s", s.State, s.AttemptID, second)
	}
	if s.StaleDiscarded < 1 {
		t.Fatalf("stale discarded=%d, want >= 1", s.StaleDiscarded)
	}
	if h.log.has("sig2.logout") {
		t.Fatalf("live attempt was torn down")
	}
	if s.AgentID != "agent-id-2" {
		t.Fatalf("agent=%q, want agent-id-2", s.AgentID)
	}
}

func TestStartTimeout_FailsAndReleases(t *testing.T) {
	h := newHarness(t)
	h.agents.gates = []chan struct{}{make(chan struct{})}

	h.start(StartConfig{})
	eventually(t, func() bool { return h.log.has("agent.start") && h.clock.Pending() == 1 }, "agent start pending")
	h.clock.Advance(30 * time.Second)

	s := h.waitState(StateError)
	if s.LastError == nil || s.LastError.Kind != KindAgentStartTimeout {
		t.Fatalf("error=%v, want start timeout", s.LastError)
	}
	if !s.LastError.Retryable() {
		t.Fatalf("timeout should be retryable")
	}
	eventually(t, func() bool { return h.log.has("sig1.logout") && h.log.has("audio1.leave") }, "release after timeout")
	if got := h.clock.Pending(); got != 0 {
		t.Fatalf("pending timers=%d, want 0", got)
	}
}

func TestAgentStart_CapacityIsNotRetryable(t *testing.T) {
	h := newHarness(t)
	h.agents.startErr = fmt.Errorf("start: %w", agentctl.ErrCapacity)

	h.start(StartConfig{})
	s := h.waitState(StateError)
	if s.LastError == nil || s.LastError.Kind != KindAgentStartCapacityExceeded {
		t.Fatalf("error=%v, want capacity", s.LastError)
	}
	if s.LastError.Retryable() {
		t.Fatalf("capacity should not be retryable")
	}
	eventually(t, func() bool { return h.log.has("sig1.logout") }, "release")
	h.waitEvents(func(ev Event) bool {
		sc, ok := ev.(*StateChangedEvent)
		return ok && sc.To == StateError && sc.Err != nil && sc.Err.Kind == KindAgentStartCapacityExceeded
	}, 1, "capacity error")
}

func TestCredentialFailure(t *testing.T) {
	h := newHarness(t, func(d *Dependencies) {
		d.Credentials = &fakeCredentials{err: errors.New("denied")}
	})
	h.start(StartConfig{})
	s := h.waitState(StateError)
	if s.LastError == nil || s.LastError.Kind != KindCredentialFailure {
		t.Fatalf("error=%v, want credential failure", s.LastError)
	}
	h.mu.Lock()
	n := len(h.sigs)
	h.mu.Unlock()
	if n != 0 {
		t.Fatalf("signaling created after credential failure")
	}

	if err := h.o.StopSession(context.Background()); err != nil {
		t.Fatalf("StopSession: %v", err)
	}
	if s := h.snapshot(); s.State != StateIdle || s.LastError != nil {
		t.Fatalf("snapshot=%+v, want clean idle", s)
	}
}

func TestHeartbeat_ExhaustionFailsSession(t *testing.T) {
	h := newHarness(t)
	h.startListening(StartConfig{})
	h.agents.setPingErr(errors.New("unreachable"))

	for i := 1; i < 3; i++ {
		h.clock.Advance(time.Second)
		eventually(t, func() bool {
			s := h.snapshot()
			return s.Heartbeat != nil && s.Heartbeat.ConsecutiveFailures == i
		}, fmt.Sprintf("%d heartbeat failures", i))
	}
	h.clock.Advance(time.Second)
	s := h.waitState(StateError)
	if s.LastError == nil || s.LastError.Kind != KindHeartbeatExhausted {
		t.Fatalf("error=%v, want heartbeat exhausted", s.LastError)
	}
	eventually(t, func() bool { return h.log.has("sig1.logout") }, "release")
	if got := h.clock.Pending(); got != 0 {
		t.Fatalf("pending timers=%d, want 0", got)
	}
}

func TestHeartbeat_SuccessResetsFailures(t *testing.T) {
	h := newHarness(t)
	h.startListening(StartConfig{})

	// One short of the limit.
	h.agents.setPingErr(errors.New("blip"))
	for i := 1; i <= 2; i++ {
		h.clock.Advance(time.Second)
		eventually(t, func() bool {
			hb := h.snapshot().Heartbeat
			return hb != nil && hb.ConsecutiveFailures == i
		}, fmt.Sprintf("%d heartbeat failures", i))
	}

	h.agents.setPingErr(nil)
	h.clock.Advance(time.Second)
	eventually(t, func() bool {
		hb := h.snapshot().Heartbeat
		return hb != nil && hb.ConsecutiveFailures == 0 && hb.LastSuccessAt.Equal(h.clock.Now())
	}, "reset after success")

	h.agents.setPingErr(errors.New("blip"))
	h.clock.Advance(time.Second)
	eventually(t, func() bool {
		hb := h.snapshot().Heartbeat
		return hb != nil && hb.ConsecutiveFailures == 1
	}, "count restarted from zero")
	if s := h.snapshot(); s.State != StateListening {
		t.Fatalf("state=%v, want listening", s.State)
	}
}

func TestTransportLoss_FailsRunningSession(t *testing.T) {
	tests := []struct {
		name string
		fire func(h *harness)
	}{
		{"signaling", func(h *harness) { h.sig(0).emit(protocol.ConnectionLost{Reason: "code=1006"}) }},
		{"audio", func(h *harness) { h.audio(0).fire(media.Disconnected{Reason: "ice_failed"}) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.startListening(StartConfig{})
			tt.fire(h)
			s := h.waitState(StateError)
			if s.LastError == nil || s.LastError.Kind != KindTransportDisconnected {
				t.Fatalf("error=%v, want transport disconnected", s.LastError)
			}
			if !strings.Contains(s.LastError.Message, "disconnected") && !strings.Contains(s.LastError.Message, "lost") {
				t.Fatalf("message=%q", s.LastError.Message)
			}
		})
	}
}

func TestMedia_SubscribesToAgentAudio(t *testing.T) {
	h := newHarness(t)
	h.startListening(StartConfig{})

	h.audio(0).fire(media.RemoteParticipantJoined{ParticipantID: "stranger"})
	h.audio(0).fire(media.RemoteParticipantJoined{ParticipantID: "agent-1"})
	eventually(t, func() bool { return h.log.has("audio1.subscribe:agent-1") }, "agent audio subscription")
	if h.log.has("audio1.subscribe:stranger") {
		t.Fatalf("subscribed to non-agent participant")
	}
}

func TestSetMuted_AppliedToLocalTrack(t *testing.T) {
	h := newHarness(t)
	if err := h.o.SetMuted(context.Background(), true); err != nil {
		t.Fatalf("SetMuted: %v", err)
	}
	h.startListening(StartConfig{})
	if h.audio(0).isEnabled() {
		t.Fatalf("local track enabled while muted")
	}
	if err := h.o.SetMuted(context.Background(), false); err != nil {
		t.Fatalf("SetMuted: %v", err)
	}
	if !h.audio(0).isEnabled() {
		t.Fatalf("local track still disabled")
	}
	if h.snapshot().Muted {
		t.Fatalf("snapshot still muted")
	}
}

func TestFallback_FillsMissingFields(t *testing.T) {
	fb := &fakeFallback{
		fields: []markers.Field{{Key: "age", Value: markers.IntValue(30)}},
		calls:  make(chan []string, 4),
	}
	h := newHarness(t, func(d *Dependencies) { d.Fallback = fb })
	h.startListening(StartConfig{RequiredProfileKeys: []string{"age"}})

	h.sig(0).emit(protocol.TranscriptEvent{TurnID: "u1", Speaker: "user", Status: "final", Text: "I'm thirty"})
	h.sig(0).emit(protocol.TranscriptEvent{TurnID: "a1", Speaker: "agent", Status: "final", Text: "Thirty, great."})

	select {
	case missing := <-fb.calls:
		if !slices.Equal(missing, []string{"age"}) {
			t.Fatalf("missing=%v, want [age]", missing)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("fallback was not called")
	}
	eventually(t, func() bool { return h.snapshot().ProfileComplete }, "profile complete via fallback")
	h.waitEvents(func(ev Event) bool {
		f, ok := ev.(*ProfileFieldExtractedEvent)
		return ok && f.Key == "age" && f.Source == SourceFallback
	}, 1, "fallback field")
}

func TestClosedOrchestratorRejectsCalls(t *testing.T) {
	o, err := New(Dependencies{
		Credentials:  &fakeCredentials{},
		NewSignaling: func() SignalingChannel { return &fakeSignaling{log: &callLog{}} },
		NewAudio:     func() AudioTransport { return &fakeAudio{log: &callLog{}} },
		Agents:       &fakeAgents{log: &callLog{}},
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = o.Run(ctx)
	}()
	cancel()
	<-done
	if _, err := o.Snapshot(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("err=%v, want ErrClosed", err)
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	if _, err := New(Dependencies{}); err == nil {
		t.Fatalf("expected error")
	}
}
