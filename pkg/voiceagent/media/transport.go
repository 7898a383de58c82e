// Package media is the session's audio transport: a WebRTC peer connection
// to the media gateway carrying the local microphone track and the agent's
// audio, negotiated with a single SDP offer/answer over HTTP.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

const (
	defaultGatherTimeout = 15 * time.Second
	sdpContentType       = "application/sdp"
)

var (
	ErrNoLocalTrack = errors.New("media: local track not created")
	ErrNotJoined    = errors.New("media: not joined")
)

type Config struct {
	// GatewayURL is the media gateway base, e.g. https://media.example.com.
	GatewayURL    string
	ICEServers    []string
	GatherTimeout time.Duration
	HTTPClient    *http.Client
	Sink          Sink
	Logger        *slog.Logger
}

type Transport struct {
	cfg    Config
	logger *slog.Logger
	http   *http.Client
	sink   Sink

	mu          sync.Mutex
	pc          *webrtc.PeerConnection
	track       *webrtc.TrackLocalStaticSample
	resourceURL string
	token       string
	joined      bool
	published   bool
	enabled     bool
	subscribed  map[string]bool
	remotes     map[string]bool
	handler     func(Event)
}

func New(cfg Config) *Transport {
	if cfg.GatherTimeout <= 0 {
		cfg.GatherTimeout = defaultGatherTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	sink := cfg.Sink
	if sink == nil {
		sink = discardSink{}
	}
	return &Transport{
		cfg:        cfg,
		logger:     logger,
		http:       hc,
		sink:       sink,
		enabled:    true,
		subscribed: make(map[string]bool),
		remotes:    make(map[string]bool),
	}
}

// OnEvent replaces the event handler. Handlers run on pion's goroutines and
// must not block.
func (t *Transport) OnEvent(h func(Event)) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

// CreateLocalTrack creates the Opus microphone track fed by WriteSample.
func (t *Transport) CreateLocalTrack(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.track != nil {
		return nil
	}
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "microphone",
	)
	if err != nil {
		return fmt.Errorf("media: create local track: %w", err)
	}
	t.track = track
	return nil
}

// Join negotiates the peer connection for channel as participantID.
func (t *Transport) Join(ctx context.Context, channel, participantID, token string) error {
	t.mu.Lock()
	if t.joined {
		t.mu.Unlock()
		return fmt.Errorf("media: already joined")
	}
	track := t.track
	t.mu.Unlock()

	endpoint, err := t.endpoint(channel, participantID)
	if err != nil {
		return err
	}
	pc, err := t.newPeerConnection()
	if err != nil {
		return fmt.Errorf("media: create peer connection: %w", err)
	}
	fail := func(err error) error {
		_ = pc.Close()
		return err
	}

	if track != nil {
		if _, err := pc.AddTransceiverFromTrack(track, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionSendrecv}); err != nil {
			return fail(fmt.Errorf("media: add local track: %w", err))
		}
	} else {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
			return fail(fmt.Errorf("media: add audio transceiver: %w", err))
		}
	}
	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		t.handleRemoteTrack(pc, remote)
	})
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		t.handleICEState(pc, state)
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fail(fmt.Errorf("media: create offer: %w", err))
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return fail(fmt.Errorf("media: set local description: %w", err))
	}
	select {
	case <-gatherComplete:
	case <-time.After(t.cfg.GatherTimeout):
		return fail(fmt.Errorf("media: ICE gathering timed out after %s", t.cfg.GatherTimeout))
	case <-ctx.Done():
		return fail(ctx.Err())
	}

	answer, location, err := t.exchange(ctx, endpoint, token, pc.LocalDescription().SDP)
	if err != nil {
		return fail(err)
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}); err != nil {
		return fail(fmt.Errorf("media: set remote description: %w", err))
	}

	t.mu.Lock()
	t.pc = pc
	t.joined = true
	t.token = token
	t.resourceURL = location
	t.mu.Unlock()
	t.logger.Info("media joined", "channel", channel, "participant_id", participantID)
	return nil
}

// Publish starts sending the local track.
func (t *Transport) Publish(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.track == nil {
		return ErrNoLocalTrack
	}
	if !t.joined {
		return ErrNotJoined
	}
	t.published = true
	return nil
}

// Subscribe routes remoteID's audio to the sink.
func (t *Transport) Subscribe(ctx context.Context, remoteID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.joined {
		return ErrNotJoined
	}
	t.subscribed[remoteID] = true
	return nil
}

func (t *Transport) SetLocalTrackEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

// StopRemotePlayback drops any agent audio queued for playback.
func (t *Transport) StopRemotePlayback() {
	t.sink.Flush()
}

// WriteSample sends one encoded Opus frame from the capture side. Frames are
// dropped while unpublished or muted.
func (t *Transport) WriteSample(data []byte, duration time.Duration) error {
	t.mu.Lock()
	track := t.track
	send := t.published && t.enabled
	t.mu.Unlock()
	if track == nil || !send {
		return nil
	}
	return track.WriteSample(pionmedia.Sample{Data: data, Duration: duration})
}

// Leave closes the peer connection. It is a no-op when not joined.
func (t *Transport) Leave(ctx context.Context) error {
	t.mu.Lock()
	pc := t.pc
	resource := t.resourceURL
	token := t.token
	t.pc = nil
	t.joined = false
	t.published = false
	t.resourceURL = ""
	t.subscribed = make(map[string]bool)
	t.remotes = make(map[string]bool)
	t.mu.Unlock()
	if pc == nil {
		return nil
	}

	err := pc.Close()
	if resource != "" {
		if derr := t.deleteResource(ctx, resource, token); derr != nil {
			t.logger.Warn("media resource delete failed", "error", derr)
		}
	}
	t.emit(Disconnected{Reason: ReasonLeave})
	if err != nil {
		return fmt.Errorf("media: close peer connection: %w", err)
	}
	return nil
}

func (t *Transport) handleRemoteTrack(pc *webrtc.PeerConnection, remote *webrtc.TrackRemote) {
	id := remote.StreamID()
	if id == "" {
		id = remote.ID()
	}
	t.mu.Lock()
	if t.pc != nil && t.pc != pc {
		t.mu.Unlock()
		return
	}
	t.remotes[id] = true
	t.mu.Unlock()
	t.emit(RemoteParticipantJoined{ParticipantID: id})

	for {
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				t.logger.Debug("remote track read ended", "participant_id", id, "error", err)
			}
			break
		}
		t.mu.Lock()
		play := t.subscribed[id]
		t.mu.Unlock()
		if play && len(pkt.Payload) > 0 {
			t.sink.Write(id, pkt.Payload)
		}
	}

	t.mu.Lock()
	current := t.pc == pc && t.remotes[id]
	delete(t.remotes, id)
	t.mu.Unlock()
	if current {
		t.emit(RemoteParticipantLeft{ParticipantID: id})
	}
}

func (t *Transport) handleICEState(pc *webrtc.PeerConnection, state webrtc.ICEConnectionState) {
	t.mu.Lock()
	current := t.pc == pc
	t.mu.Unlock()
	if !current {
		return
	}
	// ICE moves through disconnected on short network blips and usually
	// recovers; only failed is final.
	switch state {
	case webrtc.ICEConnectionStateDisconnected:
		t.logger.Warn("media ICE state", "state", state.String())
	case webrtc.ICEConnectionStateConnected:
		t.logger.Debug("media ICE state", "state", state.String())
	case webrtc.ICEConnectionStateFailed:
		t.logger.Warn("media ICE state", "state", state.String())
		t.emit(Disconnected{Reason: "ice_" + state.String()})
	}
}

func (t *Transport) emit(ev Event) {
	t.mu.Lock()
	h := t.handler
	t.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

func (t *Transport) newPeerConnection() (*webrtc.PeerConnection, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	se := webrtc.SettingEngine{}
	se.SetIncludeLoopbackCandidate(true)
	api := webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(se))

	var servers []webrtc.ICEServer
	if len(t.cfg.ICEServers) > 0 {
		servers = []webrtc.ICEServer{{URLs: t.cfg.ICEServers}}
	}
	return api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
}

func (t *Transport) endpoint(channel, participantID string) (string, error) {
	base := strings.TrimRight(strings.TrimSpace(t.cfg.GatewayURL), "/")
	if base == "" {
		return "", fmt.Errorf("media: gateway url is required")
	}
	if strings.TrimSpace(channel) == "" || strings.TrimSpace(participantID) == "" {
		return "", fmt.Errorf("media: channel and participant id are required")
	}
	return base + "/channels/" + url.PathEscape(channel) + "/participants/" + url.PathEscape(participantID), nil
}

// exchange posts the offer and returns the answer SDP and the session
// resource URL from the Location header, if any.
func (t *Transport) exchange(ctx context.Context, endpoint, token, offer string) (string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader([]byte(offer)))
	if err != nil {
		return "", "", fmt.Errorf("media: create request: %w", err)
	}
	req.Header.Set("Content-Type", sdpContentType)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := t.http.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("media: sdp exchange: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", "", fmt.Errorf("media: read answer: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", "", fmt.Errorf("media: gateway error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	location := ""
	if loc := resp.Header.Get("Location"); loc != "" {
		if u, err := resp.Request.URL.Parse(loc); err == nil {
			location = u.String()
		}
	}
	return string(body), location, nil
}

func (t *Transport) deleteResource(ctx context.Context, resource, token string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, resource, nil)
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := t.http.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}
