package session

import (
	"context"

	"github.com/EchoLoomAI/EchoSpark/pkg/voiceagent/agentctl"
	"github.com/EchoLoomAI/EchoSpark/pkg/voiceagent/markers"
	"github.com/EchoLoomAI/EchoSpark/pkg/voiceagent/media"
	"github.com/EchoLoomAI/EchoSpark/pkg/voiceagent/transcript"
)

// SignalingChannel is one realtime-messaging connection. Handlers passed to
// Subscribe receive protocol events in arrival order.
type SignalingChannel interface {
	Login(ctx context.Context, participantID, token string) error
	Join(ctx context.Context, channel string) error
	Subscribe(h func(event any)) (unsubscribe func())
	SendText(ctx context.Context, targetID, text, priority string) error
	SendControl(ctx context.Context, targetID, op string) error
	Leave(ctx context.Context) error
	Logout(ctx context.Context) error
}

// AudioTransport is one media connection. SetLocalTrackEnabled and
// StopRemotePlayback must not block.
type AudioTransport interface {
	OnEvent(h func(media.Event))
	CreateLocalTrack(ctx context.Context) error
	Join(ctx context.Context, channel, participantID, token string) error
	Publish(ctx context.Context) error
	Subscribe(ctx context.Context, remoteID string) error
	SetLocalTrackEnabled(enabled bool)
	StopRemotePlayback()
	Leave(ctx context.Context) error
}

type AgentController interface {
	Start(ctx context.Context, req agentctl.StartRequest) (agentctl.StartResult, error)
	Stop(ctx context.Context, agentID, channel string) error
	Ping(ctx context.Context, agentID, channel string) error
}

// TranscriptSink archives committed turns. Calls come from a single worker
// goroutine and never block the session.
type TranscriptSink interface {
	AppendTurn(ctx context.Context, sessionID, channel string, turn transcript.Turn) error
}

// ProfileSink is optionally implemented by a TranscriptSink that also keeps
// extracted profile fields. Later values for a key replace earlier ones.
type ProfileSink interface {
	SaveProfileField(ctx context.Context, sessionID string, field markers.Field, source string) error
}

// PresetSource resolves a scenario name to the defaults for StartConfig.
type PresetSource interface {
	Lookup(scenario string) (StartConfig, bool)
}
