package session

import (
	"github.com/EchoLoomAI/EchoSpark/pkg/voiceagent/markers"
	"github.com/EchoLoomAI/EchoSpark/pkg/voiceagent/transcript"
)

// Event is anything published on Orchestrator.Events.
type Event interface {
	EventType() string
}

type StateChangedEvent struct {
	AttemptID string        `json:"attempt_id,omitempty"`
	From      State         `json:"from"`
	To        State         `json:"to"`
	Err       *SessionError `json:"error,omitempty"`
}

func (e *StateChangedEvent) EventType() string { return "state.changed" }

// TranscriptUpdatedEvent carries the full history so observers never have to
// merge deltas.
type TranscriptUpdatedEvent struct {
	History  []transcript.Turn `json:"history"`
	Partials map[string]string `json:"partials"`
}

func (e *TranscriptUpdatedEvent) EventType() string { return "transcript.updated" }

type TurnCommittedEvent struct {
	Turn transcript.Turn `json:"turn"`
}

func (e *TurnCommittedEvent) EventType() string { return "transcript.turn_committed" }

const (
	SourceMarker   = "marker"
	SourceFallback = "fallback"
)

type ProfileFieldExtractedEvent struct {
	Key    string        `json:"key"`
	Value  markers.Value `json:"value"`
	Source string        `json:"source"`
}

func (e *ProfileFieldExtractedEvent) EventType() string { return "profile.field_extracted" }

type ProfileCompletedEvent struct {
	Profile markers.ProfileDraft `json:"profile"`
}

func (e *ProfileCompletedEvent) EventType() string { return "profile.completed" }

type DirectiveEvent struct {
	TurnID   string `json:"turn_id"`
	Name     string `json:"name"`
	Argument string `json:"argument"`
}

func (e *DirectiveEvent) EventType() string { return "directive.received" }

// AgentWarningEvent reports a non-fatal problem raised by the remote agent.
type AgentWarningEvent struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *AgentWarningEvent) EventType() string { return "agent.warning" }
