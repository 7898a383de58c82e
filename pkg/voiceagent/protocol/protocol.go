// Package protocol defines the JSON frames exchanged with the signaling
// service: transcript and agent-state events inbound, session and control
// frames outbound.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

const (
	SpeakerUser  = "user"
	SpeakerAgent = "agent"

	StatusInProgress = "in_progress"
	StatusFinal      = "final"

	AgentStateListening = "listening"
	AgentStateThinking  = "thinking"
	AgentStateSpeaking  = "speaking"
	AgentStateError     = "error"

	PriorityInterrupt = "interrupted"
	PriorityAppend    = "append"
	PriorityIgnore    = "ignore"

	ControlInterrupt = "interrupt"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badFrame(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_frame", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

// TranscriptEvent is one update of a speech turn. TurnID and Speaker are not
// validated here; the reconciler drops updates that lack them.
type TranscriptEvent struct {
	Type     string `json:"type"`
	TurnID   string `json:"turn_id"`
	Speaker  string `json:"speaker"`
	Text     string `json:"text"`
	Status   string `json:"status"`
	Sequence int64  `json:"seq,omitempty"`
}

type AgentStateEvent struct {
	Type          string `json:"type"`
	ParticipantID string `json:"participant_id"`
	State         string `json:"state"`
	TurnID        string `json:"turn_id,omitempty"`
}

type AgentErrorEvent struct {
	Type          string `json:"type"`
	ParticipantID string `json:"participant_id"`
	Code          string `json:"code,omitempty"`
	Message       string `json:"message,omitempty"`
}

// Ack answers a login or join request.
type Ack struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
}

type ServerError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e ServerError) Error() string {
	if strings.TrimSpace(e.Code) == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// ConnectionLost is synthesized locally when the signaling link drops
// without a local Logout.
type ConnectionLost struct {
	Reason string
}

type LoginFrame struct {
	Type          string `json:"type"`
	Token         string `json:"token"`
	ParticipantID string `json:"participant_id"`
}

type JoinFrame struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

type LeaveFrame struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

type LogoutFrame struct {
	Type string `json:"type"`
}

type MessageFrame struct {
	Type          string `json:"type"`
	Target        string `json:"target"`
	Text          string `json:"text"`
	Priority      string `json:"priority"`
	Interruptable bool   `json:"interruptable"`
}

type ControlFrame struct {
	Type   string `json:"type"`
	Target string `json:"target"`
	Op     string `json:"op"`
}

// DecodeServerFrame decodes one inbound frame into TranscriptEvent,
// AgentStateEvent, AgentErrorEvent, Ack or ServerError.
func DecodeServerFrame(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badFrame("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badFrame("missing type", "type")
	}

	switch typ {
	case "transcript":
		return decodeTranscript(data)
	case "agent_state":
		var msg AgentStateEvent
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid agent_state", "")
		}
		state := strings.ToLower(strings.TrimSpace(msg.State))
		switch state {
		case AgentStateListening, AgentStateThinking, AgentStateSpeaking, AgentStateError:
		default:
			return nil, unsupported("unsupported agent state", "state")
		}
		msg.State = state
		msg.ParticipantID = strings.TrimSpace(msg.ParticipantID)
		return msg, nil
	case "agent_error":
		var msg AgentErrorEvent
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid agent_error", "")
		}
		return msg, nil
	case "login_ack", "join_ack", "leave_ack":
		var msg Ack
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid "+typ, "")
		}
		return msg, nil
	case "error":
		var msg ServerError
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid error frame", "")
		}
		return msg, nil
	default:
		return nil, unsupported("unsupported frame type", "type")
	}
}

func decodeTranscript(data []byte) (TranscriptEvent, error) {
	var raw struct {
		Type     string          `json:"type"`
		TurnID   json.RawMessage `json:"turn_id"`
		Speaker  string          `json:"speaker"`
		Text     string          `json:"text"`
		Status   string          `json:"status"`
		Final    *bool           `json:"final,omitempty"`
		Sequence int64           `json:"seq,omitempty"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return TranscriptEvent{}, badFrame("invalid transcript", "")
	}
	turnID, err := decodeID(raw.TurnID)
	if err != nil {
		return TranscriptEvent{}, badFrame("transcript.turn_id must be a string or number", "turn_id")
	}

	status := strings.ToLower(strings.TrimSpace(raw.Status))
	if status == "" && raw.Final != nil {
		status = StatusInProgress
		if *raw.Final {
			status = StatusFinal
		}
	}
	switch status {
	case StatusInProgress, StatusFinal:
	default:
		return TranscriptEvent{}, badFrame("transcript.status must be in_progress or final", "status")
	}

	speaker := strings.ToLower(strings.TrimSpace(raw.Speaker))
	if speaker == "assistant" {
		speaker = SpeakerAgent
	}
	return TranscriptEvent{
		Type:     "transcript",
		TurnID:   turnID,
		Speaker:  speaker,
		Text:     raw.Text,
		Status:   status,
		Sequence: raw.Sequence,
	}, nil
}

func decodeID(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return strings.TrimSpace(s), nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", err
	}
	return n.String(), nil
}
