package protocol

import (
	"errors"
	"testing"
)

func TestDecodeServerFrame_Transcript(t *testing.T) {
	msg, err := DecodeServerFrame([]byte(`{"type":"transcript","turn_id":"t1","speaker":"agent","text":"您好","status":"final","seq":4}`))
	if err != nil {
		t.Fatalf("DecodeServerFrame() error = %v", err)
	}
	ev, ok := msg.(TranscriptEvent)
	if !ok {
		t.Fatalf("decoded type = %T, want TranscriptEvent", msg)
	}
	if ev.TurnID != "t1" || ev.Speaker != SpeakerAgent || ev.Status != StatusFinal || ev.Sequence != 4 {
		t.Fatalf("event=%+v", ev)
	}
	if ev.Text != "您好" {
		t.Fatalf("text=%q", ev.Text)
	}
}

func TestDecodeServerFrame_TranscriptNumericTurnAndFinalFlag(t *testing.T) {
	msg, err := DecodeServerFrame([]byte(`{"type":"transcript","turn_id":12,"speaker":"assistant","text":"hi","final":false}`))
	if err != nil {
		t.Fatalf("DecodeServerFrame() error = %v", err)
	}
	ev := msg.(TranscriptEvent)
	if ev.TurnID != "12" {
		t.Fatalf("turn_id=%q, want 12", ev.TurnID)
	}
	if ev.Speaker != SpeakerAgent {
		t.Fatalf("speaker=%q, want agent", ev.Speaker)
	}
	if ev.Status != StatusInProgress {
		t.Fatalf("status=%q, want in_progress", ev.Status)
	}
}

func TestDecodeServerFrame_TranscriptMissingTurnIDDecodes(t *testing.T) {
	msg, err := DecodeServerFrame([]byte(`{"type":"transcript","speaker":"user","text":"x","status":"final"}`))
	if err != nil {
		t.Fatalf("DecodeServerFrame() error = %v", err)
	}
	if ev := msg.(TranscriptEvent); ev.TurnID != "" {
		t.Fatalf("turn_id=%q, want empty", ev.TurnID)
	}
}

func TestDecodeServerFrame_RejectsBadStatus(t *testing.T) {
	_, err := DecodeServerFrame([]byte(`{"type":"transcript","turn_id":"t1","speaker":"user","status":"done"}`))
	var de *DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("err=%v, want *DecodeError", err)
	}
	if de.Param != "status" {
		t.Fatalf("param=%q, want status", de.Param)
	}
}

func TestDecodeServerFrame_AgentStateNormalized(t *testing.T) {
	msg, err := DecodeServerFrame([]byte(`{"type":"agent_state","participant_id":" 42 ","state":"SPEAKING"}`))
	if err != nil {
		t.Fatalf("DecodeServerFrame() error = %v", err)
	}
	ev := msg.(AgentStateEvent)
	if ev.State != AgentStateSpeaking || ev.ParticipantID != "42" {
		t.Fatalf("event=%+v", ev)
	}
}

func TestDecodeServerFrame_UnknownAgentState(t *testing.T) {
	if _, err := DecodeServerFrame([]byte(`{"type":"agent_state","state":"dancing"}`)); err == nil {
		t.Fatalf("expected error")
	}
}

func TestDecodeServerFrame_InvalidJSON(t *testing.T) {
	_, err := DecodeServerFrame([]byte(`{nope`))
	var de *DecodeError
	if !errors.As(err, &de) || de.Code != "bad_frame" {
		t.Fatalf("err=%v, want bad_frame", err)
	}
}

func TestDecodeServerFrame_ServerError(t *testing.T) {
	msg, err := DecodeServerFrame([]byte(`{"type":"error","code":"unauthorized","message":"token expired"}`))
	if err != nil {
		t.Fatalf("DecodeServerFrame() error = %v", err)
	}
	se := msg.(ServerError)
	if se.Error() != "unauthorized: token expired" {
		t.Fatalf("Error()=%q", se.Error())
	}
}
