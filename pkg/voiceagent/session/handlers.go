package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/EchoLoomAI/EchoSpark/pkg/voiceagent/markers"
	"github.com/EchoLoomAI/EchoSpark/pkg/voiceagent/media"
	"github.com/EchoLoomAI/EchoSpark/pkg/voiceagent/protocol"
	"github.com/EchoLoomAI/EchoSpark/pkg/voiceagent/transcript"
)

// fallbackContextTurns bounds how much history the fallback extractor sees.
const fallbackContextTurns = 8

type msgFallback struct {
	attempt string
	fields  []markers.Field
	err     error
}

func (o *Orchestrator) handleSignal(a *attempt, event any) {
	switch ev := event.(type) {
	case protocol.TranscriptEvent:
		o.handleTranscript(a, ev)
	case protocol.AgentStateEvent:
		o.handleAgentState(a, ev)
	case protocol.AgentErrorEvent:
		if !o.fromAgent(a, ev.ParticipantID) {
			return
		}
		o.logger.Warn("agent reported error", "attempt_id", a.id, "code", ev.Code, "message", ev.Message)
		o.emit(&AgentWarningEvent{Code: ev.Code, Message: ev.Message})
	case protocol.ConnectionLost:
		if a.phase == phaseEstablished {
			o.fail(newError(KindTransportDisconnected, "signaling connection lost: "+ev.Reason, nil))
			return
		}
		o.fail(newError(KindSignalingFailure, "signaling connection lost during setup: "+ev.Reason, nil))
	case protocol.ServerError:
		o.logger.Warn("signaling server error", "attempt_id", a.id, "code", ev.Code, "message", ev.Message)
	default:
		o.logger.Debug("signaling event ignored", "attempt_id", a.id, "type", fmt.Sprintf("%T", event))
	}
}

func (o *Orchestrator) handleMedia(a *attempt, event media.Event) {
	switch ev := event.(type) {
	case media.RemoteParticipantJoined:
		if a.agentPID != "" && ev.ParticipantID != a.agentPID {
			o.logger.Debug("non-agent participant joined", "attempt_id", a.id, "participant_id", ev.ParticipantID)
			return
		}
		audio := a.audio()
		if audio == nil {
			return
		}
		o.logger.Info("agent audio joined", "attempt_id", a.id, "participant_id", ev.ParticipantID)
		go func(id string) {
			if err := audio.Subscribe(a.ctx, id); err != nil && a.ctx.Err() == nil {
				o.logger.Warn("subscribe to agent audio failed", "attempt_id", a.id, "participant_id", id, "error", err)
			}
		}(ev.ParticipantID)
	case media.RemoteParticipantLeft:
		if a.agentPID != "" && ev.ParticipantID == a.agentPID {
			o.logger.Warn("agent left audio channel", "attempt_id", a.id, "participant_id", ev.ParticipantID)
			o.emit(&AgentWarningEvent{Code: "agent_left", Message: "agent left the audio channel"})
		}
	case media.Disconnected:
		if ev.Reason == media.ReasonLeave {
			return
		}
		if a.phase == phaseEstablished {
			o.fail(newError(KindTransportDisconnected, "audio disconnected: "+ev.Reason, nil))
			return
		}
		o.fail(newError(KindMediaFailure, "audio disconnected during setup: "+ev.Reason, nil))
	}
}

// fromAgent filters events addressed by participant. Events that name no
// participant, or arrive before the agent's id is known, are accepted.
func (o *Orchestrator) fromAgent(a *attempt, participantID string) bool {
	if participantID == "" || a.agentPID == "" || participantID == a.agentPID {
		return true
	}
	o.logger.Debug("event from non-agent participant ignored", "attempt_id", a.id, "participant_id", participantID)
	return false
}

// handleAgentState applies the agent's reported state. The agent may start
// its greeting before Start returns, so states are taken while connecting too.
func (o *Orchestrator) handleAgentState(a *attempt, ev protocol.AgentStateEvent) {
	if !o.fromAgent(a, ev.ParticipantID) {
		return
	}
	switch ev.State {
	case protocol.AgentStateListening:
		o.setState(StateListening, nil)
	case protocol.AgentStateThinking:
		o.setState(StateThinking, nil)
	case protocol.AgentStateSpeaking:
		o.setState(StateSpeaking, nil)
	case protocol.AgentStateError:
		o.fail(newError(KindAgentError, "agent reported an error state", nil))
	default:
		o.logger.Debug("unknown agent state ignored", "attempt_id", a.id, "state", ev.State)
	}
}

func (o *Orchestrator) handleTranscript(a *attempt, ev protocol.TranscriptEvent) {
	update := transcript.Turn{
		TurnID:   ev.TurnID,
		Speaker:  ev.Speaker,
		Text:     ev.Text,
		Status:   ev.Status,
		Sequence: ev.Sequence,
	}
	speaker := strings.ToLower(strings.TrimSpace(update.Speaker))

	if speaker == transcript.SpeakerUser && update.Status == transcript.StatusInProgress &&
		o.state == StateSpeaking && a.phase == phaseEstablished {
		o.interrupt(a, "barge_in")
	}

	// Agent text is cleaned of markers before anyone sees it. Markers are
	// parsed once, on the final that commits the turn.
	var parsed *markers.Result
	if speaker == transcript.SpeakerAgent {
		switch update.Status {
		case transcript.StatusInProgress:
			update.Text = markers.PartialDisplay(update.Text)
		case transcript.StatusFinal:
			if strings.TrimSpace(update.TurnID) != "" && !o.reconciler.Committed(update.TurnID) {
				res := markers.Parse(update.Text)
				parsed = &res
				update.Text = res.Display
			}
		}
	}

	outcome, turn := o.reconciler.Apply(update)
	switch outcome {
	case transcript.OutcomeMalformed:
		o.metrics.RecordParseError("transcript")
	case transcript.OutcomePartial:
		o.emitTranscript()
	case transcript.OutcomeCommitted:
		o.commitTurn(a, turn)
		if parsed != nil {
			o.applyMarkers(a, turn, *parsed)
		}
	}
}

func (o *Orchestrator) commitTurn(a *attempt, turn transcript.Turn) {
	o.metrics.RecordTurn(turn.Speaker)
	o.archiveTurn(a, turn)
	o.emit(&TurnCommittedEvent{Turn: turn})
	o.emitTranscript()
}

func (o *Orchestrator) applyMarkers(a *attempt, turn transcript.Turn, res markers.Result) {
	for _, perr := range res.Errors {
		o.metrics.RecordParseError("marker")
		o.logger.Warn("marker dropped", "attempt_id", a.id, "turn_id", turn.TurnID, "error", perr)
	}
	o.mergeProfile(a, res.Fields, SourceMarker)
	for _, d := range res.Directives {
		o.emit(&DirectiveEvent{TurnID: turn.TurnID, Name: d.Name, Argument: d.Argument})
	}
	if !res.HasMarkers() {
		o.maybeFallback(a)
	}
}

func (o *Orchestrator) mergeProfile(a *attempt, fields []markers.Field, source string) {
	if len(fields) == 0 {
		return
	}
	changed, completed := o.collector.Merge(fields)
	for _, f := range changed {
		o.metrics.RecordProfileField(source)
		o.archiveField(a, f, source)
		o.logger.Info("profile field extracted", "attempt_id", a.id, "key", f.Key, "source", source)
		o.emit(&ProfileFieldExtractedEvent{Key: f.Key, Value: f.Value, Source: source})
	}
	if completed {
		o.logger.Info("profile complete", "attempt_id", a.id)
		o.emit(&ProfileCompletedEvent{Profile: o.collector.Draft()})
	}
}

// maybeFallback asks the fallback extractor for still-missing fields when an
// agent turn carried no markers at all. At most one call is in flight.
func (o *Orchestrator) maybeFallback(a *attempt) {
	if o.deps.Fallback == nil || a.fallbackBusy || o.collector.Completed() {
		return
	}
	missing := o.collector.Missing()
	if len(missing) == 0 {
		return
	}
	text := recentDialogue(o.reconciler.History(), fallbackContextTurns)
	if text == "" {
		return
	}
	a.fallbackBusy = true
	go func() {
		ctx, cancel := context.WithTimeout(a.ctx, o.cfg.FallbackTimeout)
		defer cancel()
		fields, err := o.deps.Fallback.ExtractProfile(ctx, text, missing)
		o.metrics.RecordFallback(err)
		o.postFor(a, "fallback", msgFallback{attempt: a.id, fields: fields, err: err})
	}()
}

func (o *Orchestrator) handleFallback(a *attempt, m msgFallback) {
	a.fallbackBusy = false
	if m.err != nil {
		o.logger.Warn("profile fallback extraction failed", "attempt_id", a.id, "error", m.err)
		return
	}
	o.mergeProfile(a, m.fields, SourceFallback)
}

func recentDialogue(history []transcript.Turn, n int) string {
	if len(history) > n {
		history = history[len(history)-n:]
	}
	var b strings.Builder
	for _, t := range history {
		if strings.TrimSpace(t.Text) == "" {
			continue
		}
		b.WriteString(t.Speaker)
		b.WriteString(": ")
		b.WriteString(t.Text)
		b.WriteByte('\n')
	}
	return b.String()
}

// interrupt stops the agent's current utterance. The control message is
// sent asynchronously; playback is cut and the state moves immediately.
func (o *Orchestrator) interrupt(a *attempt, reason string) {
	if sig := a.signaling(); sig != nil {
		target := a.agentPID
		go func() {
			ctx, cancel := context.WithTimeout(a.ctx, o.cfg.HeartbeatTimeout)
			defer cancel()
			if err := sig.SendControl(ctx, target, protocol.ControlInterrupt); err != nil && a.ctx.Err() == nil {
				o.logger.Warn("interrupt control failed", "attempt_id", a.id, "error", err)
			}
		}()
	}
	if audio := a.audio(); audio != nil {
		audio.StopRemotePlayback()
	}
	o.logger.Info("agent interrupted", "attempt_id", a.id, "reason", reason)
	o.setState(StateListening, nil)
}

func (o *Orchestrator) handleSendText(text string) error {
	a := o.established()
	if a == nil {
		return ErrNotRunning
	}
	turn := o.reconciler.InjectUserText(text)
	o.commitTurn(a, turn)

	sig := a.signaling()
	if sig == nil {
		return nil
	}
	target := a.agentPID
	go func() {
		ctx, cancel := context.WithTimeout(a.ctx, o.cfg.HeartbeatTimeout)
		defer cancel()
		if err := sig.SendText(ctx, target, text, protocol.PriorityInterrupt); err != nil && a.ctx.Err() == nil {
			o.logger.Warn("send text failed", "attempt_id", a.id, "error", err)
		}
	}()
	return nil
}
