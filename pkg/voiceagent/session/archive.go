package session

import (
	"context"
	"time"

	"github.com/EchoLoomAI/EchoSpark/pkg/voiceagent/markers"
	"github.com/EchoLoomAI/EchoSpark/pkg/voiceagent/transcript"
)

const archiveWriteTimeout = 5 * time.Second

// archiveItem holds either a committed turn or, when field is set, one
// profile field.
type archiveItem struct {
	sessionID string
	channel   string
	turn      transcript.Turn
	field     *markers.Field
	source    string
}

// archiveTurn queues a committed turn for the sink. A full queue drops the
// turn rather than stall the session.
func (o *Orchestrator) archiveTurn(a *attempt, turn transcript.Turn) {
	if o.deps.Sink == nil {
		return
	}
	select {
	case o.archive <- archiveItem{sessionID: a.sessionID, channel: a.channel, turn: turn}:
	default:
		o.metrics.RecordArchiveError()
		o.logger.Warn("transcript archive queue full, turn dropped", "attempt_id", a.id, "turn_id", turn.TurnID)
	}
}

// archiveField queues a changed profile field when the sink also stores
// profiles.
func (o *Orchestrator) archiveField(a *attempt, f markers.Field, source string) {
	if _, ok := o.deps.Sink.(ProfileSink); !ok {
		return
	}
	select {
	case o.archive <- archiveItem{sessionID: a.sessionID, channel: a.channel, field: &f, source: source}:
	default:
		o.metrics.RecordArchiveError()
		o.logger.Warn("transcript archive queue full, profile field dropped", "attempt_id", a.id, "key", f.Key)
	}
}

func (o *Orchestrator) archiveLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			o.drainArchive(context.WithoutCancel(ctx))
			return
		case item := <-o.archive:
			o.writeArchive(ctx, item)
		}
	}
}

func (o *Orchestrator) drainArchive(ctx context.Context) {
	for {
		select {
		case item := <-o.archive:
			o.writeArchive(ctx, item)
		default:
			return
		}
	}
}

func (o *Orchestrator) writeArchive(ctx context.Context, item archiveItem) {
	if o.deps.Sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, archiveWriteTimeout)
	defer cancel()
	if item.field != nil {
		ps, ok := o.deps.Sink.(ProfileSink)
		if !ok {
			return
		}
		if err := ps.SaveProfileField(ctx, item.sessionID, *item.field, item.source); err != nil {
			o.metrics.RecordArchiveError()
			o.logger.Warn("profile archive failed", "session_id", item.sessionID, "key", item.field.Key, "error", err)
		}
		return
	}
	if err := o.deps.Sink.AppendTurn(ctx, item.sessionID, item.channel, item.turn); err != nil {
		o.metrics.RecordArchiveError()
		o.logger.Warn("transcript archive failed", "session_id", item.sessionID, "turn_id", item.turn.TurnID, "error", err)
	}
}
