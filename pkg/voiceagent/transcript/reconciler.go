// Package transcript folds the signaling stream's partial and final turn
// updates into an append-only conversation history.
package transcript

import (
	"log/slog"
	"strconv"
	"strings"

	"github.com/EchoLoomAI/EchoSpark/pkg/voiceagent/protocol"
)

const (
	SpeakerUser  = protocol.SpeakerUser
	SpeakerAgent = protocol.SpeakerAgent

	StatusInProgress = protocol.StatusInProgress
	StatusFinal      = protocol.StatusFinal
)

type Turn struct {
	TurnID   string `json:"turn_id"`
	Speaker  string `json:"speaker"`
	Text     string `json:"text"`
	Status   string `json:"status"`
	Sequence int64  `json:"seq,omitempty"`
}

// Outcome reports what Apply did with an update.
type Outcome int

const (
	OutcomeMalformed Outcome = iota
	OutcomePartial
	OutcomeCommitted
	OutcomeDuplicate
	OutcomeIgnored
)

func (o Outcome) String() string {
	switch o {
	case OutcomeMalformed:
		return "malformed"
	case OutcomePartial:
		return "partial"
	case OutcomeCommitted:
		return "committed"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeIgnored:
		return "ignored"
	default:
		return "unknown"
	}
}

// Reconciler is owned by a single goroutine and is not safe for concurrent use.
type Reconciler struct {
	logger *slog.Logger

	history   []Turn
	committed map[string]int
	partials  map[string]Turn

	localSeq  int
	malformed int
}

func NewReconciler(logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		logger:    logger,
		history:   make([]Turn, 0, 32),
		committed: make(map[string]int),
		partials:  make(map[string]Turn, 2),
	}
}

// Apply folds one update. Finals are idempotent on TurnID and history keeps
// commit order.
func (r *Reconciler) Apply(update Turn) (Outcome, Turn) {
	update.TurnID = strings.TrimSpace(update.TurnID)
	update.Speaker = strings.ToLower(strings.TrimSpace(update.Speaker))
	if update.TurnID == "" || (update.Speaker != SpeakerUser && update.Speaker != SpeakerAgent) {
		r.malformed++
		r.logger.Warn("transcript update dropped", "turn_id", update.TurnID, "speaker", update.Speaker, "status", update.Status)
		return OutcomeMalformed, Turn{}
	}

	switch update.Status {
	case StatusInProgress:
		if _, ok := r.committed[update.TurnID]; ok {
			return OutcomeIgnored, Turn{}
		}
		r.partials[update.Speaker] = update
		return OutcomePartial, update
	case StatusFinal:
		if _, ok := r.committed[update.TurnID]; ok {
			return OutcomeDuplicate, Turn{}
		}
		r.commit(update)
		return OutcomeCommitted, update
	default:
		r.malformed++
		r.logger.Warn("transcript update dropped", "turn_id", update.TurnID, "status", update.Status)
		return OutcomeMalformed, Turn{}
	}
}

// InjectUserText commits a locally typed user message as a final turn.
func (r *Reconciler) InjectUserText(text string) Turn {
	for {
		r.localSeq++
		id := "local-" + strconv.Itoa(r.localSeq)
		if _, taken := r.committed[id]; taken {
			continue
		}
		turn := Turn{TurnID: id, Speaker: SpeakerUser, Text: text, Status: StatusFinal}
		r.commit(turn)
		return turn
	}
}

func (r *Reconciler) commit(turn Turn) {
	turn.Status = StatusFinal
	r.committed[turn.TurnID] = len(r.history)
	r.history = append(r.history, turn)
	if cur, ok := r.partials[turn.Speaker]; ok && cur.TurnID == turn.TurnID {
		delete(r.partials, turn.Speaker)
	}
}

// Committed reports whether a final for turnID is already in history.
func (r *Reconciler) Committed(turnID string) bool {
	_, ok := r.committed[strings.TrimSpace(turnID)]
	return ok
}

func (r *Reconciler) History() []Turn {
	out := make([]Turn, len(r.history))
	copy(out, r.history)
	return out
}

// Partials returns the current in-progress text per speaker.
func (r *Reconciler) Partials() map[string]string {
	out := make(map[string]string, len(r.partials))
	for speaker, turn := range r.partials {
		out[speaker] = turn.Text
	}
	return out
}

func (r *Reconciler) Partial(speaker string) (Turn, bool) {
	t, ok := r.partials[speaker]
	return t, ok
}

func (r *Reconciler) Malformed() int { return r.malformed }

func (r *Reconciler) Len() int { return len(r.history) }
