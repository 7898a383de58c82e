package media

// Event is emitted by a Transport to its handler.
type Event interface {
	isMediaEvent()
}

type RemoteParticipantJoined struct {
	ParticipantID string
}

type RemoteParticipantLeft struct {
	ParticipantID string
}

// Disconnected reports that the media link went away. Reason is ReasonLeave
// when the local side left.
type Disconnected struct {
	Reason string
}

const ReasonLeave = "leave"

func (RemoteParticipantJoined) isMediaEvent() {}
func (RemoteParticipantLeft) isMediaEvent()   {}
func (Disconnected) isMediaEvent()            {}

// Sink plays remote audio. Flush drops anything buffered for playback.
type Sink interface {
	Write(participantID string, opus []byte)
	Flush()
}

type discardSink struct{}

func (discardSink) Write(string, []byte) {}
func (discardSink) Flush()               {}
