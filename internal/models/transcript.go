// Package models defines the data structures shared across the coaching pipeline.
package models

// Speaker identifies one of the two parties on a call.
type Speaker string

const (
	SpeakerSalesperson Speaker = "salesperson"
	SpeakerProspect    Speaker = "prospect"
)

// Other returns the opposite party.
func (s Speaker) Other() Speaker {
	if s == SpeakerSalesperson {
		return SpeakerProspect
	}
	return SpeakerSalesperson
}

// Valid reports whether the speaker is one of the two known parties.
func (s Speaker) Valid() bool {
	return s == SpeakerSalesperson || s == SpeakerProspect
}

// TranscriptEvent is a single hypothesis from the streaming recognizer.
// At most one non-final event per speaker channel is "open" at a time; a
// newer partial or a final replaces it. Finals are append-only and never
// mutated after emission.
type TranscriptEvent struct {
	Text        string  `json:"text"`
	IsFinal     bool    `json:"isFinal"`
	Speaker     Speaker `json:"speaker"`
	Confidence  float64 `json:"confidence"`
	TimestampMs int64   `json:"timestamp"`
	SpeakerTag  int     `json:"speakerTag,omitempty"` // 0 means no tag
}

// Turn is one admitted, finalized utterance attributed to a speaker.
// Turns are immutable once created.
type Turn struct {
	Speaker     Speaker `json:"speaker"`
	Text        string  `json:"text"`
	TimestampMs int64   `json:"timestamp"`
}

// TranscriptFinalEvent is the event shape published to the transcript topic.
type TranscriptFinalEvent struct {
	EventType   string  `json:"eventType"`
	CallID      string  `json:"callId"`
	SessionID   string  `json:"sessionId"`
	Speaker     Speaker `json:"speaker"`
	Text        string  `json:"text"`
	Confidence  float64 `json:"confidence"`
	TimestampMs int64   `json:"timestamp"`
}
