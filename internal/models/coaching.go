package models

// Stage is the conversational stage detected for a turn.
type Stage string

const (
	StageGreeting           Stage = "Greeting"
	StageDiscovery          Stage = "Discovery"
	StageHesitation         Stage = "Hesitation"
	StageObjectionPrice     Stage = "Objection:Price"
	StageObjectionTiming    Stage = "Objection:Timing"
	StageObjectionAuthority Stage = "Objection:Authority"
	StageObjectionValue     Stage = "Objection:Value"
	StageObjectionNeed      Stage = "Objection:Need"
	StageCompetitor         Stage = "Competitor"
	StageClose              Stage = "Close"
	StageLogistics          Stage = "Logistics"
)

// IsObjection reports whether the stage is any objection variant.
func (s Stage) IsObjection() bool {
	switch s {
	case StageObjectionPrice, StageObjectionTiming, StageObjectionAuthority,
		StageObjectionValue, StageObjectionNeed:
		return true
	}
	return false
}

// CoachingSuggestion is what the salesperson should say next.
// Ephemeral: superseded by the next suggestion.
type CoachingSuggestion struct {
	Stage      Stage  `json:"stage"`
	SayNext    string `json:"say_next"`
	Insight    string `json:"insight"`
	Confidence int    `json:"confidence"` // 0-100
}

// CoachingEvent is the event shape published to the coaching topic.
type CoachingEvent struct {
	EventType   string             `json:"eventType"`
	CallID      string             `json:"callId"`
	Suggestion  CoachingSuggestion `json:"suggestion"`
	TriggerText string             `json:"triggerText"`
	TimestampMs int64              `json:"timestamp"`
}

// ObjectionSummary describes one objection raised during the call.
type ObjectionSummary struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	Handled bool   `json:"handled"`
}

// CallSummary is the post-call analysis produced by the enhancer.
type CallSummary struct {
	Outcome           string             `json:"outcome"` // booked|not_interested|follow_up|neutral
	OutcomeConfidence float64            `json:"outcomeConfidence"`
	Objections        []ObjectionSummary `json:"objections"`
	WentWell          []string           `json:"wentWell"`
	Improvement       string             `json:"improvement"`
	FocusNextCall     string             `json:"focusNextCall"`
}

// AudioHealth is the connection/audio status surfaced to the overlay.
type AudioHealth string

const (
	HealthLive    AudioHealth = "LIVE"
	HealthNoAudio AudioHealth = "NO_AUDIO"
	HealthError   AudioHealth = "ERROR"
)

// HealthStatus pairs an audio health state with a human hint.
type HealthStatus struct {
	Status  AudioHealth `json:"status"`
	Message string      `json:"message,omitempty"`
}
