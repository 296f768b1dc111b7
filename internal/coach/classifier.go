package coach

import (
	"math/rand"
	"regexp"
	"strings"

	"ai-sales-coach-service/internal/models"
)

// EmotionStyle adjusts the tone of generated responses.
type EmotionStyle string

const (
	StyleDefault    EmotionStyle = ""
	StyleAssertive  EmotionStyle = "Assertive"
	StyleEmpathetic EmotionStyle = "Empathetic"
	StyleEnergetic  EmotionStyle = "Energetic"
)

// ObjectionMode adjusts how objection responses are framed.
type ObjectionMode string

const (
	ObjectionDefault      ObjectionMode = ""
	ObjectionHardPushback ObjectionMode = "Hard Pushback"
	ObjectionQuestion     ObjectionMode = "Question-Based"
	ObjectionStory        ObjectionMode = "Story-Based"
)

// Settings holds the per-user coaching style configuration.
type Settings struct {
	EmotionStyle  EmotionStyle
	ObjectionMode ObjectionMode
}

// fillerWords never deserve coaching on their own.
var fillerWords = map[string]struct{}{
	"um": {}, "uh": {}, "er": {}, "ah": {}, "hm": {}, "mm": {},
	"like": {}, "well": {}, "so": {}, "okay": {}, "ok": {},
	"right": {}, "yeah": {},
}

// stagePatterns matches lowercased text against stage keywords.
var stagePatterns = map[models.Stage][]*regexp.Regexp{
	models.StageGreeting: {
		regexp.MustCompile(`\b(hi|hello|hey|good morning|good afternoon)\b`),
	},
	models.StageHesitation: {
		regexp.MustCompile(`\b(um|uh|let me think|not sure|maybe|probably|i guess)\b`),
	},
	models.StageObjectionPrice: {
		regexp.MustCompile(`\b(price|cost|expensive|budget|too much|money|afford)\b`),
	},
	models.StageObjectionTiming: {
		regexp.MustCompile(`\b(not now|later|next quarter|too soon|not ready|delay)\b`),
	},
	models.StageObjectionAuthority: {
		regexp.MustCompile(`\b(boss|manager|decision|approve|committee|need to ask)\b`),
	},
	models.StageObjectionValue: {
		regexp.MustCompile(`\b(worth|value|roi|benefit|difference|impact)\b`),
	},
	models.StageObjectionNeed: {
		regexp.MustCompile(`\b(not interested|not intersted|dont want|don't want|no thanks|not for me|not a fit|no need|dont need|don't need)\b`),
	},
	models.StageCompetitor: {
		regexp.MustCompile(`\b(competitor|competition|using|already have|vendor|alternative)\b`),
	},
	models.StageClose: {
		regexp.MustCompile(`\b(sign|contract|agreement|move forward|get started|buy|proceed)\b`),
	},
	models.StageLogistics: {
		regexp.MustCompile(`\b(schedule|calendar|meeting|demo|trial|pilot|implement)\b`),
	},
}

// stagePriority is the evaluation order; the first match wins. Rejections
// like "not interested" must beat a coincidental price mention.
var stagePriority = []models.Stage{
	models.StageObjectionNeed,
	models.StageObjectionPrice,
	models.StageObjectionTiming,
	models.StageObjectionAuthority,
	models.StageCompetitor,
	models.StageObjectionValue,
	models.StageClose,
	models.StageLogistics,
	models.StageHesitation,
	models.StageGreeting,
}

var sayNextTemplates = map[models.Stage][]string{
	models.StageGreeting: {
		"Great to meet you. What prompted you to take this call today?",
		"Thanks for joining. What's the biggest challenge you're facing right now?",
		"Appreciate your time. What would make this call valuable for you?",
	},
	models.StageDiscovery: {
		"Tell me more about that. What impact is it having on your team?",
		"How long has that been a problem?",
		"What would solving that mean for your business?",
		"What else?",
	},
	models.StageHesitation: {
		"No rush. What's the one thing that would make this an easy yes?",
		"I hear you thinking. What's your biggest concern?",
		"Take your time. What would need to be true for you to move forward?",
	},
	models.StageObjectionPrice: {
		"If we could save you 10 hours a week, what would that be worth?",
		"Is price the only thing holding us back, or are there other concerns?",
		"What's the cost of not solving this problem?",
	},
	models.StageObjectionTiming: {
		"What would need to happen for this to be a priority next quarter?",
		"I understand. What's driving the timing concern?",
		"If you had a solution today, when would you ideally want to start?",
	},
	models.StageObjectionAuthority: {
		"What does your decision process typically look like?",
		"Who else should be involved in this conversation?",
		"How can I help make this easier for everyone?",
	},
	models.StageObjectionValue: {
		"What would success look like for you in 6 months?",
		"How do you measure ROI on tools like this?",
		"What results would justify the investment?",
	},
	models.StageObjectionNeed: {
		"I respect that. Can I ask what prompted you to take this call in the first place?",
		"Totally understand. What would need to be true for this to be a fit?",
		"Fair enough. Just out of curiosity, what are you using today to handle this?",
		"I hear you. Before I go - what's the one thing that would change your mind?",
	},
	models.StageCompetitor: {
		"What made you choose them initially?",
		"What's one thing you wish they did better?",
		"If you could wave a magic wand, what would you change about your current solution?",
	},
	models.StageClose: {
		"Should we schedule the kickoff for Tuesday or Thursday?",
		"Great! I'll send the agreement over now. Sound good?",
		"What information do you need from me to move forward today?",
	},
	models.StageLogistics: {
		"Perfect. What time works best for your team?",
		"I'll send a calendar invite now. Anything specific you want me to include?",
		"Looking forward to it. Is there anything else you need before we meet?",
	},
}

var stageInsights = map[models.Stage]string{
	models.StageGreeting:           "Find their 'why now' - what triggered this call",
	models.StageDiscovery:          "Dig deeper with 'what else?' or 'tell me more'",
	models.StageHesitation:         "Give space, then ask what's blocking them",
	models.StageObjectionPrice:     "Focus on ROI, not discounts",
	models.StageObjectionTiming:    "Find the real blocker behind timing",
	models.StageObjectionAuthority: "Map the buying committee",
	models.StageObjectionValue:     "Quantify the pain with specifics",
	models.StageObjectionNeed:      "Uncover the real objection behind 'not interested'",
	models.StageCompetitor:         "Don't bash - find gaps in their solution",
	models.StageClose:              "Use assumptive close with specific next steps",
	models.StageLogistics:          "Lock in the commitment immediately",
}

// Classifier produces templated coaching suggestions from turns. Pure and
// synchronous; the only nondeterminism is the injected randomness source used
// to pick among templates.
type Classifier struct {
	settings Settings
	rng      *rand.Rand
}

// NewClassifier creates a classifier with the given style settings and seed.
func NewClassifier(settings Settings, seed int64) *Classifier {
	return &Classifier{
		settings: settings,
		rng:      rand.New(rand.NewSource(seed)),
	}
}

// IsPureFiller reports whether the text is only one or two filler tokens.
func IsPureFiller(text string) bool {
	words := strings.Fields(strings.ToLower(strings.TrimSpace(text)))
	if len(words) == 0 {
		return true
	}
	if len(words) > 2 {
		return false
	}
	for _, w := range words {
		if _, ok := fillerWords[w]; !ok {
			return false
		}
	}
	return true
}

// DetectStage classifies text into a conversational stage. Priority order is
// a deliberate tie-break; unmatched text defaults to Discovery.
func DetectStage(text string) models.Stage {
	lower := strings.ToLower(text)
	for _, stage := range stagePriority {
		for _, p := range stagePatterns[stage] {
			if p.MatchString(lower) {
				return stage
			}
		}
	}
	return models.StageDiscovery
}

// Classify turns a finalized transcript turn into a coaching suggestion, or
// nil when no coaching is warranted. recent is the sliding window of prior
// turns, oldest first.
func (c *Classifier) Classify(turn models.Turn, recent []models.Turn) *models.CoachingSuggestion {
	if IsPureFiller(turn.Text) {
		return nil
	}

	if turn.Speaker == models.SpeakerProspect {
		stage := DetectStage(turn.Text)
		sayNext, insight := c.render(stage)
		return &models.CoachingSuggestion{
			Stage:      stage,
			SayNext:    sayNext,
			Insight:    insight,
			Confidence: confidenceFor(stage, turn.Text),
		}
	}

	if turn.Speaker == models.SpeakerSalesperson {
		return c.classifyMissedObjection(turn, recent)
	}

	return nil
}

// classifyMissedObjection coaches the salesperson reactively: if the last
// prospect turn was an objection and the reply doesn't touch price/budget,
// tell them to address it.
func (c *Classifier) classifyMissedObjection(turn models.Turn, recent []models.Turn) *models.CoachingSuggestion {
	var lastProspect *models.Turn
	for i := len(recent) - 1; i >= 0; i-- {
		if recent[i].Speaker == models.SpeakerProspect {
			lastProspect = &recent[i]
			break
		}
	}
	if lastProspect == nil {
		return nil
	}

	lastStage := DetectStage(lastProspect.Text)
	if !lastStage.IsObjection() && lastStage != models.StageCompetitor {
		return nil
	}

	reply := strings.ToLower(turn.Text)
	if strings.Contains(reply, "price") || strings.Contains(reply, "budget") {
		return nil
	}

	style := string(c.settings.EmotionStyle)
	if style == "" {
		style = "current"
	}
	sayNext, _ := c.render(lastStage)
	return &models.CoachingSuggestion{
		Stage:      lastStage,
		SayNext:    sayNext,
		Insight:    "Prospect raised objection - address it directly based on your " + style + " style.",
		Confidence: 90,
	}
}

// render picks a templated response for the stage and applies style and
// objection-mode modifiers.
func (c *Classifier) render(stage models.Stage) (sayNext, insight string) {
	options := sayNextTemplates[stage]
	sayNext = options[c.rng.Intn(len(options))]
	insight = stageInsights[stage]

	prefix := ""
	switch c.settings.EmotionStyle {
	case StyleAssertive:
		prefix = "I hear you. "
		sayNext += " Let's get this done."
		insight = "Direct approach: " + insight
	case StyleEmpathetic:
		prefix = "I completely understand. "
		insight = "Trust-building: " + insight
	case StyleEnergetic:
		prefix = "That's great! "
		insight = "Momentum-focused: " + insight
	}

	if stage.IsObjection() {
		switch c.settings.ObjectionMode {
		case ObjectionHardPushback:
			sayNext = "Actually, " + strings.ToLower(sayNext[:1]) + sayNext[1:]
		case ObjectionQuestion:
			sayNext += " What's the main concern there?"
		case ObjectionStory:
			sayNext = "We've seen this before. " + sayNext
		}
	}

	return prefix + sayNext, insight
}

// confidenceFor scores the suggestion: base 75, boosted for clear objection
// or close signals, penalized for very short text, clamped to [30,100].
func confidenceFor(stage models.Stage, text string) int {
	confidence := 75

	if stage.IsObjection() || stage == models.StageCompetitor {
		confidence += 15
	}
	if stage == models.StageClose {
		confidence += 10
	}

	if len(text) < 10 {
		confidence -= 20
	}
	if len(text) < 5 {
		confidence -= 10
	}
	if len(text) > 30 {
		confidence += 5
	}

	if confidence < 30 {
		return 30
	}
	if confidence > 100 {
		return 100
	}
	return confidence
}
