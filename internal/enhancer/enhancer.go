// Package enhancer is the slow-path AI boundary: it upgrades fast templated
// coaching into model-generated coaching and produces the post-call summary.
// Callers must treat every error as "use the fallback" and never block the
// live pipeline on this package.
package enhancer

import (
	"context"
	"errors"
	"strings"

	"ai-sales-coach-service/internal/coach"
	"ai-sales-coach-service/internal/models"
)

// ErrDisabled is returned by the noop enhancer when no API key is configured.
var ErrDisabled = errors.New("enhancer disabled")

// Enhancer upgrades coaching output with an AI model.
type Enhancer interface {
	// EnhanceLive produces a model-generated suggestion from the recent
	// turn window. Bounded by a short timeout; an error means the caller
	// keeps its fast-path suggestion.
	EnhanceLive(ctx context.Context, turns []models.Turn) (*models.CoachingSuggestion, error)

	// Summarize produces the post-call analysis from the full turn
	// history. An error means the caller falls back to FallbackSummary.
	Summarize(ctx context.Context, turns []models.Turn) (*models.CallSummary, error)
}

// Noop is the enhancer used when no model is configured. Every call reports
// ErrDisabled so callers resolve with their fallbacks.
type Noop struct{}

func (Noop) EnhanceLive(ctx context.Context, turns []models.Turn) (*models.CoachingSuggestion, error) {
	return nil, ErrDisabled
}

func (Noop) Summarize(ctx context.Context, turns []models.Turn) (*models.CallSummary, error) {
	return nil, ErrDisabled
}

// objectionKeywords is used by the structural fallback to judge whether an
// objection type was at least touched by the salesperson afterwards.
var objectionKeywords = map[string][]string{
	"price":     {"price", "budget", "cost", "roi"},
	"timing":    {"timing", "timeline", "quarter", "start"},
	"authority": {"decision", "team", "boss", "stakeholder"},
	"value":     {"value", "roi", "result", "impact"},
	"need":      {"need", "fit", "challenge", "problem"},
}

// FallbackSummary builds a deterministic summary from the transcript alone,
// used when the model call fails or no model is configured. Objections are
// recovered by re-running stage detection over prospect turns.
func FallbackSummary(turns []models.Turn) *models.CallSummary {
	summary := &models.CallSummary{
		Outcome:           "neutral",
		OutcomeConfidence: 0.5,
		WentWell:          []string{"Call completed"},
		Improvement:       "Practice active listening",
		FocusNextCall:     "Prepare better discovery questions",
	}

	for i, turn := range turns {
		if turn.Speaker != models.SpeakerProspect {
			continue
		}
		stage := coach.DetectStage(turn.Text)
		if !stage.IsObjection() {
			continue
		}
		objType := objectionType(stage)
		summary.Objections = append(summary.Objections, models.ObjectionSummary{
			Type:    objType,
			Text:    turn.Text,
			Handled: objectionAddressed(objType, turns[i+1:]),
		})
	}

	if len(summary.Objections) > 0 {
		summary.FocusNextCall = "Prepare responses for the objections raised"
	}
	return summary
}

// objectionType lowercases the variant part of an objection stage, e.g.
// "Objection:Price" -> "price".
func objectionType(stage models.Stage) string {
	s := string(stage)
	if i := strings.IndexByte(s, ':'); i >= 0 {
		return strings.ToLower(s[i+1:])
	}
	return strings.ToLower(s)
}

// objectionAddressed reports whether any later salesperson turn touches the
// objection's topic keywords.
func objectionAddressed(objType string, later []models.Turn) bool {
	keywords := objectionKeywords[objType]
	for _, turn := range later {
		if turn.Speaker != models.SpeakerSalesperson {
			continue
		}
		text := strings.ToLower(turn.Text)
		for _, kw := range keywords {
			if strings.Contains(text, kw) {
				return true
			}
		}
	}
	return false
}
