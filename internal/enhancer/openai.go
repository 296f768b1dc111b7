package enhancer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"ai-sales-coach-service/internal/models"
)

// liveWindow is how many trailing turns the live prompt sees.
const liveWindow = 5

// OpenAIConfig configures the chat-completions client.
type OpenAIConfig struct {
	APIKey         string
	Model          string
	BaseURL        string
	LiveTimeout    time.Duration
	SummaryTimeout time.Duration
}

// OpenAIClient implements Enhancer over the OpenAI chat completions API.
type OpenAIClient struct {
	cfg    OpenAIConfig
	client *http.Client
	log    zerolog.Logger
}

// NewOpenAIClient creates the client with defaults filled in.
func NewOpenAIClient(cfg OpenAIConfig, logger zerolog.Logger) *OpenAIClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.LiveTimeout <= 0 {
		cfg.LiveTimeout = 4 * time.Second
	}
	if cfg.SummaryTimeout <= 0 {
		cfg.SummaryTimeout = 25 * time.Second
	}
	return &OpenAIClient{
		cfg:    cfg,
		client: &http.Client{},
		log:    logger,
	}
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	MaxTokens      int           `json:"max_tokens"`
	Temperature    float64       `json:"temperature"`
	ResponseFormat responseFmt   `json:"response_format"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFmt struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

const liveSystemPrompt = `You are an expert sales coach analyzing a live sales call. Your job is to listen to what the PROSPECT just said and tell the SALESPERSON exactly what to say next.

CRITICAL RULES:
1. You are coaching the SALESPERSON - never show what the prospect said
2. Analyze the prospect's last statement to identify objections, questions, or buying signals
3. Provide a natural, conversational response for the salesperson to say
4. Return ONLY valid JSON - no markdown, no explanations, no code blocks
5. The "say_next" field must be a complete sentence the salesperson can speak aloud
6. The "insight" field explains WHY this response works (strategy)`

// EnhanceLive asks the model for a better suggestion based on the last few
// turns. Errors mean the fast-path suggestion stands.
func (c *OpenAIClient) EnhanceLive(ctx context.Context, turns []models.Turn) (*models.CoachingSuggestion, error) {
	if c.cfg.APIKey == "" {
		return nil, ErrDisabled
	}

	recent := turns
	if len(recent) > liveWindow {
		recent = recent[len(recent)-liveWindow:]
	}
	var b strings.Builder
	for _, t := range recent {
		fmt.Fprintf(&b, "%s: %q\n", strings.ToUpper(string(t.Speaker)), t.Text)
	}

	userPrompt := fmt.Sprintf(`ANALYZE THIS CONVERSATION AND TELL THE SALESPERSON WHAT TO SAY NEXT:

TRANSCRIPT (most recent last):
%s
INSTRUCTIONS:
- Identify what the PROSPECT just said (last prospect line)
- Determine the sales stage based on their statement
- Write a response for the SALESPERSON to say next
- Confidence should reflect how clear the prospect's intent is (0-100)

VALID STAGES: Greeting, Discovery, Hesitation, Objection:Price, Objection:Timing, Objection:Authority, Objection:Value, Objection:Need, Competitor, Close, Logistics

REQUIRED JSON FORMAT:
{"stage": "ExactStageName", "say_next": "Exact words for salesperson to say", "insight": "Why this response works strategically", "confidence": 85}

RESPOND NOW WITH JSON ONLY:`, b.String())

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.LiveTimeout)
	defer cancel()

	content, err := c.complete(callCtx, chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: liveSystemPrompt},
			{Role: "user", Content: userPrompt},
		},
		MaxTokens:      250,
		Temperature:    0.3,
		ResponseFormat: responseFmt{Type: "json_object"},
	})
	if err != nil {
		return nil, err
	}
	return parseLiveSuggestion(content)
}

// Summarize asks the model for the post-call analysis. One retry is allowed
// within the summary timeout since this runs off the live path.
func (c *OpenAIClient) Summarize(ctx context.Context, turns []models.Turn) (*models.CallSummary, error) {
	if c.cfg.APIKey == "" {
		return nil, ErrDisabled
	}
	if len(turns) == 0 {
		return nil, errors.New("empty transcript")
	}

	var b strings.Builder
	for _, t := range turns {
		fmt.Fprintf(&b, "%s: %q\n", t.Speaker, t.Text)
	}

	prompt := fmt.Sprintf(`Summarize this sales call in JSON:

TRANSCRIPT:
%s
OUTPUT:
{
  "outcome": "booked|not_interested|follow_up|neutral",
  "outcomeConfidence": 0.85,
  "objections": [{"type": "price", "text": "...", "handled": true}],
  "wentWell": ["strength 1", "strength 2"],
  "improvement": "one area",
  "focusNextCall": "one focus"
}`, b.String())

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.SummaryTimeout)
	defer cancel()

	req := chatRequest{
		Model:          c.cfg.Model,
		Messages:       []chatMessage{{Role: "user", Content: prompt}},
		MaxTokens:      500,
		Temperature:    0.3,
		ResponseFormat: responseFmt{Type: "json_object"},
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		content, err := c.complete(callCtx, req)
		if err != nil {
			lastErr = err
			if callCtx.Err() != nil {
				break
			}
			continue
		}
		summary, err := parseSummary(content)
		if err != nil {
			lastErr = err
			continue
		}
		return summary, nil
	}
	return nil, lastErr
}

// complete performs one chat completion call and returns the message content.
func (c *OpenAIClient) complete(ctx context.Context, req chatRequest) (string, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return "", err
	}

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("completion request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("completion error: status=%d body=%s", resp.StatusCode, string(errBody))
	}

	var chat chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return "", fmt.Errorf("decode completion response: %w", err)
	}
	if len(chat.Choices) == 0 || chat.Choices[0].Message.Content == "" {
		return "", errors.New("empty completion content")
	}
	return chat.Choices[0].Message.Content, nil
}

var (
	sayNextPattern = regexp.MustCompile(`"say_next"\s*:\s*"([^"]+)"`)
	insightPattern = regexp.MustCompile(`"insight"\s*:\s*"([^"]+)"`)
	stagePattern   = regexp.MustCompile(`"stage"\s*:\s*"([^"]+)"`)
	jsonBlock      = regexp.MustCompile(`(?s)\{.*\}`)
)

// validStages guards against the model inventing stage names.
var validStages = map[models.Stage]struct{}{
	models.StageGreeting: {}, models.StageDiscovery: {}, models.StageHesitation: {},
	models.StageObjectionPrice: {}, models.StageObjectionTiming: {},
	models.StageObjectionAuthority: {}, models.StageObjectionValue: {},
	models.StageObjectionNeed: {}, models.StageCompetitor: {},
	models.StageClose: {}, models.StageLogistics: {},
}

// parseLiveSuggestion decodes the model output, salvaging individual fields
// from malformed JSON before giving up.
func parseLiveSuggestion(content string) (*models.CoachingSuggestion, error) {
	var raw struct {
		Stage      string `json:"stage"`
		SayNext    string `json:"say_next"`
		Insight    string `json:"insight"`
		Confidence int    `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		raw.SayNext = salvage(sayNextPattern, content)
		raw.Insight = salvage(insightPattern, content)
		raw.Stage = salvage(stagePattern, content)
	}

	if strings.TrimSpace(raw.SayNext) == "" {
		return nil, errors.New("model returned no say_next")
	}

	stage := models.Stage(raw.Stage)
	if _, ok := validStages[stage]; !ok {
		stage = models.StageDiscovery
	}
	insight := raw.Insight
	if insight == "" {
		insight = "Listen to understand their perspective."
	}
	confidence := raw.Confidence
	if confidence <= 0 || confidence > 100 {
		confidence = 75
	}

	return &models.CoachingSuggestion{
		Stage:      stage,
		SayNext:    raw.SayNext,
		Insight:    insight,
		Confidence: confidence,
	}, nil
}

// parseSummary decodes the model output, retrying on the first {...} block
// when the payload has prose around the JSON.
func parseSummary(content string) (*models.CallSummary, error) {
	var summary models.CallSummary
	if err := json.Unmarshal([]byte(content), &summary); err != nil {
		block := jsonBlock.FindString(content)
		if block == "" {
			return nil, fmt.Errorf("no JSON object in summary response: %w", err)
		}
		if err := json.Unmarshal([]byte(block), &summary); err != nil {
			return nil, fmt.Errorf("malformed summary JSON: %w", err)
		}
	}
	if summary.Outcome == "" {
		return nil, errors.New("summary missing outcome")
	}
	return &summary, nil
}

func salvage(p *regexp.Regexp, content string) string {
	if m := p.FindStringSubmatch(content); len(m) == 2 {
		return m[1]
	}
	return ""
}
