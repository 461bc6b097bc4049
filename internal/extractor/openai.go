// Package extractor turns a parent work item's text into candidate user
// stories via a chat-completions API.
package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	serrors "github.com/storyforge/epicsync/internal/errors"
	"github.com/storyforge/epicsync/internal/models"
	"github.com/storyforge/epicsync/internal/retry"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModel     = "gpt-3.5-turbo"
	defaultMaxTokens = 2000
)

// Generator produces candidate stories from a parent item. The engine
// depends on this interface, never on the concrete client.
type Generator interface {
	GenerateStories(ctx context.Context, parent models.ParentItem) ([]models.CandidateStory, error)
}

// OpenAIExtractor implements Generator against the OpenAI chat completions
// API.
type OpenAIExtractor struct {
	apiKey    string
	baseURL   string
	model     string
	maxTokens int
	client    *http.Client
	retryCfg  retry.Config
	logger    zerolog.Logger
}

// Option configures the extractor.
type Option func(*OpenAIExtractor)

// WithModel overrides the model id.
func WithModel(model string) Option {
	return func(e *OpenAIExtractor) { e.model = model }
}

// WithBaseURL overrides the API base URL (for testing).
func WithBaseURL(url string) Option {
	return func(e *OpenAIExtractor) { e.baseURL = url }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(e *OpenAIExtractor) { e.client = c }
}

// WithRetry overrides the rate-limit retry policy.
func WithRetry(cfg retry.Config) Option {
	return func(e *OpenAIExtractor) { e.retryCfg = cfg }
}

// New constructs an OpenAI-backed extractor.
func New(apiKey string, logger zerolog.Logger, opts ...Option) *OpenAIExtractor {
	e := &OpenAIExtractor{
		apiKey:    apiKey,
		baseURL:   defaultBaseURL,
		model:     defaultModel,
		maxTokens: defaultMaxTokens,
		client:    &http.Client{Timeout: 120 * time.Second},
		retryCfg:  retry.Config{MaxAttempts: 3, BaseDelay: 5 * time.Second, MaxDelay: 80 * time.Second},
		logger:    logger.With().Str("component", "extractor").Logger(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// ---- wire types ----

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// storiesPayload is the JSON contract the model is instructed to return.
type storiesPayload struct {
	Stories []models.CandidateStory `json:"stories"`
}

// GenerateStories asks the model to break the parent down into candidate
// stories. Rate limiting (429) is retried with exponential backoff; on
// exhaustion the last error surfaces as a generation failure.
func (e *OpenAIExtractor) GenerateStories(ctx context.Context, parent models.ParentItem) ([]models.CandidateStory, error) {
	var stories []models.CandidateStory

	err := retry.Do(ctx, e.retryCfg, func(ctx context.Context) error {
		var attemptErr error
		stories, attemptErr = e.generateOnce(ctx, parent)
		return attemptErr
	})
	if err != nil {
		return nil, serrors.GenerationError(err)
	}

	e.logger.Info().Int("parent_id", parent.ID).Int("stories", len(stories)).Msg("stories generated")
	return stories, nil
}

func (e *OpenAIExtractor) generateOnce(ctx context.Context, parent models.ParentItem) ([]models.CandidateStory, error) {
	reqBody := chatRequest{
		Model: e.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: buildPrompt(parent)},
		},
		Temperature: 0.3,
		MaxTokens:   e.maxTokens,
	}

	raw, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", e.baseURL+"/chat/completions", bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return nil, serrors.NewAPIError("openai", resp.StatusCode, string(body))
	}

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if cr.Error != nil {
		return nil, fmt.Errorf("openai error: %s", cr.Error.Message)
	}
	if len(cr.Choices) == 0 {
		return nil, fmt.Errorf("empty completion response")
	}

	return parseStories(cr.Choices[0].Message.Content)
}

// parseStories decodes the model output, which must be the JSON contract
// with no surrounding prose.
func parseStories(content string) ([]models.CandidateStory, error) {
	var payload storiesPayload
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		return nil, fmt.Errorf("parsing model output as JSON: %w", err)
	}
	return payload.Stories, nil
}

// ValidateStories checks generated stories for structural problems and
// returns a human-readable issue list. Issues are advisory: the caller
// logs them and proceeds.
func ValidateStories(stories []models.CandidateStory) []string {
	var issues []string
	for i, story := range stories {
		n := i + 1
		if len(story.Heading) < 5 {
			issues = append(issues, fmt.Sprintf("story %d: heading too short or missing", n))
		}
		if len(story.Heading) > 100 {
			issues = append(issues, fmt.Sprintf("story %d: heading too long (over 100 characters)", n))
		}
		if len(story.Description) < 10 {
			issues = append(issues, fmt.Sprintf("story %d: description too short or missing", n))
		}
		if len(story.AcceptanceCriteria) == 0 {
			issues = append(issues, fmt.Sprintf("story %d: no acceptance criteria provided", n))
		}
		for j, criteria := range story.AcceptanceCriteria {
			if len(criteria) < 5 {
				issues = append(issues, fmt.Sprintf("story %d, criteria %d: too short or empty", n, j+1))
			}
		}
	}
	return issues
}
