// Package analysis sends discussion content to a language model and parses
// the structured result: summary, key points, detected tasks, and the
// domain classification the router runs on.
package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"taskbridge/discussion"
)

// AISummary is the model's digest of one discussion.
type AISummary struct {
	Summary    string   `json:"summary"`
	KeyPoints  []string `json:"key_points"`
	Sentiment  string   `json:"sentiment"`
	Confidence float64  `json:"confidence"`
}

// DetectedTask is one actionable item extracted from a discussion. Domain
// is empty when the model was uncertain or answered outside the configured
// vocabulary; the router then falls back to the default output.
type DetectedTask struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Priority    string   `json:"priority"`
	Assignee    string   `json:"assignee,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Domain      string   `json:"domain,omitempty"`
}

// Result is the full analysis output for one discussion.
type Result struct {
	Summary     AISummary      `json:"summary"`
	Tasks       []DetectedTask `json:"tasks"`
	IsMultiTask bool           `json:"is_multi_task"`
	Confidence  float64        `json:"confidence"`
}

// Input is everything one analysis call needs. Prompts are per-tenant
// overrides; empty strings fall back to the built-in prompts. Domains is
// the flow's allowed vocabulary.
type Input struct {
	Content       string
	Thread        *discussion.Thread
	SummaryPrompt string
	TaskPrompt    string
	Domains       []string
}

// Analyzer calls an OpenAI-compatible chat-completions endpoint. The model
// is called once per discussion regardless of how many tasks or outputs
// result; cost scales with discussions, not fan-out.
type Analyzer struct {
	client    *http.Client
	apiURL    string
	apiKey    string
	model     string
	maxTokens int
}

const (
	defaultAnalysisModel     = "gpt-4o-mini"
	defaultAnalysisAPIURL    = "https://api.openai.com/v1/chat/completions"
	defaultAnalysisTimeout   = 60 * time.Second
	defaultAnalysisMaxTokens = 2000

	// The model occasionally emits non-JSON despite response_format; a
	// formatting glitch is transient, but three in a row means the
	// discussion is unanalyzable and the job fails.
	maxMalformedAttempts = 3
)

// NewAnalyzerFromEnv builds the analyzer from ANALYSIS_* environment
// variables.
func NewAnalyzerFromEnv() (*Analyzer, error) {
	apiURL := strings.TrimSpace(os.Getenv("ANALYSIS_API_URL"))
	if apiURL == "" {
		apiURL = defaultAnalysisAPIURL
	}

	apiKey := strings.TrimSpace(os.Getenv("ANALYSIS_API_KEY"))
	if apiKey == "" {
		return nil, errors.New("ANALYSIS_API_KEY is required")
	}

	model := strings.TrimSpace(os.Getenv("ANALYSIS_MODEL_NAME"))
	if model == "" {
		model = defaultAnalysisModel
	}

	timeout := defaultAnalysisTimeout
	if raw := strings.TrimSpace(os.Getenv("ANALYSIS_TIMEOUT")); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			timeout = d
		}
	}

	return &Analyzer{
		client:    &http.Client{Timeout: timeout},
		apiURL:    apiURL,
		apiKey:    apiKey,
		model:     model,
		maxTokens: defaultAnalysisMaxTokens,
	}, nil
}

// NewAnalyzer builds an analyzer against an explicit endpoint. Used by
// tests and non-env wiring.
func NewAnalyzer(client *http.Client, apiURL, apiKey, model string) *Analyzer {
	if client == nil {
		client = &http.Client{Timeout: defaultAnalysisTimeout}
	}
	return &Analyzer{
		client:    client,
		apiURL:    apiURL,
		apiKey:    apiKey,
		model:     model,
		maxTokens: defaultAnalysisMaxTokens,
	}
}

// Analyze runs the single model call for a discussion and parses the
// structured result. Malformed model output is retried up to
// maxMalformedAttempts times inside this call; transport-level failures
// propagate immediately with their retryable classification for the
// caller's backoff loop.
func (a *Analyzer) Analyze(ctx context.Context, in Input) (*Result, error) {
	if a == nil {
		return nil, errors.New("analyzer not initialized")
	}

	body, err := a.buildRequest(in)
	if err != nil {
		return nil, fmt.Errorf("build analysis request: %w", err)
	}

	var lastParseErr error
	for attempt := 1; attempt <= maxMalformedAttempts; attempt++ {
		content, err := a.complete(ctx, body)
		if err != nil {
			return nil, err
		}

		result, err := parseAnalysis(content)
		if err != nil {
			lastParseErr = err
			log.Printf("Analyzer: malformed model output (attempt %d/%d): %v", attempt, maxMalformedAttempts, err)
			continue
		}

		normalize(result, in.Domains)
		return result, nil
	}

	return nil, discussion.Malformedf("model returned malformed analysis %d times: %v", maxMalformedAttempts, lastParseErr)
}

// complete performs one chat-completions round trip and returns the raw
// message content.
func (a *Analyzer) complete(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.apiURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create analysis request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.apiKey)

	start := time.Now()
	resp, err := a.client.Do(req)
	if err != nil {
		return "", discussion.WrapTransient("call analysis model", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", discussion.WrapTransient("read analysis response", err)
	}

	log.Printf("Analyzer: model responded %d in %v", resp.StatusCode, time.Since(start))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", discussion.Transientf("analysis model returned %d: %s", resp.StatusCode, truncate(string(respBody), 200))
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", discussion.Configf("analysis model rejected credentials: %d", resp.StatusCode)
	case resp.StatusCode >= 300:
		return "", fmt.Errorf("analysis model returned %d: %s", resp.StatusCode, truncate(string(respBody), 200))
	}

	var parsed chatCompletionResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", discussion.WrapTransient("decode completion envelope", err)
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
		return "", discussion.Transientf("analysis model returned empty response")
	}

	return parsed.Choices[0].Message.Content, nil
}

func (a *Analyzer) buildRequest(in Input) ([]byte, error) {
	req := chatCompletionRequest{
		Model: a.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt(in)},
			{Role: "user", Content: userPrompt(in)},
		},
		ResponseFormat:      &responseFormat{Type: "json_object"},
		MaxCompletionTokens: a.maxTokens,
	}
	return json.Marshal(req)
}

// parseAnalysis decodes the model's JSON, tolerating markdown fences.
func parseAnalysis(content string) (*Result, error) {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimPrefix(content, "```")
		content = strings.TrimSuffix(content, "```")
		content = strings.TrimSpace(content)
	}

	var raw struct {
		Summary    string   `json:"summary"`
		KeyPoints  []string `json:"key_points"`
		Sentiment  string   `json:"sentiment"`
		Confidence float64  `json:"confidence"`
		Tasks      []struct {
			Title       string   `json:"title"`
			Description string   `json:"description"`
			Priority    string   `json:"priority"`
			Assignee    string   `json:"assignee"`
			Tags        []string `json:"tags"`
			Domain      *string  `json:"domain"`
		} `json:"tasks"`
	}
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return nil, fmt.Errorf("parse analysis JSON: %w", err)
	}
	if raw.Summary == "" {
		return nil, errors.New("analysis missing summary")
	}

	result := &Result{
		Summary: AISummary{
			Summary:    raw.Summary,
			KeyPoints:  raw.KeyPoints,
			Sentiment:  raw.Sentiment,
			Confidence: clamp01(raw.Confidence),
		},
		Confidence: clamp01(raw.Confidence),
	}

	for _, t := range raw.Tasks {
		if strings.TrimSpace(t.Title) == "" {
			continue
		}
		task := DetectedTask{
			Title:       strings.TrimSpace(t.Title),
			Description: t.Description,
			Priority:    normalizePriority(t.Priority),
			Assignee:    strings.TrimSpace(t.Assignee),
			Tags:        t.Tags,
		}
		if t.Domain != nil {
			task.Domain = strings.ToLower(strings.TrimSpace(*t.Domain))
		}
		result.Tasks = append(result.Tasks, task)
	}

	result.IsMultiTask = len(result.Tasks) > 1
	return result, nil
}

// normalize clamps each task's domain to the configured vocabulary. The
// model must not invent a domain: anything outside the vocabulary is
// treated as unclassified.
func normalize(r *Result, domains []string) {
	for i := range r.Tasks {
		if r.Tasks[i].Domain == "" {
			continue
		}
		if !inVocabulary(r.Tasks[i].Domain, domains) {
			log.Printf("Analyzer: dropping out-of-vocabulary domain %q", r.Tasks[i].Domain)
			r.Tasks[i].Domain = ""
		}
	}
}

func inVocabulary(domain string, domains []string) bool {
	for _, d := range domains {
		if strings.EqualFold(d, domain) {
			return true
		}
	}
	return false
}

func normalizePriority(p string) string {
	switch strings.ToLower(strings.TrimSpace(p)) {
	case "high", "urgent":
		return "high"
	case "low":
		return "low"
	default:
		return "medium"
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

type chatCompletionRequest struct {
	Model               string          `json:"model"`
	Messages            []chatMessage   `json:"messages"`
	MaxCompletionTokens int             `json:"max_completion_tokens,omitempty"`
	ResponseFormat      *responseFormat `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type responseFormat struct {
	Type string `json:"type"`
}
