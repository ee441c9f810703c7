// Package destination creates task records on the destination board (a
// Notion database) from detected tasks and their source discussion.
package destination

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"taskbridge/analysis"
	"taskbridge/discussion"
	"taskbridge/flows"
	"taskbridge/retry"
)

// CreatedTask is the destination board's handle for one created item.
type CreatedTask struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Request is everything one creation call needs: the task, the thread it
// came from, the AI digest, and the output's credentials/field mapping.
type Request struct {
	Task    analysis.DetectedTask
	Thread  *discussion.Thread
	Summary analysis.AISummary
	Source  *discussion.ParsedDiscussion
	Output  flows.FlowOutput
}

const (
	defaultNotionAPIURL  = "https://api.notion.com/v1"
	notionVersion        = "2022-06-28"
	defaultTitleProperty = "Name"

	// Notion allows roughly one request per 200ms per integration token;
	// consecutive creations on the same credentials are spaced at least
	// this far apart.
	minCallSpacing = 200 * time.Millisecond

	maxRichTextLen = 1900
)

// Creator builds Notion pages for detected tasks. Calls on the same
// credential set are throttled to the destination's documented rate limit
// and wrapped in bounded backoff; calls on different credentials are
// independent.
type Creator struct {
	client *http.Client
	apiURL string
	retry  retry.Config

	mu       sync.Mutex
	lastCall map[string]time.Time
}

// NewCreator builds a creator against the real Notion API.
func NewCreator() *Creator {
	return NewCreatorWithURL(nil, defaultNotionAPIURL)
}

// NewCreatorWithURL builds a creator against an explicit endpoint. Used by
// tests.
func NewCreatorWithURL(client *http.Client, apiURL string) *Creator {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Creator{
		client:   client,
		apiURL:   strings.TrimSuffix(apiURL, "/"),
		retry:    retry.Config{MaxAttempts: 3, InitialDelay: 300 * time.Millisecond},
		lastCall: make(map[string]time.Time),
	}
}

// Create makes one destination item and returns its id and URL. A failure
// here is recorded per (task, output) pair by the processor and never
// aborts sibling pairs.
func (c *Creator) Create(ctx context.Context, req Request) (*CreatedTask, error) {
	if req.Output.OutputConfig.Token == "" || req.Output.OutputConfig.DatabaseID == "" {
		return nil, discussion.Configf("output %q missing destination credentials", req.Output.Name)
	}

	body, err := json.Marshal(c.buildPage(req))
	if err != nil {
		return nil, fmt.Errorf("marshal page request: %w", err)
	}

	var created *CreatedTask
	err = retry.Do(ctx, c.retry, func(ctx context.Context) error {
		c.throttle(ctx, req.Output.OutputConfig.Token)
		res, err := c.postPage(ctx, req.Output.OutputConfig.Token, body)
		if err != nil {
			return err
		}
		created = res
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Printf("Creator: created destination task %s for output %q", created.ID, req.Output.Name)
	return created, nil
}

// throttle enforces the per-credential minimum spacing. The wait happens
// outside any lock so unrelated credentials are never serialized behind it.
func (c *Creator) throttle(ctx context.Context, token string) {
	c.mu.Lock()
	last := c.lastCall[token]
	now := time.Now()
	wait := minCallSpacing - now.Sub(last)
	if wait < 0 {
		wait = 0
	}
	c.lastCall[token] = now.Add(wait)
	c.mu.Unlock()

	if wait > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(wait):
		}
	}
}

func (c *Creator) postPage(ctx context.Context, token string, body []byte) (*CreatedTask, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/pages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create page request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Notion-Version", notionVersion)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, discussion.WrapTransient("call destination API", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, discussion.WrapTransient("read destination response", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, discussion.Transientf("destination API returned %d: %s", resp.StatusCode, snippet(respBody))
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, discussion.Configf("destination API rejected credentials: %d", resp.StatusCode)
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("destination API returned %d: %s", resp.StatusCode, snippet(respBody))
	}

	var parsed struct {
		ID  string `json:"id"`
		URL string `json:"url"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("decode destination response: %w", err)
	}
	if parsed.ID == "" {
		return nil, fmt.Errorf("destination response missing id")
	}

	return &CreatedTask{ID: parsed.ID, URL: parsed.URL}, nil
}

func snippet(body []byte) string {
	s := string(body)
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
