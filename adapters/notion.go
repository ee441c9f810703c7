package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"taskbridge/discussion"
)

const (
	defaultNotionAPIURL = "https://api.notion.com/v1"
	notionAPIVersion    = "2022-06-28"
)

// NotionAdapter handles page-comment threads.
type NotionAdapter struct {
	client *http.Client
	apiURL string
}

// NewNotionAdapter builds the adapter against the real Notion API.
func NewNotionAdapter() *NotionAdapter {
	return NewNotionAdapterWithURL(nil, defaultNotionAPIURL)
}

// NewNotionAdapterWithURL builds the adapter against an explicit endpoint.
// Used by tests.
func NewNotionAdapterWithURL(client *http.Client, apiURL string) *NotionAdapter {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &NotionAdapter{client: client, apiURL: strings.TrimSuffix(apiURL, "/")}
}

func (a *NotionAdapter) SourceType() discussion.SourceType { return discussion.SourceNotion }

type notionWebhookPayload struct {
	Type              string `json:"type"`
	VerificationToken string `json:"verification_token,omitempty"`
	WorkspaceID       string `json:"workspace_id"`
	Entity            struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	} `json:"entity"`
	Data struct {
		PageID       string `json:"page_id"`
		DiscussionID string `json:"discussion_id"`
		CommentID    string `json:"id"`
	} `json:"data"`
	Timestamp string `json:"timestamp"`
}

// ParseIncoming normalizes a comment.created webhook. The webhook carries
// only identifiers, so the comment body is recovered from the comments API;
// a failure reaching it is transient and the source will redeliver.
func (a *NotionAdapter) ParseIncoming(ctx context.Context, payload []byte, cfg *discussion.SourceConfig) (*discussion.ParsedDiscussion, error) {
	var evt notionWebhookPayload
	if err := json.Unmarshal(payload, &evt); err != nil {
		return nil, discussion.Malformedf("notion payload is not JSON: %v", err)
	}

	if evt.VerificationToken != "" {
		return nil, discussion.Malformedf("notion verification handshake, nothing to process")
	}
	if evt.Type != "comment.created" {
		return nil, discussion.Malformedf("unsupported notion event type %q", evt.Type)
	}

	pageID := evt.Data.PageID
	if pageID == "" {
		pageID = evt.Entity.ID
	}
	if pageID == "" || evt.Data.DiscussionID == "" {
		return nil, discussion.Malformedf("notion comment event missing page or discussion id")
	}

	// The webhook has no comment text; pull the discussion to recover it.
	comments, err := a.listComments(ctx, cfg, pageID, evt.Data.DiscussionID)
	if err != nil {
		return nil, err
	}
	if len(comments) == 0 {
		return nil, discussion.Malformedf("notion discussion %s has no visible comments", evt.Data.DiscussionID)
	}

	root := comments[0]
	latest := comments[len(comments)-1]

	teamID := evt.WorkspaceID
	if cfg != nil && cfg.TeamID != "" {
		teamID = cfg.TeamID
	}

	ts, _ := time.Parse(time.RFC3339, evt.Timestamp)
	if ts.IsZero() {
		ts = latest.Timestamp
	}

	return &discussion.ParsedDiscussion{
		SourceType:     discussion.SourceNotion,
		SourceThreadID: fmt.Sprintf("%s:%s", pageID, evt.Data.DiscussionID),
		SourceURL:      fmt.Sprintf("https://www.notion.so/%s", strings.ReplaceAll(pageID, "-", "")),
		TeamID:         teamID,
		WorkspaceID:    evt.WorkspaceID,
		AuthorHandle:   latest.AuthorHandle,
		Title:          firstLine(root.Content),
		Content:        latest.Content,
		Participants:   participantsOf(comments),
		Timestamp:      ts,
		Metadata: map[string]string{
			"page_id":       pageID,
			"discussion_id": evt.Data.DiscussionID,
		},
	}, nil
}

// FetchThread reads the discussion's comments, paginating with start_cursor
// until complete and sorting by creation time.
func (a *NotionAdapter) FetchThread(ctx context.Context, threadID string, cfg *discussion.SourceConfig) (*discussion.Thread, error) {
	pageID, discussionID, ok := strings.Cut(threadID, ":")
	if !ok || pageID == "" || discussionID == "" {
		return nil, discussion.Malformedf("notion thread id %q is not pageID:discussionID", threadID)
	}

	msgs, err := a.listComments(ctx, cfg, pageID, discussionID)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, discussion.NotFoundf("notion thread %s has no comments", threadID)
	}

	return &discussion.Thread{
		ID:           threadID,
		RootMessage:  msgs[0],
		Replies:      msgs[1:],
		Participants: participantsOf(msgs),
		Metadata:     map[string]string{"page_id": pageID},
	}, nil
}

type notionComment struct {
	ID           string `json:"id"`
	DiscussionID string `json:"discussion_id"`
	CreatedTime  string `json:"created_time"`
	CreatedBy    struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"created_by"`
	RichText []struct {
		PlainText string `json:"plain_text"`
	} `json:"rich_text"`
}

type notionCommentsResponse struct {
	Results    []notionComment `json:"results"`
	HasMore    bool            `json:"has_more"`
	NextCursor string          `json:"next_cursor"`
}

func (a *NotionAdapter) listComments(ctx context.Context, cfg *discussion.SourceConfig, pageID, discussionID string) ([]discussion.Message, error) {
	var msgs []discussion.Message

	cursor := ""
	for {
		q := url.Values{}
		q.Set("block_id", pageID)
		if cursor != "" {
			q.Set("start_cursor", cursor)
		}

		var page notionCommentsResponse
		if err := a.do(ctx, cfg, http.MethodGet, "/comments?"+q.Encode(), nil, &page); err != nil {
			return nil, err
		}

		for _, c := range page.Results {
			if c.DiscussionID != discussionID {
				continue
			}
			var text strings.Builder
			for _, rt := range c.RichText {
				text.WriteString(rt.PlainText)
			}
			author := c.CreatedBy.Name
			if author == "" {
				author = c.CreatedBy.ID
			}
			ts, _ := time.Parse(time.RFC3339, c.CreatedTime)
			msgs = append(msgs, discussion.Message{
				ID:           c.ID,
				AuthorHandle: author,
				Content:      text.String(),
				Timestamp:    ts,
			})
		}

		if !page.HasMore || page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	sort.Slice(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
	return msgs, nil
}

// PostReply appends a comment to the discussion. Best effort.
func (a *NotionAdapter) PostReply(ctx context.Context, threadID, message string, cfg *discussion.SourceConfig) bool {
	_, discussionID, ok := strings.Cut(threadID, ":")
	if !ok {
		return false
	}

	body := map[string]any{
		"discussion_id": discussionID,
		"rich_text": []map[string]any{
			{"type": "text", "text": map[string]any{"content": message}},
		},
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := a.do(ctx, cfg, http.MethodPost, "/comments", body, &resp); err != nil {
		log.Printf("NotionAdapter: post reply to %s failed: %v", threadID, err)
		return false
	}
	return resp.ID != ""
}

// UpdateStatus appends a short status comment; Notion has no reaction API,
// so the indicator is a one-line reply. Best effort.
func (a *NotionAdapter) UpdateStatus(ctx context.Context, threadID, status string, cfg *discussion.SourceConfig) bool {
	return a.PostReply(ctx, threadID, notionStatusLine(status), cfg)
}

// ValidateConfig checks the config shape without touching the network.
func (a *NotionAdapter) ValidateConfig(cfg *discussion.SourceConfig) discussion.ValidationResult {
	res := discussion.ValidationResult{Valid: true}
	if cfg == nil {
		return discussion.ValidationResult{Errors: []string{"config is required"}}
	}
	if cfg.SourceType != discussion.SourceNotion {
		res.Valid = false
		res.Errors = append(res.Errors, fmt.Sprintf("source type %q is not notion", cfg.SourceType))
	}
	if strings.TrimSpace(cfg.APIToken) == "" {
		res.Valid = false
		res.Errors = append(res.Errors, "api token is required")
	} else if !strings.HasPrefix(cfg.APIToken, "secret_") && !strings.HasPrefix(cfg.APIToken, "ntn_") {
		res.Warnings = append(res.Warnings, "api token does not look like a Notion integration token")
	}
	return res
}

// TestConnection makes one /users/me call; any failure reads as false.
func (a *NotionAdapter) TestConnection(ctx context.Context, cfg *discussion.SourceConfig) bool {
	var resp struct {
		ID string `json:"id"`
	}
	if err := a.do(ctx, cfg, http.MethodGet, "/users/me", nil, &resp); err != nil {
		return false
	}
	return resp.ID != ""
}

func (a *NotionAdapter) do(ctx context.Context, cfg *discussion.SourceConfig, method, path string, body map[string]any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal notion request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.apiURL+path, reader)
	if err != nil {
		return fmt.Errorf("create notion request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Notion-Version", notionAPIVersion)
	if cfg != nil {
		req.Header.Set("Authorization", "Bearer "+cfg.APIToken)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return discussion.WrapTransient("call notion "+path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return discussion.WrapTransient("read notion response", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return discussion.Transientf("notion %s returned %d", path, resp.StatusCode)
	}
	if resp.StatusCode == http.StatusNotFound {
		return discussion.NotFoundf("notion %s returned 404", path)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notion %s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode notion %s response: %w", path, err)
	}
	return nil
}

func participantsOf(msgs []discussion.Message) []string {
	out := make([]string, 0, 4)
	seen := make(map[string]struct{})
	for _, m := range msgs {
		if m.AuthorHandle == "" {
			continue
		}
		if _, ok := seen[m.AuthorHandle]; ok {
			continue
		}
		seen[m.AuthorHandle] = struct{}{}
		out = append(out, m.AuthorHandle)
	}
	return out
}

func notionStatusLine(status string) string {
	switch status {
	case "completed":
		return "✅ Tasks created from this discussion."
	case "failed":
		return "❌ Could not process this discussion."
	default:
		return "👀 Processing this discussion."
	}
}
