package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sort"
	"strings"
	"time"

	"taskbridge/discussion"
)

const defaultFigmaAPIURL = "https://api.figma.com/v1"

// FigmaAdapter handles design-file comment threads.
type FigmaAdapter struct {
	client *http.Client
	apiURL string
}

// NewFigmaAdapter builds the adapter against the real Figma API.
func NewFigmaAdapter() *FigmaAdapter {
	return NewFigmaAdapterWithURL(nil, defaultFigmaAPIURL)
}

// NewFigmaAdapterWithURL builds the adapter against an explicit endpoint.
// Used by tests.
func NewFigmaAdapterWithURL(client *http.Client, apiURL string) *FigmaAdapter {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &FigmaAdapter{client: client, apiURL: strings.TrimSuffix(apiURL, "/")}
}

func (a *FigmaAdapter) SourceType() discussion.SourceType { return discussion.SourceFigma }

type figmaWebhookPayload struct {
	EventType string `json:"event_type"`
	FileKey   string `json:"file_key"`
	FileName  string `json:"file_name"`
	CommentID string `json:"comment_id"`
	ParentID  string `json:"parent_id"`
	Comment   []struct {
		Text string `json:"text"`
	} `json:"comment"`
	TriggeredBy struct {
		Handle string `json:"handle"`
	} `json:"triggered_by"`
	Timestamp string `json:"timestamp"`
}

// ParseIncoming normalizes a FILE_COMMENT webhook. The thread key is
// "fileKey:rootCommentID" where the root is the parent comment when the
// event is a reply, so replies collapse onto the root discussion.
func (a *FigmaAdapter) ParseIncoming(ctx context.Context, payload []byte, cfg *discussion.SourceConfig) (*discussion.ParsedDiscussion, error) {
	var evt figmaWebhookPayload
	if err := json.Unmarshal(payload, &evt); err != nil {
		return nil, discussion.Malformedf("figma payload is not JSON: %v", err)
	}

	if evt.EventType == "PING" {
		return nil, discussion.Malformedf("figma webhook ping, nothing to process")
	}
	if evt.EventType != "FILE_COMMENT" {
		return nil, discussion.Malformedf("unsupported figma event type %q", evt.EventType)
	}
	if evt.FileKey == "" {
		return nil, discussion.Malformedf("figma comment event missing file_key")
	}
	if evt.CommentID == "" {
		return nil, discussion.Malformedf("figma comment event missing comment_id")
	}

	rootID := evt.ParentID
	if rootID == "" {
		rootID = evt.CommentID
	}

	var content strings.Builder
	for _, frag := range evt.Comment {
		content.WriteString(frag.Text)
	}

	teamID := ""
	if cfg != nil {
		teamID = cfg.TeamID
	}

	ts, _ := time.Parse(time.RFC3339, evt.Timestamp)

	return &discussion.ParsedDiscussion{
		SourceType:     discussion.SourceFigma,
		SourceThreadID: fmt.Sprintf("%s:%s", evt.FileKey, rootID),
		SourceURL:      fmt.Sprintf("https://www.figma.com/file/%s", evt.FileKey),
		TeamID:         teamID,
		AuthorHandle:   evt.TriggeredBy.Handle,
		Title:          fmt.Sprintf("Comment on %s", evt.FileName),
		Content:        content.String(),
		Participants:   []string{evt.TriggeredBy.Handle},
		Timestamp:      ts,
		Metadata: map[string]string{
			"file_key":  evt.FileKey,
			"file_name": evt.FileName,
			"root_id":   rootID,
		},
	}, nil
}

type figmaComment struct {
	ID       string `json:"id"`
	ParentID string `json:"parent_id"`
	Message  string `json:"message"`
	User     struct {
		Handle string `json:"handle"`
	} `json:"user"`
	CreatedAt time.Time `json:"created_at"`
}

type figmaCommentsResponse struct {
	Comments []figmaComment `json:"comments"`
}

// FetchThread reads the file's comment list and filters it down to the
// root comment and its replies, sorted by creation time. Figma returns the
// whole comment set in one response; there is no cursor to follow.
func (a *FigmaAdapter) FetchThread(ctx context.Context, threadID string, cfg *discussion.SourceConfig) (*discussion.Thread, error) {
	fileKey, rootID, ok := strings.Cut(threadID, ":")
	if !ok || fileKey == "" || rootID == "" {
		return nil, discussion.Malformedf("figma thread id %q is not fileKey:commentID", threadID)
	}

	var resp figmaCommentsResponse
	if err := a.do(ctx, cfg, http.MethodGet, fmt.Sprintf("/files/%s/comments", fileKey), nil, &resp); err != nil {
		return nil, err
	}

	var thread []figmaComment
	for _, c := range resp.Comments {
		if c.ID == rootID || c.ParentID == rootID {
			thread = append(thread, c)
		}
	}
	if len(thread) == 0 {
		return nil, discussion.NotFoundf("figma thread %s has no comments", threadID)
	}

	sort.Slice(thread, func(i, j int) bool {
		if thread[i].ID == rootID {
			return true
		}
		if thread[j].ID == rootID {
			return false
		}
		return thread[i].CreatedAt.Before(thread[j].CreatedAt)
	})

	msgs := make([]discussion.Message, 0, len(thread))
	participants := make([]string, 0, 4)
	seen := make(map[string]struct{})
	for _, c := range thread {
		msgs = append(msgs, discussion.Message{
			ID:           c.ID,
			AuthorHandle: c.User.Handle,
			Content:      c.Message,
			Timestamp:    c.CreatedAt,
		})
		if c.User.Handle != "" {
			if _, ok := seen[c.User.Handle]; !ok {
				seen[c.User.Handle] = struct{}{}
				participants = append(participants, c.User.Handle)
			}
		}
	}

	return &discussion.Thread{
		ID:           threadID,
		RootMessage:  msgs[0],
		Replies:      msgs[1:],
		Participants: participants,
		Metadata:     map[string]string{"file_key": fileKey},
	}, nil
}

// PostReply adds a reply comment under the thread root. Best effort.
func (a *FigmaAdapter) PostReply(ctx context.Context, threadID, message string, cfg *discussion.SourceConfig) bool {
	fileKey, rootID, ok := strings.Cut(threadID, ":")
	if !ok {
		return false
	}

	body := map[string]any{
		"message":    message,
		"comment_id": rootID,
	}
	var resp figmaComment
	if err := a.do(ctx, cfg, http.MethodPost, fmt.Sprintf("/files/%s/comments", fileKey), body, &resp); err != nil {
		log.Printf("FigmaAdapter: post reply to %s failed: %v", threadID, err)
		return false
	}
	return true
}

// UpdateStatus adds an emoji reaction on the root comment. A duplicate
// reaction response means the comment is already in the desired state.
func (a *FigmaAdapter) UpdateStatus(ctx context.Context, threadID, status string, cfg *discussion.SourceConfig) bool {
	_, rootID, ok := strings.Cut(threadID, ":")
	if !ok {
		return false
	}

	body := map[string]any{"emoji": figmaStatusEmoji(status)}
	err := a.do(ctx, cfg, http.MethodPost, fmt.Sprintf("/comments/%s/reactions", rootID), body, &struct{}{})
	if err != nil {
		if strings.Contains(err.Error(), "already") {
			return true
		}
		log.Printf("FigmaAdapter: update status on %s failed: %v", threadID, err)
		return false
	}
	return true
}

// ValidateConfig checks the config shape without touching the network.
func (a *FigmaAdapter) ValidateConfig(cfg *discussion.SourceConfig) discussion.ValidationResult {
	res := discussion.ValidationResult{Valid: true}
	if cfg == nil {
		return discussion.ValidationResult{Errors: []string{"config is required"}}
	}
	if cfg.SourceType != discussion.SourceFigma {
		res.Valid = false
		res.Errors = append(res.Errors, fmt.Sprintf("source type %q is not figma", cfg.SourceType))
	}
	if strings.TrimSpace(cfg.APIToken) == "" {
		res.Valid = false
		res.Errors = append(res.Errors, "api token is required")
	} else if !strings.HasPrefix(cfg.APIToken, "figd_") {
		res.Warnings = append(res.Warnings, "api token does not look like a Figma personal access token")
	}
	return res
}

// TestConnection makes one /me call; any failure reads as false.
func (a *FigmaAdapter) TestConnection(ctx context.Context, cfg *discussion.SourceConfig) bool {
	var resp struct {
		ID string `json:"id"`
	}
	if err := a.do(ctx, cfg, http.MethodGet, "/me", nil, &resp); err != nil {
		return false
	}
	return resp.ID != ""
}

func (a *FigmaAdapter) do(ctx context.Context, cfg *discussion.SourceConfig, method, path string, body map[string]any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal figma request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.apiURL+path, reader)
	if err != nil {
		return fmt.Errorf("create figma request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if cfg != nil {
		req.Header.Set("X-Figma-Token", cfg.APIToken)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return discussion.WrapTransient("call figma "+path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return discussion.WrapTransient("read figma response", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return discussion.Transientf("figma %s returned %d", path, resp.StatusCode)
	}
	if resp.StatusCode == http.StatusNotFound {
		return discussion.NotFoundf("figma %s returned 404", path)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("figma %s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode figma %s response: %w", path, err)
	}
	return nil
}

func figmaStatusEmoji(status string) string {
	switch status {
	case "completed":
		return ":white_check_mark:"
	case "failed":
		return ":x:"
	default:
		return ":eyes:"
	}
}
