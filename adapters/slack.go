// Package adapters implements the source adapters: Slack channel threads,
// Figma file comments, and Notion page comments. Each adapter normalizes
// its source's webhook payloads and read API into the shared discussion
// model.
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
	"strconv"
	"strings"
	"time"

	"taskbridge/discussion"
)

const (
	defaultSlackAPIURL = "https://slack.com/api"
	slackPageLimit     = 200
)

// SlackAdapter handles chat threads from Slack workspaces.
type SlackAdapter struct {
	client *http.Client
	apiURL string
}

// NewSlackAdapter builds the adapter against the real Slack API.
func NewSlackAdapter() *SlackAdapter {
	return NewSlackAdapterWithURL(nil, defaultSlackAPIURL)
}

// NewSlackAdapterWithURL builds the adapter against an explicit endpoint.
// Used by tests.
func NewSlackAdapterWithURL(client *http.Client, apiURL string) *SlackAdapter {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &SlackAdapter{client: client, apiURL: strings.TrimSuffix(apiURL, "/")}
}

func (a *SlackAdapter) SourceType() discussion.SourceType { return discussion.SourceSlack }

type slackEventPayload struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge,omitempty"`
	TeamID    string `json:"team_id"`
	Event     struct {
		Type     string `json:"type"`
		Subtype  string `json:"subtype"`
		Channel  string `json:"channel"`
		User     string `json:"user"`
		BotID    string `json:"bot_id"`
		Text     string `json:"text"`
		TS       string `json:"ts"`
		ThreadTS string `json:"thread_ts"`
	} `json:"event"`
}

// ParseIncoming normalizes a Slack event-callback payload. The thread key
// is "channel:rootTS" so every reply in a thread and every redelivery of
// the same message land on the same discussion.
func (a *SlackAdapter) ParseIncoming(ctx context.Context, payload []byte, cfg *discussion.SourceConfig) (*discussion.ParsedDiscussion, error) {
	var evt slackEventPayload
	if err := json.Unmarshal(payload, &evt); err != nil {
		return nil, discussion.Malformedf("slack payload is not JSON: %v", err)
	}

	if evt.Type == "url_verification" {
		return nil, discussion.Malformedf("slack url_verification handshake, nothing to process")
	}
	if evt.Type != "event_callback" {
		return nil, discussion.Malformedf("unsupported slack payload type %q", evt.Type)
	}
	if evt.Event.Type != "message" {
		return nil, discussion.Malformedf("unsupported slack event type %q", evt.Event.Type)
	}
	if evt.Event.Subtype != "" || evt.Event.BotID != "" {
		// Edits, joins and bot chatter never start a pipeline run.
		return nil, discussion.Malformedf("ignoring slack message subtype %q", evt.Event.Subtype)
	}
	if evt.Event.Channel == "" || evt.Event.TS == "" {
		return nil, discussion.Malformedf("slack message missing channel or ts")
	}

	if cfg != nil {
		if keyword := strings.TrimSpace(cfg.Metadata["trigger_keyword"]); keyword != "" {
			if !strings.Contains(strings.ToLower(evt.Event.Text), strings.ToLower(keyword)) {
				return nil, discussion.Malformedf("slack message does not contain trigger keyword %q", keyword)
			}
		}
	}

	rootTS := evt.Event.ThreadTS
	if rootTS == "" {
		rootTS = evt.Event.TS
	}

	teamID := evt.TeamID
	if cfg != nil && cfg.TeamID != "" {
		teamID = cfg.TeamID
	}

	parsed := &discussion.ParsedDiscussion{
		SourceType:     discussion.SourceSlack,
		SourceThreadID: fmt.Sprintf("%s:%s", evt.Event.Channel, rootTS),
		SourceURL:      slackPermalink(cfg, evt.Event.Channel, rootTS),
		TeamID:         teamID,
		WorkspaceID:    evt.TeamID,
		AuthorHandle:   evt.Event.User,
		Title:          firstLine(evt.Event.Text),
		Content:        evt.Event.Text,
		Participants:   []string{evt.Event.User},
		Timestamp:      slackTime(evt.Event.TS),
		Metadata: map[string]string{
			"channel": evt.Event.Channel,
			"root_ts": rootTS,
		},
	}
	return parsed, nil
}

type slackRepliesResponse struct {
	OK       bool   `json:"ok"`
	Error    string `json:"error,omitempty"`
	Messages []struct {
		User string `json:"user"`
		Text string `json:"text"`
		TS   string `json:"ts"`
	} `json:"messages"`
	HasMore          bool `json:"has_more"`
	ResponseMetadata struct {
		NextCursor string `json:"next_cursor"`
	} `json:"response_metadata"`
}

// FetchThread reads the full thread via conversations.replies, paginating
// with cursors until complete and sorting chronologically, root first.
func (a *SlackAdapter) FetchThread(ctx context.Context, threadID string, cfg *discussion.SourceConfig) (*discussion.Thread, error) {
	channel, rootTS, ok := strings.Cut(threadID, ":")
	if !ok || channel == "" || rootTS == "" {
		return nil, discussion.Malformedf("slack thread id %q is not channel:ts", threadID)
	}

	type rawMsg struct {
		user, text, ts string
	}
	var all []rawMsg

	cursor := ""
	for {
		q := url.Values{}
		q.Set("channel", channel)
		q.Set("ts", rootTS)
		q.Set("limit", strconv.Itoa(slackPageLimit))
		if cursor != "" {
			q.Set("cursor", cursor)
		}

		var page slackRepliesResponse
		if err := a.get(ctx, cfg, "conversations.replies", q, &page); err != nil {
			return nil, err
		}
		if !page.OK {
			switch page.Error {
			case "thread_not_found", "channel_not_found", "message_not_found":
				return nil, discussion.NotFoundf("slack thread %s: %s", threadID, page.Error)
			case "ratelimited":
				return nil, discussion.Transientf("slack rate limited fetching %s", threadID)
			default:
				return nil, fmt.Errorf("slack conversations.replies failed: %s", page.Error)
			}
		}

		for _, m := range page.Messages {
			all = append(all, rawMsg{user: m.User, text: m.Text, ts: m.TS})
		}

		cursor = page.ResponseMetadata.NextCursor
		if !page.HasMore || cursor == "" {
			break
		}
	}

	if len(all) == 0 {
		return nil, discussion.NotFoundf("slack thread %s has no messages", threadID)
	}

	sort.Slice(all, func(i, j int) bool {
		return slackTSLess(all[i].ts, all[j].ts)
	})

	msgs := make([]discussion.Message, 0, len(all))
	participants := make([]string, 0, 4)
	seen := make(map[string]struct{})
	for _, m := range all {
		msgs = append(msgs, discussion.Message{
			ID:           m.ts,
			AuthorHandle: m.user,
			Content:      m.text,
			Timestamp:    slackTime(m.ts),
		})
		if m.user != "" {
			if _, ok := seen[m.user]; !ok {
				seen[m.user] = struct{}{}
				participants = append(participants, m.user)
			}
		}
	}

	return &discussion.Thread{
		ID:           threadID,
		RootMessage:  msgs[0],
		Replies:      msgs[1:],
		Participants: participants,
		Metadata:     map[string]string{"channel": channel},
	}, nil
}

// PostReply posts a threaded acknowledgment message. Best effort.
func (a *SlackAdapter) PostReply(ctx context.Context, threadID, message string, cfg *discussion.SourceConfig) bool {
	channel, rootTS, ok := strings.Cut(threadID, ":")
	if !ok {
		return false
	}

	var resp struct {
		OK    bool   `json:"ok"`
		Error string `json:"error,omitempty"`
	}
	err := a.post(ctx, cfg, "chat.postMessage", map[string]any{
		"channel":   channel,
		"thread_ts": rootTS,
		"text":      message,
	}, &resp)
	if err != nil {
		log.Printf("SlackAdapter: post reply to %s failed: %v", threadID, err)
		return false
	}
	if !resp.OK {
		log.Printf("SlackAdapter: post reply to %s rejected: %s", threadID, resp.Error)
	}
	return resp.OK
}

// UpdateStatus adds an emoji reaction on the root message. An
// already_reacted answer means the thread is already in the desired state,
// which counts as success.
func (a *SlackAdapter) UpdateStatus(ctx context.Context, threadID, status string, cfg *discussion.SourceConfig) bool {
	channel, rootTS, ok := strings.Cut(threadID, ":")
	if !ok {
		return false
	}

	var resp struct {
		OK    bool   `json:"ok"`
		Error string `json:"error,omitempty"`
	}
	err := a.post(ctx, cfg, "reactions.add", map[string]any{
		"channel":   channel,
		"timestamp": rootTS,
		"name":      statusEmoji(status),
	}, &resp)
	if err != nil {
		log.Printf("SlackAdapter: update status on %s failed: %v", threadID, err)
		return false
	}
	if resp.OK || resp.Error == "already_reacted" {
		return true
	}
	log.Printf("SlackAdapter: update status on %s rejected: %s", threadID, resp.Error)
	return false
}

// ValidateConfig checks the config shape without touching the network.
func (a *SlackAdapter) ValidateConfig(cfg *discussion.SourceConfig) discussion.ValidationResult {
	res := discussion.ValidationResult{Valid: true}
	if cfg == nil {
		return discussion.ValidationResult{Errors: []string{"config is required"}}
	}
	if cfg.SourceType != discussion.SourceSlack {
		res.Valid = false
		res.Errors = append(res.Errors, fmt.Sprintf("source type %q is not slack", cfg.SourceType))
	}
	if strings.TrimSpace(cfg.APIToken) == "" {
		res.Valid = false
		res.Errors = append(res.Errors, "api token is required")
	} else if !strings.HasPrefix(cfg.APIToken, "xoxb-") && !strings.HasPrefix(cfg.APIToken, "xoxp-") {
		res.Warnings = append(res.Warnings, "api token does not look like a Slack bot or user token")
	}
	return res
}

// TestConnection makes one auth.test call; any failure reads as false.
func (a *SlackAdapter) TestConnection(ctx context.Context, cfg *discussion.SourceConfig) bool {
	var resp struct {
		OK bool `json:"ok"`
	}
	if err := a.post(ctx, cfg, "auth.test", map[string]any{}, &resp); err != nil {
		return false
	}
	return resp.OK
}

func (a *SlackAdapter) get(ctx context.Context, cfg *discussion.SourceConfig, method string, q url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.apiURL+"/"+method+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("create slack request: %w", err)
	}
	return a.do(req, cfg, method, out)
}

func (a *SlackAdapter) post(ctx context.Context, cfg *discussion.SourceConfig, method string, body map[string]any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal slack request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.apiURL+"/"+method, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return a.do(req, cfg, method, out)
}

func (a *SlackAdapter) do(req *http.Request, cfg *discussion.SourceConfig, method string, out any) error {
	token := ""
	if cfg != nil {
		token = cfg.APIToken
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := a.client.Do(req)
	if err != nil {
		return discussion.WrapTransient("call slack "+method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return discussion.WrapTransient("read slack response", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return discussion.Transientf("slack %s returned %d", method, resp.StatusCode)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("slack %s returned %d", method, resp.StatusCode)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode slack %s response: %w", method, err)
	}
	return nil
}

// slackPermalink builds the archive deep link when the workspace domain is
// configured.
func slackPermalink(cfg *discussion.SourceConfig, channel, ts string) string {
	if cfg == nil {
		return ""
	}
	domain := strings.TrimSpace(cfg.Metadata["workspace_domain"])
	if domain == "" {
		return ""
	}
	return fmt.Sprintf("https://%s.slack.com/archives/%s/p%s", domain, channel, strings.ReplaceAll(ts, ".", ""))
}

// slackTime converts a Slack "seconds.micros" timestamp.
func slackTime(ts string) time.Time {
	f, err := strconv.ParseFloat(ts, 64)
	if err != nil {
		return time.Time{}
	}
	sec := int64(f)
	nsec := int64((f - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}

// slackTSLess compares Slack timestamps numerically; string compare fails
// across second-boundary widths.
func slackTSLess(a, b string) bool {
	fa, errA := strconv.ParseFloat(a, 64)
	fb, errB := strconv.ParseFloat(b, 64)
	if errA != nil || errB != nil {
		return a < b
	}
	return fa < fb
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 120 {
		s = s[:120]
	}
	return s
}

func statusEmoji(status string) string {
	switch status {
	case "completed":
		return "white_check_mark"
	case "failed":
		return "x"
	case "processing":
		return "hourglass_flowing_sand"
	default:
		return "eyes"
	}
}
