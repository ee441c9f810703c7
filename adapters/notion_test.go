package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"taskbridge/discussion"
)

func notionConfig() *discussion.SourceConfig {
	return &discussion.SourceConfig{
		SourceType: discussion.SourceNotion,
		TeamID:     "T1",
		APIToken:   "secret_test",
	}
}

func notionEvent(overrides map[string]any) []byte {
	payload := map[string]any{
		"type":         "comment.created",
		"workspace_id": "W1",
		"entity":       map[string]any{"id": "page-1", "type": "page"},
		"data": map[string]any{
			"page_id":       "page-1",
			"discussion_id": "d-1",
			"id":            "comment-2",
		},
		"timestamp": "2026-08-20T10:00:00Z",
	}
	for k, v := range overrides {
		payload[k] = v
	}
	data, _ := json.Marshal(payload)
	return data
}

func notionCommentsBody(comments ...map[string]any) string {
	body, _ := json.Marshal(map[string]any{
		"results":  comments,
		"has_more": false,
	})
	return string(body)
}

func notionCommentJSON(id, discussionID, author, text, created string) map[string]any {
	return map[string]any{
		"id":            id,
		"discussion_id": discussionID,
		"created_time":  created,
		"created_by":    map[string]any{"id": "u-" + author, "name": author},
		"rich_text":     []map[string]any{{"plain_text": text}},
	}
}

func TestNotionParseIncomingRecoversCommentBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/comments", r.URL.Path)
		require.Equal(t, "Bearer secret_test", r.Header.Get("Authorization"))
		require.Equal(t, "page-1", r.URL.Query().Get("block_id"))
		fmt.Fprint(w, notionCommentsBody(
			notionCommentJSON("comment-1", "d-1", "ava", "we need a faster onboarding flow", "2026-08-20T09:00:00Z"),
			notionCommentJSON("comment-2", "d-1", "ben", "agreed, let's scope it", "2026-08-20T10:00:00Z"),
			notionCommentJSON("comment-9", "d-other", "zoe", "different discussion", "2026-08-20T09:30:00Z"),
		))
	}))
	defer server.Close()

	a := NewNotionAdapterWithURL(server.Client(), server.URL)
	parsed, err := a.ParseIncoming(context.Background(), notionEvent(nil), notionConfig())
	require.NoError(t, err)
	require.Equal(t, discussion.SourceNotion, parsed.SourceType)
	require.Equal(t, "page-1:d-1", parsed.SourceThreadID)
	require.Equal(t, "T1", parsed.TeamID)
	require.Equal(t, "W1", parsed.WorkspaceID)
	require.Equal(t, "ben", parsed.AuthorHandle, "latest comment authors the event")
	require.Equal(t, "agreed, let's scope it", parsed.Content)
	require.Equal(t, "we need a faster onboarding flow", parsed.Title)
	require.Equal(t, []string{"ava", "ben"}, parsed.Participants)
}

func TestNotionParseIncomingRejectsNoise(t *testing.T) {
	a := NewNotionAdapter()

	tests := []struct {
		name    string
		payload []byte
	}{
		{"not json", []byte("nope")},
		{"verification handshake", []byte(`{"verification_token": "tok"}`)},
		{"other event", notionEvent(map[string]any{"type": "page.updated"})},
		{"missing discussion id", notionEvent(map[string]any{"data": map[string]any{"page_id": "page-1"}})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.ParseIncoming(context.Background(), tt.payload, notionConfig())
			require.Error(t, err)
			require.Equal(t, discussion.KindMalformedInput, discussion.KindOf(err))
		})
	}
}

func TestNotionParseIncomingAPIFailureIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	a := NewNotionAdapterWithURL(server.Client(), server.URL)
	_, err := a.ParseIncoming(context.Background(), notionEvent(nil), notionConfig())
	require.Error(t, err)
	require.Equal(t, discussion.KindTransient, discussion.KindOf(err))
}

func TestNotionFetchThreadPaginates(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		if calls == 1 {
			body, _ := json.Marshal(map[string]any{
				"results":     []map[string]any{notionCommentJSON("comment-2", "d-1", "ben", "second", "2026-08-20T10:00:00Z")},
				"has_more":    true,
				"next_cursor": "cur1",
			})
			w.Write(body)
			return
		}
		require.Equal(t, "cur1", r.URL.Query().Get("start_cursor"))
		fmt.Fprint(w, notionCommentsBody(
			notionCommentJSON("comment-1", "d-1", "ava", "first", "2026-08-20T09:00:00Z"),
		))
	}))
	defer server.Close()

	a := NewNotionAdapterWithURL(server.Client(), server.URL)
	thread, err := a.FetchThread(context.Background(), "page-1:d-1", notionConfig())
	require.NoError(t, err)
	require.Equal(t, 2, calls)
	require.Equal(t, 2, thread.MessageCount())
	require.Equal(t, "first", thread.RootMessage.Content)
	require.Equal(t, "second", thread.Replies[0].Content)
}

func TestNotionFetchThreadMalformedKey(t *testing.T) {
	a := NewNotionAdapter()
	_, err := a.FetchThread(context.Background(), "no-separator", notionConfig())
	require.Error(t, err)
	require.Equal(t, discussion.KindMalformedInput, discussion.KindOf(err))
}

func TestNotionFetchThreadEmptyIsNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, notionCommentsBody())
	}))
	defer server.Close()

	a := NewNotionAdapterWithURL(server.Client(), server.URL)
	_, err := a.FetchThread(context.Background(), "page-1:d-1", notionConfig())
	require.Error(t, err)
	require.Equal(t, discussion.KindNotFound, discussion.KindOf(err))
}

func TestNotionPostReplyTargetsDiscussion(t *testing.T) {
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/comments", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Write([]byte(`{"id": "comment-10"}`))
	}))
	defer server.Close()

	a := NewNotionAdapterWithURL(server.Client(), server.URL)
	require.True(t, a.PostReply(context.Background(), "page-1:d-1", "tracked", notionConfig()))
	require.Equal(t, "d-1", gotBody["discussion_id"])
}

func TestNotionValidateConfig(t *testing.T) {
	a := NewNotionAdapter()

	res := a.ValidateConfig(notionConfig())
	require.True(t, res.Valid)

	res = a.ValidateConfig(&discussion.SourceConfig{SourceType: discussion.SourceNotion, APIToken: "ntn_abc"})
	require.True(t, res.Valid)
	require.Empty(t, res.Warnings)

	res = a.ValidateConfig(&discussion.SourceConfig{SourceType: discussion.SourceNotion})
	require.False(t, res.Valid)
}
