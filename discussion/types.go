package discussion

import (
	"fmt"
	"time"
)

// SourceType identifies the kind of upstream a discussion came from.
type SourceType string

const (
	SourceSlack  SourceType = "slack"
	SourceFigma  SourceType = "figma"
	SourceNotion SourceType = "notion"
)

// Valid reports whether the source type is one of the known kinds.
func (s SourceType) Valid() bool {
	switch s {
	case SourceSlack, SourceFigma, SourceNotion:
		return true
	}
	return false
}

// ParsedDiscussion is the normalized form of one inbound discussion event.
// Adapters produce it from a raw webhook payload; the processor consumes it
// exactly once. SourceThreadID is a deterministic composite key (for example
// "C1:100.1" for Slack or "fileKey:commentID" for Figma) so repeated
// deliveries of the same logical event collide on the same key.
type ParsedDiscussion struct {
	SourceType     SourceType        `json:"source_type"`
	SourceThreadID string            `json:"source_thread_id"`
	SourceURL      string            `json:"source_url,omitempty"`
	TeamID         string            `json:"team_id"`
	WorkspaceID    string            `json:"workspace_id,omitempty"`
	AuthorHandle   string            `json:"author_handle"`
	Title          string            `json:"title"`
	Content        string            `json:"content"`
	Participants   []string          `json:"participants"`
	Timestamp      time.Time         `json:"timestamp"`
	Metadata       map[string]string `json:"metadata,omitempty"`

	// Thread carries a prefetched thread when the inbound payload already
	// contained the full conversation. When nil the processor asks the
	// adapter to fetch it.
	Thread *Thread `json:"thread,omitempty"`
}

// Key returns the (teamID, sourceThreadID) composite identifying this
// discussion across deliveries.
func (p *ParsedDiscussion) Key() string {
	return fmt.Sprintf("%s:%s", p.TeamID, p.SourceThreadID)
}

// Message is a single message within a discussion thread.
type Message struct {
	ID           string    `json:"id"`
	AuthorHandle string    `json:"author_handle"`
	Content      string    `json:"content"`
	Timestamp    time.Time `json:"timestamp"`
}

// Thread is a fully fetched discussion thread: root message first, replies
// in chronological order. Threads are fetched fresh per processing attempt,
// never cached.
type Thread struct {
	ID           string            `json:"id"`
	RootMessage  Message           `json:"root_message"`
	Replies      []Message         `json:"replies"`
	Participants []string          `json:"participants"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// MessageCount returns the total number of messages including the root.
func (t *Thread) MessageCount() int {
	if t == nil {
		return 0
	}
	return 1 + len(t.Replies)
}

// AllMessages returns the root plus replies as one chronological slice.
func (t *Thread) AllMessages() []Message {
	if t == nil {
		return nil
	}
	out := make([]Message, 0, 1+len(t.Replies))
	out = append(out, t.RootMessage)
	out = append(out, t.Replies...)
	return out
}
