// Package feed publishes pipeline stage events to a per-team Redis stream
// so operators can watch a discussion move through the pipeline live,
// without log access.
package feed

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	streamKeyFormat   = "team:%s:pipeline"
	defaultBlock      = 5 * time.Second
	defaultBatchCount = 50
	maxStreamLen      = 5000
)

// Event is one pipeline stage transition as seen on the feed.
type Event struct {
	ID       string         `json:"id"`
	Stream   string         `json:"stream"`
	TeamID   string         `json:"team_id"`
	ThreadID string         `json:"thread_id"`
	Stage    string         `json:"stage"`
	Values   map[string]any `json:"values"`
}

// Bus provides typed helpers for the per-team pipeline stream.
type Bus struct {
	client *redis.Client
}

func NewBus(client *redis.Client) *Bus {
	return &Bus{client: client}
}

// StreamKey returns the canonical pipeline stream key for a team.
func StreamKey(teamID string) string {
	return fmt.Sprintf(streamKeyFormat, teamID)
}

// Publish appends a stage event for a discussion, attaching a ts if the
// caller didn't. Feed publishing is best effort: callers log and continue
// on error.
func (b *Bus) Publish(ctx context.Context, teamID, threadID, stage string, values map[string]any) (string, error) {
	if b == nil || b.client == nil {
		return "", fmt.Errorf("feed bus not configured")
	}

	if values == nil {
		values = make(map[string]any)
	}
	values["stage"] = stage
	values["thread_id"] = threadID
	if _, ok := values["ts"]; !ok {
		values["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	}

	return b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKey(teamID),
		MaxLen: maxStreamLen,
		Approx: true,
		Values: values,
	}).Result()
}

// Tail blocks for new events after afterID and returns them with the latest
// ID observed.
func (b *Bus) Tail(ctx context.Context, teamID, afterID string) ([]Event, string, error) {
	if b == nil || b.client == nil {
		return nil, afterID, fmt.Errorf("feed bus not configured")
	}

	if strings.TrimSpace(afterID) == "" {
		afterID = "$"
	}

	res, err := b.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{StreamKey(teamID), afterID},
		Count:   defaultBatchCount,
		Block:   defaultBlock,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, afterID, nil
		}
		return nil, afterID, err
	}

	events := make([]Event, 0)
	nextID := afterID

	for _, stream := range res {
		for _, msg := range stream.Messages {
			values := make(map[string]any, len(msg.Values))
			for k, v := range msg.Values {
				values[k] = v
			}
			events = append(events, Event{
				ID:       msg.ID,
				Stream:   stream.Stream,
				TeamID:   teamIDFromStream(stream.Stream),
				ThreadID: stringVal(values["thread_id"]),
				Stage:    stringVal(values["stage"]),
				Values:   values,
			})
			nextID = msg.ID
		}
	}

	return events, nextID, nil
}

func stringVal(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case []byte:
		return string(val)
	default:
		return ""
	}
}

func teamIDFromStream(stream string) string {
	parts := strings.Split(stream, ":")
	if len(parts) >= 2 {
		return parts[1]
	}
	return ""
}
