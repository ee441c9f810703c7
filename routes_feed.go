package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"taskbridge/feed"
)

// The feed endpoints tail a team's pipeline stream so an operator can watch
// a discussion move through its stages live instead of polling the audit
// API. Both surfaces are read-only views over the same feed.Bus tail.

const feedRetryDelay = 300 * time.Millisecond

type feedHandler struct {
	bus *feed.Bus
}

func registerFeedRoutes(r *mux.Router, bus *feed.Bus) {
	h := &feedHandler{bus: bus}
	r.HandleFunc("/feed/stream", h.handleSSE).Methods("GET")
	r.HandleFunc("/feed/ws", h.handleWebSocket).Methods("GET")
}

// feedQuery is the common tail position: which team's stream, where to
// resume, and an optional single-thread filter.
type feedQuery struct {
	teamID   string
	afterID  string
	threadID string
}

func feedQueryFrom(r *http.Request) (feedQuery, error) {
	q := feedQuery{
		teamID:   strings.TrimSpace(r.URL.Query().Get("team")),
		afterID:  strings.TrimSpace(r.URL.Query().Get("after")),
		threadID: strings.TrimSpace(r.URL.Query().Get("thread_id")),
	}
	if q.teamID == "" {
		return q, fmt.Errorf("team parameter is required")
	}
	return q, nil
}

func (q feedQuery) wants(evt feed.Event) bool {
	return q.threadID == "" || evt.ThreadID == q.threadID
}

func (h *feedHandler) handleSSE(w http.ResponseWriter, r *http.Request) {
	if h.bus == nil {
		http.Error(w, "feed bus unavailable", http.StatusServiceUnavailable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	q, err := feedQueryFrom(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ctx := r.Context()
	keepalive := time.NewTicker(25 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			fmt.Fprintf(w, ": ping\n\n")
			flusher.Flush()
			continue
		default:
		}

		events, nextID, err := h.tail(ctx, &q)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Printf("Feed: tail %s: %v", q.teamID, err)
			time.Sleep(feedRetryDelay)
			continue
		}
		q.afterID = nextID

		for _, evt := range events {
			payload, err := json.Marshal(evt)
			if err != nil {
				log.Printf("Feed: encode event %s: %v", evt.ID, err)
				continue
			}
			fmt.Fprintf(w, "id: %s\n", evt.ID)
			fmt.Fprintf(w, "data: %s\n\n", payload)
		}
		if len(events) > 0 {
			flusher.Flush()
		}
	}
}

var feedUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Read-only stage events, no commands; any origin may watch.
		return true
	},
}

func (h *feedHandler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if h.bus == nil {
		http.Error(w, "feed bus unavailable", http.StatusServiceUnavailable)
		return
	}
	q, err := feedQueryFrom(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := feedUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx := r.Context()
	for {
		events, nextID, err := h.tail(ctx, &q)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			time.Sleep(feedRetryDelay)
			continue
		}
		q.afterID = nextID

		for _, evt := range events {
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		}
	}
}

// tail reads the next batch from the bus and drops events outside the
// query's thread filter.
func (h *feedHandler) tail(ctx context.Context, q *feedQuery) ([]feed.Event, string, error) {
	events, nextID, err := h.bus.Tail(ctx, q.teamID, q.afterID)
	if err != nil {
		return nil, "", err
	}
	kept := events[:0]
	for _, evt := range events {
		if q.wants(evt) {
			kept = append(kept, evt)
		}
	}
	return kept, nextID, nil
}
