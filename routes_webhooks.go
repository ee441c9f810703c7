package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"taskbridge/discussion"
	"taskbridge/flows"
	"taskbridge/processor"
)

const maxWebhookBody = 1 << 20 // 1 MiB

type webhookHandler struct {
	registry *discussion.Registry
	flows    *flows.Registry
	proc     *processor.Processor
}

type webhookResponse struct {
	OK       bool   `json:"ok"`
	Accepted bool   `json:"accepted,omitempty"`
	Ignored  bool   `json:"ignored,omitempty"`
	Reason   string `json:"reason,omitempty"`
	ThreadID string `json:"thread_id,omitempty"`
}

func registerWebhookRoutes(r *mux.Router, registry *discussion.Registry, flowReg *flows.Registry, proc *processor.Processor) {
	h := &webhookHandler{registry: registry, flows: flowReg, proc: proc}
	r.HandleFunc("/webhooks/{source}", h.handleWebhook).Methods("POST")
}

// handleWebhook is the single inbound surface for all sources. Sources
// expect a fast 2xx; the pipeline run happens in a detached goroutine and
// its outcome lands in the record store, not in this response.
func (h *webhookHandler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	st := discussion.SourceType(mux.Vars(r)["source"])
	if !st.Valid() {
		http.Error(w, fmt.Sprintf("unknown source %q", st), http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	// Endpoint verification handshakes answer inline; they never reach the
	// pipeline.
	if handled := h.handleVerification(w, st, body); handled {
		return
	}

	adapter, err := h.registry.Get(st)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	teamID, workspaceID := peekIdentity(st, body)
	if override := strings.TrimSpace(r.URL.Query().Get("team")); override != "" {
		teamID = override
	}
	cfg, err := h.resolveSourceConfig(teamID, workspaceID, st)
	if err != nil {
		// Operator problem, not sender noise; the source may redeliver
		// once the flows are fixed.
		log.Printf("Webhook: resolve %s source config: %v", st, err)
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	parsed, err := adapter.ParseIncoming(r.Context(), body, cfg)
	if err != nil {
		switch discussion.KindOf(err) {
		case discussion.KindMalformedInput:
			// Pings, edits, bot chatter. Acknowledge so the source does not
			// redeliver.
			writeJSON(w, http.StatusOK, webhookResponse{OK: true, Ignored: true, Reason: err.Error()})
		case discussion.KindTransient:
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
		default:
			http.Error(w, err.Error(), http.StatusBadRequest)
		}
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if _, err := h.proc.Process(ctx, parsed); err != nil {
			log.Printf("Webhook: pipeline run for %s failed: %v", parsed.Key(), err)
		}
	}()

	writeJSON(w, http.StatusAccepted, webhookResponse{OK: true, Accepted: true, ThreadID: parsed.SourceThreadID})
}

// handleVerification answers source endpoint handshakes: Slack's
// url_verification challenge and Notion's verification token echo.
func (h *webhookHandler) handleVerification(w http.ResponseWriter, st discussion.SourceType, body []byte) bool {
	switch st {
	case discussion.SourceSlack:
		var probe struct {
			Type      string `json:"type"`
			Challenge string `json:"challenge"`
		}
		if err := json.Unmarshal(body, &probe); err == nil && probe.Type == "url_verification" {
			writeJSON(w, http.StatusOK, map[string]string{"challenge": probe.Challenge})
			return true
		}
	case discussion.SourceNotion:
		var probe struct {
			VerificationToken string `json:"verification_token"`
		}
		if err := json.Unmarshal(body, &probe); err == nil && probe.VerificationToken != "" {
			log.Printf("Webhook: notion verification token received: %s", probe.VerificationToken)
			writeJSON(w, http.StatusOK, map[string]string{"verification_token": probe.VerificationToken})
			return true
		}
	}
	return false
}

// peekIdentity extracts just enough tenant identity from the raw payload to
// pick a source config before full parsing. Figma payloads carry no team,
// so its identity comes from the flow scan or the team query parameter.
func peekIdentity(st discussion.SourceType, body []byte) (teamID, workspaceID string) {
	switch st {
	case discussion.SourceSlack:
		var probe struct {
			TeamID string `json:"team_id"`
		}
		if err := json.Unmarshal(body, &probe); err == nil {
			return probe.TeamID, probe.TeamID
		}
	case discussion.SourceNotion:
		var probe struct {
			WorkspaceID string `json:"workspace_id"`
		}
		if err := json.Unmarshal(body, &probe); err == nil {
			return probe.WorkspaceID, probe.WorkspaceID
		}
	}
	return "", ""
}

// resolveSourceConfig finds the source config for an inbound payload: flow
// lookup first, then the legacy path, then a scan for the only flow wired
// to this source kind (covers sources whose payloads carry no tenant id).
// Two or more flows on a tenant-less source cannot be told apart, so that
// is a configuration error unless the caller disambiguates with ?team=.
func (h *webhookHandler) resolveSourceConfig(teamID, workspaceID string, st discussion.SourceType) (*discussion.SourceConfig, error) {
	if flow := h.flows.Find(teamID, workspaceID, st); flow != nil {
		return flow.Input(st), nil
	}
	if teamID != "" {
		if legacy := h.flows.FindLegacy(teamID, st); legacy != nil {
			return &legacy.Source, nil
		}
	}

	var match *discussion.SourceConfig
	for _, f := range h.flows.Flows() {
		if cfg := f.Input(st); cfg != nil {
			if match != nil {
				return nil, discussion.Configf("multiple flows accept %s events and the payload names no team; disambiguate with the team query parameter", st)
			}
			match = cfg
		}
	}
	return match, nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
