package main

import (
	"net/http"

	"github.com/gorilla/mux"

	"taskbridge/store"
)

type auditHandler struct {
	records *store.RecordStore
}

func registerAuditRoutes(r *mux.Router, records *store.RecordStore) {
	h := &auditHandler{records: records}
	r.HandleFunc("/audit/teams/{team}/discussions", h.handleListDiscussions).Methods("GET")
	r.HandleFunc("/audit/teams/{team}/discussions/{thread}", h.handleGetDiscussion).Methods("GET")
	r.HandleFunc("/audit/jobs/{job}", h.handleGetJob).Methods("GET")
}

func (h *auditHandler) handleListDiscussions(w http.ResponseWriter, r *http.Request) {
	teamID := mux.Vars(r)["team"]

	discussions, err := h.records.ListDiscussions(r.Context(), teamID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"team_id":     teamID,
		"discussions": discussions,
		"count":       len(discussions),
	})
}

// handleGetDiscussion returns the full audit trail for one thread: the
// discussion record plus every run and every created destination item.
func (h *auditHandler) handleGetDiscussion(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	teamID := vars["team"]
	threadID := vars["thread"]

	disc, err := h.records.GetDiscussion(r.Context(), teamID, threadID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if disc == nil {
		http.Error(w, "discussion not found", http.StatusNotFound)
		return
	}

	jobs, err := h.records.ListJobs(r.Context(), disc.ID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	tasks, err := h.records.ListTasks(r.Context(), disc.ID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"discussion": disc,
		"jobs":       jobs,
		"tasks":      tasks,
	})
}

func (h *auditHandler) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["job"]

	job, err := h.records.GetJob(r.Context(), jobID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if job == nil {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, job)
}
