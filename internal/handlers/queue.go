package handlers

import (
	"fmt"
	"net/http"
	"strconv"

	apperrors "lead-router/internal/common/errors"
	"lead-router/internal/models"
)

// queryInt parses an optional integer query parameter within [min, max].
// A missing parameter returns 0.
func queryInt(r *http.Request, name string, min, max int) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < min || n > max {
		return 0, apperrors.ValidationError(fmt.Sprintf("%s must be an integer between %d and %d", name, min, max))
	}
	return n, nil
}

// ProcessQueue runs one retry pass.
// POST /api/queue/process?limit=<n>
func (h *Handlers) ProcessQueue(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 1, 1000)
	if err != nil {
		respondError(w, err)
		return
	}

	summary, err := h.processor.ProcessRetryQueue(r.Context(), limit)
	if err != nil {
		h.logger.Error("Retry pass failed", err)
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

type queueDepthResponse struct {
	Workspaces []models.QueueDepth `json:"workspaces"`
	Queued     int                 `json:"queued"`
	Processing int                 `json:"processing"`
	Stalled    int                 `json:"stalled"`
}

// GetQueueDepth reports open entries per workspace; ?workspace_id filters.
// GET /api/queue/depth
func (h *Handlers) GetQueueDepth(w http.ResponseWriter, r *http.Request) {
	depths, err := h.store.QueueDepth(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}

	filter := r.URL.Query().Get("workspace_id")
	resp := queueDepthResponse{Workspaces: make([]models.QueueDepth, 0, len(depths))}
	for _, d := range depths {
		if filter != "" && d.WorkspaceID != filter {
			continue
		}
		resp.Workspaces = append(resp.Workspaces, d)
		resp.Queued += d.Queued
		resp.Processing += d.Processing
		resp.Stalled += d.Stalled
	}
	respondJSON(w, http.StatusOK, resp)
}

// ListFailedJobs lists abandoned entries, newest first.
// GET /api/queue/failed?limit=<n>
func (h *Handlers) ListFailedJobs(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 1, 500)
	if err != nil {
		respondError(w, err)
		return
	}
	if limit == 0 {
		limit = 50
	}

	jobs, err := h.store.ListFailedJobs(r.Context(), limit)
	if err != nil {
		respondError(w, err)
		return
	}
	if jobs == nil {
		jobs = []models.FailedJob{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"results": jobs,
		"count":   len(jobs),
	})
}
