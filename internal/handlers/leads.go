package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	apperrors "lead-router/internal/common/errors"
	"lead-router/internal/routing"
)

type routeLeadRequest struct {
	SourceWorkspaceID string `json:"source_workspace_id" validate:"required"`
	UserID            string `json:"user_id"`
	// MaxRetries defaults to the router configuration when omitted.
	MaxRetries *int `json:"max_retries" validate:"omitempty,min=0,max=20"`
}

func (r routeLeadRequest) retries() int {
	if r.MaxRetries == nil {
		return -1
	}
	return *r.MaxRetries
}

type bulkRouteRequest struct {
	LeadIDs []string `json:"lead_ids" validate:"required,min=1,max=500,dive,required"`
	routeLeadRequest
}

// resultStatus maps a routing outcome to an HTTP status. Routed and
// duplicate are both 200; a queued failure is accepted for later.
func resultStatus(res routing.RoutingResult) int {
	switch {
	case res.Resolved():
		return http.StatusOK
	case res.Queued:
		return http.StatusAccepted
	default:
		return statusForKind(res.ErrorKind)
	}
}

// RouteLead routes one lead
// POST /api/leads/{id}/route
func (h *Handlers) RouteLead(w http.ResponseWriter, r *http.Request) {
	leadID := mux.Vars(r)["id"]

	var req routeLeadRequest
	if err := h.decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}

	res := h.router.RouteLead(r.Context(), leadID, req.SourceWorkspaceID, req.UserID, req.retries())
	respondJSON(w, resultStatus(res), res)
}

// RouteLeads routes a batch of leads from one source workspace
// POST /api/leads/route
func (h *Handlers) RouteLeads(w http.ResponseWriter, r *http.Request) {
	var req bulkRouteRequest
	if err := h.decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}

	out := h.router.RouteLeads(r.Context(), req.LeadIDs, req.SourceWorkspaceID, req.UserID, req.retries())
	respondJSON(w, http.StatusOK, out)
}

// GetRoutingStats summarizes routing for a workspace. The window is set by
// ?since=<RFC3339> or ?days=<n>, defaulting to 30 days.
// GET /api/workspaces/{id}/routing-stats
func (h *Handlers) GetRoutingStats(w http.ResponseWriter, r *http.Request) {
	since, err := parseSince(r, time.Now())
	if err != nil {
		respondError(w, err)
		return
	}

	stats, err := h.router.Stats(r.Context(), mux.Vars(r)["id"], since)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func parseSince(r *http.Request, now time.Time) (time.Time, error) {
	q := r.URL.Query()
	if s := q.Get("since"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return time.Time{}, apperrors.ValidationError("since must be an RFC3339 timestamp")
		}
		return t, nil
	}
	days := 30
	if s := q.Get("days"); s != "" {
		n, err := queryInt(r, "days", 1, 3650)
		if err != nil {
			return time.Time{}, err
		}
		days = n
	}
	return now.AddDate(0, 0, -days), nil
}
