package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	apperrors "lead-router/internal/common/errors"
	"lead-router/internal/dedupe"
	"lead-router/internal/models"
	"lead-router/internal/rules"
)

// CreateWorkspace registers a source or destination workspace.
// POST /api/workspaces
func (h *Handlers) CreateWorkspace(w http.ResponseWriter, r *http.Request) {
	var ws models.Workspace
	if err := h.decodeJSON(r, &ws); err != nil {
		respondError(w, err)
		return
	}
	if err := h.store.CreateWorkspace(r.Context(), &ws); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, ws)
}

// GetWorkspace
// GET /api/workspaces/{id}
func (h *Handlers) GetWorkspace(w http.ResponseWriter, r *http.Request) {
	ws, err := h.store.GetWorkspace(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ws)
}

// CreateRule adds a routing rule. Conditions are validated before storing.
// POST /api/rules
func (h *Handlers) CreateRule(w http.ResponseWriter, r *http.Request) {
	var rule rules.Rule
	if err := h.decodeJSON(r, &rule); err != nil {
		respondError(w, err)
		return
	}
	if err := h.store.CreateRule(r.Context(), &rule); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, rule)
}

type ruleActiveRequest struct {
	Active *bool `json:"active" validate:"required"`
}

// SetRuleActive enables or disables a rule.
// PUT /api/rules/{id}/active
func (h *Handlers) SetRuleActive(w http.ResponseWriter, r *http.Request) {
	var req ruleActiveRequest
	if err := h.decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	id := mux.Vars(r)["id"]
	if err := h.store.SetRuleActive(r.Context(), id, *req.Active); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"id": id, "active": *req.Active})
}

// ListRules returns the active rules of a source workspace in match order.
// GET /api/workspaces/{id}/rules
func (h *Handlers) ListRules(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := h.store.GetWorkspace(r.Context(), id); err != nil {
		respondError(w, err)
		return
	}
	active, err := h.store.ListActiveRules(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	if active == nil {
		active = []rules.Rule{}
	}
	respondJSON(w, http.StatusOK, active)
}

type createLeadRequest struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspace_id" validate:"required"`
	Email       string `json:"email"`
	CompanyName string `json:"company_name"`
	Industry    string `json:"industry"`
	CompanySize string `json:"company_size"`
	Country     string `json:"country"`
	State       string `json:"state"`
	Region      string `json:"region"`
	// Route runs RouteLead right after the lead is stored.
	Route  bool   `json:"route"`
	UserID string `json:"user_id"`
}

type createLeadResponse struct {
	Lead   *models.Lead `json:"lead"`
	Result interface{}  `json:"routing,omitempty"`
}

// CreateLead stores a pending lead, deriving its dedupe hash from email and
// industry, and optionally routes it.
// POST /api/leads
func (h *Handlers) CreateLead(w http.ResponseWriter, r *http.Request) {
	var req createLeadRequest
	if err := h.decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	// Padded addresses are accepted; the dedupe hash ignores case and spacing.
	email := strings.TrimSpace(req.Email)
	if err := h.validate.Var(email, "omitempty,email"); err != nil {
		respondError(w, apperrors.ValidationError("invalid email: "+err.Error()))
		return
	}

	lead := &models.Lead{
		ID:          req.ID,
		WorkspaceID: req.WorkspaceID,
		Email:       email,
		CompanyName: req.CompanyName,
		Industry:    req.Industry,
		CompanySize: req.CompanySize,
		Country:     req.Country,
		State:       req.State,
		Region:      req.Region,
	}
	if lead.Email != "" {
		lead.DedupeHash = dedupe.Hash(lead.Email, lead.Industry, time.Now(), h.bucket)
	}
	if err := h.store.CreateLead(r.Context(), lead); err != nil {
		respondError(w, err)
		return
	}

	resp := createLeadResponse{Lead: lead}
	if req.Route {
		res := h.router.RouteLead(r.Context(), lead.ID, lead.WorkspaceID, req.UserID, -1)
		resp.Result = res
		if stored, err := h.store.GetLead(r.Context(), lead.ID); err == nil {
			resp.Lead = stored
		}
	}
	respondJSON(w, http.StatusCreated, resp)
}
