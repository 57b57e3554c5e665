package handler

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// AssignLeadRequest is the body of POST /api/units/{unitId}/assign.
type AssignLeadRequest struct {
	LeadID               string  `json:"leadId" validate:"required"`
	PreviousOwnerAgentID *string `json:"previousOwnerAgentId,omitempty"`
}

// ReorderRequest is the body of PUT /api/units/{unitId}/rotation.
type ReorderRequest struct {
	AgentIDs []string `json:"agentIds" validate:"required,min=1,unique,dive,required"`
}

// ResyncRequest is the optional body of POST /api/units/{unitId}/resync.
// Without agentIds the unit is resynced against the agent directory.
type ResyncRequest struct {
	AgentIDs []string `json:"agentIds,omitempty" validate:"omitempty,dive,required"`
}

// ToggleResponse reports a member's participation after a toggle.
type ToggleResponse struct {
	UnitID           string `json:"unitId"`
	AgentID          string `json:"agentId"`
	ActiveInRotation bool   `json:"activeInRotation"`
}

// AssignLead distributes a lead to the unit's next eligible agent.
// POST /api/units/{unitId}/assign
func (h *Handler) AssignLead(w http.ResponseWriter, r *http.Request) {
	unitID := chi.URLParam(r, "unitId")

	var req AssignLeadRequest
	if err := h.DecodeJSON(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	assignment, err := h.distribution.AssignLead(r.Context(), unitID, req.LeadID, req.PreviousOwnerAgentID)
	if err != nil {
		h.assignError(w, r, err)
		return
	}

	status := http.StatusCreated
	if assignment.Replayed {
		status = http.StatusOK
	}
	h.JSON(w, status, assignment)
}

// GetRotation returns the unit's rotation.
// GET /api/units/{unitId}/rotation
func (h *Handler) GetRotation(w http.ResponseWriter, r *http.Request) {
	view, err := h.rotation.GetRotation(r.Context(), chi.URLParam(r, "unitId"))
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, view)
}

// ReorderRotation replaces the unit's active ordering.
// PUT /api/units/{unitId}/rotation
func (h *Handler) ReorderRotation(w http.ResponseWriter, r *http.Request) {
	var req ReorderRequest
	if err := h.DecodeJSON(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	view, err := h.rotation.Reorder(r.Context(), chi.URLParam(r, "unitId"), req.AgentIDs)
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, view)
}

// ToggleMember flips one member's participation in the rotation.
// PATCH /api/units/{unitId}/rotation/{agentId}/toggle
func (h *Handler) ToggleMember(w http.ResponseWriter, r *http.Request) {
	unitID := chi.URLParam(r, "unitId")
	agentID := chi.URLParam(r, "agentId")

	active, err := h.rotation.ToggleActive(r.Context(), unitID, agentID)
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, ToggleResponse{UnitID: unitID, AgentID: agentID, ActiveInRotation: active})
}

// ResyncRotation reconciles the unit's memberships with the directory.
// POST /api/units/{unitId}/resync
func (h *Handler) ResyncRotation(w http.ResponseWriter, r *http.Request) {
	unitID := chi.URLParam(r, "unitId")

	var req ResyncRequest
	if err := h.DecodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		h.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	var err error
	var added, removed int
	if req.AgentIDs != nil {
		res, rerr := h.rotation.Resync(r.Context(), unitID, req.AgentIDs)
		added, removed, err = res.Added, res.Removed, rerr
	} else {
		res, rerr := h.rotation.ResyncFromDirectory(r.Context(), unitID)
		added, removed, err = res.Added, res.Removed, rerr
	}
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, map[string]any{"unitId": unitID, "added": added, "removed": removed})
}

// ListLogs returns a page of the unit's distribution log, newest first.
// GET /api/units/{unitId}/logs?limit=&offset=
func (h *Handler) ListLogs(w http.ResponseWriter, r *http.Request) {
	limit, ok := h.queryInt(w, r, "limit")
	if !ok {
		return
	}
	offset, ok := h.queryInt(w, r, "offset")
	if !ok {
		return
	}

	page, err := h.distribution.ListLogs(r.Context(), chi.URLParam(r, "unitId"), limit, offset)
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, page)
}

// GetLoad reports how recent leads were spread across active agents.
// GET /api/units/{unitId}/load?window=
func (h *Handler) GetLoad(w http.ResponseWriter, r *http.Request) {
	window, ok := h.queryInt(w, r, "window")
	if !ok {
		return
	}

	summary, err := h.distribution.LoadSummary(r.Context(), chi.URLParam(r, "unitId"), window)
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, summary)
}

// ListUnitAbsences lists the unit's absences, optionally for one agent.
// GET /api/units/{unitId}/absences?agentId=
func (h *Handler) ListUnitAbsences(w http.ResponseWriter, r *http.Request) {
	absences, err := h.absence.ListAbsences(r.Context(), chi.URLParam(r, "unitId"), r.URL.Query().Get("agentId"))
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, map[string]any{"absences": absences})
}

// queryInt parses an optional integer query parameter. A missing value is 0.
func (h *Handler) queryInt(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		h.Error(w, http.StatusBadRequest, "invalid "+name+" parameter")
		return 0, false
	}
	return v, true
}
