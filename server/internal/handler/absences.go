package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/obot-platform/leadqueue/server/internal/service"
)

// CreateAbsenceRequest is the body of POST /api/absences. Omitting end
// keeps the agent absent until the absence is removed.
type CreateAbsenceRequest struct {
	AgentID string     `json:"agentId" validate:"required"`
	UnitID  string     `json:"unitId" validate:"required"`
	Start   time.Time  `json:"start" validate:"required"`
	End     *time.Time `json:"end,omitempty"`
	Reason  *string    `json:"reason,omitempty"`
}

// CreateAbsence records an absence window.
// POST /api/absences
func (h *Handler) CreateAbsence(w http.ResponseWriter, r *http.Request) {
	var req CreateAbsenceRequest
	if err := h.DecodeJSON(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	absence, err := h.absence.AddAbsence(r.Context(), service.AbsenceInput{
		AgentID: req.AgentID,
		UnitID:  req.UnitID,
		Start:   req.Start,
		End:     req.End,
		Reason:  req.Reason,
	})
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	h.JSON(w, http.StatusCreated, absence)
}

// DeleteAbsence removes an absence.
// DELETE /api/absences/{absenceId}
func (h *Handler) DeleteAbsence(w http.ResponseWriter, r *http.Request) {
	if err := h.absence.RemoveAbsence(r.Context(), chi.URLParam(r, "absenceId")); err != nil {
		h.serviceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
