package handler

import (
	"github.com/go-chi/chi/v5"
)

// Mount registers the queue API on r. Callers add authentication and
// logging middleware around it.
func (h *Handler) Mount(r chi.Router) {
	r.Route("/units/{unitId}", func(r chi.Router) {
		// SSE stays outside any request timeout
		r.Get("/events", h.Events)

		r.Post("/assign", h.AssignLead)

		r.Get("/rotation", h.GetRotation)
		r.Put("/rotation", h.ReorderRotation)
		r.Patch("/rotation/{agentId}/toggle", h.ToggleMember)
		r.Post("/resync", h.ResyncRotation)

		r.Get("/logs", h.ListLogs)
		r.Get("/load", h.GetLoad)
		r.Get("/absences", h.ListUnitAbsences)
	})

	r.Route("/absences", func(r chi.Router) {
		r.Post("/", h.CreateAbsence)
		r.Delete("/{absenceId}", h.DeleteAbsence)
	})
}
