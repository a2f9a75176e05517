package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-access/internal/plan"
)

// handleListPlans returns every stored floor plan document.
func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	if s.plans == nil {
		writeUnavailable(w, "plan store not configured")
		return
	}
	plans, err := s.plans.List(r.Context())
	if err != nil {
		s.logger.Error("listing plans failed", "error", err)
		writeInternalError(w, "failed to list plans")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"plans": plans, "count": len(plans)})
}

// handleGetPlan returns one floor plan.
func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	if s.plans == nil {
		writeUnavailable(w, "plan store not configured")
		return
	}
	p, err := s.plans.Get(r.Context(), chi.URLParam(r, "floorID"))
	if err != nil {
		s.writePlanError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handleSavePlan creates or replaces a floor plan. The body is the
// document itself and must be a JSON object.
func (s *Server) handleSavePlan(w http.ResponseWriter, r *http.Request) {
	if s.plans == nil {
		writeUnavailable(w, "plan store not configured")
		return
	}
	doc, err := io.ReadAll(r.Body)
	if err != nil {
		writeBadRequest(w, "reading request body")
		return
	}

	p, err := plan.New(chi.URLParam(r, "floorID"), doc)
	if err != nil {
		s.writePlanError(w, err)
		return
	}
	saved, err := s.plans.Upsert(r.Context(), p)
	if err != nil {
		s.writePlanError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

// handleDeletePlan removes a floor plan.
func (s *Server) handleDeletePlan(w http.ResponseWriter, r *http.Request) {
	if s.plans == nil {
		writeUnavailable(w, "plan store not configured")
		return
	}
	if err := s.plans.Delete(r.Context(), chi.URLParam(r, "floorID")); err != nil {
		s.writePlanError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writePlanError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, plan.ErrPlanNotFound):
		writeNotFound(w, "plan not found")
	case errors.Is(err, plan.ErrInvalidFloorID), errors.Is(err, plan.ErrInvalidDocument):
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
	default:
		s.logger.Error("plan store error", "error", err)
		writeInternalError(w, "plan store error")
	}
}
