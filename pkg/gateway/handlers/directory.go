package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/analiza-labs/voicegate/pkg/directory"
	"github.com/analiza-labs/voicegate/pkg/schedule"
)

// restSlotCap bounds slot listings on the REST surface.
const restSlotCap = 100

// ValidateCodeHandler answers POST /v1/codes/validate for back-office
// clients that need to check an access code without opening a call.
type ValidateCodeHandler struct {
	Codes *directory.CodeService
}

func (h *ValidateCodeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	if !decodeJSONBody(w, r, &req) {
		return
	}
	req.Code = strings.TrimSpace(req.Code)
	if req.Code == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "code is required")
		return
	}

	type resp struct {
		Valid       bool   `json:"valid"`
		PatientName string `json:"patientName,omitempty"`
		ExamName    string `json:"examName,omitempty"`
		ExamID      int    `json:"examId,omitempty"`
	}

	code, ok := h.Codes.Validate(req.Code)
	if !ok {
		writeJSON(w, http.StatusOK, resp{Valid: false})
		return
	}
	writeJSON(w, http.StatusOK, resp{
		Valid:       true,
		PatientName: code.PatientName + " " + code.PatientSurname,
		ExamName:    code.ExamName,
		ExamID:      code.ExamID,
	})
}

// PatientHandler answers GET /v1/patients/{id}.
type PatientHandler struct {
	Patients directory.PatientDirectory
}

func (h *PatientHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, err := h.Patients.FindByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "not_found", "unknown patient")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "internal", "patient lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// PatientHistoryHandler answers POST /v1/patients/{id}/history.
type PatientHistoryHandler struct {
	Patients directory.PatientDirectory
}

func (h *PatientHistoryHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		Summary string `json:"summary"`
		Outcome string `json:"outcome"`
	}
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Outcome) == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "outcome is required")
		return
	}

	err := h.Patients.AddHistory(r.Context(), id, directory.HistoryEntry{
		Summary: req.Summary,
		Outcome: req.Outcome,
		At:      time.Now().UTC(),
	})
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "not_found", "unknown patient")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "internal", "history append failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// BranchesHandler answers GET /v1/kb/branches with an optional ?city=
// substring filter.
type BranchesHandler struct {
	KB *directory.KnowledgeBase
}

func (h *BranchesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	branches := h.KB.Branches(r.URL.Query().Get("city"))
	writeJSON(w, http.StatusOK, map[string]any{"branches": branches})
}

// ExamsHandler answers GET /v1/kb/exams?q= with the same matching the
// in-call tool uses.
type ExamsHandler struct {
	KB *directory.KnowledgeBase
}

func (h *ExamsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "q is required")
		return
	}
	exams := h.KB.ExamInfo(q)
	writeJSON(w, http.StatusOK, map[string]any{"exams": exams})
}

// SlotsHandler answers GET /v1/slots?branch=&date=YYYY-MM-DD.
type SlotsHandler struct {
	Engine *schedule.Engine
}

func (h *SlotsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	branch := strings.TrimSpace(r.URL.Query().Get("branch"))
	if branch == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "branch is required")
		return
	}

	filter := schedule.Filter{
		BranchID:     branch,
		UnbookedOnly: true,
		FutureOnly:   true,
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("date")); raw != "" {
		day, err := time.Parse("2006-01-02", raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid_request", "date must be YYYY-MM-DD")
			return
		}
		filter.Day = day
	}

	slots := h.Engine.Store().Query(filter)
	if len(slots) > restSlotCap {
		slots = slots[:restSlotCap]
	}
	writeJSON(w, http.StatusOK, map[string]any{"slots": slots, "count": len(slots)})
}

// BookSlotHandler answers POST /v1/slots/{id}/book. Booking is
// first-writer-wins; a lost race reports 409.
type BookSlotHandler struct {
	Engine *schedule.Engine
}

func (h *BookSlotHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	slot, ok := h.Engine.Store().FindByID(id)
	if !ok {
		writeError(w, r, http.StatusNotFound, "not_found", "unknown slot")
		return
	}
	if !h.Engine.Book(id) {
		writeError(w, r, http.StatusConflict, "slot_taken", "slot is no longer available")
		return
	}
	slot.Booked = true
	writeJSON(w, http.StatusOK, map[string]any{"booked": true, "slot": slot})
}
