package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/analiza-labs/voicegate/pkg/directory"
	"github.com/analiza-labs/voicegate/pkg/gateway/live/sessions"
	"github.com/analiza-labs/voicegate/pkg/schedule"
)

// webCallerPhones are placeholder caller IDs that must not be linked to
// patient records as contact numbers.
var webCallerPhones = map[string]bool{
	"WEB-CLIENT":   true,
	"+50300000000": true,
}

func (d *Dispatcher) validateCode(ctx context.Context, sessionID string, args json.RawMessage) any {
	var in struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return badArguments(err)
	}

	code, ok := d.codes.Validate(in.Code)
	if !ok {
		return map[string]any{"valid": false, "message": "código no válido, vencido o ya utilizado"}
	}
	return map[string]any{
		"valid": true,
		"patient": map[string]string{
			"name":     code.PatientName,
			"surname":  code.PatientSurname,
			"document": code.Document,
		},
		"exam": map[string]any{"id": code.ExamID, "name": code.ExamName},
	}
}

func (d *Dispatcher) syncPatient(ctx context.Context, sessionID string, args json.RawMessage) any {
	var in struct {
		Code           string `json:"code"`
		PatientName    string `json:"patientName"`
		PatientSurname string `json:"patientSurname"`
		Document       string `json:"document"`
		ExamID         int    `json:"examId"`
		ExamName       string `json:"examName"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return badArguments(err)
	}

	patient, _, err := d.patients.FindOrCreate(ctx, in.PatientName, in.PatientSurname, in.Code)
	if err != nil {
		return errorResult(fmt.Sprintf("sync failed: %v", err))
	}

	sess, _ := d.store.Get(sessionID)
	if sess.CallerPhone != "" && !webCallerPhones[sess.CallerPhone] {
		if err := d.patients.AddPhone(ctx, patient.ID, sess.CallerPhone); err != nil {
			d.logger.Warn("phone link failed", "session_id", sessionID, "error", err)
		}
	}

	examCode := strconv.Itoa(in.ExamID)
	if err := d.patients.AddExam(ctx, patient.ID, directory.ExamEntry{Code: examCode, Name: in.ExamName}); err != nil {
		d.logger.Warn("exam append failed", "session_id", sessionID, "error", err)
	}

	// The code is consumed exactly once; a false here means another
	// call already burned it, which does not invalidate this sync.
	if !d.codes.MarkUsed(in.Code) {
		d.logger.Warn("code already consumed", "session_id", sessionID, "code", in.Code)
	}

	if err := d.patients.AddHistory(ctx, patient.ID, directory.HistoryEntry{
		Summary: fmt.Sprintf("Código %s validado. Examen: %s", in.Code, in.ExamName),
		Outcome: "code_validated",
	}); err != nil {
		d.logger.Warn("history append failed", "session_id", sessionID, "error", err)
	}

	d.store.Update(sessionID, func(s *sessions.State) {
		s.PatientID = patient.ID
		s.Order = &sessions.ActiveOrder{
			Code:      in.Code,
			ExamCode:  examCode,
			ExamName:  in.ExamName,
			PatientID: patient.ID,
		}
	})

	// Re-read so returning patients see the exam and history entries
	// appended above.
	patient, err = d.patients.FindByID(ctx, patient.ID)
	if err != nil {
		return errorResult(fmt.Sprintf("sync failed: %v", err))
	}

	// History reads most-recent-first; keep the newest entries.
	history := patient.History
	if len(history) > maxContextCalls {
		history = history[:maxContextCalls]
	}
	previous := make([]map[string]string, 0, len(history))
	for _, h := range history {
		previous = append(previous, map[string]string{
			"date":    h.At.Format("2006-01-02"),
			"summary": h.Summary,
			"outcome": h.Outcome,
		})
	}
	// Exams append in order; keep the newest entries.
	examEntries := patient.Exams
	if len(examEntries) > maxContextExams {
		examEntries = examEntries[len(examEntries)-maxContextExams:]
	}
	exams := make([]map[string]string, 0, len(examEntries))
	for _, e := range examEntries {
		exams = append(exams, map[string]string{
			"code": e.Code,
			"name": e.Name,
			"date": e.At.Format("2006-01-02"),
		})
	}

	return map[string]any{
		"success":   true,
		"patientId": patient.ID,
		"patientContext": map[string]any{
			"fullName":           patient.Name + " " + patient.Surname,
			"firstName":          patient.Name,
			"isReturningPatient": len(patient.History) > 1,
			"previousCalls":      previous,
			"allExams":           exams,
			"currentExam":        map[string]any{"code": examCode, "name": in.ExamName},
		},
	}
}

func (d *Dispatcher) getBranches(ctx context.Context, sessionID string, args json.RawMessage) any {
	var in struct {
		City string `json:"city"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &in); err != nil {
			return badArguments(err)
		}
	}
	branches := d.kb.Branches(in.City)
	if len(branches) > maxBranches {
		branches = branches[:maxBranches]
	}
	return map[string]any{"branches": branches}
}

func (d *Dispatcher) getExamInfo(ctx context.Context, sessionID string, args json.RawMessage) any {
	var in struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return badArguments(err)
	}
	exams := d.kb.ExamInfo(in.Query)
	if len(exams) > maxCatalogEntries {
		exams = exams[:maxCatalogEntries]
	}
	return map[string]any{"exams": exams}
}

func (d *Dispatcher) getCompanyInfo(ctx context.Context, sessionID string, args json.RawMessage) any {
	return map[string]any{"info": d.kb.CompanyInfo()}
}

func (d *Dispatcher) getPolicies(ctx context.Context, sessionID string, args json.RawMessage) any {
	var in struct {
		Keyword string `json:"keyword"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &in); err != nil {
			return badArguments(err)
		}
	}
	policies := d.kb.Policies(in.Keyword)
	if len(policies) > maxCatalogEntries {
		policies = policies[:maxCatalogEntries]
	}
	return map[string]any{"policies": policies}
}

func (d *Dispatcher) getFAQ(ctx context.Context, sessionID string, args json.RawMessage) any {
	var in struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return badArguments(err)
	}
	faqs := d.kb.FAQ(in.Query)
	if len(faqs) > maxCatalogEntries {
		faqs = faqs[:maxCatalogEntries]
	}
	return map[string]any{"faqs": faqs}
}

func (d *Dispatcher) searchKnowledge(ctx context.Context, sessionID string, args json.RawMessage) any {
	var in struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return badArguments(err)
	}
	res := d.kb.Search(in.Query)
	if len(res.Exams) > maxSearchPerCategory {
		res.Exams = res.Exams[:maxSearchPerCategory]
	}
	if len(res.FAQs) > maxSearchPerCategory {
		res.FAQs = res.FAQs[:maxSearchPerCategory]
	}
	if len(res.Policies) > maxSearchPerCategory {
		res.Policies = res.Policies[:maxSearchPerCategory]
	}
	if len(res.Personnel) > maxSearchPerCategory {
		res.Personnel = res.Personnel[:maxSearchPerCategory]
	}
	return map[string]any{"results": res}
}

func (d *Dispatcher) getAvailableSlots(ctx context.Context, sessionID string, args json.RawMessage) any {
	var in struct {
		BranchID string `json:"branchId"`
		ExamCode string `json:"examCode"`
		Date     string `json:"date"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return badArguments(err)
	}
	if in.BranchID == "" {
		return errorResult("branchId is required")
	}

	slots := d.engine.AvailableSlots(in.BranchID, in.ExamCode)
	if in.Date != "" {
		day, err := time.Parse("2006-01-02", in.Date)
		if err != nil {
			return errorResult("date must be YYYY-MM-DD")
		}
		filtered := slots[:0]
		for _, slot := range slots {
			y, m, dd := slot.Start.Date()
			if y == day.Year() && m == day.Month() && dd == day.Day() {
				filtered = append(filtered, slot)
			}
		}
		slots = filtered
	}
	if len(slots) > maxSlots {
		slots = slots[:maxSlots]
	}

	cached := append([]schedule.Slot(nil), slots...)
	d.store.Update(sessionID, func(s *sessions.State) {
		s.SelectedBranchID = in.BranchID
		s.CachedSlots = cached
	})
	return map[string]any{"slots": slots}
}

func (d *Dispatcher) suggestBestSlot(ctx context.Context, sessionID string, args json.RawMessage) any {
	var in struct {
		PatientID string `json:"patientId"`
		BranchID  string `json:"branchId"`
		ExamCode  string `json:"examCode"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return badArguments(err)
	}

	patientID := in.PatientID
	if patientID == "" {
		if sess, ok := d.store.Get(sessionID); ok {
			patientID = sess.PatientID
		}
	}

	slot, ok := d.engine.SuggestBest(ctx, patientID, in.ExamCode, in.BranchID)
	if !ok {
		return errorResult("no available slots found")
	}
	return map[string]any{"slot": slot}
}

func (d *Dispatcher) bookSlot(ctx context.Context, sessionID string, args json.RawMessage) any {
	var in struct {
		SlotID    string `json:"slotId"`
		PatientID string `json:"patientId"`
		ExamCode  string `json:"examCode"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return badArguments(err)
	}

	if !d.engine.Book(in.SlotID) {
		return errorResult("slot not available")
	}

	sess, _ := d.store.Get(sessionID)
	if sess.PatientID != "" {
		if err := d.patients.AddHistory(ctx, sess.PatientID, directory.HistoryEntry{
			Summary: fmt.Sprintf("Cita agendada: slot %s, examen %s", in.SlotID, in.ExamCode),
			Outcome: schedule.OutcomeAppointmentCreated,
		}); err != nil {
			d.logger.Warn("history append failed", "session_id", sessionID, "error", err)
		}
	}
	return map[string]any{"success": true, "slotId": in.SlotID}
}
