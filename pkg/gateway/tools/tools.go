// Package tools maps named tool invocations from the conversational
// engine onto the scheduling engine, the patient directory and the
// knowledge base.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/analiza-labs/voicegate/pkg/directory"
	"github.com/analiza-labs/voicegate/pkg/gateway/live/sessions"
	"github.com/analiza-labs/voicegate/pkg/schedule"
)

// Result-size caps keep tool payloads small enough for the upstream
// engine's context and latency constraints.
const (
	maxSlots             = 20
	maxBranches          = 10
	maxCatalogEntries    = 5
	maxSearchPerCategory = 5
	maxContextCalls      = 5
	maxContextExams      = 10
)

// Call is one tool invocation from the upstream engine.
type Call struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// Result is the single response produced for a Call. Payload is always
// a JSON object; failures are carried as {"error": ...} data rather
// than Go errors so the conversation can continue.
type Result struct {
	CallID  string
	Payload []byte
}

// Definition describes one tool to the upstream engine. The set handed
// out at connect time exactly matches the dispatcher's registry.
type Definition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

type handler func(ctx context.Context, sessionID string, args json.RawMessage) any

// Dispatcher routes tool calls to their handlers.
type Dispatcher struct {
	engine   *schedule.Engine
	codes    *directory.CodeService
	kb       *directory.KnowledgeBase
	patients directory.PatientDirectory
	store    *sessions.Store
	logger   *slog.Logger

	byName map[string]handler
}

// NewDispatcher wires the dispatcher to its collaborators.
func NewDispatcher(
	engine *schedule.Engine,
	codes *directory.CodeService,
	kb *directory.KnowledgeBase,
	patients directory.PatientDirectory,
	store *sessions.Store,
	logger *slog.Logger,
) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		engine:   engine,
		codes:    codes,
		kb:       kb,
		patients: patients,
		store:    store,
		logger:   logger,
	}
	d.byName = map[string]handler{
		"validate_code":       d.validateCode,
		"sync_patient":        d.syncPatient,
		"get_branches":        d.getBranches,
		"get_exam_info":       d.getExamInfo,
		"get_company_info":    d.getCompanyInfo,
		"get_policies":        d.getPolicies,
		"get_faq":             d.getFAQ,
		"search_knowledge":    d.searchKnowledge,
		"get_available_slots": d.getAvailableSlots,
		"suggest_best_slot":   d.suggestBestSlot,
		"book_slot":           d.bookSlot,
	}
	return d
}

// Dispatch runs one tool call and always returns exactly one Result.
// Unknown tools, bad arguments and handler panics all become structured
// error payloads; nothing escapes to the bridge.
func (d *Dispatcher) Dispatch(ctx context.Context, sessionID string, call Call) (res Result) {
	res.CallID = call.ID
	defer func() {
		if v := recover(); v != nil {
			d.logger.Error("tool handler panicked", "tool", call.Name, "session_id", sessionID, "panic", v)
			res.Payload = errorPayload("internal tool failure")
		}
	}()

	h, ok := d.byName[call.Name]
	if !ok {
		d.logger.Warn("unknown tool", "tool", call.Name, "session_id", sessionID)
		data, _ := json.Marshal(map[string]string{"error": "unknown tool", "tool": call.Name})
		res.Payload = data
		return res
	}

	out := h(ctx, sessionID, call.Arguments)
	payload, err := json.Marshal(out)
	if err != nil {
		d.logger.Error("unencodable tool result", "tool", call.Name, "error", err)
		res.Payload = errorPayload("internal tool failure")
		return res
	}
	res.Payload = payload
	return res
}

func errorPayload(message string) []byte {
	data, _ := json.Marshal(map[string]string{"error": message})
	return data
}

func errorResult(message string) map[string]string {
	return map[string]string{"error": message}
}

func badArguments(err error) map[string]string {
	return errorResult(fmt.Sprintf("bad arguments: %v", err))
}
