package schedule

import (
	"context"
	"math"
	"time"
)

// OutcomeAppointmentCreated marks a history entry that counts toward a
// patient's preferred-hour profile.
const OutcomeAppointmentCreated = "appointment_created"

// HistoryEntry is the slice of a patient's call history the engine needs
// for preference ranking.
type HistoryEntry struct {
	Outcome string
	At      time.Time
}

// HistoryReader is the engine's read-only view of the patient directory.
// Implementations must never create a patient on lookup; unknown patients
// are reported as having no history.
type HistoryReader interface {
	PatientHistory(ctx context.Context, patientID string) ([]HistoryEntry, error)
}

// Engine answers availability queries and books slots on top of a Store.
type Engine struct {
	store   *Store
	history HistoryReader
	now     func() time.Time
}

// NewEngine wires the engine to its slot store and history source.
func NewEngine(store *Store, history HistoryReader) *Engine {
	return &Engine{store: store, history: history, now: time.Now}
}

// WithClock overrides the engine's time source.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Store exposes the underlying slot store for collaborators that need
// direct lookups.
func (e *Engine) Store() *Store {
	return e.store
}

// AvailableSlots returns every unbooked slot for the branch that starts
// strictly after now, ordered by start time. examCode is accepted for
// interface compatibility but does not filter: slots carry no exam
// association.
func (e *Engine) AvailableSlots(branchID, examCode string) []Slot {
	_ = examCode
	return e.store.Query(Filter{
		BranchID:     branchID,
		UnbookedOnly: true,
		FutureOnly:   true,
		Now:          e.now(),
	})
}

// Book attempts to book the slot. False means the slot is unknown or was
// already booked (possibly by a concurrent session); callers should
// re-query availability and offer an alternative rather than retry.
func (e *Engine) Book(slotID string) bool {
	return e.store.MarkBooked(slotID)
}

// SlotsInRange returns slots starting within [from, to], optionally
// limited to one branch.
func (e *Engine) SlotsInRange(from, to time.Time, branchID string) []Slot {
	return e.store.Query(Filter{BranchID: branchID, From: from, To: to})
}

// AvailableCountByDay reports how many unbooked slots remain on the given
// calendar day, optionally limited to one branch.
func (e *Engine) AvailableCountByDay(day time.Time, branchID string) int {
	return len(e.store.Query(Filter{BranchID: branchID, Day: day, UnbookedOnly: true}))
}

// SuggestBest picks the best available slot for the patient at the given
// branch. When the patient has booked appointments before, slots are
// ranked by distance between their hour of day and the patient's rounded
// mean historical booking hour, ties broken by earliest start. Without
// usable history the earliest available slot wins. The second return is
// false when no slot is available.
func (e *Engine) SuggestBest(ctx context.Context, patientID, examCode, branchID string) (Slot, bool) {
	available := e.AvailableSlots(branchID, examCode)
	if len(available) == 0 {
		return Slot{}, false
	}

	preferred, ok := e.preferredHour(ctx, patientID)
	if !ok {
		return available[0], true
	}

	best := available[0]
	bestDiff := hourDiff(best.Start, preferred)
	for _, slot := range available[1:] {
		diff := hourDiff(slot.Start, preferred)
		if diff < bestDiff {
			best = slot
			bestDiff = diff
		}
	}
	return best, true
}

// preferredHour computes the rounded mean hour of day across the
// patient's appointment_created history. It only reads: an unknown
// patient simply has no preference.
func (e *Engine) preferredHour(ctx context.Context, patientID string) (int, bool) {
	if e.history == nil {
		return 0, false
	}
	entries, err := e.history.PatientHistory(ctx, patientID)
	if err != nil || len(entries) == 0 {
		return 0, false
	}

	sum, count := 0, 0
	for _, entry := range entries {
		if entry.Outcome != OutcomeAppointmentCreated || entry.At.IsZero() {
			continue
		}
		sum += entry.At.Hour()
		count++
	}
	if count == 0 {
		return 0, false
	}
	return int(math.Round(float64(sum) / float64(count))), true
}

func hourDiff(start time.Time, preferred int) int {
	diff := start.Hour() - preferred
	if diff < 0 {
		return -diff
	}
	return diff
}
