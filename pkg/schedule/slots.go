// Package schedule holds the bookable slot calendar and the engine that
// queries, ranks and books slots on behalf of the call gateway.
package schedule

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"
)

// SlotDuration is the fixed length of every bookable interval.
const SlotDuration = 5 * time.Minute

// DefaultBranchIDs lists the laboratory branches slots are generated for.
var DefaultBranchIDs = []string{
	"SS-001", "ESC-001", "SA-001", "SM-001", "ST-001",
	"MEJ-001", "AH-001", "AC-001", "APO-001", "SOY-001",
}

// Slot is a fixed-duration bookable interval at one branch. Slots are
// generated upfront for a bounded horizon and only ever mutate their
// Booked flag; once booked a slot never reverts.
type Slot struct {
	ID       string    `json:"slotId"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	BranchID string    `json:"branchId"`
	Booked   bool      `json:"isBooked"`
}

// GenerateOptions controls upfront slot generation.
type GenerateOptions struct {
	// From is the first calendar day of the horizon. Zero means today.
	From time.Time
	// Days is the horizon length in calendar days (Sundays are skipped,
	// not counted). Zero means 60.
	Days int
	// Branches defaults to DefaultBranchIDs.
	Branches []string
	// DayStartHour/DayEndHour bound the working day; slots start every
	// five minutes in [DayStartHour, DayEndHour). Zero means 07:00-16:00.
	DayStartHour int
	DayEndHour   int
	// BookedFraction pre-books roughly this share of slots so demo data
	// resembles a live calendar. Negative means none.
	BookedFraction float64
	// Seed makes branch assignment and pre-booking deterministic.
	Seed int64
}

func (o GenerateOptions) withDefaults() GenerateOptions {
	if o.From.IsZero() {
		o.From = time.Now()
	}
	if o.Days <= 0 {
		o.Days = 60
	}
	if len(o.Branches) == 0 {
		o.Branches = DefaultBranchIDs
	}
	if o.DayStartHour == 0 && o.DayEndHour == 0 {
		o.DayStartHour = 7
		o.DayEndHour = 16
	}
	return o
}

// Generate builds the full slot calendar for a bounded horizon. Slot IDs
// are sequential (SLOT-000001, ...) and stable for a given option set.
func Generate(opts GenerateOptions) []Slot {
	opts = opts.withDefaults()
	rng := rand.New(rand.NewSource(opts.Seed))

	loc := opts.From.Location()
	day := time.Date(opts.From.Year(), opts.From.Month(), opts.From.Day(), 0, 0, 0, 0, loc)

	var slots []Slot
	counter := 1
	for d := 0; d < opts.Days; d++ {
		current := day.AddDate(0, 0, d)
		if current.Weekday() == time.Sunday {
			continue
		}
		for hour := opts.DayStartHour; hour < opts.DayEndHour; hour++ {
			for minute := 0; minute < 60; minute += 5 {
				start := time.Date(current.Year(), current.Month(), current.Day(), hour, minute, 0, 0, loc)
				branch := opts.Branches[rng.Intn(len(opts.Branches))]
				booked := opts.BookedFraction > 0 && rng.Float64() < opts.BookedFraction
				slots = append(slots, Slot{
					ID:       fmt.Sprintf("SLOT-%06d", counter),
					Start:    start,
					End:      start.Add(SlotDuration),
					BranchID: branch,
					Booked:   booked,
				})
				counter++
			}
		}
	}
	return slots
}

// Filter selects slots in Store.Query. Zero-valued fields are ignored.
type Filter struct {
	BranchID     string
	Day          time.Time // match slots starting on this calendar day
	From, To     time.Time // inclusive start-time range
	UnbookedOnly bool
	FutureOnly   bool
	Now          time.Time // reference instant for FutureOnly; zero = time.Now()
}

// Store owns the slot calendar. It is the only structure shared across
// concurrent call sessions; MarkBooked is the single linearizable
// mutation in the system.
type Store struct {
	mu    sync.Mutex
	slots []Slot
	index map[string]int
}

// NewStore copies the given slots into a store.
func NewStore(slots []Slot) *Store {
	s := &Store{
		slots: append([]Slot(nil), slots...),
		index: make(map[string]int, len(slots)),
	}
	sort.SliceStable(s.slots, func(i, j int) bool { return s.slots[i].Start.Before(s.slots[j].Start) })
	for i, slot := range s.slots {
		s.index[slot.ID] = i
	}
	return s
}

// Len reports the total number of slots in the calendar.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slots)
}

// FindByID returns a copy of the slot, if present.
func (s *Store) FindByID(id string) (Slot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index[id]
	if !ok {
		return Slot{}, false
	}
	return s.slots[i], true
}

// MarkBooked flips Booked if and only if the slot exists and is currently
// unbooked. It returns false for unknown or already-booked slots, so two
// concurrent callers racing for the same slot see exactly one true.
func (s *Store) MarkBooked(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index[id]
	if !ok {
		return false
	}
	if s.slots[i].Booked {
		return false
	}
	s.slots[i].Booked = true
	return true
}

// Query returns copies of all slots matching the filter, ordered by start
// time. Results are point-in-time snapshots; staleness only affects
// suggestion quality, never booking correctness.
func (s *Store) Query(f Filter) []Slot {
	now := f.Now
	if now.IsZero() {
		now = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Slot
	for _, slot := range s.slots {
		if f.BranchID != "" && slot.BranchID != f.BranchID {
			continue
		}
		if f.UnbookedOnly && slot.Booked {
			continue
		}
		if f.FutureOnly && !slot.Start.After(now) {
			continue
		}
		if !f.Day.IsZero() {
			dayStart := time.Date(f.Day.Year(), f.Day.Month(), f.Day.Day(), 0, 0, 0, 0, slot.Start.Location())
			dayEnd := dayStart.AddDate(0, 0, 1)
			if slot.Start.Before(dayStart) || !slot.Start.Before(dayEnd) {
				continue
			}
		}
		if !f.From.IsZero() && slot.Start.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && slot.Start.After(f.To) {
			continue
		}
		out = append(out, slot)
	}
	return out
}
