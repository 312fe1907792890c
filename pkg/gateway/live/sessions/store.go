// Package sessions holds per-call state and the registry used to drain
// live calls on shutdown.
package sessions

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/analiza-labs/voicegate/pkg/schedule"
)

// Turn is one utterance in the call transcript.
type Turn struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// ActiveOrder is the validated exam order bound to the call after a
// successful patient sync.
type ActiveOrder struct {
	Code      string `json:"code"`
	ExamCode  string `json:"examCode"`
	ExamName  string `json:"examName"`
	PatientID string `json:"patientId"`
}

// State is the mutable per-call record. It is only touched through
// Store methods, which serialize access.
type State struct {
	ID               string
	CallerPhone      string
	PatientID        string
	Order            *ActiveOrder
	SelectedBranchID string
	CachedSlots      []schedule.Slot
	Turns            []Turn
	StartedAt        time.Time
}

// AppendTurn adds an utterance to the transcript.
func (s *State) AppendTurn(role, content string, at time.Time) {
	s.Turns = append(s.Turns, Turn{Role: role, Content: content, At: at})
}

// Store owns all live call state.
type Store struct {
	mu    sync.Mutex
	byID  map[string]*State
	now   func() time.Time
	newID func() string
}

// NewStore returns an empty session store.
func NewStore() *Store {
	return &Store{
		byID:  make(map[string]*State),
		now:   time.Now,
		newID: uuid.NewString,
	}
}

// Create registers a new call and returns its state snapshot.
func (s *Store) Create(callerPhone string) State {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := &State{
		ID:          s.newID(),
		CallerPhone: callerPhone,
		StartedAt:   s.now(),
	}
	s.byID[state.ID] = state
	return cloneState(state)
}

// Get returns a snapshot of the session, if present.
func (s *Store) Get(id string) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.byID[id]
	if !ok {
		return State{}, false
	}
	return cloneState(state), true
}

// Update applies fn to the session under the store lock. It reports
// whether the session exists; fn is not called for unknown sessions.
func (s *Store) Update(id string, fn func(*State)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.byID[id]
	if !ok {
		return false
	}
	fn(state)
	return true
}

// Destroy removes the session. Destroying an unknown or already
// destroyed session is a no-op.
func (s *Store) Destroy(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byID, id)
}

// Len reports the number of live sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

func cloneState(state *State) State {
	out := *state
	out.CachedSlots = append([]schedule.Slot(nil), state.CachedSlots...)
	out.Turns = append([]Turn(nil), state.Turns...)
	if state.Order != nil {
		order := *state.Order
		out.Order = &order
	}
	return out
}
