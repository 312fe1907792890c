package sessions

import (
	"testing"
	"time"
)

func TestStore_CreateGetDestroy(t *testing.T) {
	store := NewStore()

	state := store.Create("+50300000000")
	if state.ID == "" || state.CallerPhone != "+50300000000" {
		t.Fatalf("created state = %+v", state)
	}
	if store.Len() != 1 {
		t.Fatalf("len = %d, want 1", store.Len())
	}

	got, ok := store.Get(state.ID)
	if !ok || got.ID != state.ID {
		t.Fatalf("Get = %+v ok=%v", got, ok)
	}

	store.Destroy(state.ID)
	if _, ok := store.Get(state.ID); ok {
		t.Fatalf("session survived Destroy")
	}
	store.Destroy(state.ID) // second destroy is a no-op
	if store.Len() != 0 {
		t.Fatalf("len = %d after destroy", store.Len())
	}
}

func TestStore_Update(t *testing.T) {
	store := NewStore()
	state := store.Create("WEB-CLIENT")

	ok := store.Update(state.ID, func(s *State) {
		s.PatientID = "p1"
		s.Order = &ActiveOrder{Code: "123456", ExamCode: "1", ExamName: "Hemograma Completo", PatientID: "p1"}
		s.AppendTurn("user", "hola", time.Now())
	})
	if !ok {
		t.Fatalf("Update reported missing session")
	}

	got, _ := store.Get(state.ID)
	if got.PatientID != "p1" || got.Order == nil || got.Order.Code != "123456" {
		t.Fatalf("state after update = %+v", got)
	}
	if len(got.Turns) != 1 || got.Turns[0].Role != "user" {
		t.Fatalf("turns = %+v", got.Turns)
	}

	if store.Update("nope", func(s *State) { t.Fatal("fn called for unknown session") }) {
		t.Fatalf("Update succeeded for unknown session")
	}
}

func TestStore_SessionsAreIsolated(t *testing.T) {
	store := NewStore()
	a := store.Create("+50311111111")
	b := store.Create("+50322222222")
	if a.ID == b.ID {
		t.Fatalf("two sessions share an id")
	}

	store.Update(a.ID, func(s *State) { s.SelectedBranchID = "SS-001" })

	gotB, _ := store.Get(b.ID)
	if gotB.SelectedBranchID != "" {
		t.Fatalf("update to one session leaked into another")
	}
}

func TestStore_GetReturnsSnapshot(t *testing.T) {
	store := NewStore()
	state := store.Create("WEB-CLIENT")
	store.Update(state.ID, func(s *State) {
		s.Order = &ActiveOrder{Code: "123456"}
	})

	got, _ := store.Get(state.ID)
	got.Order.Code = "tampered"

	again, _ := store.Get(state.ID)
	if again.Order.Code != "123456" {
		t.Fatalf("mutating a snapshot leaked into the store")
	}
}
