// Package directory holds the patient records, single-use access codes
// and the read-only knowledge base behind the call gateway's tools.
package directory

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by lookups for patients that do not exist.
var ErrNotFound = errors.New("directory: patient not found")

// ExamEntry records one exam ordered for a patient.
type ExamEntry struct {
	Code string    `json:"code"`
	Name string    `json:"name"`
	At   time.Time `json:"at"`
}

// HistoryEntry records one call outcome for a patient.
type HistoryEntry struct {
	Summary string    `json:"summary"`
	Outcome string    `json:"outcome"`
	At      time.Time `json:"at"`
}

// Patient is one directory record. Identity is the (name, surname)
// pair: two calls for the same person always land on the same record.
type Patient struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Surname    string         `json:"surname"`
	SourceCode string         `json:"sourceCode"`
	Phones     []string       `json:"phones"`
	Exams      []ExamEntry    `json:"exams"`
	History    []HistoryEntry `json:"history"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// PatientDirectory stores patient records across calls.
//
// FindOrCreate is the only operation that may create a record; every
// other method returns ErrNotFound for unknown patients.
type PatientDirectory interface {
	// FindOrCreate returns the record for (name, surname), creating it
	// with the given source code when absent. The bool reports whether
	// a new record was created.
	FindOrCreate(ctx context.Context, name, surname, sourceCode string) (*Patient, bool, error)
	// FindByID returns the record or ErrNotFound. It never creates.
	FindByID(ctx context.Context, id string) (*Patient, error)
	// AddPhone records a contact number. Duplicates are ignored.
	AddPhone(ctx context.Context, id, phone string) error
	// AddExam appends an exam to the patient's record.
	AddExam(ctx context.Context, id string, exam ExamEntry) error
	// AddHistory appends a call-outcome entry.
	AddHistory(ctx context.Context, id string, entry HistoryEntry) error
}

type memPatient struct {
	Patient
}

// MemoryDirectory is the in-process PatientDirectory used when no
// database is configured. Records survive across calls for the life of
// the process.
type MemoryDirectory struct {
	mu     sync.Mutex
	byID   map[string]*memPatient
	byName map[string]*memPatient
	now    func() time.Time
}

// NewMemoryDirectory returns an empty in-memory directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		byID:   make(map[string]*memPatient),
		byName: make(map[string]*memPatient),
		now:    time.Now,
	}
}

// WithClock overrides the directory's time source.
func (d *MemoryDirectory) WithClock(now func() time.Time) *MemoryDirectory {
	d.now = now
	return d
}

func nameKey(name, surname string) string {
	return strings.ToLower(strings.TrimSpace(name)) + "|" + strings.ToLower(strings.TrimSpace(surname))
}

func (d *MemoryDirectory) FindOrCreate(ctx context.Context, name, surname, sourceCode string) (*Patient, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if p, ok := d.byName[nameKey(name, surname)]; ok {
		return snapshot(p), false, nil
	}

	p := &memPatient{Patient: Patient{
		ID:         uuid.NewString(),
		Name:       strings.TrimSpace(name),
		Surname:    strings.TrimSpace(surname),
		SourceCode: sourceCode,
		CreatedAt:  d.now(),
	}}
	d.byID[p.ID] = p
	d.byName[nameKey(name, surname)] = p
	return snapshot(p), true, nil
}

func (d *MemoryDirectory) FindByID(ctx context.Context, id string) (*Patient, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return snapshot(p), nil
}

func (d *MemoryDirectory) AddPhone(ctx context.Context, id, phone string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.byID[id]
	if !ok {
		return ErrNotFound
	}
	for _, existing := range p.Phones {
		if existing == phone {
			return nil
		}
	}
	p.Phones = append(p.Phones, phone)
	return nil
}

func (d *MemoryDirectory) AddExam(ctx context.Context, id string, exam ExamEntry) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.byID[id]
	if !ok {
		return ErrNotFound
	}
	if exam.At.IsZero() {
		exam.At = d.now()
	}
	p.Exams = append(p.Exams, exam)
	return nil
}

func (d *MemoryDirectory) AddHistory(ctx context.Context, id string, entry HistoryEntry) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.byID[id]
	if !ok {
		return ErrNotFound
	}
	if entry.At.IsZero() {
		entry.At = d.now()
	}
	p.History = append(p.History, entry)
	return nil
}

// snapshot deep-copies a record so callers never share slices with the
// store. History is returned most recent first.
func snapshot(p *memPatient) *Patient {
	out := p.Patient
	out.Phones = append([]string(nil), p.Phones...)
	out.Exams = append([]ExamEntry(nil), p.Exams...)
	out.History = make([]HistoryEntry, len(p.History))
	for i, h := range p.History {
		out.History[len(p.History)-1-i] = h
	}
	return &out
}
