package directory

import (
	"sync"
	"time"
)

// AccessCode is a single-use exam authorization issued by the health
// ministry. Validation is read-only; consumption happens separately so a
// caller can be told their code is valid without burning it.
type AccessCode struct {
	Code           string    `json:"code"`
	ExamID         int       `json:"examId"`
	ExamName       string    `json:"examName"`
	PatientName    string    `json:"patientName"`
	PatientSurname string    `json:"patientSurname"`
	Document       string    `json:"document"`
	Used           bool      `json:"used"`
	Expiry         time.Time `json:"expiryDate"`
}

// CodeService validates and consumes access codes.
type CodeService struct {
	mu    sync.Mutex
	codes map[string]*AccessCode
	now   func() time.Time
}

// NewCodeService builds a service over the given codes. Later entries
// with a duplicate code win.
func NewCodeService(codes []AccessCode) *CodeService {
	s := &CodeService{codes: make(map[string]*AccessCode, len(codes)), now: time.Now}
	for i := range codes {
		c := codes[i]
		s.codes[c.Code] = &c
	}
	return s
}

// WithClock overrides the service's time source.
func (s *CodeService) WithClock(now func() time.Time) *CodeService {
	s.now = now
	return s
}

// Validate reports whether the code is known, unused and unexpired, and
// returns a copy of its record when it is. Validate never mutates state:
// validating the same code twice gives the same answer.
func (s *CodeService) Validate(code string) (AccessCode, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.codes[code]
	if !ok || entry.Used {
		return AccessCode{}, false
	}
	if s.now().After(entry.Expiry) {
		return AccessCode{}, false
	}
	return *entry, true
}

// MarkUsed consumes the code. It returns false when the code is unknown
// or already consumed, so exactly one caller can ever succeed.
func (s *CodeService) MarkUsed(code string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.codes[code]
	if !ok || entry.Used {
		return false
	}
	entry.Used = true
	return true
}

// Info returns a copy of the code's record regardless of its state.
func (s *CodeService) Info(code string) (AccessCode, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.codes[code]
	if !ok {
		return AccessCode{}, false
	}
	return *entry, true
}

func date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 23, 59, 59, 0, time.UTC)
}

// SeedCodes returns the demo access-code dataset.
func SeedCodes() []AccessCode {
	return []AccessCode{
		{Code: "123456", ExamID: 1, ExamName: "Hemograma Completo", PatientName: "Juan", PatientSurname: "Pérez", Document: "03791234-5", Expiry: date(2026, 12, 15)},
		{Code: "789012", ExamID: 7, ExamName: "Examen de Orina Completo", PatientName: "María", PatientSurname: "González", Document: "04123456-7", Expiry: date(2027, 1, 1)},
		{Code: "345678", ExamID: 3, ExamName: "Glucosa en Sangre", PatientName: "Carlos", PatientSurname: "Martínez", Document: "05234567-8", Expiry: date(2026, 12, 20)},
		{Code: "901234", ExamID: 12, ExamName: "Radiografía de Tórax", PatientName: "Ana", PatientSurname: "Rodríguez", Document: "06345678-9", Expiry: date(2027, 1, 10)},
		{Code: "567890", ExamID: 5, ExamName: "Perfil Lipídico", PatientName: "Luis", PatientSurname: "Hernández", Document: "07456789-0", Expiry: date(2026, 12, 25)},
		{Code: "234567", ExamID: 8, ExamName: "Prueba de Embarazo", PatientName: "Carmen", PatientSurname: "López", Document: "08567890-1", Expiry: date(2026, 12, 30)},
		{Code: "890123", ExamID: 2, ExamName: "Creatinina", PatientName: "Roberto", PatientSurname: "García", Document: "09678901-2", Expiry: date(2027, 1, 5)},
		{Code: "456789", ExamID: 15, ExamName: "Electrocardiograma", PatientName: "Patricia", PatientSurname: "Sánchez", Document: "10789012-3", Expiry: date(2026, 12, 18)},
		{Code: "012345", ExamID: 9, ExamName: "Hepatitis B", PatientName: "Fernando", PatientSurname: "Ramírez", Document: "11890123-4", Expiry: date(2027, 1, 15)},
		{Code: "678901", ExamID: 4, ExamName: "Ácido Úrico", PatientName: "Elena", PatientSurname: "Torres", Document: "12901234-5", Expiry: date(2026, 12, 22)},
	}
}
