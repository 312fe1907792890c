package directory

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
)

//go:embed kbdata.json
var kbRaw []byte

// KbExam describes one exam in the reference catalog.
type KbExam struct {
	Code         string   `json:"code"`
	Name         string   `json:"name"`
	Category     string   `json:"category"`
	Duration     string   `json:"duration"`
	Description  string   `json:"description"`
	Requirements []string `json:"requirements"`
	Indications  []string `json:"indications"`
}

// KbBranch describes one laboratory branch.
type KbBranch struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	City    string `json:"city"`
	Address string `json:"address"`
	Phone   string `json:"phone"`
}

// KbPolicy is a customer-facing policy document.
type KbPolicy struct {
	ID      string   `json:"id"`
	Title   string   `json:"title"`
	Content string   `json:"content"`
	Details []string `json:"details"`
}

// KbFAQ is a frequently asked question with lookup keywords.
type KbFAQ struct {
	Question string   `json:"question"`
	Answer   string   `json:"answer"`
	Keywords []string `json:"keywords"`
}

// KbPersonnel describes a staff member callers may ask about.
type KbPersonnel struct {
	Name        string `json:"name"`
	Role        string `json:"role"`
	Specialty   string `json:"specialty"`
	Branch      string `json:"branch"`
	Experience  string `json:"experience"`
	Description string `json:"description"`
}

// KbCompany is the company profile block.
type KbCompany struct {
	Name     string   `json:"name"`
	Tagline  string   `json:"tagline"`
	Founded  string   `json:"founded"`
	Hours    string   `json:"hours"`
	Phone    string   `json:"phone"`
	Website  string   `json:"website"`
	Services []string `json:"services"`
}

type kbData struct {
	Exams     []KbExam      `json:"exams"`
	Branches  []KbBranch    `json:"branches"`
	Company   KbCompany     `json:"company"`
	Policies  []KbPolicy    `json:"policies"`
	FAQ       []KbFAQ       `json:"faq"`
	Personnel []KbPersonnel `json:"personnel"`
}

// SearchResult groups the per-category hits of a free-text search.
type SearchResult struct {
	Exams     []KbExam      `json:"exams"`
	FAQs      []KbFAQ       `json:"faqs"`
	Policies  []KbPolicy    `json:"policies"`
	Personnel []KbPersonnel `json:"personnel"`
}

// KnowledgeBase is the read-only reference catalog: exams, branches,
// policies, FAQ and personnel. It holds no patient data.
type KnowledgeBase struct {
	data kbData
}

// LoadKnowledgeBase parses the embedded reference dataset.
func LoadKnowledgeBase() (*KnowledgeBase, error) {
	var data kbData
	if err := json.Unmarshal(kbRaw, &data); err != nil {
		return nil, fmt.Errorf("parse knowledge base: %w", err)
	}
	return &KnowledgeBase{data: data}, nil
}

// Branches returns every branch, or only those whose city or address
// contains the query (case-insensitive).
func (kb *KnowledgeBase) Branches(city string) []KbBranch {
	if city == "" {
		return append([]KbBranch(nil), kb.data.Branches...)
	}
	q := strings.ToLower(city)
	var out []KbBranch
	for _, b := range kb.data.Branches {
		if strings.Contains(strings.ToLower(b.City), q) || strings.Contains(strings.ToLower(b.Address), q) {
			out = append(out, b)
		}
	}
	return out
}

// BranchByID returns the branch with the given id.
func (kb *KnowledgeBase) BranchByID(id string) (KbBranch, bool) {
	for _, b := range kb.data.Branches {
		if b.ID == id {
			return b, true
		}
	}
	return KbBranch{}, false
}

// ExamInfo matches exams by exact code or by name/description substring.
func (kb *KnowledgeBase) ExamInfo(query string) []KbExam {
	q := strings.ToLower(query)
	var out []KbExam
	for _, e := range kb.data.Exams {
		if strings.ToLower(e.Code) == q ||
			strings.Contains(strings.ToLower(e.Name), q) ||
			strings.Contains(strings.ToLower(e.Description), q) {
			out = append(out, e)
		}
	}
	return out
}

// CompanyInfo returns the company profile.
func (kb *KnowledgeBase) CompanyInfo() KbCompany {
	return kb.data.Company
}

// Policies returns every policy, or only those whose title or content
// contains the keyword.
func (kb *KnowledgeBase) Policies(keyword string) []KbPolicy {
	if keyword == "" {
		return append([]KbPolicy(nil), kb.data.Policies...)
	}
	q := strings.ToLower(keyword)
	var out []KbPolicy
	for _, p := range kb.data.Policies {
		if strings.Contains(strings.ToLower(p.Title), q) || strings.Contains(strings.ToLower(p.Content), q) {
			out = append(out, p)
		}
	}
	return out
}

// FAQ matches entries by question substring or keyword substring.
func (kb *KnowledgeBase) FAQ(query string) []KbFAQ {
	q := strings.ToLower(query)
	var out []KbFAQ
	for _, f := range kb.data.FAQ {
		if strings.Contains(strings.ToLower(f.Question), q) {
			out = append(out, f)
			continue
		}
		for _, k := range f.Keywords {
			if strings.Contains(strings.ToLower(k), q) {
				out = append(out, f)
				break
			}
		}
	}
	return out
}

// Search runs the query against exams, FAQ, policies and personnel in
// one pass.
func (kb *KnowledgeBase) Search(query string) SearchResult {
	q := strings.ToLower(query)
	res := SearchResult{
		Exams:    kb.ExamInfo(query),
		FAQs:     kb.FAQ(query),
		Policies: kb.Policies(query),
	}
	for _, p := range kb.data.Personnel {
		if strings.Contains(strings.ToLower(p.Name), q) ||
			strings.Contains(strings.ToLower(p.Specialty), q) ||
			strings.Contains(strings.ToLower(p.Branch), q) {
			res.Personnel = append(res.Personnel, p)
		}
	}
	return res
}
