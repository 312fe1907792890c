package tools

// Definitions returns the tool registry advertised to the upstream
// engine at connect time. The names match the dispatcher's registry
// exactly; drift between the two makes the engine call tools that
// dispatch as "unknown tool".
func Definitions() []Definition {
	return []Definition{
		{
			Name:        "validate_code",
			Description: "Validates a 6-digit authorization code from the Ministry of Health. ALWAYS call this when the patient provides a code. Returns patient and exam data if valid.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"code": map[string]any{
						"type":        "string",
						"description": "The 6-digit authorization code from the patient",
					},
				},
				"required": []any{"code"},
			},
		},
		{
			Name:        "sync_patient",
			Description: "Registers the validated patient and their exam order. Call IMMEDIATELY after a successful validation. Creates the patient record and consumes the code.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"code": map[string]any{
						"type":        "string",
						"description": "The validated authorization code",
					},
					"patientName": map[string]any{
						"type":        "string",
						"description": "Patient first name from validation",
					},
					"patientSurname": map[string]any{
						"type":        "string",
						"description": "Patient surname from validation",
					},
					"document": map[string]any{
						"type":        "string",
						"description": "Patient document from validation",
					},
					"examId": map[string]any{
						"type":        "integer",
						"description": "Exam ID from validation",
					},
					"examName": map[string]any{
						"type":        "string",
						"description": "Exam name from validation",
					},
				},
				"required": []any{"code", "patientName", "patientSurname", "document", "examId", "examName"},
			},
		},
		{
			Name:        "get_branches",
			Description: "Retrieves the list of laboratory branches.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"city": map[string]any{
						"type":        "string",
						"description": "Optional city name to filter branches.",
					},
				},
			},
		},
		{
			Name:        "get_exam_info",
			Description: "Retrieves detailed information about a medical exam.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "The name or code of the exam.",
					},
				},
				"required": []any{"query"},
			},
		},
		{
			Name:        "get_company_info",
			Description: "Retrieves general information about the laboratory.",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
		},
		{
			Name:        "get_policies",
			Description: "Retrieves the laboratory's customer policies.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"keyword": map[string]any{
						"type":        "string",
						"description": "Optional keyword to filter policies.",
					},
				},
			},
		},
		{
			Name:        "get_faq",
			Description: "Searches the frequently asked questions.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "The caller's question.",
					},
				},
				"required": []any{"query"},
			},
		},
		{
			Name:        "search_knowledge",
			Description: "Performs a general search across the knowledge base.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "The search query.",
					},
				},
				"required": []any{"query"},
			},
		},
		{
			Name:        "get_available_slots",
			Description: "Gets available appointment slots for a branch, optionally filtered by exam and date.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"branchId": map[string]any{
						"type":        "string",
						"description": "The branch ID (e.g., SS-001, ESC-001)",
					},
					"examCode": map[string]any{
						"type":        "string",
						"description": "Optional exam code to check availability for",
					},
					"date": map[string]any{
						"type":        "string",
						"description": "Optional date in YYYY-MM-DD format to filter slots",
					},
				},
				"required": []any{"branchId"},
			},
		},
		{
			Name:        "suggest_best_slot",
			Description: "Suggests the best available slot for a patient based on their booking history.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"patientId": map[string]any{
						"type":        "string",
						"description": "The patient ID",
					},
					"branchId": map[string]any{
						"type":        "string",
						"description": "The branch ID where the appointment should be scheduled",
					},
					"examCode": map[string]any{
						"type":        "string",
						"description": "The exam code for the appointment",
					},
				},
				"required": []any{"patientId", "branchId", "examCode"},
			},
		},
		{
			Name:        "book_slot",
			Description: "Books a specific time slot for a patient.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"slotId": map[string]any{
						"type":        "string",
						"description": "The slot ID to book (e.g., SLOT-000123)",
					},
					"patientId": map[string]any{
						"type":        "string",
						"description": "The patient ID",
					},
					"examCode": map[string]any{
						"type":        "string",
						"description": "The exam code",
					},
				},
				"required": []any{"slotId", "patientId", "examCode"},
			},
		},
	}
}
