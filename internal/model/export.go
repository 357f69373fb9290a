package model

// RunExport is the top-level JSON structure for exporting a graded run.
// Dropped lists official questions with no student record; they are not part
// of Results or Summary.
type RunExport struct {
	Run      RunInfo           `json:"run"`
	Config   GradingConfig     `json:"config"`
	Dropped  []string          `json:"dropped_questions,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Student  []QuestionRecord  `json:"student_extraction,omitempty"`
	Official []QuestionRecord  `json:"official_extraction,omitempty"`
	Results  []ScoredRecord    `json:"results"`
	Summary  Summary           `json:"summary"`
}
