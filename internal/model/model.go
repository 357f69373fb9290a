package model

import (
	"strings"
	"time"
)

// NotAnsweredText is the answer text the extraction stage records for a
// question the student left blank.
const NotAnsweredText = "Not Answered"

// NotAnsweredJustification is attached to every record that short-circuits
// scoring because the student gave no answer.
const NotAnsweredJustification = "Question was not answered by the student."

// ScoreFailed marks a record whose AI evaluation failed. It is distinct from a
// genuine zero and never counts towards averages.
const ScoreFailed = -1

// AnswerStatus is the student-side status of a question.
type AnswerStatus string

const (
	StatusAnswered    AnswerStatus = "Answered"
	StatusNotAnswered AnswerStatus = "Not Answered"
)

// ParseAnswerStatus maps the loosely formatted status produced by the model
// onto an AnswerStatus. Empty input yields the zero value, meaning "absent".
func ParseAnswerStatus(s string) AnswerStatus {
	s = strings.Join(strings.Fields(s), " ")
	switch {
	case s == "":
		return ""
	case strings.EqualFold(s, string(StatusAnswered)):
		return StatusAnswered
	default:
		return StatusNotAnswered
	}
}

// Side identifies which document set an extraction came from.
type Side string

const (
	SideStudent  Side = "student"
	SideOfficial Side = "official"
)

// QuestionRecord is one question (or sub-part) produced by an extraction task.
// Student records use AnswerText and Status; official records use
// OfficialAnswerText.
type QuestionRecord struct {
	QuestionNumber     string       `json:"question_number"`
	QuestionText       string       `json:"question_text"`
	AnswerText         string       `json:"answer_text,omitempty"`
	Status             AnswerStatus `json:"status,omitempty"`
	OfficialAnswerText string       `json:"official_answer_text,omitempty"`
}

// ComparisonRecord is the joined student/official view of one question.
type ComparisonRecord struct {
	QuestionNumber string       `json:"question_number"`
	QuestionText   string       `json:"question_text"`
	OfficialAnswer string       `json:"official_answer"`
	StudentAnswer  string       `json:"student_answer"`
	Status         AnswerStatus `json:"status"`
}

// ScoredRecord is a ComparisonRecord with the scorer's verdict attached.
type ScoredRecord struct {
	ComparisonRecord
	Score         int    `json:"score"`
	Justification string `json:"justification"`
}

// Failed reports whether the AI evaluation of this record failed.
func (r ScoredRecord) Failed() bool {
	return r.Score == ScoreFailed
}

// Summary holds the aggregate figures of an evaluated exam.
type Summary struct {
	TotalQuestions int     `json:"total_questions"`
	AnsweredCount  int     `json:"answered_count"`
	AverageScore   float64 `json:"average_score"`
}

// Document is a single file handed to the AI model, e.g. one answer page.
type Document struct {
	Name     string
	MIMEType string
	Data     []byte
}

// RunStatus is the lifecycle state of a grading run.
type RunStatus string

const (
	RunCreated   RunStatus = "created"
	RunExtracted RunStatus = "extracted"
	RunEvaluated RunStatus = "evaluated"
	RunCancelled RunStatus = "cancelled"
	RunFailed    RunStatus = "failed"
)

// RunInfo describes a stored grading run.
type RunInfo struct {
	ID            string    `json:"id"`
	Exam          string    `json:"exam"`
	Student       string    `json:"student"`
	PromptVariant string    `json:"prompt_variant"`
	Status        RunStatus `json:"status"`
	Error         string    `json:"error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// GradingConfig holds runtime grading parameters set via CLI flags.
type GradingConfig struct {
	PromptVariant     string `json:"prompt_variant"`               // Scoring prompt variant (strict, standard, lenient)
	ExpectedQuestions int    `json:"expected_questions,omitempty"` // 0 disables the completeness self-check in extraction prompts
	DetailedSubparts  bool   `json:"detailed_subparts"`            // Give each "match the columns" pair its own identifier
	Concurrency       int    `json:"concurrency"`                  // Scoring workers; 1 scores strictly in sequence
	Lang              string `json:"lang"`                         // Report language (en, hi)
}
