package prompts

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"strings"
	"text/template"
	"unicode/utf8"
)

var (
	studentAnswerRegex  = regexp.MustCompile(`(?i)</?\s*student-answer\b[^>]*>`)
	officialAnswerRegex = regexp.MustCompile(`(?i)</?\s*official-answer\b[^>]*>`)
)

const maxAnswerRunes = 10000

//go:embed templates/*.txt
var embedded embed.FS

// Variant represents a scoring prompt variant.
type Variant string

const (
	// Strict is a strict scoring variant for majors.
	Strict Variant = "strict"
	// Standard is the default scoring variant.
	Standard Variant = "standard"
	// Lenient is a lenient scoring variant for electives.
	Lenient Variant = "lenient"
)

var validVariants = map[Variant]bool{
	Strict:   true,
	Standard: true,
	Lenient:  true,
}

// IsValidVariant checks if a prompt variant name is valid.
func IsValidVariant(v string) bool {
	return validVariants[Variant(v)]
}

// Options tunes the extraction instruction set for a particular paper.
type Options struct {
	// ExpectedQuestions asks the model to self-check that this many top-level
	// questions are present. Zero leaves the check out.
	ExpectedQuestions int
	// DetailedSubparts gives every pair of a "match the columns" item its own
	// identifier, e.g. "3 (i)", "3 (ii)".
	DetailedSubparts bool
}

// ScoreData holds template data for scoring prompts.
type ScoreData struct {
	OfficialAnswer string
	StudentAnswer  string
}

// Set is a parsed collection of extraction and scoring templates.
type Set struct {
	student  *template.Template
	official *template.Template
	score    map[Variant]*template.Template
}

// Default returns the templates compiled into the binary.
func Default() (*Set, error) {
	sub, err := fs.Sub(embedded, "templates")
	if err != nil {
		return nil, err
	}
	return Load(sub)
}

// Load parses prompt templates from fsys. It expects extract_student.txt,
// extract_official.txt and score_<variant>.txt for every variant.
func Load(fsys fs.FS) (*Set, error) {
	s := &Set{score: make(map[Variant]*template.Template)}

	var err error
	if s.student, err = parseFile(fsys, "extract_student.txt"); err != nil {
		return nil, err
	}
	if s.official, err = parseFile(fsys, "extract_official.txt"); err != nil {
		return nil, err
	}
	for _, v := range []Variant{Strict, Standard, Lenient} {
		tmpl, err := parseFile(fsys, "score_"+string(v)+".txt")
		if err != nil {
			return nil, err
		}
		s.score[v] = tmpl
	}
	return s, nil
}

func parseFile(fsys fs.FS, name string) (*template.Template, error) {
	content, err := fs.ReadFile(fsys, name)
	if err != nil {
		return nil, errors.New("failed to read prompt file " + name + ": " + err.Error())
	}
	tmpl, err := template.New(name).Option("missingkey=error").Parse(string(content))
	if err != nil {
		return nil, errors.New("failed to parse prompt template " + name + ": " + err.Error())
	}
	return tmpl, nil
}

// StudentExtraction builds the instruction for matching handwritten answers
// to the question paper.
func (s *Set) StudentExtraction(opts Options) (string, error) {
	return execute(s.student, opts)
}

// OfficialExtraction builds the instruction for extracting the answer key.
func (s *Set) OfficialExtraction(opts Options) (string, error) {
	return execute(s.official, opts)
}

// Score builds a scoring prompt for one question using the given variant.
func (s *Set) Score(variant Variant, officialAnswer, studentAnswer string) (string, error) {
	tmpl, ok := s.score[variant]
	if !ok {
		return "", errors.New("invalid prompt variant: " + string(variant))
	}
	return execute(tmpl, ScoreData{
		OfficialAnswer: sanitize(officialAnswer, officialAnswerRegex),
		StudentAnswer:  sanitize(studentAnswer, studentAnswerRegex),
	})
}

func execute(tmpl *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s: %w", tmpl.Name(), err)
	}
	return buf.String(), nil
}

// sanitize strips delimiter tags so an answer cannot close its own block,
// and truncates very long transcriptions.
func sanitize(answer string, tags *regexp.Regexp) string {
	answer = tags.ReplaceAllString(answer, "")
	answer = strings.TrimSpace(answer)

	if utf8.RuneCountInString(answer) > maxAnswerRunes {
		runes := []rune(answer)
		answer = string(runes[:maxAnswerRunes]) + "\n\n[Answer truncated due to length]"
	}

	return answer
}
