package grading

import (
	"strings"
	"unicode"

	"github.com/pavelanni/papercheck/internal/model"
)

// BaseQuestionNumber strips a sub-part suffix: "4 (ii)" and "4(ii)" both
// become "4".
func BaseQuestionNumber(qn string) string {
	qn = strings.TrimSpace(qn)
	i := strings.IndexFunc(qn, func(r rune) bool { return r == '(' || unicode.IsSpace(r) })
	if i > 0 {
		if base := strings.TrimSpace(qn[:i]); base != "" {
			return base
		}
	}
	return qn
}

// Summarize computes the aggregate figures of a scored result set. A
// multi-part question counts once, and failed evaluations are excluded from
// both the answered count and the average.
func Summarize(results []model.ScoredRecord) model.Summary {
	bases := make(map[string]struct{}, len(results))
	var total, answered int
	for _, r := range results {
		bases[BaseQuestionNumber(r.QuestionNumber)] = struct{}{}
		if r.Status == model.StatusAnswered && r.Score >= 0 {
			total += r.Score
			answered++
		}
	}

	sum := model.Summary{
		TotalQuestions: len(bases),
		AnsweredCount:  answered,
	}
	if answered > 0 {
		sum.AverageScore = float64(total) / float64(answered)
	}
	return sum
}
