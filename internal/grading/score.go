package grading

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/sourcegraph/conc/iter"

	"github.com/pavelanni/papercheck/internal/llm/prompts"
	"github.com/pavelanni/papercheck/internal/model"
)

var nonDigitRegex = regexp.MustCompile(`[^0-9]`)

// ErrBadScoreReply is wrapped by every ParseScoreReply error.
var ErrBadScoreReply = errors.New("response was not in the expected 'score|justification' format")

const maxRawInError = 200

// Model is the part of the AI client the Scorer needs.
type Model interface {
	Complete(ctx context.Context, instruction string) (string, error)
}

// ProgressFunc is called once per finished record. done counts up from 1.
type ProgressFunc func(done, total int, rec model.ScoredRecord)

// Option configures a Scorer.
type Option func(*Scorer)

// WithConcurrency sets how many records are scored at once. Values below 1
// mean 1.
func WithConcurrency(n int) Option {
	return func(s *Scorer) {
		if n < 1 {
			n = 1
		}
		s.concurrency = n
	}
}

// WithProgress installs a progress callback.
func WithProgress(fn ProgressFunc) Option { return func(s *Scorer) { s.progress = fn } }

// Scorer evaluates comparison records against the official answers.
type Scorer struct {
	model       Model
	prompts     *prompts.Set
	variant     prompts.Variant
	concurrency int
	progress    ProgressFunc
}

// NewScorer creates a Scorer using the given scoring prompt variant.
func NewScorer(m Model, p *prompts.Set, variant prompts.Variant, opts ...Option) *Scorer {
	s := &Scorer{model: m, prompts: p, variant: variant, concurrency: 1}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Answered reports whether a record needs an AI evaluation at all.
func Answered(rec model.ComparisonRecord) bool {
	answer := strings.TrimSpace(rec.StudentAnswer)
	return rec.Status == model.StatusAnswered && answer != "" && answer != model.NotAnsweredText
}

// Score evaluates one record. It never returns an error: unanswered records
// get 0 without a model call and failed evaluations get model.ScoreFailed
// with the cause in the justification.
func (s *Scorer) Score(ctx context.Context, rec model.ComparisonRecord) model.ScoredRecord {
	out := model.ScoredRecord{ComparisonRecord: rec}

	if !Answered(rec) {
		out.Score = 0
		out.Justification = model.NotAnsweredJustification
		return out
	}

	prompt, err := s.prompts.Score(s.variant, rec.OfficialAnswer, rec.StudentAnswer)
	if err != nil {
		return failed(out, err)
	}
	reply, err := s.model.Complete(ctx, prompt)
	if err != nil {
		return failed(out, err)
	}
	score, justification, err := ParseScoreReply(reply)
	if err != nil {
		return failed(out, err)
	}

	out.Score = score
	out.Justification = justification
	return out
}

func failed(out model.ScoredRecord, err error) model.ScoredRecord {
	slog.Warn("scoring failed", "question", out.QuestionNumber, "error", err)
	out.Score = model.ScoreFailed
	out.Justification = "AI evaluation failed: " + err.Error()
	return out
}

// ScoreAll scores records on a bounded pool and returns them in input order.
// If ctx is cancelled, records that had not started are left out and the
// context error is returned along with the finished records.
func (s *Scorer) ScoreAll(ctx context.Context, recs []model.ComparisonRecord) ([]model.ScoredRecord, error) {
	type slot struct {
		rec  model.ScoredRecord
		done bool
	}

	total := len(recs)
	var (
		mu       sync.Mutex
		finished int
	)

	mapper := iter.Mapper[model.ComparisonRecord, slot]{MaxGoroutines: s.concurrency}
	slots := mapper.Map(recs, func(rec *model.ComparisonRecord) slot {
		if ctx.Err() != nil {
			return slot{}
		}
		scored := s.Score(ctx, *rec)

		mu.Lock()
		finished++
		if s.progress != nil {
			s.progress(finished, total, scored)
		}
		mu.Unlock()

		return slot{rec: scored, done: true}
	})

	results := make([]model.ScoredRecord, 0, total)
	for _, sl := range slots {
		if sl.done {
			results = append(results, sl.rec)
		}
	}
	if err := ctx.Err(); err != nil {
		return results, err
	}
	return results, nil
}

// ParseScoreReply parses a "score|justification" reply. Non-digit characters
// are stripped from the score field before conversion.
func ParseScoreReply(reply string) (int, string, error) {
	reply = strings.TrimSpace(reply)
	scoreField, justification, ok := strings.Cut(reply, "|")
	if !ok {
		return 0, "", fmt.Errorf("%w (raw: %q)", ErrBadScoreReply, truncate(reply))
	}

	digits := nonDigitRegex.ReplaceAllString(scoreField, "")
	if digits == "" {
		return 0, "", fmt.Errorf("%w: no digits in score field %q", ErrBadScoreReply, truncate(scoreField))
	}
	score, err := strconv.Atoi(digits)
	if err != nil {
		return 0, "", fmt.Errorf("%w: invalid score %q: %v", ErrBadScoreReply, digits, err)
	}
	if score > 100 {
		return 0, "", fmt.Errorf("%w: score %d is outside 0-100", ErrBadScoreReply, score)
	}

	return score, strings.TrimSpace(justification), nil
}

func truncate(s string) string {
	r := []rune(s)
	if len(r) <= maxRawInError {
		return s
	}
	return string(r[:maxRawInError]) + "..."
}
