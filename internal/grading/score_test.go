package grading

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pavelanni/papercheck/internal/llm/prompts"
	"github.com/pavelanni/papercheck/internal/model"
)

// fakeModel replies based on the student answer embedded in the prompt.
type fakeModel struct {
	mu      sync.Mutex
	calls   int
	replies map[string]string
	errs    map[string]error
	delay   time.Duration
}

func (f *fakeModel) Complete(ctx context.Context, prompt string) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	for answer, err := range f.errs {
		if strings.Contains(prompt, answer) {
			return "", err
		}
	}
	for answer, reply := range f.replies {
		if strings.Contains(prompt, answer) {
			return reply, nil
		}
	}
	return "50|Default reply.", nil
}

func (f *fakeModel) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestScorer(t *testing.T, m Model, opts ...Option) *Scorer {
	t.Helper()
	p, err := prompts.Default()
	if err != nil {
		t.Fatalf("prompts.Default: %v", err)
	}
	return NewScorer(m, p, prompts.Standard, opts...)
}

func answered(qn, answer string) model.ComparisonRecord {
	return model.ComparisonRecord{
		QuestionNumber: qn,
		QuestionText:   "Question " + qn,
		OfficialAnswer: "Official " + qn,
		StudentAnswer:  answer,
		Status:         model.StatusAnswered,
	}
}

func TestScoreUnansweredShortCircuit(t *testing.T) {
	tests := []struct {
		name string
		rec  model.ComparisonRecord
	}{
		{"not answered status", model.ComparisonRecord{QuestionNumber: "6", StudentAnswer: "Something", Status: model.StatusNotAnswered}},
		{"empty status", model.ComparisonRecord{QuestionNumber: "6", StudentAnswer: "Something"}},
		{"empty answer", answered("6", "")},
		{"whitespace answer", answered("6", "  \n ")},
		{"sentinel answer", answered("6", model.NotAnsweredText)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &fakeModel{}
			s := newTestScorer(t, m)
			got := s.Score(context.Background(), tt.rec)
			if got.Score != 0 {
				t.Errorf("score = %d, want 0", got.Score)
			}
			if got.Justification != model.NotAnsweredJustification {
				t.Errorf("justification = %q", got.Justification)
			}
			if m.callCount() != 0 {
				t.Errorf("model must not be called, got %d calls", m.callCount())
			}
		})
	}
}

func TestScoreReplies(t *testing.T) {
	tests := []struct {
		name       string
		reply      string
		wantScore  int
		wantJust   string
		wantInJust string
	}{
		{"plain", "90|Correct but missed a detail.", 90, "Correct but missed a detail.", ""},
		{"sanitized", " 87 points|Good answer", 87, "Good answer", ""},
		{"stray punctuation", "**100**| Perfect match. ", 100, "Perfect match.", ""},
		{"zero", "0|Incorrect.", 0, "Incorrect.", ""},
		{"pipe in justification", "70|Covers A|B but not C", 70, "Covers A|B but not C", ""},
		{"malformed", "not a valid format", model.ScoreFailed, "", "score|justification"},
		{"no digits", "excellent|Great answer", model.ScoreFailed, "", "no digits"},
		{"out of range", "150|Too generous", model.ScoreFailed, "", "outside 0-100"},
		{"decimal", "87.5|Close", model.ScoreFailed, "", "outside 0-100"},
		{"overflow", "99999999999999999999999|Huge", model.ScoreFailed, "", "invalid score"},
		{"empty reply", "", model.ScoreFailed, "", "score|justification"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &fakeModel{replies: map[string]string{"the answer": tt.reply}}
			s := newTestScorer(t, m)
			got := s.Score(context.Background(), answered("1", "the answer"))

			if got.Score != tt.wantScore {
				t.Errorf("score = %d, want %d", got.Score, tt.wantScore)
			}
			if tt.wantJust != "" && got.Justification != tt.wantJust {
				t.Errorf("justification = %q, want %q", got.Justification, tt.wantJust)
			}
			if tt.wantInJust != "" {
				if !strings.HasPrefix(got.Justification, "AI evaluation failed: ") {
					t.Errorf("failed justification should start with diagnostic prefix, got %q", got.Justification)
				}
				if !strings.Contains(got.Justification, tt.wantInJust) {
					t.Errorf("justification %q should mention %q", got.Justification, tt.wantInJust)
				}
			}
			if got.Score != model.ScoreFailed && (got.Score < 0 || got.Score > 100) {
				t.Errorf("score %d outside the allowed domain", got.Score)
			}
			if m.callCount() != 1 {
				t.Errorf("expected one model call, got %d", m.callCount())
			}
		})
	}
}

func TestScoreModelError(t *testing.T) {
	m := &fakeModel{errs: map[string]error{"boom": errors.New("rate limited")}}
	s := newTestScorer(t, m)

	got := s.Score(context.Background(), answered("3", "boom"))
	if !got.Failed() {
		t.Fatalf("expected failed record, got %+v", got)
	}
	if !strings.Contains(got.Justification, "rate limited") {
		t.Errorf("justification should embed the cause, got %q", got.Justification)
	}
}

func TestScoreAllPreservesOrder(t *testing.T) {
	var recs []model.ComparisonRecord
	replies := map[string]string{}
	for i := 0; i < 20; i++ {
		answer := fmt.Sprintf("answer-%02d", i)
		recs = append(recs, answered(fmt.Sprint(i), answer))
		replies[answer] = fmt.Sprintf("%d|reply %d", i, i)
	}
	recs = append(recs, model.ComparisonRecord{QuestionNumber: "skip", Status: model.StatusNotAnswered})

	for _, workers := range []int{1, 4} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			m := &fakeModel{replies: replies, delay: time.Millisecond}
			var lastDone atomic.Int64
			var monotonic atomic.Bool
			monotonic.Store(true)
			s := newTestScorer(t, m, WithConcurrency(workers), WithProgress(func(done, total int, _ model.ScoredRecord) {
				if int64(done) != lastDone.Load()+1 || total != len(recs) {
					monotonic.Store(false)
				}
				lastDone.Store(int64(done))
			}))

			got, err := s.ScoreAll(context.Background(), recs)
			if err != nil {
				t.Fatalf("ScoreAll: %v", err)
			}
			if len(got) != len(recs) {
				t.Fatalf("expected %d results, got %d", len(recs), len(got))
			}
			for i := 0; i < 20; i++ {
				if got[i].QuestionNumber != fmt.Sprint(i) || got[i].Score != i {
					t.Errorf("result %d = %s/%d", i, got[i].QuestionNumber, got[i].Score)
				}
			}
			if got[20].Score != 0 || got[20].Justification != model.NotAnsweredJustification {
				t.Errorf("unanswered record not short-circuited: %+v", got[20])
			}
			if !monotonic.Load() || lastDone.Load() != int64(len(recs)) {
				t.Error("progress should count up by one to the total")
			}
			if m.callCount() != 20 {
				t.Errorf("expected 20 model calls, got %d", m.callCount())
			}
		})
	}
}

func TestScoreAllIsolatesFailures(t *testing.T) {
	m := &fakeModel{
		replies: map[string]string{"good": "80|Fine", "garbled": "eighty"},
		errs:    map[string]error{"broken": errors.New("timeout")},
	}
	s := newTestScorer(t, m)

	got, err := s.ScoreAll(context.Background(), []model.ComparisonRecord{
		answered("1", "good"),
		answered("2", "broken"),
		answered("3", "garbled"),
		answered("4", "good"),
	})
	if err != nil {
		t.Fatalf("ScoreAll: %v", err)
	}
	scores := []int{got[0].Score, got[1].Score, got[2].Score, got[3].Score}
	want := []int{80, -1, -1, 80}
	for i := range want {
		if scores[i] != want[i] {
			t.Errorf("scores = %v, want %v", scores, want)
			break
		}
	}
}

func TestScoreAllCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := &fakeModel{}
	s := newTestScorer(t, m, WithProgress(func(done, _ int, _ model.ScoredRecord) {
		if done == 2 {
			cancel()
		}
	}))

	recs := []model.ComparisonRecord{
		answered("1", "a"), answered("2", "b"), answered("3", "c"), answered("4", "d"),
	}
	got, err := s.ScoreAll(ctx, recs)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 finished records, got %d", len(got))
	}
	if got[0].QuestionNumber != "1" || got[1].QuestionNumber != "2" {
		t.Errorf("unexpected records: %+v", got)
	}
	if m.callCount() != 2 {
		t.Errorf("no calls should happen after cancellation, got %d", m.callCount())
	}
}

func TestScoreAllEmpty(t *testing.T) {
	s := newTestScorer(t, &fakeModel{})
	got, err := s.ScoreAll(context.Background(), nil)
	if err != nil {
		t.Fatalf("ScoreAll: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no results, got %d", len(got))
	}
}

func TestWithConcurrencyFloor(t *testing.T) {
	s := newTestScorer(t, &fakeModel{}, WithConcurrency(0))
	if s.concurrency != 1 {
		t.Errorf("concurrency = %d, want 1", s.concurrency)
	}
}
