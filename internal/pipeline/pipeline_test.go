package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"strings"
	"sync"
	"testing"

	"github.com/pavelanni/papercheck/internal/extract"
	"github.com/pavelanni/papercheck/internal/llm"
	"github.com/pavelanni/papercheck/internal/llm/prompts"
	"github.com/pavelanni/papercheck/internal/model"
	"github.com/pavelanni/papercheck/internal/store"
)

// fakeModel answers extraction calls with fixed replies and scoring calls by
// looking up the student answer in the prompt.
type fakeModel struct {
	mu            sync.Mutex
	studentReply  string
	officialReply string
	studentErr    error
	scores        map[string]string
	extractCalls  int
	scoreCalls    int
	docs          [][]model.Document
}

func (f *fakeModel) Extract(_ context.Context, instruction string, docs []model.Document) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.extractCalls++
	f.docs = append(f.docs, docs)
	if strings.Contains(instruction, "student's handwritten answers") {
		return f.studentReply, f.studentErr
	}
	return f.officialReply, nil
}

func (f *fakeModel) Complete(_ context.Context, instruction string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scoreCalls++
	for answer, reply := range f.scores {
		if strings.Contains(instruction, answer) {
			return reply, nil
		}
	}
	return "not a valid format", nil
}

func pngDoc(t *testing.T, name string) model.Document {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewGray(image.Rect(0, 0, 8, 8))); err != nil {
		t.Fatal(err)
	}
	return model.Document{Name: name, Data: buf.Bytes()}
}

func newTestPipeline(t *testing.T, m Model, cfg model.GradingConfig, opts ...Option) *Pipeline {
	t.Helper()
	p, err := prompts.Default()
	if err != nil {
		t.Fatalf("prompts.Default: %v", err)
	}
	pl, err := New(m, p, cfg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return pl
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUnansweredEndToEnd(t *testing.T) {
	m := &fakeModel{
		officialReply: "```json\n[{\"question_number\": \"6\", \"question_text\": \"What is X?\", \"official_answer_text\": \"Answer-O\"}]\n```",
		studentReply:  "Here you go:\n[{\"question_number\": \"6\", \"question_text\": \"What is X?\", \"answer_text\": \"Not Answered\", \"status\": \"Not Answered\"}]",
	}
	pl := newTestPipeline(t, m, model.GradingConfig{})

	run, err := pl.NewRun("exam", "student")
	if err != nil {
		t.Fatalf("NewRun: %v", err)
	}
	err = pl.Grade(context.Background(), run, Inputs{
		QuestionPaper: []model.Document{pngDoc(t, "qp.png")},
		AnswerPages:   []model.Document{pngDoc(t, "p1.png")},
		AnswerKey:     []model.Document{pngDoc(t, "key.png")},
	})
	if err != nil {
		t.Fatalf("Grade: %v", err)
	}

	if len(run.Results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(run.Results))
	}
	res := run.Results[0]
	if res.Score != 0 || res.Justification != "Question was not answered by the student." {
		t.Errorf("unexpected result: %+v", res)
	}
	want := model.Summary{TotalQuestions: 1, AnsweredCount: 0, AverageScore: 0}
	if run.Summary != want {
		t.Errorf("Summary = %+v, want %+v", run.Summary, want)
	}
	if m.scoreCalls != 0 {
		t.Errorf("unanswered question must not be scored by the model, got %d calls", m.scoreCalls)
	}
	if run.Info.Status != model.RunEvaluated {
		t.Errorf("status = %q, want evaluated", run.Info.Status)
	}

	var buf bytes.Buffer
	if err := pl.Report(&buf, run); err != nil {
		t.Fatalf("Report: %v", err)
	}
	if !strings.Contains(buf.String(), "Average Score on Answered Questions: 0.00%") {
		t.Errorf("report missing summary line:\n%s", buf.String())
	}
}

func TestGradeWithStore(t *testing.T) {
	m := &fakeModel{
		officialReply: `[
			{"question_number": "1 (i)", "question_text": "Q1i", "official_answer_text": "A1i"},
			{"question_number": "1 (ii)", "question_text": "Q1ii", "official_answer_text": "A1ii"},
			{"question_number": "2", "question_text": "Q2", "official_answer_text": "A2"},
			{"question_number": "3", "question_text": "Q3", "official_answer_text": "A3"}
		]`,
		studentReply: `[
			{"question_number": "1 (i)", "answer_text": "first answer", "status": "Answered"},
			{"question_number": "1 (ii)", "answer_text": "second answer", "status": "Answered"},
			{"question_number": "2", "answer_text": "third answer", "status": "Answered"}
		]`,
		scores: map[string]string{
			"first answer":  "90|Good.",
			"second answer": "70|Partial.",
		},
	}
	st := newTestStore(t)
	cfg := model.GradingConfig{PromptVariant: "lenient", Concurrency: 2, Lang: "hi"}
	pl := newTestPipeline(t, m, cfg, WithStore(st))

	run, err := pl.NewRun("physics", "alice")
	if err != nil {
		t.Fatalf("NewRun: %v", err)
	}
	err = pl.Grade(context.Background(), run, Inputs{
		QuestionPaper: []model.Document{pngDoc(t, "qp.png")},
		AnswerPages:   []model.Document{pngDoc(t, "p1.jpg"), pngDoc(t, "p2.jpg")},
		AnswerKey:     []model.Document{pngDoc(t, "key.png")},
		Normalize:     true,
	})
	if err != nil {
		t.Fatalf("Grade: %v", err)
	}

	// Normalized pages reach the model as PNG.
	studentDocs := m.docs[0]
	if len(studentDocs) != 3 || studentDocs[1].MIMEType != "image/png" {
		t.Errorf("unexpected student documents: %+v", studentDocs)
	}

	scores := []int{run.Results[0].Score, run.Results[1].Score, run.Results[2].Score}
	if scores[0] != 90 || scores[1] != 70 || scores[2] != model.ScoreFailed {
		t.Errorf("scores = %v, want [90 70 -1]", scores)
	}
	if len(run.Dropped) != 1 || run.Dropped[0] != "3" {
		t.Errorf("Dropped = %v, want [3]", run.Dropped)
	}
	want := model.Summary{TotalQuestions: 2, AnsweredCount: 2, AverageScore: 80}
	if run.Summary != want {
		t.Errorf("Summary = %+v, want %+v", run.Summary, want)
	}

	stored, err := st.GetRun(run.Info.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if stored.Status != model.RunEvaluated || stored.PromptVariant != "lenient" {
		t.Errorf("stored run = %+v", stored)
	}
	results, err := st.GetResults(run.Info.ID)
	if err != nil {
		t.Fatalf("GetResults: %v", err)
	}
	if len(results) != 3 || results[1].QuestionNumber != "1 (ii)" {
		t.Errorf("stored results = %+v", results)
	}
	dropped, err := st.GetDropped(run.Info.ID)
	if err != nil {
		t.Fatalf("GetDropped: %v", err)
	}
	if len(dropped) != 1 {
		t.Errorf("stored dropped = %v", dropped)
	}
	gotCfg, err := st.GetGradingConfig(run.Info.ID)
	if err != nil {
		t.Fatalf("GetGradingConfig: %v", err)
	}
	if gotCfg != pl.Config() {
		t.Errorf("stored config = %+v, want %+v", gotCfg, pl.Config())
	}

	// The stored results regenerate the same report.
	var live, again bytes.Buffer
	if err := pl.Report(&live, run); err != nil {
		t.Fatalf("Report: %v", err)
	}
	exp, err := st.ExportRun(run.Info.ID)
	if err != nil {
		t.Fatalf("ExportRun: %v", err)
	}
	replay := &Run{Info: exp.Run, Results: exp.Results, Summary: exp.Summary}
	if err := pl.Report(&again, replay); err != nil {
		t.Fatalf("Report: %v", err)
	}
	if live.String() != again.String() {
		t.Error("report from stored results differs from the live report")
	}
	if !strings.Contains(live.String(), "अंतिम सारांश") {
		t.Error("report should use the configured language")
	}
}

func TestExtractionFailureAbortsRun(t *testing.T) {
	tests := []struct {
		name      string
		reply     string
		modelErr  error
		wantStage extract.Stage
		malformed bool
	}{
		{"malformed reply", "I could not read the pages.", nil, extract.StageParse, true},
		{"model error", "", errors.New("quota exceeded"), extract.StageModel, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &fakeModel{
				studentReply:  tt.reply,
				studentErr:    tt.modelErr,
				officialReply: `[{"question_number": "1", "official_answer_text": "A1"}]`,
			}
			st := newTestStore(t)
			pl := newTestPipeline(t, m, model.GradingConfig{}, WithStore(st))
			run, err := pl.NewRun("exam", "bob")
			if err != nil {
				t.Fatalf("NewRun: %v", err)
			}

			err = pl.Grade(context.Background(), run, Inputs{
				QuestionPaper: []model.Document{pngDoc(t, "qp.png")},
				AnswerPages:   []model.Document{pngDoc(t, "p1.png")},
				AnswerKey:     []model.Document{pngDoc(t, "key.png")},
			})
			if !errors.Is(err, extract.ErrExtractionFailed) {
				t.Fatalf("expected ErrExtractionFailed, got %v", err)
			}
			var xerr *extract.Error
			if !errors.As(err, &xerr) || xerr.Stage != tt.wantStage || xerr.Side != model.SideStudent {
				t.Errorf("unexpected error details: %+v", xerr)
			}
			if got := errors.Is(err, llm.ErrMalformedResponse); got != tt.malformed {
				t.Errorf("errors.Is(ErrMalformedResponse) = %v, want %v", got, tt.malformed)
			}
			if tt.malformed && xerr.Raw != tt.reply {
				t.Errorf("Raw = %q, want the model reply", xerr.Raw)
			}
			if m.extractCalls != 1 || m.scoreCalls != 0 {
				t.Errorf("run should stop after the failed extraction: extract=%d score=%d", m.extractCalls, m.scoreCalls)
			}

			stored, err := st.GetRun(run.Info.ID)
			if err != nil {
				t.Fatalf("GetRun: %v", err)
			}
			if stored.Status != model.RunFailed || stored.Error == "" {
				t.Errorf("stored run = %+v", stored)
			}
		})
	}
}

func TestEvaluateRequiresExtractions(t *testing.T) {
	pl := newTestPipeline(t, &fakeModel{}, model.GradingConfig{})
	run, err := pl.NewRun("exam", "carol")
	if err != nil {
		t.Fatalf("NewRun: %v", err)
	}
	run.Official = []model.QuestionRecord{{QuestionNumber: "1"}}
	if err := pl.Evaluate(context.Background(), run); !errors.Is(err, ErrNotExtracted) {
		t.Errorf("expected ErrNotExtracted, got %v", err)
	}
}

func TestEvaluateCancelled(t *testing.T) {
	m := &fakeModel{scores: map[string]string{"answer": "50|Half."}}
	st := newTestStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pl := newTestPipeline(t, m, model.GradingConfig{}, WithStore(st), WithProgress(func(done, _ int, _ model.ScoredRecord) {
		if done == 1 {
			cancel()
		}
	}))

	run, err := pl.NewRun("exam", "dave")
	if err != nil {
		t.Fatalf("NewRun: %v", err)
	}
	run.Official = []model.QuestionRecord{
		{QuestionNumber: "1", OfficialAnswerText: "A1"},
		{QuestionNumber: "2", OfficialAnswerText: "A2"},
		{QuestionNumber: "3", OfficialAnswerText: "A3"},
	}
	run.Student = []model.QuestionRecord{
		{QuestionNumber: "1", AnswerText: "answer one", Status: model.StatusAnswered},
		{QuestionNumber: "2", AnswerText: "answer two", Status: model.StatusAnswered},
		{QuestionNumber: "3", AnswerText: "answer three", Status: model.StatusAnswered},
	}

	err = pl.Evaluate(ctx, run)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(run.Results) != 1 {
		t.Errorf("expected 1 finished result, got %d", len(run.Results))
	}
	stored, err := st.GetRun(run.Info.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if stored.Status != model.RunCancelled {
		t.Errorf("status = %q, want cancelled", stored.Status)
	}
	results, err := st.GetResults(run.Info.ID)
	if err != nil {
		t.Fatalf("GetResults: %v", err)
	}
	if len(results) != 1 {
		t.Errorf("expected partial results to be stored, got %d", len(results))
	}
	if err := pl.Report(&bytes.Buffer{}, run); err == nil {
		t.Error("a cancelled run should not produce a report")
	}
}

func TestNewRejectsUnknownVariant(t *testing.T) {
	p, err := prompts.Default()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := New(&fakeModel{}, p, model.GradingConfig{PromptVariant: "generous"}); err == nil {
		t.Error("expected error for unknown prompt variant")
	}
}

func TestUseExtraction(t *testing.T) {
	m := &fakeModel{scores: map[string]string{"m*a": "80|Correct idea."}}
	st := newTestStore(t)
	pl := newTestPipeline(t, m, model.GradingConfig{}, WithStore(st))

	run, err := pl.NewRun("exam", "erin")
	if err != nil {
		t.Fatalf("NewRun: %v", err)
	}
	if err := pl.UseExtraction(run, model.Side("examiner"), nil); err == nil {
		t.Error("expected error for unknown side")
	}

	student := []model.QuestionRecord{{QuestionNumber: "1", AnswerText: "m*a", Status: model.StatusAnswered}}
	official := []model.QuestionRecord{{QuestionNumber: "1", OfficialAnswerText: "F = ma"}}
	if err := pl.UseExtraction(run, model.SideStudent, student); err != nil {
		t.Fatalf("UseExtraction student: %v", err)
	}
	if run.Info.Status != model.RunCreated {
		t.Errorf("status = %q, want created until both sides are present", run.Info.Status)
	}
	if err := pl.UseExtraction(run, model.SideOfficial, official); err != nil {
		t.Fatalf("UseExtraction official: %v", err)
	}
	if run.Info.Status != model.RunExtracted {
		t.Errorf("status = %q, want extracted", run.Info.Status)
	}

	stored, err := st.GetExtraction(run.Info.ID, model.SideOfficial)
	if err != nil {
		t.Fatalf("GetExtraction: %v", err)
	}
	if len(stored) != 1 || stored[0].OfficialAnswerText != "F = ma" {
		t.Errorf("unexpected stored extraction: %+v", stored)
	}

	if err := pl.Evaluate(context.Background(), run); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if run.Results[0].Score != 80 || m.extractCalls != 0 {
		t.Errorf("unexpected result %+v after %d extract calls", run.Results[0], m.extractCalls)
	}
}
