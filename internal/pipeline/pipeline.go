// Package pipeline wires the grading stages together around an explicit,
// run-scoped state object.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"

	"github.com/pavelanni/papercheck/internal/extract"
	"github.com/pavelanni/papercheck/internal/grading"
	"github.com/pavelanni/papercheck/internal/llm/prompts"
	"github.com/pavelanni/papercheck/internal/model"
	"github.com/pavelanni/papercheck/internal/report"
	"github.com/pavelanni/papercheck/internal/scan"
)

// ErrNotExtracted is returned by Evaluate when a side has not been extracted.
var ErrNotExtracted = errors.New("run is missing the student or official extraction")

// Model is the AI capability the stages need. *llm.Client implements it.
type Model interface {
	extract.Model
	grading.Model
}

// Store persists run state between stages. *store.Store implements it.
type Store interface {
	CreateRun(run model.RunInfo) (model.RunInfo, error)
	UpdateRunStatus(id string, status model.RunStatus) error
	FailRun(id string, cause error) error
	SaveExtraction(runID string, side model.Side, records []model.QuestionRecord) error
	SaveResults(runID string, results []model.ScoredRecord) error
	SetGradingConfig(runID string, cfg model.GradingConfig) error
	SetDropped(runID string, questions []string) error
}

// Run holds everything one grading run produces. Each stage reads and writes
// its own fields, so a later stage can be repeated without redoing the
// earlier ones.
type Run struct {
	Info        model.RunInfo
	Student     []model.QuestionRecord
	Official    []model.QuestionRecord
	Comparisons []model.ComparisonRecord
	Dropped     []string
	Results     []model.ScoredRecord
	Summary     model.Summary
}

// Pipeline runs grading stages with one configuration.
type Pipeline struct {
	model     Model
	prompts   *prompts.Set
	cfg       model.GradingConfig
	extractor *extract.Extractor
	store     Store
	progress  grading.ProgressFunc
	normalize scan.Options
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithStore persists every stage's output.
func WithStore(s Store) Option { return func(p *Pipeline) { p.store = s } }

// WithProgress is called after each scored record.
func WithProgress(fn grading.ProgressFunc) Option { return func(p *Pipeline) { p.progress = fn } }

// WithNormalizeOptions tunes page normalization.
func WithNormalizeOptions(o scan.Options) Option { return func(p *Pipeline) { p.normalize = o } }

// New creates a Pipeline. Missing config values take their defaults.
func New(m Model, p *prompts.Set, cfg model.GradingConfig, opts ...Option) (*Pipeline, error) {
	if cfg.PromptVariant == "" {
		cfg.PromptVariant = string(prompts.Standard)
	}
	if !prompts.IsValidVariant(cfg.PromptVariant) {
		return nil, fmt.Errorf("invalid prompt variant %q (valid: strict, standard, lenient)", cfg.PromptVariant)
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.Lang == "" {
		cfg.Lang = "en"
	}

	pl := &Pipeline{
		model:   m,
		prompts: p,
		cfg:     cfg,
		extractor: extract.New(m, p, prompts.Options{
			ExpectedQuestions: cfg.ExpectedQuestions,
			DetailedSubparts:  cfg.DetailedSubparts,
		}),
		normalize: scan.DefaultOptions,
	}
	for _, o := range opts {
		o(pl)
	}
	return pl, nil
}

// Config returns the effective grading configuration.
func (p *Pipeline) Config() model.GradingConfig { return p.cfg }

// NewRun starts a run and records it in the store, if any.
func (p *Pipeline) NewRun(exam, student string) (*Run, error) {
	info := model.RunInfo{
		Exam:          exam,
		Student:       student,
		PromptVariant: p.cfg.PromptVariant,
		Status:        model.RunCreated,
	}
	if p.store == nil {
		info.ID = uuid.NewString()
		return &Run{Info: info}, nil
	}

	info, err := p.store.CreateRun(info)
	if err != nil {
		return nil, err
	}
	if err := p.store.SetGradingConfig(info.ID, p.cfg); err != nil {
		return nil, fmt.Errorf("save grading config: %w", err)
	}
	slog.Info("created run", "run", info.ID, "exam", exam, "student", student)
	return &Run{Info: info}, nil
}

// NormalizePages cleans scanned answer pages before extraction.
func (p *Pipeline) NormalizePages(pages []model.Document) ([]model.Document, error) {
	out := make([]model.Document, 0, len(pages))
	for _, page := range pages {
		doc, err := scan.NormalizeDocument(page, p.normalize)
		if err != nil {
			return nil, fmt.Errorf("normalize page: %w", err)
		}
		out = append(out, doc)
	}
	return out, nil
}

// ExtractStudent fills run.Student from the question paper and the student's
// answer pages.
func (p *Pipeline) ExtractStudent(ctx context.Context, run *Run, questionPaper, answerPages []model.Document) error {
	recs, err := p.extractor.Student(ctx, questionPaper, answerPages)
	if err != nil {
		p.fail(run, err)
		return err
	}
	run.Student = recs
	slog.Info("student extraction done", "run", run.Info.ID, "records", len(recs))
	return p.saveExtraction(run, model.SideStudent, recs)
}

// ExtractOfficial fills run.Official from the question paper and the answer
// key.
func (p *Pipeline) ExtractOfficial(ctx context.Context, run *Run, questionPaper, answerKey []model.Document) error {
	recs, err := p.extractor.Official(ctx, questionPaper, answerKey)
	if err != nil {
		p.fail(run, err)
		return err
	}
	run.Official = recs
	slog.Info("official extraction done", "run", run.Info.ID, "records", len(recs))
	return p.saveExtraction(run, model.SideOfficial, recs)
}

// UseExtraction attaches records extracted earlier, for example read back
// from a --student-out file, to run.
func (p *Pipeline) UseExtraction(run *Run, side model.Side, recs []model.QuestionRecord) error {
	if recs == nil {
		recs = []model.QuestionRecord{}
	}
	switch side {
	case model.SideStudent:
		run.Student = recs
	case model.SideOfficial:
		run.Official = recs
	default:
		return fmt.Errorf("unknown extraction side %q", side)
	}
	return p.saveExtraction(run, side, recs)
}

func (p *Pipeline) saveExtraction(run *Run, side model.Side, recs []model.QuestionRecord) error {
	if p.store != nil {
		if err := p.store.SaveExtraction(run.Info.ID, side, recs); err != nil {
			return fmt.Errorf("save %s extraction: %w", side, err)
		}
	}
	if run.Student != nil && run.Official != nil {
		return p.setStatus(run, model.RunExtracted)
	}
	return nil
}

// Evaluate merges the two extractions, scores every comparison record and
// computes the summary. If ctx is cancelled mid-way the records scored so far
// are kept, the run is marked cancelled and the context error is returned.
func (p *Pipeline) Evaluate(ctx context.Context, run *Run) error {
	if run.Student == nil || run.Official == nil {
		return ErrNotExtracted
	}

	merged := grading.MergeWithReport(run.Student, run.Official)
	run.Comparisons = merged.Records
	run.Dropped = merged.Dropped
	if len(merged.Dropped) > 0 {
		slog.Warn("official questions missing from student extraction",
			"run", run.Info.ID, "count", len(merged.Dropped), "questions", merged.Dropped)
	}
	if p.store != nil {
		if err := p.store.SetDropped(run.Info.ID, merged.Dropped); err != nil {
			return fmt.Errorf("save dropped questions: %w", err)
		}
	}

	scorer := grading.NewScorer(p.model, p.prompts, prompts.Variant(p.cfg.PromptVariant),
		grading.WithConcurrency(p.cfg.Concurrency),
		grading.WithProgress(p.onScored(run)),
	)
	results, scoreErr := scorer.ScoreAll(ctx, run.Comparisons)
	run.Results = results
	run.Summary = grading.Summarize(results)

	if p.store != nil {
		if err := p.store.SaveResults(run.Info.ID, results); err != nil {
			return fmt.Errorf("save results: %w", err)
		}
	}
	if scoreErr != nil {
		slog.Warn("evaluation cancelled", "run", run.Info.ID, "scored", len(results), "total", len(run.Comparisons))
		if err := p.setStatus(run, model.RunCancelled); err != nil {
			return errors.Join(scoreErr, err)
		}
		return scoreErr
	}

	slog.Info("evaluation done", "run", run.Info.ID,
		"total_questions", run.Summary.TotalQuestions,
		"answered", run.Summary.AnsweredCount,
		"average", fmt.Sprintf("%.2f", run.Summary.AverageScore))
	return p.setStatus(run, model.RunEvaluated)
}

func (p *Pipeline) onScored(run *Run) grading.ProgressFunc {
	return func(done, total int, rec model.ScoredRecord) {
		slog.Info("scored question", "run", run.Info.ID, "progress", fmt.Sprintf("%d/%d", done, total),
			"question", rec.QuestionNumber, "score", rec.Score)
		if p.progress != nil {
			p.progress(done, total, rec)
		}
	}
}

// Report renders the run's report in the configured language. A cancelled
// run has no report.
func (p *Pipeline) Report(w io.Writer, run *Run) error {
	if run.Info.Status == model.RunCancelled {
		return fmt.Errorf("run %s was cancelled; no report", run.Info.ID)
	}
	return report.Render(w, run.Results, run.Summary, p.cfg.Lang)
}

// Inputs are the documents of a full grading run.
type Inputs struct {
	QuestionPaper []model.Document
	AnswerPages   []model.Document
	AnswerKey     []model.Document
	// Normalize cleans the answer pages before extraction.
	Normalize bool
}

// Grade runs every stage in order. Either extraction failing aborts the run
// before scoring starts.
func (p *Pipeline) Grade(ctx context.Context, run *Run, in Inputs) error {
	pages := in.AnswerPages
	if in.Normalize {
		var err error
		if pages, err = p.NormalizePages(pages); err != nil {
			p.fail(run, err)
			return err
		}
	}
	if err := p.ExtractStudent(ctx, run, in.QuestionPaper, pages); err != nil {
		return err
	}
	if err := p.ExtractOfficial(ctx, run, in.QuestionPaper, in.AnswerKey); err != nil {
		return err
	}
	return p.Evaluate(ctx, run)
}

func (p *Pipeline) setStatus(run *Run, status model.RunStatus) error {
	run.Info.Status = status
	run.Info.Error = ""
	if p.store == nil {
		return nil
	}
	if err := p.store.UpdateRunStatus(run.Info.ID, status); err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	return nil
}

func (p *Pipeline) fail(run *Run, cause error) {
	run.Info.Status = model.RunFailed
	run.Info.Error = cause.Error()
	if p.store == nil {
		return
	}
	if err := p.store.FailRun(run.Info.ID, cause); err != nil {
		slog.Error("failed to record run failure", "run", run.Info.ID, "error", err)
	}
}
