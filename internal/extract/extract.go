// Package extract turns exam documents into question records with a single
// batched model call per side.
package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/cast"

	"github.com/pavelanni/papercheck/internal/llm"
	"github.com/pavelanni/papercheck/internal/llm/prompts"
	"github.com/pavelanni/papercheck/internal/model"
)

// ErrExtractionFailed is matched by every error the Extractor returns.
var ErrExtractionFailed = errors.New("extraction failed")

var errNoRecords = errors.New("no usable question records in response")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Stage names the step of an extraction task that failed.
type Stage string

const (
	StageUpload Stage = "upload"
	StageModel  Stage = "model"
	StageParse  Stage = "parse"
)

// Error describes a failed extraction task. Raw holds the model reply when
// one was received.
type Error struct {
	Side  model.Side
	Stage Stage
	Raw   string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s extraction failed at %s stage: %v", e.Side, e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == ErrExtractionFailed }

// Model is the part of the AI client the Extractor needs.
type Model interface {
	Extract(ctx context.Context, instruction string, docs []model.Document) (string, error)
}

// Extractor runs student-side and official-side extraction tasks.
type Extractor struct {
	model   Model
	prompts *prompts.Set
	opts    prompts.Options
}

// New creates an Extractor.
func New(m Model, p *prompts.Set, opts prompts.Options) *Extractor {
	return &Extractor{
		model:   m,
		prompts: p,
		opts:    opts,
	}
}

// rawRecord is one element of the model's reply after loose coercion.
type rawRecord struct {
	QuestionNumber     string `validate:"required"`
	QuestionText       string
	AnswerText         string
	Status             string
	OfficialAnswerText string
}

// Student matches handwritten answer pages against the question paper.
func (e *Extractor) Student(ctx context.Context, questionPaper, answerPages []model.Document) ([]model.QuestionRecord, error) {
	instruction, err := e.prompts.StudentExtraction(e.opts)
	if err != nil {
		return nil, &Error{Side: model.SideStudent, Stage: StageUpload, Err: err}
	}
	return e.run(ctx, model.SideStudent, instruction,
		docGroup{"question_paper", questionPaper},
		docGroup{"answer_page", answerPages},
	)
}

// Official extracts questions and official answers from the answer key.
func (e *Extractor) Official(ctx context.Context, questionPaper, answerKey []model.Document) ([]model.QuestionRecord, error) {
	instruction, err := e.prompts.OfficialExtraction(e.opts)
	if err != nil {
		return nil, &Error{Side: model.SideOfficial, Stage: StageUpload, Err: err}
	}
	return e.run(ctx, model.SideOfficial, instruction,
		docGroup{"question_paper", questionPaper},
		docGroup{"official_answer_key", answerKey},
	)
}

type docGroup struct {
	label string
	docs  []model.Document
}

func (e *Extractor) run(ctx context.Context, side model.Side, instruction string, groups ...docGroup) ([]model.QuestionRecord, error) {
	docs, err := prepare(groups)
	if err != nil {
		return nil, &Error{Side: side, Stage: StageUpload, Err: err}
	}

	slog.Info("running extraction", "side", side, "documents", len(docs))
	raw, err := e.model.Extract(ctx, instruction, docs)
	if err != nil {
		stage := StageModel
		if errors.Is(err, llm.ErrUnsupportedDocument) {
			stage = StageUpload
		}
		return nil, &Error{Side: side, Stage: stage, Err: err}
	}

	return Decode(side, raw)
}

// Decode parses a model reply, or a previously saved extraction file, into
// validated records for side. It fails when no usable record remains.
func Decode(side model.Side, raw string) ([]model.QuestionRecord, error) {
	elems, err := llm.ParseJSONArray(raw)
	if err != nil {
		return nil, &Error{Side: side, Stage: StageParse, Raw: raw, Err: err}
	}

	records := Records(side, elems)
	if len(records) == 0 {
		return nil, &Error{Side: side, Stage: StageParse, Raw: raw, Err: errNoRecords}
	}
	slog.Info("extracted records", "side", side, "count", len(records), "skipped", len(elems)-len(records))
	return records, nil
}

// prepare names every document after its role and page position and fills in
// missing MIME types. The copies are transient and only live for one call.
func prepare(groups []docGroup) ([]model.Document, error) {
	var out []model.Document
	for _, g := range groups {
		if len(g.docs) == 0 {
			return nil, fmt.Errorf("no %s documents given", g.label)
		}
		for i, d := range g.docs {
			if len(d.Data) == 0 {
				return nil, fmt.Errorf("%s document %q is empty", g.label, d.Name)
			}
			mime := d.MIMEType
			if mime == "" {
				mime = http.DetectContentType(d.Data)
			}
			out = append(out, model.Document{
				Name:     fmt.Sprintf("%s_%d%s", g.label, i+1, filepath.Ext(d.Name)),
				MIMEType: mime,
				Data:     d.Data,
			})
		}
	}
	return out, nil
}

// Records validates each element on its own so one malformed entry does not
// discard the whole batch. question_number is trimmed and may be a number;
// student statuses are normalized.
func Records(side model.Side, elems []any) []model.QuestionRecord {
	records := make([]model.QuestionRecord, 0, len(elems))
	for i, el := range elems {
		obj, ok := el.(map[string]any)
		if !ok {
			slog.Warn("skipping non-object element", "side", side, "index", i)
			continue
		}

		raw := rawRecord{
			QuestionNumber:     strings.TrimSpace(field(obj, "question_number")),
			QuestionText:       field(obj, "question_text"),
			AnswerText:         field(obj, "answer_text"),
			Status:             field(obj, "status"),
			OfficialAnswerText: field(obj, "official_answer_text"),
		}
		if err := validate.Struct(raw); err != nil {
			slog.Warn("skipping invalid record", "side", side, "index", i, "error", err)
			continue
		}

		rec := model.QuestionRecord{
			QuestionNumber: raw.QuestionNumber,
			QuestionText:   raw.QuestionText,
		}
		switch side {
		case model.SideStudent:
			rec.AnswerText = raw.AnswerText
			rec.Status = model.ParseAnswerStatus(raw.Status)
			if rec.Status == model.StatusNotAnswered {
				rec.AnswerText = model.NotAnsweredText
			}
		case model.SideOfficial:
			rec.OfficialAnswerText = raw.OfficialAnswerText
		}
		records = append(records, rec)
	}
	return records
}

// field coerces a loosely typed JSON value to a string. Numbers become their
// decimal form; objects and arrays become "".
func field(obj map[string]any, key string) string {
	s, err := cast.ToStringE(obj[key])
	if err != nil {
		return ""
	}
	return s
}
