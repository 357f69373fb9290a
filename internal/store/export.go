package store

import (
	"fmt"

	"github.com/pavelanni/papercheck/internal/grading"
	"github.com/pavelanni/papercheck/internal/model"
)

// typedMetaKeys are exported through RunExport's own fields.
var typedMetaKeys = []string{
	MetaLang, MetaConcurrency, MetaExpectedQuestions, MetaDetailedSubparts, MetaDropped,
}

// ExportRun builds the export-ready view of one run.
func (s *Store) ExportRun(runID string) (*model.RunExport, error) {
	run, err := s.GetRun(runID)
	if err != nil {
		return nil, err
	}
	cfg, err := s.GetGradingConfig(runID)
	if err != nil {
		return nil, fmt.Errorf("get grading config: %w", err)
	}
	dropped, err := s.GetDropped(runID)
	if err != nil {
		return nil, fmt.Errorf("get dropped questions: %w", err)
	}
	meta, err := s.Metadata(runID)
	if err != nil {
		return nil, fmt.Errorf("get metadata: %w", err)
	}
	for _, k := range typedMetaKeys {
		delete(meta, k)
	}
	student, err := s.GetExtraction(runID, model.SideStudent)
	if err != nil {
		return nil, fmt.Errorf("get student extraction: %w", err)
	}
	official, err := s.GetExtraction(runID, model.SideOfficial)
	if err != nil {
		return nil, fmt.Errorf("get official extraction: %w", err)
	}
	results, err := s.GetResults(runID)
	if err != nil {
		return nil, fmt.Errorf("get results: %w", err)
	}
	if results == nil {
		results = []model.ScoredRecord{}
	}
	if len(meta) == 0 {
		meta = nil
	}

	return &model.RunExport{
		Run:      run,
		Config:   cfg,
		Dropped:  dropped,
		Metadata: meta,
		Student:  student,
		Official: official,
		Results:  results,
		Summary:  grading.Summarize(results),
	}, nil
}

// ExportAllRuns builds export-ready views of every stored run, newest first.
func (s *Store) ExportAllRuns() ([]model.RunExport, error) {
	runs, err := s.ListRuns()
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}

	var exports []model.RunExport
	for _, r := range runs {
		exp, err := s.ExportRun(r.ID)
		if err != nil {
			return nil, fmt.Errorf("export run %s: %w", r.ID, err)
		}
		exports = append(exports, *exp)
	}
	return exports, nil
}
