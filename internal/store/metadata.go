package store

import (
	"database/sql"
	"strconv"
	"strings"

	"github.com/pavelanni/papercheck/internal/model"
)

// Metadata keys recorded for every run.
const (
	MetaModel             = "model"
	MetaLang              = "lang"
	MetaConcurrency       = "concurrency"
	MetaExpectedQuestions = "expected_questions"
	MetaDetailedSubparts  = "detailed_subparts"
	MetaDropped           = "dropped_questions"
)

// SetMetadata upserts a key-value pair for a run.
func (s *Store) SetMetadata(runID, key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO run_metadata (run_id, key, value) VALUES (?, ?, ?)
		 ON CONFLICT(run_id, key) DO UPDATE SET value = ?`,
		runID, key, value, value,
	)
	return err
}

// GetMetadata returns the value for a metadata key.
// Returns empty string and nil error if the key is missing.
func (s *Store) GetMetadata(runID, key string) (string, error) {
	var value string
	err := s.db.QueryRow(
		`SELECT value FROM run_metadata WHERE run_id = ? AND key = ?`, runID, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// Metadata returns every metadata pair of a run.
func (s *Store) Metadata(runID string) (map[string]string, error) {
	rows, err := s.db.Query(`SELECT key, value FROM run_metadata WHERE run_id = ? ORDER BY key`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	meta := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		meta[k] = v
	}
	return meta, rows.Err()
}

// SetGradingConfig stores the grading parameters a run was made with.
func (s *Store) SetGradingConfig(runID string, cfg model.GradingConfig) error {
	pairs := []struct{ k, v string }{
		{MetaLang, cfg.Lang},
		{MetaConcurrency, strconv.Itoa(cfg.Concurrency)},
		{MetaExpectedQuestions, strconv.Itoa(cfg.ExpectedQuestions)},
		{MetaDetailedSubparts, strconv.FormatBool(cfg.DetailedSubparts)},
	}
	for _, p := range pairs {
		if err := s.SetMetadata(runID, p.k, p.v); err != nil {
			return err
		}
	}
	return nil
}

// GetGradingConfig reads the grading parameters of a run. The prompt variant
// comes from the run itself.
func (s *Store) GetGradingConfig(runID string) (model.GradingConfig, error) {
	run, err := s.GetRun(runID)
	if err != nil {
		return model.GradingConfig{}, err
	}
	meta, err := s.Metadata(runID)
	if err != nil {
		return model.GradingConfig{}, err
	}

	cfg := model.GradingConfig{PromptVariant: run.PromptVariant, Lang: meta[MetaLang]}
	if v := meta[MetaConcurrency]; v != "" {
		if cfg.Concurrency, err = strconv.Atoi(v); err != nil {
			return cfg, err
		}
	}
	if v := meta[MetaExpectedQuestions]; v != "" {
		if cfg.ExpectedQuestions, err = strconv.Atoi(v); err != nil {
			return cfg, err
		}
	}
	if v := meta[MetaDetailedSubparts]; v != "" {
		if cfg.DetailedSubparts, err = strconv.ParseBool(v); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

// SetDropped records the official questions the merge left out.
func (s *Store) SetDropped(runID string, questions []string) error {
	return s.SetMetadata(runID, MetaDropped, strings.Join(questions, "\n"))
}

// GetDropped returns the official questions the merge left out.
func (s *Store) GetDropped(runID string) ([]string, error) {
	v, err := s.GetMetadata(runID, MetaDropped)
	if err != nil || v == "" {
		return nil, err
	}
	return strings.Split(v, "\n"), nil
}
