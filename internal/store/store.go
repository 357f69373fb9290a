package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/papercheck/internal/model"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("run not found")

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// An in-memory database lives only as long as its connection.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		exam TEXT NOT NULL DEFAULT '',
		student TEXT NOT NULL DEFAULT '',
		prompt_variant TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'created',
		error TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS extractions (
		run_id TEXT NOT NULL,
		side TEXT NOT NULL,
		records TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		PRIMARY KEY (run_id, side),
		FOREIGN KEY (run_id) REFERENCES runs(id)
	);

	CREATE TABLE IF NOT EXISTS results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		question_number TEXT NOT NULL,
		question_text TEXT NOT NULL DEFAULT '',
		official_answer TEXT NOT NULL DEFAULT '',
		student_answer TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		score INTEGER NOT NULL,
		justification TEXT NOT NULL DEFAULT '',
		UNIQUE (run_id, position),
		FOREIGN KEY (run_id) REFERENCES runs(id)
	);

	CREATE TABLE IF NOT EXISTS run_metadata (
		run_id TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		PRIMARY KEY (run_id, key),
		FOREIGN KEY (run_id) REFERENCES runs(id)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateRun stores a new run. An empty ID is replaced by a fresh UUID and the
// returned RunInfo carries the stored values.
func (s *Store) CreateRun(run model.RunInfo) (model.RunInfo, error) {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.Status == "" {
		run.Status = model.RunCreated
	}
	run.CreatedAt = time.Now().UTC()

	_, err := s.db.Exec(
		`INSERT INTO runs (id, exam, student, prompt_variant, status, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Exam, run.Student, run.PromptVariant, run.Status, run.Error, run.CreatedAt,
	)
	if err != nil {
		return model.RunInfo{}, fmt.Errorf("create run: %w", err)
	}
	return run, nil
}

// GetRun returns a run by ID.
func (s *Store) GetRun(id string) (model.RunInfo, error) {
	var r model.RunInfo
	err := s.db.QueryRow(
		`SELECT id, exam, student, prompt_variant, status, error, created_at FROM runs WHERE id = ?`, id,
	).Scan(&r.ID, &r.Exam, &r.Student, &r.PromptVariant, &r.Status, &r.Error, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return r, ErrNotFound
	}
	return r, err
}

// ListRuns returns all runs, newest first.
func (s *Store) ListRuns() ([]model.RunInfo, error) {
	rows, err := s.db.Query(
		`SELECT id, exam, student, prompt_variant, status, error, created_at FROM runs ORDER BY created_at DESC, id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var runs []model.RunInfo
	for rows.Next() {
		var r model.RunInfo
		if err := rows.Scan(&r.ID, &r.Exam, &r.Student, &r.PromptVariant, &r.Status, &r.Error, &r.CreatedAt); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// UpdateRunStatus sets the run status and clears any recorded error.
func (s *Store) UpdateRunStatus(id string, status model.RunStatus) error {
	return s.setStatus(id, status, "")
}

// FailRun marks a run failed and records the cause.
func (s *Store) FailRun(id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return s.setStatus(id, model.RunFailed, msg)
}

func (s *Store) setStatus(id string, status model.RunStatus, msg string) error {
	res, err := s.db.Exec(`UPDATE runs SET status = ?, error = ? WHERE id = ?`, status, msg, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveExtraction stores the records extracted for one side of a run,
// replacing any earlier extraction for that side.
func (s *Store) SaveExtraction(runID string, side model.Side, records []model.QuestionRecord) error {
	if records == nil {
		records = []model.QuestionRecord{}
	}
	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("marshal %s extraction: %w", side, err)
	}
	_, err = s.db.Exec(
		`INSERT INTO extractions (run_id, side, records, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(run_id, side) DO UPDATE SET records = ?, created_at = ?`,
		runID, side, string(data), time.Now().UTC(), string(data), time.Now().UTC(),
	)
	return err
}

// GetExtraction returns the stored records for one side of a run. It returns
// nil and no error when nothing was stored.
func (s *Store) GetExtraction(runID string, side model.Side) ([]model.QuestionRecord, error) {
	var data string
	err := s.db.QueryRow(
		`SELECT records FROM extractions WHERE run_id = ? AND side = ?`, runID, side,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var records []model.QuestionRecord
	if err := json.Unmarshal([]byte(data), &records); err != nil {
		return nil, fmt.Errorf("decode %s extraction: %w", side, err)
	}
	return records, nil
}

// SaveResults replaces the scored results of a run. Input order is kept.
func (s *Store) SaveResults(runID string, results []model.ScoredRecord) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM results WHERE run_id = ?`, runID); err != nil {
		return err
	}
	for i, r := range results {
		_, err := tx.Exec(
			`INSERT INTO results (run_id, position, question_number, question_text, official_answer,
			 student_answer, status, score, justification)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			runID, i, r.QuestionNumber, r.QuestionText, r.OfficialAnswer,
			r.StudentAnswer, r.Status, r.Score, r.Justification,
		)
		if err != nil {
			return fmt.Errorf("insert result %q: %w", r.QuestionNumber, err)
		}
	}
	return tx.Commit()
}

// GetResults returns the scored results of a run in their original order.
func (s *Store) GetResults(runID string) ([]model.ScoredRecord, error) {
	rows, err := s.db.Query(
		`SELECT question_number, question_text, official_answer, student_answer, status, score, justification
		 FROM results WHERE run_id = ? ORDER BY position`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var results []model.ScoredRecord
	for rows.Next() {
		var r model.ScoredRecord
		if err := rows.Scan(&r.QuestionNumber, &r.QuestionText, &r.OfficialAnswer,
			&r.StudentAnswer, &r.Status, &r.Score, &r.Justification); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// RunCount returns the number of stored runs.
func (s *Store) RunCount() (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM runs`).Scan(&count)
	return count, err
}
