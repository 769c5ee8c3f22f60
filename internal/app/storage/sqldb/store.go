// Package sqldb implements the analysis registry on a SQL database.
// The same store serves PostgreSQL and SQLite; queries are written
// with ? placeholders and rebound for the active driver.
package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/voxelcare/volumetry-agent/internal/app/domain/study"
	"github.com/voxelcare/volumetry-agent/internal/app/storage"
)

// Store implements storage.AnalysisStore backed by a SQL database.
type Store struct {
	db *sqlx.DB
}

var _ storage.AnalysisStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// analysisRow maps the analyses table. trigger is a reserved word, so
// the column is named trigger_source.
type analysisRow struct {
	ID           string       `db:"id"`
	StudyCode    string       `db:"study_code"`
	Filename     string       `db:"filename"`
	Patient      string       `db:"patient"`
	Trigger      string       `db:"trigger_source"`
	Status       string       `db:"status"`
	Error        string       `db:"error"`
	MetricsCount int          `db:"metrics_count"`
	RequestedAt  time.Time    `db:"requested_at"`
	StartedAt    sql.NullTime `db:"started_at"`
	FinishedAt   sql.NullTime `db:"finished_at"`
}

func toRow(a study.Analysis) analysisRow {
	return analysisRow{
		ID:           a.ID,
		StudyCode:    a.StudyCode,
		Filename:     a.Filename,
		Patient:      a.Patient,
		Trigger:      a.Trigger,
		Status:       a.Status,
		Error:        a.Error,
		MetricsCount: a.MetricsCount,
		RequestedAt:  a.RequestedAt,
		StartedAt:    nullTime(a.StartedAt),
		FinishedAt:   nullTime(a.FinishedAt),
	}
}

func (r analysisRow) toDomain() study.Analysis {
	return study.Analysis{
		ID:           r.ID,
		StudyCode:    r.StudyCode,
		Filename:     r.Filename,
		Patient:      r.Patient,
		Trigger:      r.Trigger,
		Status:       r.Status,
		Error:        r.Error,
		MetricsCount: r.MetricsCount,
		RequestedAt:  r.RequestedAt,
		StartedAt:    r.StartedAt.Time,
		FinishedAt:   r.FinishedAt.Time,
	}
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

func (s *Store) CreateAnalysis(ctx context.Context, a study.Analysis) (study.Analysis, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = study.StatusQueued
	}
	if a.RequestedAt.IsZero() {
		a.RequestedAt = time.Now().UTC()
	}

	row := toRow(a)
	query := s.db.Rebind(`
		INSERT INTO analyses (id, study_code, filename, patient, trigger_source, status, error, metrics_count, requested_at, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err := s.db.ExecContext(ctx, query,
		row.ID, row.StudyCode, row.Filename, row.Patient, row.Trigger,
		row.Status, row.Error, row.MetricsCount, row.RequestedAt,
		row.StartedAt, row.FinishedAt)
	if err != nil {
		return study.Analysis{}, err
	}
	return a, nil
}

func (s *Store) UpdateAnalysis(ctx context.Context, a study.Analysis) (study.Analysis, error) {
	existing, err := s.GetAnalysis(ctx, a.ID)
	if err != nil {
		return study.Analysis{}, err
	}
	a.RequestedAt = existing.RequestedAt

	row := toRow(a)
	query := s.db.Rebind(`
		UPDATE analyses
		SET status = ?, error = ?, patient = ?, metrics_count = ?, started_at = ?, finished_at = ?
		WHERE id = ?
	`)
	result, err := s.db.ExecContext(ctx, query,
		row.Status, row.Error, row.Patient, row.MetricsCount,
		row.StartedAt, row.FinishedAt, row.ID)
	if err != nil {
		return study.Analysis{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return study.Analysis{}, storage.NotFoundf("analysis %s not found", a.ID)
	}
	return a, nil
}

func (s *Store) GetAnalysis(ctx context.Context, id string) (study.Analysis, error) {
	var row analysisRow
	query := s.db.Rebind(`
		SELECT id, study_code, filename, patient, trigger_source, status, error, metrics_count, requested_at, started_at, finished_at
		FROM analyses
		WHERE id = ?
	`)
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return study.Analysis{}, storage.NotFoundf("analysis %s not found", id)
		}
		return study.Analysis{}, err
	}
	return row.toDomain(), nil
}

func (s *Store) ListAnalyses(ctx context.Context, studyCode string, limit int) ([]study.Analysis, error) {
	query := `
		SELECT id, study_code, filename, patient, trigger_source, status, error, metrics_count, requested_at, started_at, finished_at
		FROM analyses
	`
	var args []interface{}
	if studyCode != "" {
		query += " WHERE study_code = ?"
		args = append(args, studyCode)
	}
	query += " ORDER BY requested_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	var rows []analysisRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, err
	}

	out := make([]study.Analysis, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (s *Store) ListPendingAnalyses(ctx context.Context) ([]study.Analysis, error) {
	query := s.db.Rebind(`
		SELECT id, study_code, filename, patient, trigger_source, status, error, metrics_count, requested_at, started_at, finished_at
		FROM analyses
		WHERE status = ?
		ORDER BY requested_at ASC
	`)

	var rows []analysisRow
	if err := s.db.SelectContext(ctx, &rows, query, study.StatusQueued); err != nil {
		return nil, err
	}

	out := make([]study.Analysis, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}
