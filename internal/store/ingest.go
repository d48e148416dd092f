package store

import (
	"context"
	"database/sql"
	"time"
)

// IngestRun is the audit row for a single refresh task.
type IngestRun struct {
	ID            int64
	TaskID        string
	StartedAt     time.Time
	FinishedAt    sql.NullTime
	Source        string // "acis"
	StationID     string
	RefreshDate   string
	RecordsParsed sql.NullInt64
	RecordsStored sql.NullInt64
	Success       bool
	ErrorMessage  sql.NullString
}

// StartIngestRun creates a new ingest run record and returns it.
func (s *Store) StartIngestRun(ctx context.Context, taskID, source, stationID string, refreshDate time.Time) (*IngestRun, error) {
	run := &IngestRun{
		TaskID:      taskID,
		StartedAt:   time.Now().UTC(),
		Source:      source,
		StationID:   stationID,
		RefreshDate: refreshDate.Format("2006-01-02"),
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO ingest_runs (task_id, started_at, source, station_id, refresh_date, success)
		VALUES (?, ?, ?, ?, ?, FALSE)
	`, run.TaskID, run.StartedAt, run.Source, run.StationID, run.RefreshDate)
	if err != nil {
		return nil, err
	}

	run.ID, err = result.LastInsertId()
	if err != nil {
		return nil, err
	}

	return run, nil
}

// CompleteIngestRun updates the ingest run with results.
func (s *Store) CompleteIngestRun(ctx context.Context, run *IngestRun) error {
	if run == nil {
		return nil
	}

	run.FinishedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}

	_, err := s.db.ExecContext(ctx, `
		UPDATE ingest_runs SET
			finished_at = ?,
			records_parsed = ?,
			records_stored = ?,
			success = ?,
			error_message = ?
		WHERE id = ?
	`, run.FinishedAt, run.RecordsParsed, run.RecordsStored, run.Success, run.ErrorMessage, run.ID)
	return err
}

// GetRecentIngestRuns returns the most recent runs for a station, newest first.
func (s *Store) GetRecentIngestRuns(ctx context.Context, stationID string, limit int) ([]IngestRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, started_at, finished_at, source, station_id, refresh_date,
			   records_parsed, records_stored, success, error_message
		FROM ingest_runs
		WHERE station_id = ?
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`, stationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []IngestRun
	for rows.Next() {
		var r IngestRun
		if err := rows.Scan(&r.ID, &r.TaskID, &r.StartedAt, &r.FinishedAt, &r.Source, &r.StationID,
			&r.RefreshDate, &r.RecordsParsed, &r.RecordsStored, &r.Success, &r.ErrorMessage); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
