package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lox/climatenormals/internal/models"
)

// ErrStoreUnavailable is returned when a write transaction cannot be started,
// executed or committed. No partial change is visible when it is returned.
var ErrStoreUnavailable = errors.New("store unavailable")

// ErrInvalidWrite is returned for writes the store refuses regardless of its
// state: a record filed under another station, or marking a station that has
// no metadata.
var ErrInvalidWrite = errors.New("invalid write")

type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

func New(db *sql.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger.With("component", "store")}
}

// Refresh is the result of one successful provider fetch, written by
// ApplyRefresh as a single transaction.
type Refresh struct {
	Meta          models.StationMetadata
	Records       []models.StatisticRecord
	Date          time.Time
	SchemaVersion int
}

// ApplyRefresh upserts the station metadata, replaces every statistic for the
// station and marks it refreshed, all in one transaction. Readers see either
// the previous data or the new data, never a mix.
func (s *Store) ApplyRefresh(ctx context.Context, r Refresh) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := upsertMetadata(ctx, tx, r.Meta); err != nil {
			return err
		}
		if err := replaceStation(ctx, tx, r.Meta.StationID, r.Records); err != nil {
			return err
		}
		return markRefreshed(ctx, tx, r.Meta.StationID, r.Date, r.SchemaVersion)
	})
}

// ReplaceStation atomically deletes all statistics for stationID and inserts
// records in their place.
func (s *Store) ReplaceStation(ctx context.Context, stationID string, records []models.StatisticRecord) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return replaceStation(ctx, tx, stationID, records)
	})
}

// UpsertMetadata inserts or replaces the descriptive metadata for a station.
// The refresh date and schema version are left untouched.
func (s *Store) UpsertMetadata(ctx context.Context, meta models.StationMetadata) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return upsertMetadata(ctx, tx, meta)
	})
}

// MarkRefreshed records date as the last successful refresh of stationID. An
// earlier date than the one stored leaves last_refresh where it is.
func (s *Store) MarkRefreshed(ctx context.Context, stationID string, date time.Time, schemaVersion int) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return markRefreshed(ctx, tx, stationID, date, schemaVersion)
	})
}

// Lookup returns the stored statistic for key, or nil if there is none.
func (s *Store) Lookup(ctx context.Context, key models.StatisticKey) (*models.Lookup, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT value, us_units, year
		FROM climate_data
		WHERE station_id = ? AND month = ? AND day = ? AND obs_type = ? AND stat = ? AND reduction = ?
	`, key.StationID, key.Month, key.Day, key.ObsType, key.Stat, key.Reduction)

	var l models.Lookup
	var us int
	err := row.Scan(&l.Value, &us, &l.Year)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	l.UnitSystem = models.UnitSystem(us)
	return &l, nil
}

// LastRefresh returns the date of the last successful refresh of stationID.
// ok is false if the station has never been refreshed.
func (s *Store) LastRefresh(ctx context.Context, stationID string) (date time.Time, ok bool, err error) {
	var raw sql.NullString
	err = s.db.QueryRowContext(ctx, `SELECT last_refresh FROM station_metadata WHERE station_id = ?`, stationID).Scan(&raw)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	if !raw.Valid || raw.String == "" {
		return time.Time{}, false, nil
	}
	date, err = time.Parse(models.DateLayout, raw.String)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse last_refresh %q: %w", raw.String, err)
	}
	return date, true, nil
}

func (s *Store) GetStation(ctx context.Context, stationID string) (*models.StationMetadata, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT station_id, station_name, station_location, latitude, longitude, altitude, last_refresh, schema_version, updated_at
		FROM station_metadata
		WHERE station_id = ?
	`, stationID)

	meta, err := scanStation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return meta, nil
}

func (s *Store) ListStations(ctx context.Context) ([]models.StationMetadata, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT station_id, station_name, station_location, latitude, longitude, altitude, last_refresh, schema_version, updated_at
		FROM station_metadata
		ORDER BY station_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stations []models.StationMetadata
	for rows.Next() {
		meta, err := scanStation(rows)
		if err != nil {
			return nil, err
		}
		stations = append(stations, *meta)
	}
	return stations, rows.Err()
}

// CountRecords returns how many statistics are stored for stationID.
func (s *Store) CountRecords(ctx context.Context, stationID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM climate_data WHERE station_id = ?`, stationID).Scan(&n)
	return n, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanStation(row scanner) (*models.StationMetadata, error) {
	var meta models.StationMetadata
	var name, location, lastRefresh sql.NullString
	if err := row.Scan(&meta.StationID, &name, &location, &meta.Latitude, &meta.Longitude, &meta.Altitude,
		&lastRefresh, &meta.SchemaVersion, &meta.UpdatedAt); err != nil {
		return nil, err
	}
	meta.Name = name.String
	meta.Location = location.String
	if lastRefresh.Valid && lastRefresh.String != "" {
		d, err := time.Parse(models.DateLayout, lastRefresh.String)
		if err != nil {
			return nil, fmt.Errorf("parse last_refresh %q: %w", lastRefresh.String, err)
		}
		meta.LastRefresh = sql.NullTime{Time: d, Valid: true}
	}
	return &meta, nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrStoreUnavailable, err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		if errors.Is(err, ErrInvalidWrite) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func upsertMetadata(ctx context.Context, tx *sql.Tx, meta models.StationMetadata) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO station_metadata (station_id, station_name, station_location, latitude, longitude, altitude, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(station_id) DO UPDATE SET
			station_name = excluded.station_name,
			station_location = excluded.station_location,
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			altitude = excluded.altitude,
			updated_at = excluded.updated_at
	`, meta.StationID, meta.Name, meta.Location, meta.Latitude, meta.Longitude, meta.Altitude, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert metadata %s: %w", meta.StationID, err)
	}
	return nil
}

func replaceStation(ctx context.Context, tx *sql.Tx, stationID string, records []models.StatisticRecord) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM climate_data WHERE station_id = ?`, stationID); err != nil {
		return fmt.Errorf("delete %s: %w", stationID, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO climate_data (station_id, month, day, us_units, obs_type, stat, reduction, value, year)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		if r.StationID != stationID {
			return fmt.Errorf("%w: record for station %q in replacement of %q", ErrInvalidWrite, r.StationID, stationID)
		}
		if _, err := stmt.ExecContext(ctx, r.StationID, r.Month, r.Day, int(r.UnitSystem),
			r.ObsType, r.Stat, r.Reduction, r.Value, r.Year); err != nil {
			return fmt.Errorf("insert %s %02d-%02d %s.%s.%s: %w",
				stationID, r.Month, r.Day, r.ObsType, r.Stat, r.Reduction, err)
		}
	}
	return nil
}

func markRefreshed(ctx context.Context, tx *sql.Tx, stationID string, date time.Time, schemaVersion int) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE station_metadata
		SET last_refresh = MAX(COALESCE(last_refresh, ''), ?), schema_version = ?, updated_at = ?
		WHERE station_id = ?
	`, models.DateOf(date).Format(models.DateLayout), schemaVersion, time.Now().UTC(), stationID)
	if err != nil {
		return fmt.Errorf("mark %s refreshed: %w", stationID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: mark %s refreshed: no metadata for station", ErrInvalidWrite, stationID)
	}
	return nil
}
