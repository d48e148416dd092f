// Package climate answers read-only queries against stored day-of-year
// normals: dotted statistic paths and named aggregates.
package climate

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lox/climatenormals/internal/metrics"
	"github.com/lox/climatenormals/internal/models"
	"github.com/lox/climatenormals/internal/units"
)

// Source is the read side of the statistics store.
type Source interface {
	Lookup(ctx context.Context, key models.StatisticKey) (*models.Lookup, error)
	GetStation(ctx context.Context, stationID string) (*models.StationMetadata, error)
}

// Result is a resolved statistic. The zero Result is the absent answer: no
// record exists for the day. A record whose value was reported missing has a
// unit but no value.
type Result struct {
	Value sql.NullFloat64
	Unit  string
	Group units.Group
	Year  sql.NullInt64 // provenance year of Value; never set for averages or year queries
}

func (r Result) Absent() bool {
	return !r.Value.Valid && r.Unit == ""
}

type Resolver struct {
	src            Source
	defaultStation string
}

// NewResolver returns a Resolver that answers for defaultStation when a
// query names no station.
func NewResolver(src Source, defaultStation string) *Resolver {
	return &Resolver{src: src, defaultStation: defaultStation}
}

func (r *Resolver) DefaultStation() string {
	return r.defaultStation
}

func (r *Resolver) station(stationID string) (string, error) {
	if stationID != "" {
		return stationID, nil
	}
	if r.defaultStation == "" {
		return "", ErrNoStation
	}
	return r.defaultStation, nil
}

// ResolvePath parses path and resolves it.
func (r *Resolver) ResolvePath(ctx context.Context, path, stationID string, asOf time.Time) (Result, error) {
	q, err := ParsePath(path)
	if err != nil {
		metrics.Lookups.WithLabelValues("resolve", "error").Inc()
		return Result{}, err
	}
	return r.Resolve(ctx, q, stationID, asOf)
}

// Resolve looks up q for the calendar day of asOf, in asOf's own location.
func (r *Resolver) Resolve(ctx context.Context, q Query, stationID string, asOf time.Time) (Result, error) {
	return r.resolve(ctx, "resolve", q, stationID, asOf)
}

func (r *Resolver) resolve(ctx context.Context, kind string, q Query, stationID string, asOf time.Time) (Result, error) {
	res, err := r.lookup(ctx, q, stationID, asOf)
	switch {
	case err != nil:
		metrics.Lookups.WithLabelValues(kind, "error").Inc()
	case res.Absent():
		metrics.Lookups.WithLabelValues(kind, "absent").Inc()
	default:
		metrics.Lookups.WithLabelValues(kind, "hit").Inc()
	}
	return res, err
}

func (r *Resolver) lookup(ctx context.Context, q Query, stationID string, asOf time.Time) (Result, error) {
	stationID, err := r.station(stationID)
	if err != nil {
		return Result{}, err
	}
	group, ok := units.GroupFor(q.ObsType)
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownObservationType, q.ObsType)
	}

	_, month, day := asOf.Date()
	l, err := r.src.Lookup(ctx, models.StatisticKey{
		StationID: stationID,
		Month:     int(month),
		Day:       day,
		ObsType:   q.ObsType,
		Stat:      q.Stat,
		Reduction: q.Reduction,
	})
	if err != nil {
		return Result{}, fmt.Errorf("lookup %s for %s on %02d-%02d: %w", q, stationID, month, day, err)
	}
	if l == nil {
		return Result{}, nil
	}

	if q.YearOf {
		res := Result{Unit: units.UnitCount, Group: units.GroupCount}
		if l.Year.Valid {
			res.Value = sql.NullFloat64{Float64: float64(l.Year.Int64), Valid: true}
		}
		return res, nil
	}

	unit, err := units.UnitFor(group, l.UnitSystem)
	if err != nil {
		return Result{}, fmt.Errorf("resolve %s for %s: %w", q, stationID, err)
	}
	return Result{Value: l.Value, Unit: unit, Group: group, Year: l.Year}, nil
}

// Station returns the stored metadata for stationID (or the default station),
// or nil if it has never been refreshed.
func (r *Resolver) Station(ctx context.Context, stationID string) (*models.StationMetadata, error) {
	stationID, err := r.station(stationID)
	if err != nil {
		return nil, err
	}
	return r.src.GetStation(ctx, stationID)
}
