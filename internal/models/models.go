package models

import (
	"database/sql"
	"time"
)

// UnitSystem identifies the unit system a stored value is expressed in. The
// integer codes are the ones persisted in the us_units column.
type UnitSystem int

const (
	UnitSystemUS       UnitSystem = 1
	UnitSystemMetric   UnitSystem = 16
	UnitSystemMetricWX UnitSystem = 17
)

func (u UnitSystem) String() string {
	switch u {
	case UnitSystemUS:
		return "US"
	case UnitSystemMetric:
		return "METRIC"
	case UnitSystemMetricWX:
		return "METRICWX"
	default:
		return "UNKNOWN"
	}
}

const (
	ObsTypeOutTemp = "outTemp"
	ObsTypePrecip  = "precip"
)

const (
	StatHigh = "high"
	StatLow  = "low"
	StatSum  = "sum"
)

const (
	ReductionAvg = "avg"
	ReductionMax = "max"
	ReductionMin = "min"
)

// StatisticRecord is one day-of-year statistic for a station. Value is
// invalid when the provider reported the day as missing. Year is only valid
// for extremes (max/min); averages have no provenance year.
type StatisticRecord struct {
	StationID  string
	Month      int
	Day        int
	UnitSystem UnitSystem
	ObsType    string
	Stat       string
	Reduction  string
	Value      sql.NullFloat64
	Year       sql.NullInt64
}

// StatisticKey is the unique key of a StatisticRecord within the store.
type StatisticKey struct {
	StationID string
	Month     int
	Day       int
	ObsType   string
	Stat      string
	Reduction string
}

func (r StatisticRecord) Key() StatisticKey {
	return StatisticKey{
		StationID: r.StationID,
		Month:     r.Month,
		Day:       r.Day,
		ObsType:   r.ObsType,
		Stat:      r.Stat,
		Reduction: r.Reduction,
	}
}

type StationMetadata struct {
	StationID     string
	Name          string
	Location      string // state or region
	Latitude      sql.NullFloat64
	Longitude     sql.NullFloat64
	Altitude      sql.NullFloat64
	LastRefresh   sql.NullTime // calendar date, UTC midnight
	SchemaVersion sql.NullInt64
	UpdatedAt     sql.NullTime
}

// Lookup is the stored value for a single statistic key.
type Lookup struct {
	Value      sql.NullFloat64
	UnitSystem UnitSystem
	Year       sql.NullInt64
}

// DateOf truncates t to its calendar date in t's own location and returns it
// as UTC midnight, so dates compare without timezone arithmetic.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

const DateLayout = "2006-01-02"
