package ingest

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/lox/climatenormals/internal/models"
)

// ErrSchemaMismatch is returned when a provider response does not have the
// shape the requested schema implies.
var ErrSchemaMismatch = errors.New("schema mismatch")

// MalformedValueError reports value or date text that is neither a number
// nor a recognised sentinel.
type MalformedValueError struct {
	Field string
	Text  string
	Err   error
}

func (e *MalformedValueError) Error() string {
	return fmt.Sprintf("malformed %s %q", e.Field, e.Text)
}

func (e *MalformedValueError) Unwrap() error { return e.Err }

// Element is one requested summary and the canonical statistic it is stored as.
type Element struct {
	Name      string // ACIS element: maxt, mint, pcpn
	Reduce    string // ACIS reduction: mean, max, min
	ObsType   string
	Stat      string
	Reduction string
}

// Schema is a versioned, ordered list of requested elements. Response groups
// are matched to elements by position.
type Schema struct {
	Version    int
	UnitSystem models.UnitSystem
	Elements   []Element
}

// SchemaVersion is the version of CurrentSchema. Stations refreshed under a
// different version are treated as stale.
const SchemaVersion = 1

var CurrentSchema = Schema{
	Version:    SchemaVersion,
	UnitSystem: models.UnitSystemUS,
	Elements: []Element{
		{"maxt", "mean", models.ObsTypeOutTemp, models.StatHigh, models.ReductionAvg},
		{"maxt", "max", models.ObsTypeOutTemp, models.StatHigh, models.ReductionMax},
		{"maxt", "min", models.ObsTypeOutTemp, models.StatHigh, models.ReductionMin},
		{"mint", "mean", models.ObsTypeOutTemp, models.StatLow, models.ReductionAvg},
		{"mint", "max", models.ObsTypeOutTemp, models.StatLow, models.ReductionMax},
		{"mint", "min", models.ObsTypeOutTemp, models.StatLow, models.ReductionMin},
		{"pcpn", "max", models.ObsTypePrecip, models.StatSum, models.ReductionMax},
	},
}

// Normalize converts a StnData summary response into statistic records using
// CurrentSchema.
func Normalize(resp *StnDataResponse, stationID string) ([]models.StatisticRecord, error) {
	return CurrentSchema.Normalize(resp, stationID)
}

// Normalize converts resp into one record per element per day entry, in
// response order.
func (s Schema) Normalize(resp *StnDataResponse, stationID string) ([]models.StatisticRecord, error) {
	if resp == nil {
		return nil, fmt.Errorf("%w: empty response", ErrSchemaMismatch)
	}
	if len(resp.Smry) != len(s.Elements) {
		return nil, fmt.Errorf("%w: got %d statistic groups, want %d", ErrSchemaMismatch, len(resp.Smry), len(s.Elements))
	}

	n := 0
	for _, group := range resp.Smry {
		n += len(group)
	}
	records := make([]models.StatisticRecord, 0, n)

	for i, group := range resp.Smry {
		el := s.Elements[i]
		for j, entry := range group {
			if len(entry) < 2 {
				return nil, fmt.Errorf("%w: %s/%s entry %d has %d fields", ErrSchemaMismatch, el.Name, el.Reduce, j, len(entry))
			}
			value, err := ParseValue(entry[0])
			if err != nil {
				return nil, fmt.Errorf("%s/%s entry %d: %w", el.Name, el.Reduce, j, err)
			}
			year, month, day, err := parseDate(entry[1])
			if err != nil {
				return nil, fmt.Errorf("%s/%s entry %d: %w", el.Name, el.Reduce, j, err)
			}

			rec := models.StatisticRecord{
				StationID:  stationID,
				Month:      month,
				Day:        day,
				UnitSystem: s.UnitSystem,
				ObsType:    el.ObsType,
				Stat:       el.Stat,
				Reduction:  el.Reduction,
				Value:      value,
			}
			// An average has no single provenance year.
			if el.Reduction != models.ReductionAvg {
				rec.Year = sql.NullInt64{Int64: int64(year), Valid: true}
			}
			records = append(records, rec)
		}
	}
	return records, nil
}

// ParseValue maps ACIS value text to a value: "M" (missing) is NULL, "T"
// (trace) is zero, anything else must parse as a number.
func ParseValue(text string) (sql.NullFloat64, error) {
	v := strings.ToUpper(strings.TrimSpace(text))
	switch v {
	case "M":
		return sql.NullFloat64{}, nil
	case "T":
		return sql.NullFloat64{Float64: 0, Valid: true}, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return sql.NullFloat64{}, &MalformedValueError{Field: "value", Text: text, Err: err}
	}
	return sql.NullFloat64{Float64: f, Valid: true}, nil
}

// parseDate splits YYYY-MM-DD into its parts without validating the calendar
// date. Averages are reported against a nominal year such as 1900, which has
// no February 29th.
func parseDate(text string) (year, month, day int, err error) {
	parts := strings.Split(strings.TrimSpace(text), "-")
	if len(parts) != 3 {
		return 0, 0, 0, &MalformedValueError{Field: "date", Text: text}
	}
	var nums [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return 0, 0, 0, &MalformedValueError{Field: "date", Text: text, Err: err}
		}
		nums[i] = n
	}
	year, month, day = nums[0], nums[1], nums[2]
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return 0, 0, 0, &MalformedValueError{Field: "date", Text: text}
	}
	return year, month, day, nil
}
