package ingest

import (
	"github.com/lox/climatenormals/internal/models"
)

const (
	FlagTempOutOfRange = "temp_out_of_range"
	FlagPrecipNegative = "precip_negative"
	FlagPrecipUnlikely = "precip_unlikely"
	FlagYearOutOfRange = "year_out_of_range"
	FlagAverageHasYear = "average_has_year"
)

// Plausibility limits, in US units. Records from other unit systems are only
// checked for sign and year.
const (
	minTempF       = -80.0
	maxTempF       = 140.0
	maxDailyPrecip = 50.0
	minRecordYear  = 1800
)

// ValidateRecord returns quality flags for a normalized record. Flags are
// advisory; flagged records are still stored.
func ValidateRecord(rec models.StatisticRecord, currentYear int) []string {
	var flags []string

	if rec.Value.Valid {
		v := rec.Value.Float64
		switch rec.ObsType {
		case models.ObsTypeOutTemp:
			if rec.UnitSystem == models.UnitSystemUS && (v < minTempF || v > maxTempF) {
				flags = append(flags, FlagTempOutOfRange)
			}
		case models.ObsTypePrecip:
			if v < 0 {
				flags = append(flags, FlagPrecipNegative)
			} else if rec.UnitSystem == models.UnitSystemUS && v > maxDailyPrecip {
				flags = append(flags, FlagPrecipUnlikely)
			}
		}
	}

	if rec.Year.Valid {
		if rec.Reduction == models.ReductionAvg {
			flags = append(flags, FlagAverageHasYear)
		} else if rec.Year.Int64 < minRecordYear || rec.Year.Int64 > int64(currentYear) {
			flags = append(flags, FlagYearOutOfRange)
		}
	}

	return flags
}

// ValidateRecords counts flags across records.
func ValidateRecords(records []models.StatisticRecord, currentYear int) map[string]int {
	counts := make(map[string]int)
	for _, rec := range records {
		for _, f := range ValidateRecord(rec, currentYear) {
			counts[f]++
		}
	}
	return counts
}
