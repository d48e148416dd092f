package climate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lox/climatenormals/internal/metrics"
	"github.com/lox/climatenormals/internal/models"
)

// Timespan is a half-open interval of instants.
type Timespan struct {
	Start time.Time
	Stop  time.Time
}

// Aggregation is a parsed aggregate name such as high_high_year.
type Aggregation struct {
	Stat      string
	Reduction string
	YearOf    bool
}

var aggregateNames = map[string]bool{
	"high_avg":       true,
	"low_avg":        true,
	"high_high":      true,
	"high_high_year": true,
	"low_high":       true,
	"low_high_year":  true,
	"low_low":        true,
	"low_low_year":   true,
	"high_low":       true,
	"high_low_year":  true,
}

var reductionWords = map[string]string{
	"avg":  models.ReductionAvg,
	"high": models.ReductionMax,
	"low":  models.ReductionMin,
}

// aggregateObsTypes is the closed set of observation types aggregates are
// defined for.
var aggregateObsTypes = map[string]bool{
	models.ObsTypeOutTemp: true,
}

// ParseAggregation maps an aggregate name onto the stored statistic it reads.
// The name splits on its first underscore into statistic and reduction word;
// a trailing _year selects the provenance year.
func ParseAggregation(name string) (Aggregation, error) {
	if !aggregateNames[name] {
		return Aggregation{}, fmt.Errorf("%w: %q", ErrUnknownAggregation, name)
	}
	base, yearOf := strings.CutSuffix(name, "_year")
	stat, word, _ := strings.Cut(base, "_")
	return Aggregation{Stat: stat, Reduction: reductionWords[word], YearOf: yearOf}, nil
}

// Aggregator serves named aggregates over a timespan from the day-of-year
// statistics of the day containing the timespan's start.
type Aggregator struct {
	resolver *Resolver
	loc      *time.Location
}

// NewAggregator returns an Aggregator that takes calendar days in loc.
func NewAggregator(resolver *Resolver, loc *time.Location) *Aggregator {
	if loc == nil {
		loc = time.UTC
	}
	return &Aggregator{resolver: resolver, loc: loc}
}

func (a *Aggregator) Aggregate(ctx context.Context, obsType string, span Timespan, name, stationID string) (Result, error) {
	if !aggregateObsTypes[obsType] {
		metrics.Lookups.WithLabelValues("aggregate", "error").Inc()
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownObservationType, obsType)
	}
	agg, err := ParseAggregation(name)
	if err != nil {
		metrics.Lookups.WithLabelValues("aggregate", "error").Inc()
		return Result{}, err
	}

	q := Query{
		Period:    PeriodDay,
		ObsType:   obsType,
		Stat:      agg.Stat,
		Reduction: agg.Reduction,
		YearOf:    agg.YearOf,
	}
	return a.resolver.resolve(ctx, "aggregate", q, stationID, span.Start.In(a.loc))
}
