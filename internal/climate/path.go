package climate

import (
	"errors"
	"fmt"
	"strings"

	"github.com/lox/climatenormals/internal/models"
	"github.com/lox/climatenormals/internal/units"
)

var (
	ErrUnknownPeriod          = errors.New("unknown period")
	ErrUnknownObservationType = errors.New("unknown observation type")
	ErrUnknownStatistic       = errors.New("unknown statistic")
	ErrUnknownReduction       = errors.New("unknown reduction")
	ErrUnknownAggregation     = errors.New("unknown aggregation")
	ErrNoStation              = errors.New("no station given and no default station configured")
)

const PeriodDay = "day"

// yearSuffix on a reduction asks for the year the extreme was recorded
// instead of its value.
const yearSuffix = "time"

var (
	periods    = map[string]bool{PeriodDay: true}
	statistics = map[string]bool{models.StatHigh: true, models.StatLow: true, models.StatSum: true}
	reductions = map[string]bool{
		models.ReductionAvg:              true,
		models.ReductionMax:              true,
		models.ReductionMin:              true,
		models.ReductionMax + yearSuffix: true,
		models.ReductionMin + yearSuffix: true,
	}
)

// Query is a validated statistic path such as day.outTemp.high.maxtime.
// Reduction never carries the year suffix; YearOf records it instead.
type Query struct {
	Period    string
	ObsType   string
	Stat      string
	Reduction string
	YearOf    bool
}

// NewQuery validates each component against its closed set.
func NewQuery(period, obsType, stat, reduction string) (Query, error) {
	if !periods[period] {
		return Query{}, fmt.Errorf("%w: %q", ErrUnknownPeriod, period)
	}
	if _, ok := units.GroupFor(obsType); !ok {
		return Query{}, fmt.Errorf("%w: %q", ErrUnknownObservationType, obsType)
	}
	if !statistics[stat] {
		return Query{}, fmt.Errorf("%w: %q", ErrUnknownStatistic, stat)
	}
	if !reductions[reduction] {
		return Query{}, fmt.Errorf("%w: %q", ErrUnknownReduction, reduction)
	}

	q := Query{Period: period, ObsType: obsType, Stat: stat, Reduction: reduction}
	if base, ok := strings.CutSuffix(reduction, yearSuffix); ok {
		q.Reduction = base
		q.YearOf = true
	}
	return q, nil
}

// ParsePath parses a dotted period.obs_type.statistic.reduction path.
func ParsePath(path string) (Query, error) {
	parts := strings.Split(path, ".")
	if len(parts) != 4 {
		return Query{}, fmt.Errorf("invalid statistic path %q: want period.obs_type.statistic.reduction", path)
	}
	return NewQuery(parts[0], parts[1], parts[2], parts[3])
}

func (q Query) String() string {
	reduction := q.Reduction
	if q.YearOf {
		reduction += yearSuffix
	}
	return strings.Join([]string{q.Period, q.ObsType, q.Stat, reduction}, ".")
}
