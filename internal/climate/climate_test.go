package climate

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/lox/climatenormals/internal/ingest"
	"github.com/lox/climatenormals/internal/models"
	"github.com/lox/climatenormals/internal/store"
	"github.com/lox/climatenormals/internal/units"
)

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	// Every :memory: connection is its own database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	st := store.New(db, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, st.Migrate())
	return st
}

// seedStation normalizes a two-day response (January 1st and March 4th) and
// stores it for stationID.
func seedStation(t *testing.T, st *store.Store, stationID string) {
	t.Helper()
	resp := &ingest.StnDataResponse{Smry: [][][]string{
		{{"38.5", "1900-01-01"}, {"39.0", "1900-03-04"}},
		{{"58.0", "1997-01-01"}, {"71.0", "1974-03-04"}},
		{{"10.0", "1912-01-01"}, {"18.0", "1950-03-04"}},
		{{"22.1", "1900-01-01"}, {"24.0", "1900-03-04"}},
		{{"41.0", "2005-01-01"}, {"44.0", "1991-03-04"}},
		{{"-20.0", "1979-01-01"}, {"-8.0", "1943-03-04"}},
		{{"T", "1950-01-01"}, {"M", "1900-03-04"}},
	}}
	records, err := ingest.Normalize(resp, stationID)
	require.NoError(t, err)

	require.NoError(t, st.ApplyRefresh(context.Background(), store.Refresh{
		Meta: models.StationMetadata{
			StationID: stationID,
			Name:      "BOSTON LOGAN INTL AP",
			Location:  "MA",
			Latitude:  sql.NullFloat64{Float64: 42.3606, Valid: true},
			Longitude: sql.NullFloat64{Float64: -71.0106, Valid: true},
		},
		Records:       records,
		Date:          time.Date(2024, time.March, 4, 0, 0, 0, 0, time.UTC),
		SchemaVersion: ingest.SchemaVersion,
	}))
}

var jan1 = time.Date(2024, time.January, 1, 15, 0, 0, 0, time.UTC)

func TestParsePath(t *testing.T) {
	tests := []struct {
		path    string
		want    Query
		wantErr error
	}{
		{path: "day.outTemp.high.avg", want: Query{Period: "day", ObsType: "outTemp", Stat: "high", Reduction: "avg"}},
		{path: "day.outTemp.low.min", want: Query{Period: "day", ObsType: "outTemp", Stat: "low", Reduction: "min"}},
		{path: "day.outTemp.high.maxtime", want: Query{Period: "day", ObsType: "outTemp", Stat: "high", Reduction: "max", YearOf: true}},
		{path: "day.precip.sum.max", want: Query{Period: "day", ObsType: "precip", Stat: "sum", Reduction: "max"}},
		{path: "week.outTemp.high.avg", wantErr: ErrUnknownPeriod},
		{path: "day.windSpeed.high.avg", wantErr: ErrUnknownObservationType},
		{path: "day.outTemp.mean.avg", wantErr: ErrUnknownStatistic},
		{path: "day.outTemp.high.avgtime", wantErr: ErrUnknownReduction},
		{path: "day.outTemp.high.median", wantErr: ErrUnknownReduction},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, err := ParsePath(tt.path)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.path, got.String())
		})
	}
}

func TestParsePath_WrongShape(t *testing.T) {
	for _, path := range []string{"", "day", "day.outTemp.high", "day.outTemp.high.max.extra"} {
		_, err := ParsePath(path)
		assert.Error(t, err, path)
	}
}

func TestParseAggregation(t *testing.T) {
	tests := []struct {
		name string
		want Aggregation
	}{
		{"high_avg", Aggregation{Stat: "high", Reduction: "avg"}},
		{"low_avg", Aggregation{Stat: "low", Reduction: "avg"}},
		{"high_high", Aggregation{Stat: "high", Reduction: "max"}},
		{"high_high_year", Aggregation{Stat: "high", Reduction: "max", YearOf: true}},
		{"low_high", Aggregation{Stat: "low", Reduction: "max"}},
		{"low_high_year", Aggregation{Stat: "low", Reduction: "max", YearOf: true}},
		{"low_low", Aggregation{Stat: "low", Reduction: "min"}},
		{"low_low_year", Aggregation{Stat: "low", Reduction: "min", YearOf: true}},
		{"high_low", Aggregation{Stat: "high", Reduction: "min"}},
		{"high_low_year", Aggregation{Stat: "high", Reduction: "min", YearOf: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAggregation(tt.name)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	for _, name := range []string{"", "high", "high_avg_year", "avg_high", "max", "high_max", "HIGH_HIGH"} {
		_, err := ParseAggregation(name)
		assert.ErrorIs(t, err, ErrUnknownAggregation, name)
	}
}

func TestResolve_RoundTrip(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(t)
	seedStation(t, st, "KBOS")
	r := NewResolver(st, "KBOS")

	t.Run("average", func(t *testing.T) {
		got, err := r.ResolvePath(ctx, "day.outTemp.high.avg", "KBOS", jan1)
		require.NoError(t, err)
		assert.InDelta(t, 38.5, got.Value.Float64, 1e-9)
		assert.Equal(t, "degree_F", got.Unit)
		assert.Equal(t, units.GroupTemperature, got.Group)
		assert.False(t, got.Year.Valid)
	})

	t.Run("extreme carries its year", func(t *testing.T) {
		got, err := r.ResolvePath(ctx, "day.outTemp.high.max", "KBOS", jan1)
		require.NoError(t, err)
		assert.InDelta(t, 58.0, got.Value.Float64, 1e-9)
		assert.Equal(t, int64(1997), got.Year.Int64)
	})

	t.Run("year of extreme", func(t *testing.T) {
		got, err := r.ResolvePath(ctx, "day.outTemp.high.maxtime", "KBOS", jan1)
		require.NoError(t, err)
		assert.Equal(t, 1997.0, got.Value.Float64)
		assert.Equal(t, units.UnitCount, got.Unit)
		assert.Equal(t, units.GroupCount, got.Group)
	})

	t.Run("year of average is absent", func(t *testing.T) {
		q := Query{Period: PeriodDay, ObsType: models.ObsTypeOutTemp, Stat: models.StatHigh, Reduction: models.ReductionAvg, YearOf: true}
		got, err := r.Resolve(ctx, q, "KBOS", jan1)
		require.NoError(t, err)
		assert.False(t, got.Value.Valid)
		assert.Equal(t, units.UnitCount, got.Unit)
	})

	t.Run("trace precipitation", func(t *testing.T) {
		got, err := r.ResolvePath(ctx, "day.precip.sum.max", "KBOS", jan1)
		require.NoError(t, err)
		require.True(t, got.Value.Valid)
		assert.Equal(t, 0.0, got.Value.Float64)
		assert.Equal(t, "inch", got.Unit)
		assert.Equal(t, units.GroupRain, got.Group)
	})

	t.Run("missing precipitation", func(t *testing.T) {
		got, err := r.ResolvePath(ctx, "day.precip.sum.max", "KBOS", time.Date(2024, time.March, 4, 0, 0, 0, 0, time.UTC))
		require.NoError(t, err)
		assert.False(t, got.Value.Valid)
		assert.Equal(t, "inch", got.Unit)
		assert.False(t, got.Absent())
	})
}

func TestResolve_AbsentIsNotAnError(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(t)
	seedStation(t, st, "KBOS")
	r := NewResolver(st, "KBOS")

	got, err := r.ResolvePath(ctx, "day.outTemp.low.min", "KBOS", time.Date(2024, time.July, 4, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, got.Absent())
	assert.Equal(t, Result{}, got)

	got, err = r.ResolvePath(ctx, "day.outTemp.low.min", "NOWHERE", jan1)
	require.NoError(t, err)
	assert.True(t, got.Absent())
}

func TestResolve_UsesRowUnitSystem(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(t)
	require.NoError(t, st.ApplyRefresh(ctx, store.Refresh{
		Meta: models.StationMetadata{StationID: "EGLL"},
		Records: []models.StatisticRecord{
			{
				StationID: "EGLL", Month: 1, Day: 1, UnitSystem: models.UnitSystemMetricWX,
				ObsType: models.ObsTypePrecip, Stat: models.StatSum, Reduction: models.ReductionMax,
				Value: sql.NullFloat64{Float64: 31.2, Valid: true}, Year: sql.NullInt64{Int64: 1987, Valid: true},
			},
			{
				StationID: "EGLL", Month: 1, Day: 1, UnitSystem: models.UnitSystemMetric,
				ObsType: models.ObsTypeOutTemp, Stat: models.StatHigh, Reduction: models.ReductionMax,
				Value: sql.NullFloat64{Float64: 14.8, Valid: true}, Year: sql.NullInt64{Int64: 1916, Valid: true},
			},
		},
		Date:          jan1,
		SchemaVersion: ingest.SchemaVersion,
	}))
	r := NewResolver(st, "KBOS")

	got, err := r.ResolvePath(ctx, "day.precip.sum.max", "EGLL", jan1)
	require.NoError(t, err)
	assert.Equal(t, "mm", got.Unit)

	got, err = r.ResolvePath(ctx, "day.outTemp.high.max", "EGLL", jan1)
	require.NoError(t, err)
	assert.Equal(t, "degree_C", got.Unit)
	assert.InDelta(t, 14.8, got.Value.Float64, 1e-9)
}

func TestResolve_DefaultStation(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(t)
	seedStation(t, st, "KBOS")

	got, err := NewResolver(st, "KBOS").ResolvePath(ctx, "day.outTemp.high.max", "", jan1)
	require.NoError(t, err)
	assert.InDelta(t, 58.0, got.Value.Float64, 1e-9)

	_, err = NewResolver(st, "").ResolvePath(ctx, "day.outTemp.high.max", "", jan1)
	assert.ErrorIs(t, err, ErrNoStation)

	_, err = NewResolver(st, "").ResolvePath(ctx, "day.outTemp.high.bogus", "KBOS", jan1)
	assert.ErrorIs(t, err, ErrUnknownReduction)
}

func TestResolver_Station(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(t)
	seedStation(t, st, "KBOS")
	r := NewResolver(st, "KBOS")

	meta, err := r.Station(ctx, "")
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, "BOSTON LOGAN INTL AP", meta.Name)
	assert.Equal(t, "MA", meta.Location)

	meta, err = r.Station(ctx, "NOWHERE")
	require.NoError(t, err)
	assert.Nil(t, meta)
}

func TestAggregate(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(t)
	seedStation(t, st, "KBOS")
	agg := NewAggregator(NewResolver(st, "KBOS"), time.UTC)

	// A week-long span still refers to the single day containing its start.
	march4 := Timespan{
		Start: time.Date(2024, time.March, 4, 0, 0, 0, 0, time.UTC),
		Stop:  time.Date(2024, time.March, 11, 0, 0, 0, 0, time.UTC),
	}

	tests := []struct {
		name      string
		wantValue float64
		wantUnit  string
	}{
		{"high_avg", 39.0, "degree_F"},
		{"low_avg", 24.0, "degree_F"},
		{"high_high", 71.0, "degree_F"},
		{"high_high_year", 1974, units.UnitCount},
		{"high_low", 18.0, "degree_F"},
		{"high_low_year", 1950, units.UnitCount},
		{"low_high", 44.0, "degree_F"},
		{"low_high_year", 1991, units.UnitCount},
		{"low_low", -8.0, "degree_F"},
		{"low_low_year", 1943, units.UnitCount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := agg.Aggregate(ctx, models.ObsTypeOutTemp, march4, tt.name, "KBOS")
			require.NoError(t, err)
			require.True(t, got.Value.Valid)
			assert.InDelta(t, tt.wantValue, got.Value.Float64, 1e-9)
			assert.Equal(t, tt.wantUnit, got.Unit)
		})
	}
}

func TestAggregate_Errors(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(t)
	seedStation(t, st, "KBOS")
	agg := NewAggregator(NewResolver(st, "KBOS"), time.UTC)
	span := Timespan{Start: jan1, Stop: jan1.Add(24 * time.Hour)}

	_, err := agg.Aggregate(ctx, models.ObsTypeOutTemp, span, "high_median", "KBOS")
	assert.ErrorIs(t, err, ErrUnknownAggregation)

	_, err = agg.Aggregate(ctx, models.ObsTypePrecip, span, "high_high", "KBOS")
	assert.ErrorIs(t, err, ErrUnknownObservationType)

	_, err = agg.Aggregate(ctx, "barometer", span, "high_high", "KBOS")
	assert.ErrorIs(t, err, ErrUnknownObservationType)
}

func TestAggregate_DayFromStartInLocation(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(t)
	seedStation(t, st, "KBOS")

	// 23:30 UTC on March 3rd is March 4th in UTC+10.
	span := Timespan{
		Start: time.Date(2024, time.March, 3, 23, 30, 0, 0, time.UTC),
		Stop:  time.Date(2024, time.March, 4, 23, 30, 0, 0, time.UTC),
	}

	got, err := NewAggregator(NewResolver(st, "KBOS"), time.FixedZone("AEST", 10*60*60)).
		Aggregate(ctx, models.ObsTypeOutTemp, span, "high_high_year", "")
	require.NoError(t, err)
	assert.Equal(t, 1974.0, got.Value.Float64)

	got, err = NewAggregator(NewResolver(st, "KBOS"), time.UTC).
		Aggregate(ctx, models.ObsTypeOutTemp, span, "high_high_year", "")
	require.NoError(t, err)
	assert.True(t, got.Absent(), "March 3rd has no record")
}
