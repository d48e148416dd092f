package ingest

import (
	"database/sql"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/lox/climatenormals/internal/models"
)

// fullResponse builds a StnData response with the same day entries in every
// group of CurrentSchema.
func fullResponse(entries ...[]string) *StnDataResponse {
	resp := &StnDataResponse{}
	for range CurrentSchema.Elements {
		group := make([][]string, len(entries))
		copy(group, entries)
		resp.Smry = append(resp.Smry, group)
	}
	return resp
}

func TestParseValue(t *testing.T) {
	tests := []struct {
		text    string
		want    sql.NullFloat64
		wantErr bool
	}{
		{text: "58.0", want: sql.NullFloat64{Float64: 58.0, Valid: true}},
		{text: "-12.5", want: sql.NullFloat64{Float64: -12.5, Valid: true}},
		{text: "M", want: sql.NullFloat64{}},
		{text: " m ", want: sql.NullFloat64{}},
		{text: "T", want: sql.NullFloat64{Float64: 0, Valid: true}},
		{text: "t", want: sql.NullFloat64{Float64: 0, Valid: true}},
		{text: "", wantErr: true},
		{text: "S", wantErr: true},
		{text: "12.3A", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got, err := ParseValue(tt.text)
			if tt.wantErr {
				var mv *MalformedValueError
				if !errors.As(err, &mv) {
					t.Fatalf("ParseValue(%q) error = %v, want MalformedValueError", tt.text, err)
				}
				if mv.Text != tt.text {
					t.Errorf("MalformedValueError.Text = %q, want %q", mv.Text, tt.text)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseValue(%q): %v", tt.text, err)
			}
			if got != tt.want {
				t.Errorf("ParseValue(%q) = %+v, want %+v", tt.text, got, tt.want)
			}
		})
	}
}

func TestNormalize_AverageHasNoYear(t *testing.T) {
	resp := &StnDataResponse{Smry: [][][]string{
		{{"38.5", "1900-01-01"}},
		{{"58.0", "1997-01-01"}},
		{{"10.0", "1912-01-01"}},
		{{"22.1", "1900-01-01"}},
		{{"41.0", "2005-01-01"}},
		{{"-20.0", "1979-01-01"}},
		{{"T", "1950-01-01"}},
	}}

	got, err := Normalize(resp, "USW00014739")
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}

	rec := func(stat, reduction string, value float64, year int64) models.StatisticRecord {
		r := models.StatisticRecord{
			StationID:  "USW00014739",
			Month:      1,
			Day:        1,
			UnitSystem: models.UnitSystemUS,
			ObsType:    models.ObsTypeOutTemp,
			Stat:       stat,
			Reduction:  reduction,
			Value:      sql.NullFloat64{Float64: value, Valid: true},
		}
		if year != 0 {
			r.Year = sql.NullInt64{Int64: year, Valid: true}
		}
		return r
	}
	precip := rec(models.StatSum, models.ReductionMax, 0, 1950)
	precip.ObsType = models.ObsTypePrecip

	want := []models.StatisticRecord{
		rec(models.StatHigh, models.ReductionAvg, 38.5, 0),
		rec(models.StatHigh, models.ReductionMax, 58.0, 1997),
		rec(models.StatHigh, models.ReductionMin, 10.0, 1912),
		rec(models.StatLow, models.ReductionAvg, 22.1, 0),
		rec(models.StatLow, models.ReductionMax, 41.0, 2005),
		rec(models.StatLow, models.ReductionMin, -20.0, 1979),
		precip,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Normalize mismatch (-want +got):\n%s", diff)
	}

	for _, r := range got {
		if r.Reduction == models.ReductionAvg && r.Year.Valid {
			t.Errorf("avg record %+v has a year", r.Key())
		}
	}
}

func TestNormalize_MissingValue(t *testing.T) {
	got, err := Normalize(fullResponse([]string{"M", "1990-07-04"}), "KXYZ")
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(got) != len(CurrentSchema.Elements) {
		t.Fatalf("got %d records, want %d", len(got), len(CurrentSchema.Elements))
	}
	for _, r := range got {
		if r.Value.Valid {
			t.Errorf("record %+v: value should be absent", r.Key())
		}
		if r.Month != 7 || r.Day != 4 {
			t.Errorf("record %+v: got %d/%d, want 7/4", r.Key(), r.Month, r.Day)
		}
	}
}

func TestNormalize_LeapDayOnNominalYear(t *testing.T) {
	got, err := Normalize(fullResponse([]string{"45.0", "1900-02-29"}), "KXYZ")
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if got[0].Month != 2 || got[0].Day != 29 {
		t.Errorf("got %d/%d, want 2/29", got[0].Month, got[0].Day)
	}
}

func TestNormalize_ShapeErrors(t *testing.T) {
	tests := []struct {
		name       string
		resp       *StnDataResponse
		wantSchema bool
		wantValue  bool
	}{
		{
			name:       "nil response",
			resp:       nil,
			wantSchema: true,
		},
		{
			name:       "too few groups",
			resp:       &StnDataResponse{Smry: [][][]string{{{"1", "1900-01-01"}}}},
			wantSchema: true,
		},
		{
			name:       "short entry",
			resp:       fullResponse([]string{"1"}),
			wantSchema: true,
		},
		{
			name:      "bad value",
			resp:      fullResponse([]string{"abc", "1900-01-01"}),
			wantValue: true,
		},
		{
			name:      "bad date",
			resp:      fullResponse([]string{"1.0", "January 1"}),
			wantValue: true,
		},
		{
			name:      "month out of range",
			resp:      fullResponse([]string{"1.0", "1900-13-01"}),
			wantValue: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.resp, "KXYZ")
			if err == nil {
				t.Fatalf("expected error, got %d records", len(got))
			}
			if got != nil {
				t.Errorf("expected no records on error, got %d", len(got))
			}
			if tt.wantSchema && !errors.Is(err, ErrSchemaMismatch) {
				t.Errorf("error = %v, want ErrSchemaMismatch", err)
			}
			var mv *MalformedValueError
			if tt.wantValue && !errors.As(err, &mv) {
				t.Errorf("error = %v, want MalformedValueError", err)
			}
		})
	}
}

func TestDataRequest_FollowsSchemaOrder(t *testing.T) {
	req := dataRequest("KXYZ", CurrentSchema)
	if req.SID != "KXYZ" || req.SDate != "por" || req.EDate != "por" {
		t.Errorf("unexpected request header: %+v", req)
	}
	if len(req.Elems) != len(CurrentSchema.Elements) {
		t.Fatalf("got %d elems, want %d", len(req.Elems), len(CurrentSchema.Elements))
	}
	for i, el := range CurrentSchema.Elements {
		got := req.Elems[i]
		if got.Name != el.Name || got.Smry.Reduce != el.Reduce {
			t.Errorf("elem %d = %s/%s, want %s/%s", i, got.Name, got.Smry.Reduce, el.Name, el.Reduce)
		}
		if got.Smry.Add != "date" || got.SmryOnly != 1 || got.GroupBy != "year" || got.Interval != "dly" {
			t.Errorf("elem %d has unexpected options: %+v", i, got)
		}
	}
}
