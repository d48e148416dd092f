package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/lox/climatenormals/internal/climate"
	"github.com/lox/climatenormals/internal/models"
)

type StationResponse struct {
	StationID     string   `json:"station_id"`
	Name          string   `json:"name"`
	Location      string   `json:"location"`
	Latitude      *float64 `json:"latitude"`
	Longitude     *float64 `json:"longitude"`
	Altitude      *float64 `json:"altitude"`
	LastRefresh   *string  `json:"last_refresh"`
	SchemaVersion *int64   `json:"schema_version"`
}

// ResultResponse is a resolved statistic. Value, Unit and Group are null
// when no record exists for the day.
type ResultResponse struct {
	Station string   `json:"station"`
	Query   string   `json:"query"`
	Date    string   `json:"date"`
	Value   *float64 `json:"value"`
	Unit    *string  `json:"unit"`
	Group   *string  `json:"group"`
	Year    *int64   `json:"year,omitempty"`
}

func (s *Server) handleAPIStations(w http.ResponseWriter, r *http.Request) {
	stations, err := s.store.ListStations(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	resp := make([]StationResponse, 0, len(stations))
	for _, st := range stations {
		resp = append(resp, stationResponse(st))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAPIStation(w http.ResponseWriter, r *http.Request) {
	meta, err := s.resolver.Station(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if meta == nil {
		http.Error(w, "station not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, stationResponse(*meta))
}

// handleAPIClimate resolves /api/climate/{period.obs.stat.reduction} for
// ?date= (default today) and ?station= (default the configured station).
func (s *Server) handleAPIClimate(w http.ResponseWriter, r *http.Request) {
	q, err := climate.ParsePath(r.PathValue("path"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	date := s.now().In(s.loc)
	if v := r.URL.Query().Get("date"); v != "" {
		date, err = time.ParseInLocation(models.DateLayout, v, s.loc)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid date %q: want YYYY-MM-DD", v), http.StatusBadRequest)
			return
		}
	}

	station := s.stationParam(r)
	res, err := s.resolver.Resolve(r.Context(), q, station, date)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resultResponse(station, q.String(), date, res))
}

// handleAPIAggregate serves ?obs=&agg=&start=&stop=&station=. start and stop
// accept RFC 3339 timestamps or YYYY-MM-DD dates; start defaults to today
// and stop to one day after start.
func (s *Server) handleAPIAggregate(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()

	now := s.now().In(s.loc)
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.loc)
	if v := params.Get("start"); v != "" {
		t, err := s.parseInstant(v)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		start = t
	}
	stop := start.AddDate(0, 0, 1)
	if v := params.Get("stop"); v != "" {
		t, err := s.parseInstant(v)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		stop = t
	}
	if stop.Before(start) {
		http.Error(w, "stop is before start", http.StatusBadRequest)
		return
	}

	obs := params.Get("obs")
	if obs == "" {
		obs = models.ObsTypeOutTemp
	}
	name := params.Get("agg")
	station := s.stationParam(r)

	res, err := s.aggregator.Aggregate(r.Context(), obs, climate.Timespan{Start: start, Stop: stop}, name, station)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resultResponse(station, obs+"."+name, start.In(s.loc), res))
}

func (s *Server) stationParam(r *http.Request) string {
	if id := r.URL.Query().Get("station"); id != "" {
		return id
	}
	return s.resolver.DefaultStation()
}

func (s *Server) parseInstant(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation(models.DateLayout, v, s.loc); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("invalid time %q: want RFC 3339 or YYYY-MM-DD", v)
}

// writeError maps caller mistakes to 400 and everything else to 500.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, climate.ErrUnknownAggregation),
		errors.Is(err, climate.ErrUnknownObservationType),
		errors.Is(err, climate.ErrUnknownPeriod),
		errors.Is(err, climate.ErrUnknownStatistic),
		errors.Is(err, climate.ErrUnknownReduction),
		errors.Is(err, climate.ErrNoStation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		s.logger.Error("query failed", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func stationResponse(st models.StationMetadata) StationResponse {
	resp := StationResponse{
		StationID: st.StationID,
		Name:      st.Name,
		Location:  st.Location,
	}
	if st.Latitude.Valid {
		resp.Latitude = &st.Latitude.Float64
	}
	if st.Longitude.Valid {
		resp.Longitude = &st.Longitude.Float64
	}
	if st.Altitude.Valid {
		resp.Altitude = &st.Altitude.Float64
	}
	if st.LastRefresh.Valid {
		d := st.LastRefresh.Time.Format(models.DateLayout)
		resp.LastRefresh = &d
	}
	if st.SchemaVersion.Valid {
		resp.SchemaVersion = &st.SchemaVersion.Int64
	}
	return resp
}

func resultResponse(station, query string, date time.Time, res climate.Result) ResultResponse {
	resp := ResultResponse{
		Station: station,
		Query:   query,
		Date:    date.Format(models.DateLayout),
	}
	if res.Value.Valid {
		resp.Value = &res.Value.Float64
	}
	if res.Unit != "" {
		unit, group := res.Unit, string(res.Group)
		resp.Unit = &unit
		resp.Group = &group
	}
	if res.Year.Valid {
		resp.Year = &res.Year.Int64
	}
	return resp
}
