package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lox/climatenormals/internal/climate"
	"github.com/lox/climatenormals/internal/models"
	"github.com/lox/climatenormals/internal/store"
)

type Server struct {
	store      *store.Store
	resolver   *climate.Resolver
	aggregator *climate.Aggregator
	port       string
	loc        *time.Location
	logger     *slog.Logger
	now        func() time.Time
}

func NewServer(st *store.Store, resolver *climate.Resolver, aggregator *climate.Aggregator, port string, loc *time.Location, logger *slog.Logger) *Server {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:      st,
		resolver:   resolver,
		aggregator: aggregator,
		port:       port,
		loc:        loc,
		logger:     logger.With("component", "api"),
		now:        time.Now,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /api/stations", s.handleAPIStations)
	mux.HandleFunc("GET /api/stations/{id}", s.handleAPIStation)
	mux.HandleFunc("GET /api/climate/{path}", s.handleAPIClimate)
	mux.HandleFunc("GET /api/aggregate", s.handleAPIAggregate)
	return mux
}

func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("starting server", "addr", server.Addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

type HealthStatus struct {
	Status   string          `json:"status"`
	Stations []StationHealth `json:"stations"`
	Errors   []string        `json:"errors,omitempty"`
}

type StationHealth struct {
	StationID   string `json:"station_id"`
	LastRefresh string `json:"last_refresh,omitempty"`
	Records     int    `json:"records"`
	Stale       bool   `json:"stale"`
}

// handleHealth reports a station as stale when it was last refreshed before
// today in the server's time zone.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	stations, err := s.store.ListStations(ctx)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "error", "error": err.Error()})
		return
	}

	health := HealthStatus{
		Status:   "ok",
		Stations: make([]StationHealth, 0, len(stations)),
	}
	today := models.DateOf(s.now().In(s.loc))

	for _, st := range stations {
		sh := StationHealth{StationID: st.StationID, Stale: true}
		if st.LastRefresh.Valid {
			sh.LastRefresh = st.LastRefresh.Time.Format(models.DateLayout)
			sh.Stale = st.LastRefresh.Time.Before(today)
		}
		n, err := s.store.CountRecords(ctx, st.StationID)
		if err != nil {
			health.Errors = append(health.Errors, st.StationID+": "+err.Error())
			continue
		}
		sh.Records = n

		if sh.Stale {
			health.Status = "degraded"
		}
		health.Stations = append(health.Stations, sh)
	}

	if len(health.Errors) > 0 {
		health.Status = "error"
	}

	status := http.StatusOK
	if health.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("write response", "error", err)
	}
}
