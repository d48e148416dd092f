package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/lox/climatenormals/internal/metrics"
	"github.com/lox/climatenormals/internal/models"
	"github.com/lox/climatenormals/internal/store"
)

const DefaultMaxWait = 10 * time.Minute

// Provider fetches station metadata and day-of-year summaries. Both calls
// return the raw response body alongside the decoded value, when one was read.
type Provider interface {
	FetchMetadata(ctx context.Context, stationID string) (*StationMeta, []byte, error)
	FetchStatistics(ctx context.Context, stationID string, schema Schema) (*StnDataResponse, []byte, error)
}

// Decision reports what MaybeRefresh did.
type Decision int

const (
	DecisionCurrent Decision = iota
	DecisionInFlight
	DecisionLaunched
	DecisionReplacedZombie
)

func (d Decision) String() string {
	switch d {
	case DecisionCurrent:
		return "current"
	case DecisionInFlight:
		return "in_flight"
	case DecisionLaunched:
		return "launched"
	case DecisionReplacedZombie:
		return "replaced_zombie"
	default:
		return "unknown"
	}
}

type RefresherConfig struct {
	MaxWait      time.Duration // age after which a running task is treated as a zombie
	FetchTimeout time.Duration // bound on a whole task; zero means unbounded
	Schema       *Schema       // defaults to CurrentSchema
	Clock        clockwork.Clock
	Logger       *slog.Logger
}

type refreshTask struct {
	id       string
	launched time.Time
	done     chan struct{}
}

func (t *refreshTask) running() bool {
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

// refreshState is the per-station record of the task currently held.
type refreshState struct {
	task *refreshTask
}

// Refresher keeps station statistics current. At most one refresh task is
// held per station; a task older than MaxWait is detached (not cancelled) and
// a replacement launched beside it.
type Refresher struct {
	store        *store.Store
	provider     Provider
	schema       Schema
	maxWait      time.Duration
	fetchTimeout time.Duration
	clock        clockwork.Clock
	logger       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	states map[string]*refreshState
}

func NewRefresher(st *store.Store, provider Provider, cfg RefresherConfig) *Refresher {
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = DefaultMaxWait
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	schema := CurrentSchema
	if cfg.Schema != nil {
		schema = *cfg.Schema
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Refresher{
		store:        st,
		provider:     provider,
		schema:       schema,
		maxWait:      cfg.MaxWait,
		fetchTimeout: cfg.FetchTimeout,
		clock:        cfg.Clock,
		logger:       cfg.Logger.With("component", "refresher"),
		ctx:          ctx,
		cancel:       cancel,
		states:       make(map[string]*refreshState),
	}
}

// MaybeRefresh launches a background refresh of stationID unless its data is
// already current for currentDate or a refresh younger than MaxWait is
// running. It never waits for the refresh itself.
func (r *Refresher) MaybeRefresh(ctx context.Context, stationID string, currentDate time.Time) (Decision, error) {
	today := models.DateOf(currentDate)

	meta, err := r.store.GetStation(ctx, stationID)
	if err != nil {
		return DecisionCurrent, fmt.Errorf("read freshness of %s: %w", stationID, err)
	}
	if r.isCurrent(meta, today) {
		r.logger.Debug("climate data is current", "station", stationID, "date", today.Format(models.DateLayout))
		metrics.RefreshDecisions.WithLabelValues(stationID, DecisionCurrent.String()).Inc()
		return DecisionCurrent, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.states[stationID]
	if !ok {
		state = &refreshState{}
		r.states[stationID] = state
	}

	decision := DecisionLaunched
	if t := state.task; t != nil && t.running() {
		age := r.clock.Since(t.launched)
		if age < r.maxWait {
			r.logger.Info("refresh launch aborted: existing task is still running",
				"station", stationID, "task", t.id, "age", age)
			metrics.RefreshDecisions.WithLabelValues(stationID, DecisionInFlight.String()).Inc()
			return DecisionInFlight, nil
		}
		r.logger.Warn("refresh task exceeded max wait; detaching and launching a new one",
			"station", stationID, "task", t.id, "age", age, "max_wait", r.maxWait)
		decision = DecisionReplacedZombie
	}

	state.task = r.launch(stationID, today)
	metrics.RefreshDecisions.WithLabelValues(stationID, decision.String()).Inc()
	return decision, nil
}

func (r *Refresher) isCurrent(meta *models.StationMetadata, today time.Time) bool {
	if meta == nil || !meta.LastRefresh.Valid {
		return false
	}
	if !meta.SchemaVersion.Valid || int(meta.SchemaVersion.Int64) != r.schema.Version {
		return false
	}
	return !meta.LastRefresh.Time.Before(today)
}

// launch starts a task. Callers hold r.mu.
func (r *Refresher) launch(stationID string, date time.Time) *refreshTask {
	t := &refreshTask{
		id:       uuid.NewString(),
		launched: r.clock.Now(),
		done:     make(chan struct{}),
	}

	ctx, cancel := r.ctx, context.CancelFunc(func() {})
	if r.fetchTimeout > 0 {
		ctx, cancel = context.WithTimeout(r.ctx, r.fetchTimeout)
	}

	r.logger.Info("launching refresh", "station", stationID, "task", t.id, "date", date.Format(models.DateLayout))
	metrics.RefreshesInFlight.WithLabelValues(stationID).Inc()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer metrics.RefreshesInFlight.WithLabelValues(stationID).Dec()
		defer cancel()

		r.run(ctx, t, stationID, date)
		r.complete(stationID, t)
	}()
	return t
}

// complete marks t finished and releases the station's state, unless t was
// already detached and replaced by a newer task.
func (r *Refresher) complete(stationID string, t *refreshTask) {
	r.mu.Lock()
	defer r.mu.Unlock()

	close(t.done)
	if state, ok := r.states[stationID]; ok && state.task == t {
		state.task = nil
	}
}

// run performs one refresh. Every failure is caught and logged here; nothing
// escapes the task.
func (r *Refresher) run(ctx context.Context, t *refreshTask, stationID string, date time.Time) {
	start := r.clock.Now()
	logger := r.logger.With("station", stationID, "task", t.id)
	auditCtx := context.WithoutCancel(ctx)

	run, err := r.store.StartIngestRun(auditCtx, t.id, "acis", stationID, date)
	if err != nil {
		logger.Warn("start ingest run", "error", err)
	}

	outcome, n, err := r.refresh(ctx, run, stationID, date)
	metrics.RefreshesTotal.WithLabelValues(stationID, outcome).Inc()
	metrics.RefreshDuration.WithLabelValues(stationID).Observe(r.clock.Since(start).Seconds())

	if run != nil {
		run.Success = err == nil
		if err != nil {
			run.ErrorMessage = sql.NullString{String: err.Error(), Valid: true}
		} else {
			run.RecordsStored = sql.NullInt64{Int64: int64(n), Valid: true}
		}
		if cerr := r.store.CompleteIngestRun(auditCtx, run); cerr != nil {
			logger.Warn("complete ingest run", "error", cerr)
		}
	}

	if err != nil {
		logger.Error("refresh failed", "outcome", outcome, "error", err)
		return
	}
	metrics.RecordsStored.WithLabelValues(stationID).Add(float64(n))
	logger.Info("refresh complete", "records", n, "duration", r.clock.Since(start))
}

func (r *Refresher) refresh(ctx context.Context, run *store.IngestRun, stationID string, date time.Time) (outcome string, n int, err error) {
	meta, body, err := r.provider.FetchMetadata(ctx, stationID)
	r.storeRawPayload(ctx, run, "StnMeta", stationID, body)
	if err != nil {
		return "fetch_failed", 0, fmt.Errorf("fetch metadata: %w", err)
	}

	resp, body, err := r.provider.FetchStatistics(ctx, stationID, r.schema)
	r.storeRawPayload(ctx, run, "StnData", stationID, body)
	if err != nil {
		return "fetch_failed", 0, fmt.Errorf("fetch statistics: %w", err)
	}

	records, err := r.schema.Normalize(resp, stationID)
	if err != nil {
		return "normalize_failed", 0, fmt.Errorf("normalize: %w", err)
	}
	if run != nil {
		run.RecordsParsed = sql.NullInt64{Int64: int64(len(records)), Valid: true}
	}
	if flags := ValidateRecords(records, date.Year()); len(flags) > 0 {
		r.logger.Warn("implausible statistics in provider response", "station", stationID, "flags", flags)
	}

	err = r.store.ApplyRefresh(ctx, store.Refresh{
		Meta:          stationMetadata(stationID, meta),
		Records:       records,
		Date:          date,
		SchemaVersion: r.schema.Version,
	})
	if err != nil {
		return "store_failed", 0, fmt.Errorf("apply refresh: %w", err)
	}
	return "success", len(records), nil
}

func (r *Refresher) storeRawPayload(ctx context.Context, run *store.IngestRun, endpoint, stationID string, body []byte) {
	if run == nil || len(body) == 0 {
		return
	}
	if _, err := r.store.StoreRawPayload(context.WithoutCancel(ctx), run.ID, "acis", endpoint, stationID, r.schema.Version, body); err != nil {
		r.logger.Warn("store raw payload", "station", stationID, "endpoint", endpoint, "error", err)
	}
}

func stationMetadata(stationID string, m *StationMeta) models.StationMetadata {
	meta := models.StationMetadata{StationID: stationID}
	if m == nil {
		return meta
	}
	meta.Name = m.Name
	meta.Location = m.State
	if lat, lon, ok := m.Coordinates(); ok {
		meta.Latitude = sql.NullFloat64{Float64: lat, Valid: true}
		meta.Longitude = sql.NullFloat64{Float64: lon, Valid: true}
	}
	if alt, ok := m.Altitude(); ok {
		meta.Altitude = sql.NullFloat64{Float64: alt, Valid: true}
	}
	return meta
}

// Wait blocks until every launched task, detached ones included, has finished.
func (r *Refresher) Wait() {
	r.wg.Wait()
}

// Close cancels all running tasks and waits for them to return.
func (r *Refresher) Close() {
	r.cancel()
	r.wg.Wait()
}
