package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/jonboulle/clockwork"
)

const DefaultCheckInterval = 5 * time.Minute

// Scheduler is the host trigger: it asks the Refresher to check every
// configured station once at start and then on a fixed interval.
type Scheduler struct {
	refresher  *Refresher
	stationIDs []string
	loc        *time.Location
	interval   time.Duration
	clock      clockwork.Clock
	logger     *slog.Logger
}

func NewScheduler(refresher *Refresher, stationIDs []string, loc *time.Location, interval time.Duration, logger *slog.Logger) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	if interval <= 0 {
		interval = DefaultCheckInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		refresher:  refresher,
		stationIDs: stationIDs,
		loc:        loc,
		interval:   interval,
		clock:      clockwork.NewRealClock(),
		logger:     logger.With("component", "scheduler"),
	}
}

// SetClock replaces the clock used to compute the current date.
func (s *Scheduler) SetClock(clock clockwork.Clock) {
	s.clock = clock
}

// CurrentDate is today's calendar date in the scheduler's time zone.
func (s *Scheduler) CurrentDate() time.Time {
	return s.clock.Now().In(s.loc)
}

// CheckOnce runs a freshness check for every station and returns the
// decision taken for each. Errors are logged and do not stop other stations.
func (s *Scheduler) CheckOnce(ctx context.Context) map[string]Decision {
	today := s.CurrentDate()
	decisions := make(map[string]Decision, len(s.stationIDs))
	for _, id := range s.stationIDs {
		d, err := s.refresher.MaybeRefresh(ctx, id, today)
		if err != nil {
			s.logger.Error("freshness check failed", "station", id, "error", err)
			continue
		}
		decisions[id] = d
	}
	return decisions
}

// Run checks immediately and then every interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	cron := gocron.NewScheduler(s.loc)
	cron.SingletonModeAll()

	if _, err := cron.Every(s.interval).Do(func() {
		s.CheckOnce(ctx)
	}); err != nil {
		return fmt.Errorf("schedule freshness check: %w", err)
	}

	s.logger.Info("scheduler started", "stations", s.stationIDs, "interval", s.interval, "timezone", s.loc.String())
	cron.StartAsync()
	<-ctx.Done()
	cron.Stop()
	s.logger.Info("scheduler stopped")
	return nil
}
