package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/lox/climatenormals/internal/api"
	"github.com/lox/climatenormals/internal/climate"
	"github.com/lox/climatenormals/internal/ingest"
	"github.com/lox/climatenormals/internal/models"
)

type ServeCmd struct {
	Port          string        `name:"port" env:"PORT" default:"8080" help:"HTTP server port."`
	CheckInterval time.Duration `name:"check-interval" env:"CLIMATE_CHECK_INTERVAL" default:"5m" help:"How often station freshness is checked."`
	NoPoll        bool          `name:"no-poll" help:"Disable refreshing (serve stored data only)."`
}

func (c *ServeCmd) Run(g *Globals) error {
	st, db, err := g.openStore()
	if err != nil {
		return err
	}
	defer db.Close()
	g.logger.Info("database migrated", "path", g.DB)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	refresher := g.newRefresher(st)
	defer refresher.Close()

	if c.NoPoll || len(g.Stations) == 0 {
		g.logger.Info("refreshing disabled", "no_poll", c.NoPoll, "stations", len(g.Stations))
	} else {
		scheduler := ingest.NewScheduler(refresher, g.Stations, g.loc, c.CheckInterval, g.logger)
		go func() {
			if err := scheduler.Run(ctx); err != nil {
				g.logger.Error("scheduler", "error", err)
				cancel()
			}
		}()
	}

	resolver := climate.NewResolver(st, g.DefaultStation())
	server := api.NewServer(st, resolver, climate.NewAggregator(resolver, g.loc), c.Port, g.loc, g.logger)
	return server.Run(ctx)
}

type SetupCmd struct{}

func (c *SetupCmd) Run(g *Globals) error {
	st, db, err := g.openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	version, err := st.MigrationVersion()
	if err != nil {
		return err
	}
	fmt.Printf("database %s at schema version %d\n", g.DB, version)
	return nil
}

type RefreshCmd struct {
	Stations []string `arg:"" optional:"" help:"Stations to refresh (default: configured stations)."`
	Date     string   `name:"date" help:"Current date as YYYY-MM-DD (default: today in --timezone)."`
}

func (c *RefreshCmd) Run(g *Globals) error {
	stations := c.Stations
	if len(stations) == 0 {
		stations = g.Stations
	}
	if len(stations) == 0 {
		return errors.New("no stations given and none configured (--stations)")
	}

	today := time.Now().In(g.loc)
	if c.Date != "" {
		d, err := time.ParseInLocation(models.DateLayout, c.Date, g.loc)
		if err != nil {
			return fmt.Errorf("invalid --date %q: %w", c.Date, err)
		}
		today = d
	}

	st, db, err := g.openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := context.Background()
	refresher := g.newRefresher(st)
	for _, id := range stations {
		d, err := refresher.MaybeRefresh(ctx, id, today)
		if err != nil {
			return err
		}
		fmt.Printf("%s: %s\n", id, d)
	}
	refresher.Wait()

	for _, id := range stations {
		last, ok, err := st.LastRefresh(ctx, id)
		if err != nil {
			return err
		}
		if !ok || last.Before(models.DateOf(today)) {
			fmt.Printf("%s: not current (see logs)\n", id)
			continue
		}
		n, err := st.CountRecords(ctx, id)
		if err != nil {
			return err
		}
		fmt.Printf("%s: current as of %s, %d records\n", id, last.Format(models.DateLayout), n)
	}
	return nil
}

type StatusCmd struct {
	Runs int `name:"runs" default:"5" help:"Recent refresh runs to show per station."`
}

func (c *StatusCmd) Run(g *Globals) error {
	st, db, err := g.openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := context.Background()
	stations, err := st.ListStations(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STATION\tNAME\tLOCATION\tLAST REFRESH\tSCHEMA\tRECORDS")
	for _, s := range stations {
		n, err := st.CountRecords(ctx, s.StationID)
		if err != nil {
			return err
		}
		last := "never"
		if s.LastRefresh.Valid {
			last = s.LastRefresh.Time.Format(models.DateLayout)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\n", s.StationID, s.Name, s.Location, last, s.SchemaVersion.Int64, n)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if c.Runs <= 0 {
		return nil
	}
	fmt.Println()
	w = tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STATION\tTASK\tSTARTED\tDATE\tOK\tRECORDS\tERROR")
	for _, s := range stations {
		runs, err := st.GetRecentIngestRuns(ctx, s.StationID, c.Runs)
		if err != nil {
			return err
		}
		for _, r := range runs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%d\t%s\n", r.StationID, r.TaskID,
				r.StartedAt.Format(time.RFC3339), r.RefreshDate, r.Success, r.RecordsStored.Int64, r.ErrorMessage.String)
		}
	}
	return w.Flush()
}

type LookupCmd struct {
	Path    string `arg:"" help:"Statistic path, period.obs_type.statistic.reduction."`
	Station string `name:"station" help:"Station id (default: first configured station)."`
	Date    string `name:"date" help:"Date as YYYY-MM-DD (default: today in --timezone)."`
}

func (c *LookupCmd) Run(g *Globals) error {
	date, err := parseDate(c.Date, g.loc)
	if err != nil {
		return err
	}

	st, db, err := g.openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	res, err := climate.NewResolver(st, g.DefaultStation()).ResolvePath(context.Background(), c.Path, c.Station, date)
	if err != nil {
		return err
	}
	printResult(c.Path, date, res)
	return nil
}

type AggregateCmd struct {
	Name    string `arg:"" help:"Aggregate name, e.g. high_avg or low_low_year."`
	Obs     string `name:"obs" default:"outTemp" help:"Observation type."`
	Station string `name:"station" help:"Station id (default: first configured station)."`
	Date    string `name:"date" help:"Start of the timespan as YYYY-MM-DD (default: today in --timezone)."`
}

func (c *AggregateCmd) Run(g *Globals) error {
	start, err := parseDate(c.Date, g.loc)
	if err != nil {
		return err
	}

	st, db, err := g.openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	resolver := climate.NewResolver(st, g.DefaultStation())
	span := climate.Timespan{Start: start, Stop: start.AddDate(0, 0, 1)}
	res, err := climate.NewAggregator(resolver, g.loc).Aggregate(context.Background(), c.Obs, span, c.Name, c.Station)
	if err != nil {
		return err
	}
	printResult(c.Obs+"."+c.Name, start, res)
	return nil
}

type PayloadCmd struct {
	ID int64 `arg:"" help:"Raw payload id."`
}

func (c *PayloadCmd) Run(g *Globals) error {
	st, db, err := g.openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	body, err := st.GetRawPayload(context.Background(), c.ID)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(append(body, '\n'))
	return err
}

type PruneCmd struct {
	Days int `name:"days" default:"30" help:"Keep raw responses newer than this many days."`
}

func (c *PruneCmd) Run(g *Globals) error {
	st, db, err := g.openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	n, err := st.CleanupOldRawPayloads(context.Background(), c.Days)
	if err != nil {
		return err
	}
	fmt.Printf("deleted %d raw payloads\n", n)
	return nil
}

func parseDate(s string, loc *time.Location) (time.Time, error) {
	if s == "" {
		return time.Now().In(loc), nil
	}
	d, err := time.ParseInLocation(models.DateLayout, s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: want YYYY-MM-DD", s)
	}
	return d, nil
}

func printResult(query string, date time.Time, res climate.Result) {
	if res.Absent() {
		fmt.Printf("%s on %s: no record\n", query, date.Format("Jan 2"))
		return
	}
	value := "missing"
	if res.Value.Valid {
		value = fmt.Sprintf("%g", res.Value.Float64)
	}
	fmt.Printf("%s on %s: %s %s (%s)", query, date.Format("Jan 2"), value, res.Unit, res.Group)
	if res.Year.Valid {
		fmt.Printf(", set in %d", res.Year.Int64)
	}
	fmt.Println()
}
