package main

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	_ "modernc.org/sqlite"

	"github.com/lox/climatenormals/internal/ingest"
	"github.com/lox/climatenormals/internal/store"
)

// Globals are the settings shared by every command.
type Globals struct {
	DB           string        `name:"db" env:"CLIMATE_DB" default:"data/climate.db" help:"Path to SQLite database."`
	Stations     []string      `name:"stations" env:"CLIMATE_STATIONS" sep:"," help:"Station ids to keep current; the first is the default station."`
	MaxWait      time.Duration `name:"max-wait" env:"CLIMATE_MAX_WAIT" default:"10m" help:"Age after which a running refresh is treated as stuck and replaced."`
	FetchTimeout time.Duration `name:"fetch-timeout" env:"CLIMATE_FETCH_TIMEOUT" default:"2m" help:"Upper bound on a single refresh."`
	Timezone     string        `name:"timezone" env:"CLIMATE_TZ" default:"UTC" help:"Time zone used to decide the current date."`
	ACISURL      string        `name:"acis-url" env:"CLIMATE_ACIS_URL" default:"${acis_url}" help:"ACIS StnData endpoint."`
	ACISMetaURL  string        `name:"acis-meta-url" env:"CLIMATE_ACIS_META_URL" default:"${acis_meta_url}" help:"ACIS StnMeta endpoint."`
	LogLevel     string        `name:"log-level" env:"LOG_LEVEL" enum:"debug,info,warn,error" default:"info" help:"Log level (${enum})."`
	LogFormat    string        `name:"log-format" env:"LOG_FORMAT" enum:"json,text" default:"json" help:"Log format (${enum})."`

	logger *slog.Logger
	loc    *time.Location
}

type CLI struct {
	Globals

	Serve     ServeCmd     `cmd:"" default:"1" help:"Keep stations current and serve the query API."`
	Setup     SetupCmd     `cmd:"" help:"Create or upgrade the database schema."`
	Refresh   RefreshCmd   `cmd:"" help:"Refresh stations that are not current and wait for the result."`
	Status    StatusCmd    `cmd:"" help:"Show stored stations and recent refresh runs."`
	Lookup    LookupCmd    `cmd:"" help:"Resolve a statistic path such as day.outTemp.high.maxtime."`
	Aggregate AggregateCmd `cmd:"" help:"Resolve a named aggregate such as high_high_year."`
	Payload   PayloadCmd   `cmd:"" help:"Print a stored raw provider response."`
	Prune     PruneCmd     `cmd:"" help:"Delete raw provider responses older than the retention period."`
}

func main() {
	// A missing .env is fine; settings may come from the environment or flags.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
	}

	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("climatenormals"),
		kong.Description("Day-of-year climate normals and records from ACIS, kept current per station."),
		kong.UsageOnError(),
		kong.Vars{
			"acis_url":      ingest.ACISDataURL,
			"acis_meta_url": ingest.ACISMetadataURL,
		},
	)

	if err := cli.Globals.init(); err != nil {
		kctx.FatalIfErrorf(err)
	}
	kctx.FatalIfErrorf(kctx.Run(&cli.Globals))
}

func (g *Globals) init() error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(g.LogLevel)); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewJSONHandler(os.Stderr, opts)
	if g.LogFormat == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	g.logger = slog.New(handler)
	slog.SetDefault(g.logger)

	loc, err := time.LoadLocation(g.Timezone)
	if err != nil {
		return fmt.Errorf("load timezone %q: %w", g.Timezone, err)
	}
	g.loc = loc

	stations := g.Stations[:0]
	for _, id := range g.Stations {
		if id = strings.TrimSpace(id); id != "" {
			stations = append(stations, id)
		}
	}
	g.Stations = stations
	return nil
}

// DefaultStation is the first configured station, or "" if none are.
func (g *Globals) DefaultStation() string {
	if len(g.Stations) == 0 {
		return ""
	}
	return g.Stations[0]
}

func (g *Globals) openStore() (*store.Store, *sql.DB, error) {
	if dir := filepath.Dir(g.DB); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", g.DB)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	db.Exec("PRAGMA journal_mode=WAL")
	db.Exec("PRAGMA busy_timeout=5000")

	st := store.New(db, g.logger)
	if err := st.Migrate(); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	return st, db, nil
}

func (g *Globals) newRefresher(st *store.Store) *ingest.Refresher {
	acis := ingest.NewACIS(g.ACISURL, g.ACISMetaURL, g.FetchTimeout)
	return ingest.NewRefresher(st, acis, ingest.RefresherConfig{
		MaxWait:      g.MaxWait,
		FetchTimeout: g.FetchTimeout,
		Logger:       g.logger,
	})
}
