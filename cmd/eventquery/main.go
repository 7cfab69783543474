// Eventquery - Operator Query Tool for the Event DB
// ===================================================
// Runs one event search against the Event DB and prints the raw result
// dicts as NDJSON, newest first. An operator tool: it queries with full
// restriction access and takes the client constraint from the flags.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/certhub/threatpipe/internal/event"
	"github.com/certhub/threatpipe/internal/eventdb"
	"github.com/certhub/threatpipe/pkg/config"
	"github.com/certhub/threatpipe/pkg/database"
	"github.com/certhub/threatpipe/pkg/errors"
	"github.com/certhub/threatpipe/pkg/logger"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to the configuration file")
	timeMin := flag.String("time-min", "", "lower time bound (YYYY-MM-DD HH:MM:SS, required)")
	timeMax := flag.String("time-max", "", "upper time bound (inclusive)")
	timeUntil := flag.String("time-until", "", "upper time bound (exclusive)")
	limit := flag.Int("limit", 0, "maximum number of results (0 = unlimited)")
	category := flag.String("category", "", "comma-separated category filter")
	source := flag.String("source", "", "comma-separated source filter")
	client := flag.String("client", "", "comma-separated client org ids")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return errors.ExitCode(err)
	}

	log := logger.New(logger.Config{
		Level:  cfg.Logger.Level,
		Format: cfg.Logger.Format,
		Output: os.Stderr,
	})
	log = log.With().Component("eventquery").Logger()
	logger.SetGlobal(log)

	params, err := buildParams(*timeMin, *timeMax, *timeUntil, *limit, *category, *source, *client)
	if err != nil {
		log.Error().Err(err).Msg("Invalid query parameters")
		return 2
	}

	db, err := database.NewEventDB(&cfg.Database, log)
	if err != nil {
		log.Error().Err(err).Msg("Cannot connect to the Event DB")
		return errors.ExitCode(err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fetcher := eventdb.NewSQLFetcher(db)
	api := eventdb.NewAPI(fetcher, fetcher, cfg.Database.DayStep, log)

	// Operator access: every restriction level is visible.
	zoneConds := eventdb.AccessZoneConditions{
		eventdb.ZoneSearch: {{
			SQL: "event.restriction IN (?, ?, ?)",
			Args: []interface{}{
				event.RestrictionPublic,
				event.RestrictionNeedToKnow,
				event.RestrictionInternal,
			},
		}},
	}

	encoder := json.NewEncoder(os.Stdout)
	count := 0
	err = api.SearchEvents(ctx, eventdb.AuthData{OrgID: "operator", UserID: "operator"},
		params, zoneConds, func(rd eventdb.ResultDict) bool {
			if err := encoder.Encode(rd); err != nil {
				return false
			}
			count++
			return true
		})
	if err != nil {
		log.Error().Err(err).Msg("Query failed")
		return errors.ExitCode(err)
	}
	log.Info().Int("results", count).Msg("Query finished")
	return 0
}

func buildParams(timeMin, timeMax, timeUntil string, limit int, category, source, client string) (*eventdb.Params, error) {
	if timeMin == "" {
		return nil, fmt.Errorf("-time-min is required")
	}
	parse := func(s string) (time.Time, error) {
		t, err := event.ParseTime(s)
		if err != nil {
			return time.Time{}, err
		}
		return t.Time, nil
	}

	params := &eventdb.Params{Filters: map[string][]interface{}{}}
	var err error
	if params.TimeMin, err = parse(timeMin); err != nil {
		return nil, err
	}
	if timeMax != "" {
		t, perr := parse(timeMax)
		if perr != nil {
			return nil, perr
		}
		params.TimeMax = &t
	}
	if timeUntil != "" {
		t, perr := parse(timeUntil)
		if perr != nil {
			return nil, perr
		}
		params.TimeUntil = &t
	}
	if limit > 0 {
		params.OptLimit = &limit
	}
	addFilter := func(key, raw string) {
		if raw == "" {
			return
		}
		var values []interface{}
		for _, v := range strings.Split(raw, ",") {
			values = append(values, strings.TrimSpace(v))
		}
		params.Filters[key] = values
	}
	addFilter("category", category)
	addFilter("source", source)
	if client != "" {
		params.Client = strings.Split(client, ",")
	}
	return params, nil
}
