// Collector - External Feed Ingestion
// ====================================
// Runs one configured collector: fetches an external feed and publishes raw
// messages onto the bus. The variant (rows, rss, email) selects the fetch
// strategy; the config-section argument selects the source.
//
// Usage: collector [-config FILE] [-daemon] <variant> <config-section>
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/certhub/threatpipe/internal/collector"
	"github.com/certhub/threatpipe/internal/statestore"
	"github.com/certhub/threatpipe/pkg/bus"
	"github.com/certhub/threatpipe/pkg/config"
	"github.com/certhub/threatpipe/pkg/errors"
	"github.com/certhub/threatpipe/pkg/logger"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to the configuration file")
	daemon := flag.Bool("daemon", false, "keep running on the configured interval")
	flag.Parse()

	if flag.NArg() != 2 {
		fmt.Fprintln(os.Stderr, "usage: collector [-config FILE] [-daemon] <variant> <config-section>")
		return 2
	}
	variant, section := flag.Arg(0), flag.Arg(1)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return errors.ExitCode(err)
	}

	log := logger.New(logger.Config{
		Level:      cfg.Logger.Level,
		Format:     cfg.Logger.Format,
		TimeFormat: cfg.Logger.TimeFormat,
		Caller:     cfg.Logger.Caller,
	})
	log = log.With().Component("collector").Str("section", section).Logger()
	logger.SetGlobal(log)

	cc, err := cfg.Collector(section)
	if err != nil {
		log.Error().Err(err).Msg("Invalid collector configuration")
		return errors.ExitCode(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pusher, err := bus.NewPusher(bus.PusherConfig{
		URL:               cfg.AMQP.URL,
		Exchange:          bus.ExchangeDeclaration{Name: cfg.AMQP.Exchange, Type: cfg.AMQP.ExchangeType, Durable: true},
		FIFOCapacity:      cfg.AMQP.FIFOCapacity,
		ReconnectAttempts: cfg.AMQP.ReconnectAttempts,
		ReconnectDelay:    cfg.AMQP.ReconnectDelay,
		JoinTimeout:       cfg.AMQP.ShutdownJoinTimeout,
		Mandatory:         cfg.AMQP.Mandatory,
	}, log)
	if err != nil {
		log.Error().Err(err).Msg("Failed to connect the pusher")
		return errors.ExitCode(err)
	}
	defer func() {
		if err := pusher.Shutdown(); err != nil {
			log.Error().Err(err).Msg("Pusher shutdown failed")
		}
	}()

	handler, err := buildCollector(variant, cc, pusher, log)
	if err != nil {
		log.Error().Err(err).Msg("Cannot build the collector")
		return errors.ExitCode(err)
	}

	if *daemon {
		err = collector.RunDaemon(ctx, handler, cc.RunInterval, log)
		if err == context.Canceled {
			err = nil
		}
	} else {
		err = collector.RunOnce(ctx, handler)
	}
	if err != nil {
		log.Error().Err(err).Msg("Collector run failed")
		return errors.ExitCode(err)
	}
	return 0
}

func buildCollector(variant string, cc config.CollectorConfig, pusher collector.Publisher, log *logger.Logger) (collector.Handler, error) {
	msgType := cc.Type
	if msgType == "" {
		msgType = bus.TypeFile
	}
	contentType := cc.ContentType
	if contentType == "" {
		contentType = "text/csv"
	}
	base := collector.NewBase(cc.Source, msgType, contentType, pusher, log)
	downloader := collector.NewDownloader(cc.DownloadTimeout, cc.RetryTimeout, cc.RateLimit, log)

	fetch := func(ctx context.Context) ([]byte, bus.Meta, error) {
		body, info, err := downloader.Fetch(ctx, cc.URL)
		if err != nil {
			return nil, bus.Meta{}, err
		}
		var meta bus.Meta
		if !info.LastModified.IsZero() {
			meta.HTTPLastModified = info.LastModified.UTC().Format("2006-01-02 15:04:05")
		}
		return body, meta, nil
	}

	switch variant {
	case "rows":
		codec, err := csvCodecFromExtra(cc.Extra)
		if err != nil {
			return nil, err
		}
		store := statestore.New(cc.CacheDir, cc.Source, "RowsCollector", log)
		return collector.NewTimeOrderedRowsCollector(base, codec, fetch, store, cc.RowCountMismatchFatal), nil
	case "rss":
		store := statestore.New(cc.CacheDir, cc.Source, "RSSCollector", log)
		return collector.NewRSSCollector(base, fetch, store), nil
	case "email":
		return collector.NewEmailCollector(base, os.Stdin), nil
	default:
		return nil, errors.Newf(errors.ErrCodeConfig, "unknown collector variant %q", variant)
	}
}

// csvColumnCodec orders CSV-ish rows by a configured date/time column.
type csvColumnCodec struct {
	column int
	layout int // expected value length, a cheap sanity check
}

func csvCodecFromExtra(extra map[string]string) (csvColumnCodec, error) {
	codec := csvColumnCodec{column: 1, layout: len("2006-01-02")}
	if raw, ok := extra["time_column"]; ok {
		column, err := strconv.Atoi(raw)
		if err != nil || column < 0 {
			return codec, errors.Newf(errors.ErrCodeConfig, "invalid time_column %q", raw)
		}
		codec.column = column
	}
	if raw, ok := extra["time_value_length"]; ok {
		length, err := strconv.Atoi(raw)
		if err != nil || length <= 0 {
			return codec, errors.Newf(errors.ErrCodeConfig, "invalid time_value_length %q", raw)
		}
		codec.layout = length
	}
	return codec, nil
}

func (c csvColumnCodec) ShouldUseRow(row string) bool {
	return collector.DefaultShouldUseRow(row)
}

func (c csvColumnCodec) PickRawRowTime(row string) (string, bool) {
	fields := strings.Split(row, ",")
	if c.column >= len(fields) {
		return "", false
	}
	return strings.Trim(fields[c.column], `" `), true
}

func (c csvColumnCodec) CleanRowTime(raw string) (string, bool) {
	if len(raw) != c.layout {
		return "", false
	}
	return raw, true
}
