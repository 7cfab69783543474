// Aggregator - High-Frequency Event Aggregation
// ===============================================
// Collapses bursts of similar parsed events into one representative event
// plus periodic suppressed summaries, per (source, group).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/certhub/threatpipe/internal/aggregator"
	"github.com/certhub/threatpipe/internal/statestore"
	"github.com/certhub/threatpipe/internal/status"
	"github.com/certhub/threatpipe/pkg/bus"
	"github.com/certhub/threatpipe/pkg/config"
	"github.com/certhub/threatpipe/pkg/errors"
	"github.com/certhub/threatpipe/pkg/logger"
	"github.com/certhub/threatpipe/pkg/tracer"
)

// eventExchange is the topic exchange of the post-parser pipeline stages.
const eventExchange = "event"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to the configuration file")
	flag.Parse()

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
	log = log.With().Component("aggregator").Logger()
	logger.SetGlobal(log)

	tr, err := tracer.New(&cfg.Tracer, log)
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize tracer")
		return 1
	}
	defer tr.Close(context.Background())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pusher, err := bus.NewPusher(bus.PusherConfig{
		URL:               cfg.AMQP.URL,
		Exchange:          bus.ExchangeDeclaration{Name: eventExchange, Type: cfg.AMQP.ExchangeType, Durable: true},
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

	consumer, err := bus.NewConsumer(bus.ConsumerConfig{
		URL:           cfg.AMQP.URL,
		Exchange:      bus.ExchangeDeclaration{Name: eventExchange, Type: cfg.AMQP.ExchangeType, Durable: true},
		Queue:         bus.QueueDeclaration{Name: "aggregator", Durable: true},
		BindingKeys:   []string{"event.parsed.#"},
		PrefetchCount: cfg.AMQP.PrefetchCount,
	}, log)
	if err != nil {
		log.Error().Err(err).Msg("Failed to connect the consumer")
		return errors.ExitCode(err)
	}
	defer consumer.Close()

	agg := aggregator.New(aggregator.Config{
		TimeTolerance:     cfg.Aggregator.TimeTolerance,
		AggregateWait:     cfg.Aggregator.AggregateWait,
		InactivityTimeout: cfg.Aggregator.InactivityTimeout,
		SourceTolerances:  cfg.Aggregator.SourceTolerances,
		StateDir:          cfg.Aggregator.StateDir,
	}, pusher, log)

	store := statestore.NewWithPath(cfg.Aggregator.StateDir+"/aggregator.state", log)
	snapshot := aggregator.NewData()
	if store.Load(snapshot) {
		agg.RestoreState(snapshot)
		log.Info().Int("sources", len(snapshot.Sources)).Msg("Restored aggregator state")
	}
	defer func() {
		if err := store.Save(agg.Snapshot()); err != nil {
			log.Error().Err(err).Msg("Failed to persist aggregator state")
		}
	}()

	var statusSrv *status.Server
	if cfg.Status.Enabled {
		statusSrv = status.New("aggregator", cfg.Status.Addr, log)
		statusSrv.Start()
		defer statusSrv.Shutdown(context.Background())
	}

	log.Info().Msg("Aggregator started")
	if err := agg.Run(ctx, consumer, cfg.Aggregator.SweepInterval); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("Aggregator failed")
		return errors.ExitCode(err)
	}
	log.Info().Msg("Aggregator stopped")
	return 0
}
