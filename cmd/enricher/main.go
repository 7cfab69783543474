// Enricher - IP/FQDN/URL Resolution and GeoIP Augmentation
// ==========================================================
// Resolves hostnames to IPs, attaches ASN and country code per address and
// drops configured excluded IPs before re-publication.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/certhub/threatpipe/internal/enrich"
	"github.com/certhub/threatpipe/internal/status"
	"github.com/certhub/threatpipe/pkg/bus"
	"github.com/certhub/threatpipe/pkg/config"
	"github.com/certhub/threatpipe/pkg/database"
	"github.com/certhub/threatpipe/pkg/errors"
	"github.com/certhub/threatpipe/pkg/logger"
	"github.com/certhub/threatpipe/pkg/tracer"
)

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
	log = log.With().Component("enricher").Logger()
	logger.SetGlobal(log)

	tr, err := tracer.New(&cfg.Tracer, log)
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize tracer")
		return 1
	}
	defer tr.Close(context.Background())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	geo, err := enrich.OpenGeoIP(&cfg.GeoIP, log)
	if err != nil {
		log.Error().Err(err).Msg("Failed to open the GeoIP databases")
		return 1
	}
	defer geo.Close()

	resolver := enrich.NewDNSResolver(cfg.Enricher.DNSServer, cfg.Enricher.DNSTimeout)

	var cache enrich.DNSCache
	if cfg.Enricher.DNSCacheRedis {
		redisClient, rerr := database.NewRedis(&cfg.Redis, log)
		if rerr != nil {
			log.Error().Err(rerr).Msg("Failed to connect to Redis")
			return 1
		}
		defer redisClient.Close()
		cache = enrich.NewRedisDNSCache(redisClient.Client(), cfg.Enricher.DNSCacheTTL, log)
	}

	enricher, err := enrich.New(resolver, geo.ASNLookup(), geo.CCLookup(), cache,
		cfg.Enricher.ExcludedIPs, log)
	if err != nil {
		log.Error().Err(err).Msg("Invalid enricher configuration")
		return errors.ExitCode(err)
	}

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
		Queue:         bus.QueueDeclaration{Name: "enricher", Durable: true},
		BindingKeys:   []string{"event.aggregated.#"},
		PrefetchCount: cfg.AMQP.PrefetchCount,
	}, log)
	if err != nil {
		log.Error().Err(err).Msg("Failed to connect the consumer")
		return errors.ExitCode(err)
	}
	defer consumer.Close()

	var statusSrv *status.Server
	if cfg.Status.Enabled {
		statusSrv = status.New("enricher", cfg.Status.Addr, log)
		statusSrv.Start()
		defer statusSrv.Shutdown(context.Background())
	}

	daemon := enrich.NewDaemon(enricher, pusher, log)
	log.Info().Msg("Enricher started")
	if err := daemon.Run(ctx, consumer); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("Enricher failed")
		return errors.ExitCode(err)
	}
	log.Info().Msg("Enricher stopped")
	return 0
}
