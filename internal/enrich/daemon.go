package enrich

import (
	"context"

	"github.com/certhub/threatpipe/internal/event"
	"github.com/certhub/threatpipe/pkg/bus"
	"github.com/certhub/threatpipe/pkg/logger"
)

// Publisher is the output side of the enrichment daemon; satisfied by
// *bus.Pusher.
type Publisher interface {
	Push(data interface{}, routingKey string, props *bus.Props) error
}

// Daemon consumes pipeline messages, enriches each record once and
// re-publishes it with the routing-key stage segment rewritten to
// "enriched".
type Daemon struct {
	enricher *Enricher
	pub      Publisher
	log      *logger.Logger
}

// NewDaemon wires the consume-enrich-publish loop.
func NewDaemon(enricher *Enricher, pub Publisher, log *logger.Logger) *Daemon {
	return &Daemon{enricher: enricher, pub: pub, log: log}
}

// Run consumes until ctx is cancelled. Undecodable messages are dropped;
// publish failures are returned so the message is redelivered.
func (d *Daemon) Run(ctx context.Context, consumer *bus.Consumer) error {
	return consumer.Run(ctx, func(ctx context.Context, routingKey string, body []byte) error {
		e, err := event.Unmarshal(body)
		if err != nil {
			d.log.Error().Err(err).Str("routing_key", routingKey).Msg("Dropping undecodable message")
			return nil
		}

		d.enricher.Enrich(ctx, e)

		out, err := e.Marshal()
		if err != nil {
			d.log.Error().Err(err).Str("id", e.ID).Msg("Dropping unserializable record")
			return nil
		}
		rk := OutputRoutingKey(routingKey)
		if err := d.pub.Push(out, rk, &bus.Props{ContentType: "application/json"}); err != nil {
			return err
		}
		d.log.Debug().Str("routing_key", rk).Str("id", e.ID).Msg("Published enriched record")
		return nil
	})
}
