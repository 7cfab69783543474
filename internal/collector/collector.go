// Package collector implements the base runtime shared by all feed
// collectors: raw-message publication, the one-shot and daemon run contracts,
// and the fetch-strategy variants (HTTP download, email, RSS, time-ordered
// rows).
package collector

import (
	"context"
	"time"

	"github.com/certhub/threatpipe/pkg/bus"
	"github.com/certhub/threatpipe/pkg/errors"
	"github.com/certhub/threatpipe/pkg/logger"
)

// Publisher is the output side of a collector; satisfied by *bus.Pusher.
type Publisher interface {
	Push(data interface{}, routingKey string, props *bus.Props) error
}

// Base carries what every collector variant needs to publish raw messages.
type Base struct {
	Source        string // <label>.<channel>
	FormatVersion string // optional routing-key suffix
	MsgType       string // stream, file or blacklist
	ContentType   string
	Pusher        Publisher
	Log           *logger.Logger

	now func() time.Time
}

// NewBase builds the shared collector core.
func NewBase(source, msgType, contentType string, pusher Publisher, log *logger.Logger) *Base {
	if msgType == "" {
		msgType = bus.TypeFile
	}
	return &Base{
		Source:      source,
		MsgType:     msgType,
		ContentType: contentType,
		Pusher:      pusher,
		Log:         log,
		now:         time.Now,
	}
}

// RoutingKey renders raw.<label>.<channel>[.<format_version>].
func (b *Base) RoutingKey() string {
	rk := "raw." + b.Source
	if b.FormatVersion != "" {
		rk += "." + b.FormatVersion
	}
	return rk
}

// Publish emits one raw message with the standard property set.
func (b *Base) Publish(body []byte, meta bus.Meta) error {
	created := b.now().UTC()
	props, err := bus.RawProps(b.Source, b.MsgType, b.ContentType, created, body, meta)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeCollector, "cannot build message properties")
	}
	if err := b.Pusher.Push(body, b.RoutingKey(), props); err != nil {
		return errors.Wrap(err, errors.ErrCodeCollector, "publish failed")
	}
	b.Log.Info().
		Str("routing_key", b.RoutingKey()).
		Str("message_id", props.MessageID).
		Int("bytes", len(body)).
		Msg("Published raw message")
	return nil
}

// Handler is one collector run: fetch, select, publish, commit state.
type Handler interface {
	RunHandling(ctx context.Context) error
}

// RunOnce drives a one-shot collector to completion.
func RunOnce(ctx context.Context, h Handler) error {
	return h.RunHandling(ctx)
}

// RunDaemon drives a long-running collector: RunHandling is repeated on the
// given interval until the context is cancelled (SIGINT initiates a graceful
// stop via the context in the entry point). A failed run is logged and does
// not stop the loop; previously committed work is preserved.
func RunDaemon(ctx context.Context, h Handler, interval time.Duration, log *logger.Logger) error {
	if interval <= 0 {
		interval = time.Minute
	}
	for {
		if err := h.RunHandling(ctx); err != nil {
			log.Error().Err(err).Msg("Collector run failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}
