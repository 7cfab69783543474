package aggregator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/certhub/threatpipe/internal/event"
	"github.com/certhub/threatpipe/pkg/bus"
	"github.com/certhub/threatpipe/pkg/errors"
	"github.com/certhub/threatpipe/pkg/logger"
)

// routingKeyPrefix is prepended to the source of every outgoing message.
const routingKeyPrefix = "event.aggregated."

// Publisher is the output side of the aggregator; satisfied by *bus.Pusher.
type Publisher interface {
	Push(data interface{}, routingKey string, props *bus.Props) error
}

// Config holds the aggregator's tunables. Zero values fall back to the
// production defaults.
type Config struct {
	TimeTolerance     time.Duration
	AggregateWait     time.Duration
	InactivityTimeout time.Duration
	// SourceTolerances overrides TimeTolerance per source.
	SourceTolerances map[string]time.Duration
	StateDir         string
}

// Aggregator is the sliding-window state machine. All state access goes
// through its internal lock so that the consume loop and the inactivity
// sweeper cannot interleave.
type Aggregator struct {
	cfg  Config
	log  *logger.Logger
	pub  Publisher
	data *Data

	mu  sync.Mutex
	now func() time.Time
}

// New creates an aggregator with fresh state.
func New(cfg Config, pub Publisher, log *logger.Logger) *Aggregator {
	if cfg.TimeTolerance <= 0 {
		cfg.TimeTolerance = DefaultTimeTolerance
	}
	if cfg.AggregateWait <= 0 {
		cfg.AggregateWait = DefaultAggregateWait
	}
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = DefaultInactivityTimeout
	}
	return &Aggregator{
		cfg:  cfg,
		log:  log,
		pub:  pub,
		data: NewData(),
		now:  time.Now,
	}
}

// RestoreState replaces the aggregator state with a previously snapshotted
// one.
func (a *Aggregator) RestoreState(data *Data) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.data = data
}

// Snapshot returns the current state for persistence.
func (a *Aggregator) Snapshot() *Data {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.data
}

func (a *Aggregator) toleranceFor(source string) time.Duration {
	if t, ok := a.cfg.SourceTolerances[source]; ok && t > 0 {
		return t
	}
	return a.cfg.TimeTolerance
}

// ProcessEvent folds one incoming parsed event into the window state and
// publishes whatever the event triggers: the event itself when it opens a
// window, plus any suppressed summaries for windows it leaves behind.
// A missing _group and an out-of-order event both fail with a
// queue-processing error; suppressed summaries already published before the
// failure stay published.
func (a *Aggregator) ProcessEvent(e *event.Event) error {
	if e.Group == "" {
		return errors.Newf(errors.ErrCodeQueueProcessing,
			"event %s from source %s has no _group", e.ID, e.Source)
	}
	if e.Source == "" || e.Time.IsZero() {
		return errors.Newf(errors.ErrCodeQueueProcessing,
			"event %s lacks source or time", e.ID)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	sd := a.data.getOrCreateSource(e.Source, a.toleranceFor(e.Source))
	publishNew, err := sd.processNewMessage(e, a.cfg.AggregateWait, a.now())
	if err != nil {
		return err
	}
	if publishNew {
		if perr := a.publish(e.Source, e, event.TypeEvent); perr != nil {
			return perr
		}
	}
	for _, suppressed := range sd.generateSuppressedForSource(e.Group, e.Time.Time, a.cfg.AggregateWait) {
		if perr := a.publish(e.Source, suppressed, event.TypeSuppressed); perr != nil {
			return perr
		}
	}
	return nil
}

// SweepInactive flushes every source whose most recent in-order event
// arrived longer than the inactivity timeout ago, emitting suppressed
// summaries for all of its windows.
func (a *Aggregator) SweepInactive() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := a.now().Add(-a.cfg.InactivityTimeout)
	sources := make([]string, 0, len(a.data.Sources))
	for source := range a.data.Sources {
		sources = append(sources, source)
	}
	// deterministic source order for the flush
	sort.Strings(sources)

	for _, source := range sources {
		sd := a.data.Sources[source]
		if sd.LastEvent.IsZero() || sd.LastEvent.After(cutoff) {
			continue
		}
		flushed := sd.flushAll()
		if len(flushed) > 0 {
			a.log.Info().
				Str("source", source).
				Int("suppressed", len(flushed)).
				Msg("Flushing inactive source")
		}
		for _, suppressed := range flushed {
			if err := a.publish(source, suppressed, event.TypeSuppressed); err != nil {
				return err
			}
		}
	}
	return nil
}

// FlushAll drains every window of every source, publishing the suppressed
// summaries and clearing the windows.
func (a *Aggregator) FlushAll() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	sources := make([]string, 0, len(a.data.Sources))
	for source := range a.data.Sources {
		sources = append(sources, source)
	}
	sort.Strings(sources)
	for _, source := range sources {
		for _, suppressed := range a.data.Sources[source].flushAll() {
			if err := a.publish(source, suppressed, event.TypeSuppressed); err != nil {
				return err
			}
		}
	}
	return nil
}

// publish emits one message on event.aggregated.<source>, with the grouping
// tag stripped and the message type set.
func (a *Aggregator) publish(source string, e *event.Event, msgType string) error {
	out := e.Clone()
	out.Group = ""
	out.Type = msgType
	body, err := out.Marshal()
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeQueueProcessing, "failed to serialize outgoing event")
	}
	rk := routingKeyPrefix + source
	if err := a.pub.Push(body, rk, &bus.Props{
		ContentType: "application/json",
		Type:        msgType,
		Timestamp:   a.now(),
	}); err != nil {
		return err
	}
	a.log.Debug().
		Str("routing_key", rk).
		Str("id", out.ID).
		Str("type", msgType).
		Msg("Published aggregated message")
	return nil
}

// Run consumes parsed events until ctx is cancelled, sweeping inactive
// sources on the given interval.
func (a *Aggregator) Run(ctx context.Context, consumer *bus.Consumer, sweepInterval time.Duration) error {
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	sweepCtx, cancelSweep := context.WithCancel(ctx)
	defer cancelSweep()
	go func() {
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				if err := a.SweepInactive(); err != nil {
					a.log.Error().Err(err).Msg("Inactivity sweep failed")
				}
			}
		}
	}()

	return consumer.Run(ctx, func(ctx context.Context, routingKey string, body []byte) error {
		e, err := event.Unmarshal(body)
		if err != nil {
			a.log.Error().Err(err).Str("routing_key", routingKey).Msg("Dropping undecodable message")
			return nil // drop, do not requeue
		}
		if err := a.ProcessEvent(e); err != nil {
			if errors.HasCode(err, errors.ErrCodeQueueProcessing) {
				a.log.Error().Err(err).Str("routing_key", routingKey).Msg("Dropping unprocessable event")
				return nil
			}
			return err
		}
		return nil
	})
}
