// Package bus provides AMQP message-bus plumbing for the pipeline: the
// back-pressured threaded pusher used by every producing component and the
// consume loop used by the daemon stages.
package bus

import (
	stderrors "errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/certhub/threatpipe/pkg/errors"
	"github.com/certhub/threatpipe/pkg/logger"
)

// ErrDoNotPublish is the sentinel a Serializer returns to silently drop an
// item instead of publishing it.
var ErrDoNotPublish = stderrors.New("do not publish")

// Serializer converts pushed data into a message body. Returning
// ErrDoNotPublish drops the item without publishing; any other error is
// reported through the error callback (or logged) and the item is skipped.
type Serializer func(data interface{}) ([]byte, error)

// ErrorCallback receives non-fatal publishing errors. It must not block for
// long; it is invoked from the publishing worker.
type ErrorCallback func(err error, data interface{})

// ExchangeDeclaration describes the target exchange.
type ExchangeDeclaration struct {
	Name       string
	Type       string // usually "topic"
	Durable    bool
	AutoDelete bool
}

// QueueDeclaration describes a queue to (re)declare and bind on every
// (re)connect.
type QueueDeclaration struct {
	Name       string
	Durable    bool
	BindingKey string
}

// Props are per-message AMQP properties; zero-valued fields fall back to the
// pusher's defaults.
type Props struct {
	MessageID   string
	Type        string
	ContentType string
	Timestamp   time.Time
	Headers     amqp.Table
}

// PusherConfig holds construction parameters for a Pusher.
type PusherConfig struct {
	URL               string
	Exchange          ExchangeDeclaration
	Queues            []QueueDeclaration
	Serializer        Serializer    // nil means data must already be []byte
	DefaultProps      Props
	Mandatory         bool
	FIFOCapacity      int           // bounded output FIFO size
	ErrorCallback     ErrorCallback // may be nil
	JoinTimeout       time.Duration // shutdown join timeout for the worker
	ReconnectAttempts int
	ReconnectDelay    time.Duration
}

// Pusher state machine values.
const (
	pusherRunning int32 = iota
	pusherShuttingDown
	pusherClosed
)

// shutdownConnLockTimeout bounds the connection-lock acquisition during
// shutdown.
const shutdownConnLockTimeout = 5 * time.Second

type pushItem struct {
	data       interface{}
	routingKey string
	props      *Props
}

// Pusher is a back-pressured, auto-reconnecting AMQP publisher. Producer
// goroutines call Push; a single worker goroutine drains the bounded FIFO and
// publishes serially, preserving enqueue order. Transient broker failures are
// hidden behind a bounded reconnect loop.
type Pusher struct {
	cfg PusherConfig
	log *logger.Logger

	fifo chan pushItem
	quit chan struct{}
	done chan struct{}

	dial dialFunc

	connMu  sync.Mutex
	conn    brokerConn
	channel brokerChannel

	state         atomic.Int32
	inactive      atomic.Bool
	workerWaiting atomic.Bool

	shutdownOnce sync.Once
	shutdownErr  error
}

// NewPusher connects to the broker, declares the exchange and any configured
// queues, and starts the publishing worker.
func NewPusher(cfg PusherConfig, log *logger.Logger) (*Pusher, error) {
	if cfg.FIFOCapacity <= 0 {
		cfg.FIFOCapacity = 20000
	}
	if cfg.ReconnectAttempts <= 0 {
		cfg.ReconnectAttempts = 10
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 500 * time.Millisecond
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = 15 * time.Second
	}
	if cfg.Exchange.Type == "" {
		cfg.Exchange.Type = "topic"
	}

	p := &Pusher{
		cfg:  cfg,
		log:  log,
		dial: defaultDial,
		fifo: make(chan pushItem, cfg.FIFOCapacity),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}

	if err := p.connectWithRetries(); err != nil {
		return nil, err
	}

	go p.publishingWorker()

	return p, nil
}

// connectWithRetries applies the reconnect attempt budget to the initial
// connection as well.
func (p *Pusher) connectWithRetries() error {
	var err error
	for attempt := 0; ; attempt++ {
		err = p.connect()
		if err == nil {
			return nil
		}
		if attempt >= p.cfg.ReconnectAttempts {
			return fmt.Errorf("connection attempt budget exceeded: %w", err)
		}
		p.log.Warn().Err(err).Int("attempt", attempt+1).Msg("Broker connection failed, retrying")
		time.Sleep(p.cfg.ReconnectDelay)
	}
}

// Scoped runs fn with the pusher and guarantees Shutdown afterwards. The
// shutdown error is returned when fn itself succeeds.
func (p *Pusher) Scoped(fn func(p *Pusher) error) error {
	fnErr := fn(p)
	shutdownErr := p.Shutdown()
	if fnErr != nil {
		return fnErr
	}
	return shutdownErr
}

// String renders the pusher without exposing credential content: only the
// userinfo presence is reflected, never the password itself.
func (p *Pusher) String() string {
	display := p.cfg.URL
	if u, err := url.Parse(p.cfg.URL); err == nil && u.User != nil {
		display = fmt.Sprintf("%s://%s@%s%s", u.Scheme, "<credentials:url.Userinfo>", u.Host, u.Path)
	}
	return fmt.Sprintf("Pusher(url=%s, exchange=%s)", display, p.cfg.Exchange.Name)
}

// Push enqueues data for publication with the given routing key. It blocks
// when the FIFO is full and fails with a PUSHER_INACTIVE error if the pusher
// is shutting down or its worker has crashed.
func (p *Pusher) Push(data interface{}, routingKey string, props *Props) error {
	if p.state.Load() != pusherRunning || p.inactive.Load() {
		return errors.New(errors.ErrCodePusherInactive, "the pusher is inactive")
	}
	select {
	case p.fifo <- pushItem{data: data, routingKey: routingKey, props: props}:
		return nil
	case <-p.quit:
		return errors.New(errors.ErrCodePusherInactive, "the pusher is inactive")
	}
}

// Shutdown is idempotent. It drains the FIFO, joins the publishing worker
// within the configured timeout and closes the connection under the
// connection lock. If the worker crashed earlier and items remain in the
// FIFO, a PENDING_MESSAGES error is returned.
func (p *Pusher) Shutdown() error {
	p.shutdownOnce.Do(func() {
		p.shutdownErr = p.doShutdown()
	})
	return p.shutdownErr
}

func (p *Pusher) doShutdown() error {
	p.state.Store(pusherShuttingDown)
	close(p.quit)

	var joinErr error
	select {
	case <-p.done:
	case <-time.After(p.cfg.JoinTimeout):
		// The worker resets its liveliness indicator before each FIFO
		// wait; if it never flipped after our wake-up signal, it is stuck.
		if p.workerWaiting.Load() {
			joinErr = errors.New(errors.ErrCodeWorkerJoinTimeout,
				"timed out joining the publishing worker (worker appears stuck)")
		} else {
			joinErr = errors.New(errors.ErrCodeWorkerJoinTimeout,
				"timed out joining the publishing worker")
		}
	}

	lockErr := p.closeConnectionWithLockTimeout()

	p.state.Store(pusherClosed)

	if joinErr != nil {
		return joinErr
	}
	if lockErr != nil {
		return lockErr
	}
	if n := len(p.fifo); n > 0 {
		return errors.Newf(errors.ErrCodePendingMessages,
			"%d pending messages remain in the output FIFO", n)
	}
	return nil
}

func (p *Pusher) closeConnectionWithLockTimeout() error {
	deadline := time.Now().Add(shutdownConnLockTimeout)
	for !p.connMu.TryLock() {
		if time.Now().After(deadline) {
			err := errors.New(errors.ErrCodeConnectionLock,
				"timed out acquiring the connection lock during shutdown")
			p.log.Error().Err(err).Msg("Pusher shutdown failed to acquire connection lock")
			return err
		}
		time.Sleep(10 * time.Millisecond)
	}
	defer p.connMu.Unlock()
	p.closeConnectionLocked()
	return nil
}

// connect dials the broker and declares the exchange and configured queues.
func (p *Pusher) connect() error {
	conn, err := p.dial(p.cfg.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to the broker: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if err := channel.ExchangeDeclare(
		p.cfg.Exchange.Name,
		p.cfg.Exchange.Type,
		p.cfg.Exchange.Durable,
		p.cfg.Exchange.AutoDelete,
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		channel.Close()
		conn.Close()
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	for _, q := range p.cfg.Queues {
		if _, err := channel.QueueDeclare(q.Name, q.Durable, false, false, false, nil); err != nil {
			channel.Close()
			conn.Close()
			return fmt.Errorf("failed to declare queue %q: %w", q.Name, err)
		}
		if q.BindingKey != "" {
			if err := channel.QueueBind(q.Name, q.BindingKey, p.cfg.Exchange.Name, false, nil); err != nil {
				channel.Close()
				conn.Close()
				return fmt.Errorf("failed to bind queue %q: %w", q.Name, err)
			}
		}
	}

	p.connMu.Lock()
	p.conn = conn
	p.channel = channel
	p.connMu.Unlock()

	p.log.Info().
		Str("exchange", p.cfg.Exchange.Name).
		Msg("Connected to the message broker")

	return nil
}

func (p *Pusher) closeConnectionLocked() {
	if p.channel != nil {
		_ = p.channel.Close()
		p.channel = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}

// publishingWorker is the single goroutine that consumes the FIFO serially.
func (p *Pusher) publishingWorker() {
	defer close(p.done)
	defer func() {
		if r := recover(); r != nil {
			// A failure outside the normal error hierarchy kills the
			// worker; the pusher marks itself inactive so producers see
			// PUSHER_INACTIVE on the next Push.
			p.inactive.Store(true)
			p.log.Error().
				Interface("panic", r).
				Stack().
				Msg("Publishing worker terminated by a fatal error")
		}
	}()

	for {
		p.workerWaiting.Store(true)
		select {
		case item := <-p.fifo:
			p.workerWaiting.Store(false)
			p.handleItem(item)
		case <-p.quit:
			p.workerWaiting.Store(false)
			p.drainRemaining()
			return
		}
	}
}

// drainRemaining publishes whatever is left in the FIFO after shutdown was
// initiated.
func (p *Pusher) drainRemaining() {
	for {
		select {
		case item := <-p.fifo:
			p.handleItem(item)
		default:
			return
		}
	}
}

// handleItem serializes and publishes one FIFO item. Serialization errors and
// non-fatal publish errors are reported via the error callback or logged with
// a stack trace; they never crash the worker.
func (p *Pusher) handleItem(item pushItem) {
	var body []byte
	if p.cfg.Serializer != nil {
		b, err := p.cfg.Serializer(item.data)
		if err != nil {
			if stderrors.Is(err, ErrDoNotPublish) {
				return
			}
			p.reportError(fmt.Errorf("serialization failed: %w", err), item.data)
			return
		}
		body = b
	} else {
		b, ok := item.data.([]byte)
		if !ok {
			p.reportError(fmt.Errorf("no serializer configured and data is %T, not []byte",
				item.data), item.data)
			return
		}
		body = b
	}

	if err := p.publishWithReconnect(body, item.routingKey, item.props); err != nil {
		p.reportError(err, item.data)
	}
}

// publishWithReconnect publishes the body, reconnecting on a closed
// connection up to the configured attempt budget with a fixed delay.
// Exceeding the budget leaves the pusher unable to publish further items
// (though Shutdown can still drain the FIFO counts).
func (p *Pusher) publishWithReconnect(body []byte, routingKey string, props *Props) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		err := p.publishOnce(body, routingKey, props)
		if err == nil {
			return nil
		}
		if !isConnectionClosed(err) {
			return fmt.Errorf("publish failed: %w", err)
		}
		lastErr = err
		if attempt >= p.cfg.ReconnectAttempts {
			p.inactive.Store(true)
			return fmt.Errorf("reconnect attempt budget exceeded: %w", lastErr)
		}
		p.log.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Msg("Broker connection lost, reconnecting")
		time.Sleep(p.cfg.ReconnectDelay)

		p.connMu.Lock()
		p.closeConnectionLocked()
		p.connMu.Unlock()

		if cerr := p.connect(); cerr != nil {
			lastErr = cerr
			continue
		}
	}
}

func (p *Pusher) publishOnce(body []byte, routingKey string, props *Props) error {
	p.connMu.Lock()
	channel := p.channel
	p.connMu.Unlock()

	if channel == nil {
		return amqp.ErrClosed
	}

	msg := p.buildPublishing(body, props)
	return channel.Publish(
		p.cfg.Exchange.Name,
		routingKey,
		p.cfg.Mandatory,
		false, // immediate
		msg,
	)
}

// buildPublishing merges per-call properties over the configured defaults.
func (p *Pusher) buildPublishing(body []byte, props *Props) amqp.Publishing {
	merged := p.cfg.DefaultProps
	if props != nil {
		if props.MessageID != "" {
			merged.MessageID = props.MessageID
		}
		if props.Type != "" {
			merged.Type = props.Type
		}
		if props.ContentType != "" {
			merged.ContentType = props.ContentType
		}
		if !props.Timestamp.IsZero() {
			merged.Timestamp = props.Timestamp
		}
		if props.Headers != nil {
			headers := amqp.Table{}
			for k, v := range merged.Headers {
				headers[k] = v
			}
			for k, v := range props.Headers {
				headers[k] = v
			}
			merged.Headers = headers
		}
	}

	msg := amqp.Publishing{
		MessageId:    merged.MessageID,
		Type:         merged.Type,
		ContentType:  merged.ContentType,
		DeliveryMode: amqp.Persistent,
		Headers:      merged.Headers,
		Body:         body,
	}
	if !merged.Timestamp.IsZero() {
		msg.Timestamp = merged.Timestamp
	}
	return msg
}

func (p *Pusher) reportError(err error, data interface{}) {
	if p.cfg.ErrorCallback != nil {
		defer func() {
			if r := recover(); r != nil {
				p.log.Error().
					Interface("panic", r).
					Msg("Error callback panicked")
			}
		}()
		p.cfg.ErrorCallback(err, data)
		return
	}
	p.log.Error().Err(err).Stack().Msg("Publishing error")
}

// isConnectionClosed recognizes connection-level failures that warrant a
// reconnect, as opposed to per-message errors.
func isConnectionClosed(err error) bool {
	if stderrors.Is(err, amqp.ErrClosed) {
		return true
	}
	var amqpErr *amqp.Error
	if stderrors.As(err, &amqpErr) {
		return amqpErr.Code == amqp.ConnectionForced ||
			amqpErr.Code == amqp.ChannelError ||
			amqpErr.Reason == "EOF"
	}
	return false
}
