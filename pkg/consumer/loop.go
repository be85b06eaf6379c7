package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"Checkout-Event-Pipeline/pkg/bus"
	"Checkout-Event-Pipeline/pkg/events"
	"Checkout-Event-Pipeline/pkg/logging"
	"Checkout-Event-Pipeline/pkg/metrics"
)

// Handler processes one decoded checkout event.
type Handler interface {
	Handle(ctx context.Context, e events.CheckoutCompleted) Outcome
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, e events.CheckoutCompleted) Outcome

func (f HandlerFunc) Handle(ctx context.Context, e events.CheckoutCompleted) Outcome {
	return f(ctx, e)
}

// Config names a consumer and the queue it reads.
type Config struct {
	Name     string // Used in logs and metric labels.
	Queue    string
	Prefetch int // Defaults to 1.
}

// Loop consumes one queue sequentially.
type Loop struct {
	cfg     Config
	src     bus.Consumer
	handler Handler
	log     *logrus.Entry
	metrics *metrics.Metrics
	onState func(State)

	state   atomic.Int32
	handled atomic.Int64
}

type Option func(*Loop)

// WithStateHook calls fn on every state change, from the loop goroutine.
func WithStateHook(fn func(State)) Option {
	return func(l *Loop) { l.onState = fn }
}

func New(cfg Config, src bus.Consumer, h Handler, log *logrus.Entry, m *metrics.Metrics, opts ...Option) *Loop {
	if cfg.Prefetch < 1 {
		cfg.Prefetch = 1
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Queue
	}
	l := &Loop{
		cfg:     cfg,
		src:     src,
		handler: h,
		log:     logging.OrDefault(log).WithFields(logrus.Fields{"consumer": cfg.Name, "queue": cfg.Queue}),
		metrics: m,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Loop) State() State { return State(l.state.Load()) }

// Handled returns the number of deliveries settled so far.
func (l *Loop) Handled() int64 { return l.handled.Load() }

func (l *Loop) setState(s State) {
	l.state.Store(int32(s))
	if l.onState != nil {
		l.onState(s)
	}
}

// Run consumes until ctx is cancelled (returns nil) or the connection is lost
// (returns an error wrapping ErrDisconnected). A delivery already being
// handled is always settled before Run returns.
func (l *Loop) Run(ctx context.Context) error {
	sub, err := l.src.Consume(ctx, l.cfg.Queue, l.cfg.Prefetch)
	if err != nil {
		l.setState(StateStopped)
		if errors.Is(err, bus.ErrClosed) {
			return fmt.Errorf("%w: %w", ErrDisconnected, err)
		}
		return fmt.Errorf("consume %s: %w", l.cfg.Queue, err)
	}
	defer func() {
		if err := sub.Close(); err != nil {
			l.log.WithError(err).Warn("Error closing subscription")
		}
	}()

	l.log.WithField("prefetch", l.cfg.Prefetch).Info("Waiting for messages")
	l.setState(StateAwaiting)
	for {
		select {
		case <-ctx.Done():
			l.setState(StateStopped)
			return nil
		case d, ok := <-sub.Deliveries():
			if !ok {
				l.setState(StateStopped)
				if err := sub.Err(); err != nil {
					return fmt.Errorf("%w: %w", ErrDisconnected, err)
				}
				return nil
			}
			l.process(ctx, d)
			l.setState(StateAwaiting)
		}
	}
}

func (l *Loop) process(ctx context.Context, d bus.Delivery) {
	l.setState(StateProcessing)
	start := time.Now()
	log := l.log.WithFields(logrus.Fields{
		"routing_key": d.RoutingKey(),
		"message_id":  d.MessageID(),
	})
	log.Debug("Received a message")

	// The handler runs to completion even if shutdown starts meanwhile.
	out := l.handle(context.WithoutCancel(ctx), d.Body())
	l.handled.Add(1)

	if out.OK() {
		if err := d.Ack(); err != nil {
			log.WithError(err).Error("Error sending ACK")
		}
		l.metrics.ObserveDelivery(l.cfg.Name, metrics.OutcomeAcked, time.Since(start))
		l.setState(StateAcked)
		return
	}

	log.WithError(out.Err()).Error("Failed to handle message; rejecting without requeue")
	if err := d.Nack(false); err != nil {
		log.WithError(err).Error("Error sending NACK")
	}
	l.metrics.ObserveDelivery(l.cfg.Name, metrics.OutcomeRejected, time.Since(start))
	l.setState(StateNacked)
}

func (l *Loop) handle(ctx context.Context, body []byte) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = Failure(&PanicError{Value: r})
		}
	}()
	e, err := events.Decode(body)
	if err != nil {
		return Failure(&DecodeError{Err: err})
	}
	return l.handler.Handle(ctx, e)
}
