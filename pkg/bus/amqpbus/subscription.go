package amqpbus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"Checkout-Event-Pipeline/pkg/bus"
)

type subscription struct {
	ch     *amqp.Channel
	tag    string
	in     <-chan amqp.Delivery
	closed <-chan *amqp.Error

	deliveries chan bus.Delivery
	cancel     context.CancelFunc
	stopped    chan struct{}

	errMu sync.Mutex
	err   error
}

func (s *subscription) Deliveries() <-chan bus.Delivery { return s.deliveries }

func (s *subscription) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close cancels the consumer and closes its channel. Unacked deliveries are
// returned to the queue by the broker.
func (s *subscription) Close() error {
	s.cancel()
	<-s.stopped
	if s.ch.IsClosed() {
		return nil
	}
	if err := s.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("close consumer channel: %w", err)
	}
	return nil
}

func (s *subscription) run(ctx context.Context) {
	defer close(s.stopped)
	defer close(s.deliveries)

	for {
		select {
		case <-ctx.Done():
			if !s.ch.IsClosed() {
				_ = s.ch.Cancel(s.tag, false)
			}
			return
		case reason, ok := <-s.closed:
			if ok && reason != nil {
				s.fail(fmt.Errorf("%w: %v", bus.ErrClosed, reason))
			} else {
				s.fail(bus.ErrClosed)
			}
			return
		case d, ok := <-s.in:
			if !ok {
				// The delivery channel also closes on basic.cancel from the
				// broker, e.g. when the queue is deleted.
				s.fail(fmt.Errorf("%w: consumer %s cancelled", bus.ErrClosed, s.tag))
				return
			}
			select {
			case s.deliveries <- &delivery{d: d}:
			case <-ctx.Done():
				_ = d.Nack(false, true)
				_ = s.ch.Cancel(s.tag, false)
				return
			}
		}
	}
}

func (s *subscription) fail(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

type delivery struct {
	d    amqp.Delivery
	once sync.Once
}

func (d *delivery) Body() []byte       { return d.d.Body }
func (d *delivery) RoutingKey() string { return d.d.RoutingKey }
func (d *delivery) MessageID() string  { return d.d.MessageId }

func (d *delivery) Ack() error {
	return d.settle(func() error { return d.d.Ack(false) })
}

func (d *delivery) Nack(requeue bool) error {
	return d.settle(func() error { return d.d.Nack(false, requeue) })
}

func (d *delivery) settle(fn func() error) error {
	first := false
	d.once.Do(func() { first = true })
	if !first {
		return bus.ErrAlreadySettled
	}
	if err := fn(); err != nil {
		return wrapErr("settle delivery", err)
	}
	return nil
}
