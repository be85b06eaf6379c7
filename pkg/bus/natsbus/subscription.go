package natsbus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"Checkout-Event-Pipeline/pkg/bus"
)

// subscription pulls from a durable consumer. slots holds one token per
// unsettled delivery, so at most cap(slots) messages are out at once.
type subscription struct {
	nc        *nats.Conn
	psub      *nats.Subscription
	prefix    string
	fetchWait time.Duration
	slots     chan struct{}

	deliveries chan bus.Delivery
	cancel     context.CancelFunc
	stopped    chan struct{}
	log        *logrus.Entry

	errMu sync.Mutex
	err   error
}

func (s *subscription) Deliveries() <-chan bus.Delivery { return s.deliveries }

func (s *subscription) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *subscription) Close() error {
	s.cancel()
	<-s.stopped
	if !s.psub.IsValid() {
		return nil
	}
	// Unsubscribe only drops the client-side interest; the durable consumer
	// and its unacked messages stay on the server.
	if err := s.psub.Unsubscribe(); err != nil && !isConnErr(err) {
		return fmt.Errorf("unsubscribe: %w", err)
	}
	return nil
}

func (s *subscription) run(ctx context.Context) {
	defer close(s.stopped)
	defer close(s.deliveries)

	for {
		n, ok := s.acquire(ctx)
		if !ok {
			return
		}
		msgs, err := s.fetch(ctx, n)
		s.release(n - len(msgs))
		if err != nil {
			for _, m := range msgs {
				_ = m.Nak()
			}
			s.release(len(msgs))
			switch {
			case ctx.Err() != nil:
				return
			case isConnErr(err), errors.Is(err, nats.ErrBadSubscription), !s.nc.IsConnected():
				// Reported even while the client is still reconnecting.
				s.fail(fmt.Errorf("%w: %v", bus.ErrClosed, err))
				return
			case errors.Is(err, context.DeadlineExceeded), errors.Is(err, nats.ErrTimeout):
				continue
			default:
				s.log.WithError(err).Warn("Pull request failed, retrying")
				select {
				case <-ctx.Done():
					return
				case <-time.After(s.fetchWait):
				}
				continue
			}
		}
		for i, m := range msgs {
			d := &delivery{msg: m, routingKey: strings.TrimPrefix(m.Subject, s.prefix), release: s.releaseOne}
			select {
			case s.deliveries <- d:
			case <-ctx.Done():
				// Hand back what was pulled but never delivered.
				for _, rest := range msgs[i:] {
					_ = rest.Nak()
				}
				s.release(len(msgs) - i)
				return
			}
		}
	}
}

// acquire blocks for one free slot, then takes any others that are free.
func (s *subscription) acquire(ctx context.Context) (int, bool) {
	select {
	case s.slots <- struct{}{}:
	case <-ctx.Done():
		return 0, false
	}
	n := 1
	for n < cap(s.slots) {
		select {
		case s.slots <- struct{}{}:
			n++
		default:
			return n, true
		}
	}
	return n, true
}

func (s *subscription) release(n int) {
	for i := 0; i < n; i++ {
		<-s.slots
	}
}

func (s *subscription) releaseOne() { s.release(1) }

func (s *subscription) fetch(ctx context.Context, n int) ([]*nats.Msg, error) {
	fctx, cancel := context.WithTimeout(ctx, s.fetchWait)
	defer cancel()
	return s.psub.Fetch(n, nats.Context(fctx))
}

func (s *subscription) fail(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

type delivery struct {
	msg        *nats.Msg
	routingKey string
	release    func()
	once       sync.Once
}

func (d *delivery) Body() []byte       { return d.msg.Data }
func (d *delivery) RoutingKey() string { return d.routingKey }
func (d *delivery) MessageID() string  { return d.msg.Header.Get(nats.MsgIdHdr) }

func (d *delivery) Ack() error {
	return d.settle(d.msg.Ack)
}

// Nack with requeue=false terminates the message so it is never redelivered.
func (d *delivery) Nack(requeue bool) error {
	if requeue {
		return d.settle(d.msg.Nak)
	}
	return d.settle(d.msg.Term)
}

func (d *delivery) settle(fn func(...nats.AckOpt) error) error {
	first := false
	d.once.Do(func() { first = true })
	if !first {
		return bus.ErrAlreadySettled
	}
	defer d.release()
	if err := fn(); err != nil {
		if isConnErr(err) {
			return fmt.Errorf("%w: %v", bus.ErrClosed, err)
		}
		return err
	}
	return nil
}
