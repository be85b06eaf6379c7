package memory

import (
	"context"
	"sync"

	"Checkout-Event-Pipeline/pkg/bus"
)

type subscription struct {
	bus      *Bus
	queue    *queue
	prefetch int
	inflight int // guarded by bus.mu

	wake       chan struct{}
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

// Close stops delivering. Deliveries already handed out stay settleable.
func (s *subscription) Close() error {
	s.cancel()
	<-s.stopped
	return nil
}

func (s *subscription) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) run(ctx context.Context) {
	defer close(s.stopped)
	defer close(s.deliveries)
	defer s.detach()

	for {
		d, closed := s.next()
		if closed {
			s.fail(bus.ErrClosed)
			return
		}
		if d == nil {
			select {
			case <-s.wake:
				continue
			case <-ctx.Done():
				return
			case <-s.bus.done:
				s.fail(bus.ErrClosed)
				return
			}
		}
		select {
		case s.deliveries <- d:
		case <-ctx.Done():
			s.putBack(d)
			return
		case <-s.bus.done:
			s.fail(bus.ErrClosed)
			return
		}
	}
}

// next pops a ready message if the prefetch window allows it.
func (s *subscription) next() (*delivery, bool) {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if s.bus.closed {
		return nil, true
	}
	if s.inflight >= s.prefetch || len(s.queue.ready) == 0 {
		return nil, false
	}
	m := s.queue.ready[0]
	s.queue.ready = s.queue.ready[1:]
	s.inflight++
	s.queue.unacked++
	return &delivery{sub: s, m: m}, false
}

// putBack returns a popped but never handed out message to the queue head.
func (s *subscription) putBack(d *delivery) {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	d.settled = true
	s.inflight--
	s.queue.unacked--
	s.queue.ready = append([]*message{d.m}, s.queue.ready...)
	s.queue.notifyLocked()
}

func (s *subscription) detach() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	delete(s.queue.subs, s)
}

func (s *subscription) fail(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

type delivery struct {
	sub     *subscription
	m       *message
	settled bool // guarded by bus.mu
}

func (d *delivery) Body() []byte       { return d.m.msg.Body }
func (d *delivery) RoutingKey() string { return d.m.routingKey }
func (d *delivery) MessageID() string  { return d.m.msg.MessageID }

// Message exposes the published properties, for tests.
func (d *delivery) Message() bus.Message { return d.m.msg }

func (d *delivery) Ack() error {
	return d.settle(false, false)
}

func (d *delivery) Nack(requeue bool) error {
	return d.settle(true, requeue)
}

func (d *delivery) settle(reject, requeue bool) error {
	b := d.sub.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return bus.ErrClosed
	}
	if d.settled {
		return bus.ErrAlreadySettled
	}
	d.settled = true
	d.sub.inflight--
	d.sub.queue.unacked--
	if reject && requeue {
		d.sub.queue.ready = append([]*message{d.m}, d.sub.queue.ready...)
		d.sub.queue.notifyLocked()
	}
	d.sub.notify()
	return nil
}
