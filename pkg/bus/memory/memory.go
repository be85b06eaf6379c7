// Package memory is an in-process topic bus with the same routing, prefetch
// and acknowledgment rules as the broker drivers.
package memory

import (
	"context"
	"fmt"
	"sync"

	"Checkout-Event-Pipeline/pkg/bus"
)

// Bus is an in-memory bus.Bus. Close simulates a lost broker connection.
type Bus struct {
	mu        sync.Mutex
	closed    bool
	done      chan struct{}
	exchanges map[string]bus.Exchange
	queues    map[string]*queue
	bindings  map[string][]binding // exchange name -> bindings
}

type binding struct {
	queue   string
	pattern bus.Pattern
}

type queue struct {
	decl    bus.Queue
	ready   []*message
	unacked int
	subs    map[*subscription]struct{}
}

type message struct {
	routingKey string
	msg        bus.Message
}

var _ bus.Bus = (*Bus)(nil)

// New returns an empty bus.
func New() *Bus {
	return &Bus{
		done:      make(chan struct{}),
		exchanges: make(map[string]bus.Exchange),
		queues:    make(map[string]*queue),
		bindings:  make(map[string][]binding),
	}
}

// DeclareTopology creates missing resources and leaves identical ones alone.
func (b *Bus) DeclareTopology(_ context.Context, topo bus.Topology) error {
	if err := topo.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return bus.ErrClosed
	}

	if existing, ok := b.exchanges[topo.Exchange.Name]; ok {
		if existing != topo.Exchange {
			return bus.Conflict("exchange", topo.Exchange.Name,
				fmt.Sprintf("declared as %+v, exists as %+v", topo.Exchange, existing))
		}
	}
	for _, q := range topo.Queues {
		if existing, ok := b.queues[q.Name]; ok && existing.decl.Durable != q.Durable {
			return bus.Conflict("queue", q.Name,
				fmt.Sprintf("durable=%t, exists with durable=%t", q.Durable, existing.decl.Durable))
		}
	}

	// Everything checked; apply.
	b.exchanges[topo.Exchange.Name] = topo.Exchange
	for _, q := range topo.Queues {
		if _, ok := b.queues[q.Name]; !ok {
			b.queues[q.Name] = &queue{
				decl: bus.Queue{Name: q.Name, Durable: q.Durable},
				subs: make(map[*subscription]struct{}),
			}
		}
		for _, raw := range q.Bindings {
			b.bindLocked(topo.Exchange.Name, q.Name, bus.MustParsePattern(raw))
		}
	}
	return nil
}

func (b *Bus) bindLocked(exchange, queueName string, p bus.Pattern) {
	for _, existing := range b.bindings[exchange] {
		if existing.queue == queueName && existing.pattern.String() == p.String() {
			return
		}
	}
	b.bindings[exchange] = append(b.bindings[exchange], binding{queue: queueName, pattern: p})
	q := b.queues[queueName]
	q.decl.Bindings = append(q.decl.Bindings, p.String())
}

// Publish routes msg to every queue with a matching binding. A queue matched
// by several bindings still receives one copy.
func (b *Bus) Publish(_ context.Context, exchange, routingKey string, msg bus.Message) error {
	if err := bus.ValidateRoutingKey(routingKey); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return bus.ErrClosed
	}
	if _, ok := b.exchanges[exchange]; !ok {
		return fmt.Errorf("%w: %q", bus.ErrUnknownExchange, exchange)
	}

	routed := make(map[string]struct{})
	for _, bnd := range b.bindings[exchange] {
		if _, done := routed[bnd.queue]; done || !bnd.pattern.Match(routingKey) {
			continue
		}
		routed[bnd.queue] = struct{}{}
		body := make([]byte, len(msg.Body))
		copy(body, msg.Body)
		copied := msg
		copied.Body = body
		q := b.queues[bnd.queue]
		q.ready = append(q.ready, &message{routingKey: routingKey, msg: copied})
		q.notifyLocked()
	}
	return nil
}

// Consume starts delivering from queue, holding at most prefetch unacked
// deliveries at a time.
func (b *Bus) Consume(ctx context.Context, queueName string, prefetch int) (bus.Subscription, error) {
	if prefetch < 1 {
		prefetch = 1
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, bus.ErrClosed
	}
	q, ok := b.queues[queueName]
	if !ok {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", bus.ErrUnknownQueue, queueName)
	}
	ctx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		bus:        b,
		queue:      q,
		prefetch:   prefetch,
		wake:       make(chan struct{}, 1),
		deliveries: make(chan bus.Delivery),
		cancel:     cancel,
		stopped:    make(chan struct{}),
	}
	q.subs[sub] = struct{}{}
	b.mu.Unlock()

	go sub.run(ctx)
	return sub, nil
}

// Close drops the connection: subscriptions end with bus.ErrClosed and
// further publishes, acks and declarations fail.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.done)
	return nil
}

// Depth returns the number of ready (not yet delivered) messages in queue.
func (b *Bus) Depth(queueName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[queueName]; ok {
		return len(q.ready)
	}
	return 0
}

// Unacked returns the number of delivered but unsettled messages in queue.
func (b *Bus) Unacked(queueName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[queueName]; ok {
		return q.unacked
	}
	return 0
}

// Bindings returns the patterns queue is bound with.
func (b *Bus) Bindings(queueName string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queueName]
	if !ok {
		return nil
	}
	out := make([]string, len(q.decl.Bindings))
	copy(out, q.decl.Bindings)
	return out
}

func (q *queue) notifyLocked() {
	for s := range q.subs {
		s.notify()
	}
}
