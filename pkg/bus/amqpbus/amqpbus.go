// Package amqpbus implements the topic bus on RabbitMQ, where exchanges,
// queues and bindings exist natively.
package amqpbus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"Checkout-Event-Pipeline/pkg/bus"
)

// Bus is a bus.Bus over one AMQP connection. Declarations and publishes share
// a channel guarded by mu; every subscription gets its own channel so its QoS
// does not leak into publishing.
type Bus struct {
	conn *amqp.Connection
	log  *logrus.Entry

	mu sync.Mutex
	ch *amqp.Channel
}

var _ bus.Bus = (*Bus)(nil)

// Dial opens a connection to url.
func Dial(url string, log *logrus.Entry) (*Bus, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to AMQP broker: %w", err)
	}
	b, err := New(conn, log)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return b, nil
}

// New wraps an open connection; Close closes it.
func New(conn *amqp.Connection, log *logrus.Entry) (*Bus, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	b := &Bus{conn: conn, log: log}
	go b.watch()
	return b, nil
}

func (b *Bus) watch() {
	reason, ok := <-b.conn.NotifyClose(make(chan *amqp.Error, 1))
	if ok && reason != nil {
		b.log.WithError(reason).Warn("AMQP connection lost")
	}
}

// channelLocked returns the shared channel, reopening it after a channel-level
// error such as a failed redeclaration.
func (b *Bus) channelLocked() (*amqp.Channel, error) {
	if b.conn.IsClosed() {
		return nil, bus.ErrClosed
	}
	if b.ch != nil && !b.ch.IsClosed() {
		return b.ch, nil
	}
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, wrapErr("open channel", err)
	}
	b.ch = ch
	return ch, nil
}

// DeclareTopology declares the exchange, queues and bindings. RabbitMQ treats
// identical redeclarations as no-ops and answers conflicting ones with
// PRECONDITION_FAILED, which becomes bus.ErrTopologyConflict.
func (b *Bus) DeclareTopology(_ context.Context, topo bus.Topology) error {
	if err := topo.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, err := b.channelLocked()
	if err != nil {
		return err
	}
	ex := topo.Exchange
	if err := ch.ExchangeDeclare(ex.Name, amqp.ExchangeTopic, ex.Durable, false, false, false, nil); err != nil {
		return conflictOr("exchange", ex.Name, err)
	}
	for _, q := range topo.Queues {
		if ch, err = b.channelLocked(); err != nil {
			return err
		}
		if _, err := ch.QueueDeclare(q.Name, q.Durable, false, false, false, nil); err != nil {
			return conflictOr("queue", q.Name, err)
		}
		for _, pattern := range q.Bindings {
			if err := ch.QueueBind(q.Name, pattern, ex.Name, false, nil); err != nil {
				return conflictOr("binding", q.Name+"<-"+pattern, err)
			}
		}
	}
	return nil
}

// Publish sends msg without publisher confirms.
func (b *Bus) Publish(ctx context.Context, exchange, routingKey string, msg bus.Message) error {
	if err := bus.ValidateRoutingKey(routingKey); err != nil {
		return err
	}
	mode := amqp.Transient
	if msg.Persistent {
		mode = amqp.Persistent
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, err := b.channelLocked()
	if err != nil {
		return err
	}
	err = ch.PublishWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  msg.ContentType,
		DeliveryMode: mode,
		MessageId:    msg.MessageID,
		Timestamp:    msg.Timestamp,
		Body:         msg.Body,
	})
	if err != nil {
		return wrapErr("publish "+routingKey, err)
	}
	return nil
}

// Consume opens a dedicated channel with basic.qos(prefetch) and starts a
// manual-ack consumer on queue.
func (b *Bus) Consume(ctx context.Context, queue string, prefetch int) (bus.Subscription, error) {
	if prefetch < 1 {
		prefetch = 1
	}
	if b.conn.IsClosed() {
		return nil, bus.ErrClosed
	}
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, wrapErr("open consumer channel", err)
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, wrapErr("set prefetch", err)
	}
	tag := queue + "-" + uuid.NewString()
	in, err := ch.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		var amqpErr *amqp.Error
		if errors.As(err, &amqpErr) && amqpErr.Code == amqp.NotFound {
			return nil, fmt.Errorf("%w: %q", bus.ErrUnknownQueue, queue)
		}
		return nil, wrapErr("consume "+queue, err)
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &subscription{
		ch:         ch,
		tag:        tag,
		in:         in,
		closed:     ch.NotifyClose(make(chan *amqp.Error, 1)),
		deliveries: make(chan bus.Delivery),
		cancel:     cancel,
		stopped:    make(chan struct{}),
	}
	go s.run(ctx)
	return s, nil
}

// Close closes the connection and every channel on it.
func (b *Bus) Close() error {
	if b.conn.IsClosed() {
		return nil
	}
	return b.conn.Close()
}

func conflictOr(resource, name string, err error) error {
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) && amqpErr.Code == amqp.PreconditionFailed {
		return bus.Conflict(resource, name, amqpErr.Reason)
	}
	return wrapErr("declare "+resource+" "+name, err)
}

func wrapErr(op string, err error) error {
	if errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("%s: %w: %v", op, bus.ErrClosed, err)
	}
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) && !amqpErr.Recover {
		return fmt.Errorf("%s: %w: %v", op, bus.ErrClosed, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
