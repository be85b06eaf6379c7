// Package bus describes the topic-routed message broker shared by the list
// service and the checkout workers. Drivers live in the sub-packages.
package bus

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTopologyConflict is returned when an exchange, queue or binding already
	// exists with parameters that differ from the declared ones.
	ErrTopologyConflict = errors.New("bus: topology conflict")
	// ErrClosed is returned once the underlying connection is unavailable.
	ErrClosed = errors.New("bus: connection closed")
	// ErrUnknownExchange is returned when publishing to an undeclared exchange.
	ErrUnknownExchange = errors.New("bus: unknown exchange")
	// ErrUnknownQueue is returned when consuming from an undeclared queue.
	ErrUnknownQueue = errors.New("bus: unknown queue")
	// ErrAlreadySettled is returned by a second Ack or Nack on one delivery.
	ErrAlreadySettled = errors.New("bus: delivery already settled")
)

// ExchangeTopic is the only exchange kind the pipeline uses.
const ExchangeTopic = "topic"

// Exchange is a named routing point that producers publish to.
type Exchange struct {
	Name    string
	Kind    string
	Durable bool
}

// Queue is a named buffer of messages for one consumer, bound to the exchange
// by one or more routing-key patterns.
type Queue struct {
	Name     string
	Durable  bool
	Bindings []string
}

// Topology is the full set of broker resources one process relies on.
type Topology struct {
	Exchange Exchange
	Queues   []Queue
}

// Validate checks names and binding patterns before anything reaches a broker.
func (t Topology) Validate() error {
	if t.Exchange.Name == "" {
		return errors.New("bus: exchange name required")
	}
	if t.Exchange.Kind != ExchangeTopic {
		return fmt.Errorf("bus: unsupported exchange kind %q", t.Exchange.Kind)
	}
	seen := make(map[string]struct{}, len(t.Queues))
	for _, q := range t.Queues {
		if q.Name == "" {
			return errors.New("bus: queue name required")
		}
		if _, dup := seen[q.Name]; dup {
			return fmt.Errorf("bus: queue %q declared twice", q.Name)
		}
		seen[q.Name] = struct{}{}
		if len(q.Bindings) == 0 {
			return fmt.Errorf("bus: queue %q has no bindings", q.Name)
		}
		for _, b := range q.Bindings {
			if _, err := ParsePattern(b); err != nil {
				return fmt.Errorf("bus: queue %q: %w", q.Name, err)
			}
		}
	}
	return nil
}

// Conflict builds an error that matches ErrTopologyConflict.
func Conflict(resource, name, detail string) error {
	return fmt.Errorf("%w: %s %q: %s", ErrTopologyConflict, resource, name, detail)
}

// Message is what a producer hands to the exchange.
type Message struct {
	Body        []byte
	ContentType string
	MessageID   string
	Persistent  bool
	Timestamp   time.Time
}

// Delivery is one message handed to a consumer together with its
// acknowledgment handle.
type Delivery interface {
	Body() []byte
	RoutingKey() string
	MessageID() string
	// Ack removes the message from the queue permanently.
	Ack() error
	// Nack rejects the message; with requeue=false it is discarded.
	Nack(requeue bool) error
}

// Subscription is an active consumer on one queue. Deliveries is closed when
// the subscription ends; Err then reports why (nil after cancellation).
type Subscription interface {
	Deliveries() <-chan Delivery
	Err() error
	Close() error
}

// Publisher is the producer side of a bus.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, msg Message) error
}

// Consumer is the consumer side of a bus.
type Consumer interface {
	Consume(ctx context.Context, queue string, prefetch int) (Subscription, error)
}

// Bus is a connection to a topic broker.
type Bus interface {
	Publisher
	Consumer
	DeclareTopology(ctx context.Context, topo Topology) error
	Close() error
}
