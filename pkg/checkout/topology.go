package checkout

import (
	"Checkout-Event-Pipeline/pkg/bus"
)

const (
	DefaultExchange = "shopping_events"

	// RoutingKey is the key every finalized checkout is published under.
	RoutingKey = "list.checkout.completed"
	// BindingPattern routes every list.checkout.* event, including future
	// suffixes, to both consumer queues.
	BindingPattern = "list.checkout.#"

	NotificationQueue = "notification_queue"
	AnalyticsQueue    = "analytics_queue"
)

// Topology is the broker layout shared by the list service and both workers.
// Declaring it twice is a no-op.
func Topology(exchange string) bus.Topology {
	if exchange == "" {
		exchange = DefaultExchange
	}
	return bus.Topology{
		Exchange: bus.Exchange{Name: exchange, Kind: bus.ExchangeTopic, Durable: true},
		Queues: []bus.Queue{
			{Name: NotificationQueue, Durable: true, Bindings: []string{BindingPattern}},
			{Name: AnalyticsQueue, Durable: true, Bindings: []string{BindingPattern}},
		},
	}
}
