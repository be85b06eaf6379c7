// Package checkout turns a finalized shopping list into a checkout_completed
// event on the shared topic exchange.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"Checkout-Event-Pipeline/pkg/bus"
	"Checkout-Event-Pipeline/pkg/events"
	"Checkout-Event-Pipeline/pkg/logging"
	"Checkout-Event-Pipeline/pkg/metrics"
)

var (
	ErrValidation = errors.New("checkout: invalid shopping list")
	ErrPublish    = errors.New("checkout: publish failed")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Item is one line of a shopping list.
type Item struct {
	Name     string       `json:"name" validate:"required"`
	Quantity int          `json:"quantity" validate:"gt=0"`
	Price    events.Money `json:"price"`
}

// ShoppingList is the producer-side record being checked out.
type ShoppingList struct {
	ID        int64  `json:"id" validate:"gt=0"`
	UserID    int64  `json:"user_id" validate:"gt=0"`
	UserEmail string `json:"user_email" validate:"required,email"`
	Items     []Item `json:"items" validate:"required,min=1,dive"`
	Status    string `json:"status"`
}

// ValidationError reports a list that cannot be published.
type ValidationError struct {
	ListID int64
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("checkout: list %d is invalid: %v", e.ListID, e.Err)
}

func (e *ValidationError) Unwrap() []error { return []error{ErrValidation, e.Err} }

// PublishError reports that the bus did not accept the event.
type PublishError struct {
	ListID int64
	Err    error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("checkout: publish list %d: %v", e.ListID, e.Err)
}

func (e *PublishError) Unwrap() []error { return []error{ErrPublish, e.Err} }

// Publisher publishes checkout events. It never retries; the caller decides.
type Publisher struct {
	bus      bus.Publisher
	exchange string
	timeout  time.Duration
	now      func() time.Time
	newID    func() string
	log      *logrus.Entry
	metrics  *metrics.Metrics
}

type Option func(*Publisher)

// WithClock overrides the event timestamp source.
func WithClock(now func() time.Time) Option {
	return func(p *Publisher) { p.now = now }
}

// WithIDGenerator overrides the message ID source.
func WithIDGenerator(newID func() string) Option {
	return func(p *Publisher) { p.newID = newID }
}

// WithTimeout bounds each publish call. Zero means no bound.
func WithTimeout(d time.Duration) Option {
	return func(p *Publisher) { p.timeout = d }
}

func NewPublisher(b bus.Publisher, exchange string, log *logrus.Entry, m *metrics.Metrics, opts ...Option) *Publisher {
	if exchange == "" {
		exchange = DefaultExchange
	}
	p := &Publisher{
		bus:      b,
		exchange: exchange,
		now:      time.Now,
		newID:    uuid.NewString,
		log:      logging.OrDefault(log),
		metrics:  m,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// PublishCheckout validates list, builds its envelope and hands exactly one
// persistent message to the exchange. It returns the published envelope.
func (p *Publisher) PublishCheckout(ctx context.Context, list ShoppingList) (events.CheckoutCompleted, error) {
	if err := validate.Struct(list); err != nil {
		return events.CheckoutCompleted{}, &ValidationError{ListID: list.ID, Err: err}
	}
	items := make([]events.ItemDetail, len(list.Items))
	for i, it := range list.Items {
		if it.Price.IsNegative() {
			return events.CheckoutCompleted{}, &ValidationError{
				ListID: list.ID,
				Err:    fmt.Errorf("item %q has negative price %s", it.Name, it.Price),
			}
		}
		items[i] = events.ItemDetail{Name: it.Name, Quantity: it.Quantity, Price: it.Price}
	}

	e := events.NewCheckoutCompleted(list.ID, list.UserID, list.UserEmail, items, p.now())
	body, err := events.Encode(e)
	if err != nil {
		return events.CheckoutCompleted{}, &ValidationError{ListID: list.ID, Err: err}
	}

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	msgID := p.newID()
	err = p.bus.Publish(ctx, p.exchange, RoutingKey, bus.Message{
		Body:        body,
		ContentType: events.ContentType,
		MessageID:   msgID,
		Persistent:  true,
		Timestamp:   e.Timestamp,
	})
	p.metrics.ObservePublish(RoutingKey, err)

	log := p.log.WithFields(logrus.Fields{
		"list_id":      list.ID,
		"user_email":   list.UserEmail,
		"total_amount": e.TotalAmount.StringFixed(2),
		"message_id":   msgID,
	})
	if err != nil {
		log.WithError(err).Error("Failed to publish checkout event")
		return events.CheckoutCompleted{}, &PublishError{ListID: list.ID, Err: err}
	}
	log.WithField("routing_key", RoutingKey).Info("Checkout event published")
	return e, nil
}
