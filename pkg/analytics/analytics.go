// Package analytics folds checkout events into running sales totals.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"Checkout-Event-Pipeline/pkg/consumer"
	"Checkout-Event-Pipeline/pkg/events"
	"Checkout-Event-Pipeline/pkg/logging"
	"Checkout-Event-Pipeline/pkg/metrics"
)

// ErrNoCheckouts is returned by AverageTicket before the first checkout.
var ErrNoCheckouts = errors.New("analytics: no checkouts recorded")

// UserStats is the running total for one user email.
type UserStats struct {
	Count      int          `json:"count"`
	TotalSpent events.Money `json:"total_spent"`
}

// State is the aggregate over every checkout handled so far.
type State struct {
	TotalCheckouts int                  `json:"total_checkouts"`
	TotalRevenue   events.Money         `json:"total_revenue"`
	TotalItemsSold int                  `json:"total_items_sold"`
	PerUser        map[string]UserStats `json:"per_user"`
}

// Verify checks that the per-user breakdown adds up to the totals.
func (s State) Verify() error {
	if s.TotalCheckouts < 0 || s.TotalItemsSold < 0 || s.TotalRevenue.IsNegative() {
		return fmt.Errorf("analytics: negative totals in %+v", s)
	}
	count, spent := 0, events.Zero()
	for email, u := range s.PerUser {
		if u.Count < 1 {
			return fmt.Errorf("analytics: user %s has count %d", email, u.Count)
		}
		count += u.Count
		spent = spent.Add(u.TotalSpent)
	}
	if count != s.TotalCheckouts {
		return fmt.Errorf("analytics: per-user counts sum to %d, total_checkouts is %d", count, s.TotalCheckouts)
	}
	if !spent.Equal(s.TotalRevenue) {
		return fmt.Errorf("analytics: per-user spend sums to %s, total_revenue is %s", spent, s.TotalRevenue)
	}
	return nil
}

func (s State) clone() State {
	out := s
	out.PerUser = make(map[string]UserStats, len(s.PerUser))
	for k, v := range s.PerUser {
		out.PerUser[k] = v
	}
	return out
}

// Aggregator owns the aggregate State. Handle is the only writer; Snapshot
// and the HTTP handler may be called concurrently with it.
type Aggregator struct {
	mu      sync.RWMutex
	state   State
	log     *logrus.Entry
	metrics *metrics.Metrics
}

var _ consumer.Handler = (*Aggregator)(nil)

func New(log *logrus.Entry, m *metrics.Metrics) *Aggregator {
	return &Aggregator{
		state:   State{TotalRevenue: events.Zero(), PerUser: make(map[string]UserStats)},
		log:     logging.OrDefault(log),
		metrics: m,
	}
}

// Handle folds e into a copy of the aggregate and commits the copy only if it
// still verifies. An invalid envelope leaves the aggregate untouched.
func (a *Aggregator) Handle(_ context.Context, e events.CheckoutCompleted) consumer.Outcome {
	if err := e.Validate(); err != nil {
		return consumer.Failure(err)
	}

	for _, it := range e.Items {
		a.log.WithFields(logrus.Fields{
			"list_id":    e.ListID,
			"item":       it.Name,
			"quantity":   it.Quantity,
			"price":      it.Price.StringFixed(2),
			"line_total": it.Price.MulInt(it.Quantity).StringFixed(2),
		}).Debug("Checkout line")
	}

	a.mu.Lock()
	next := a.state.clone()
	next.TotalCheckouts++
	next.TotalRevenue = next.TotalRevenue.Add(e.TotalAmount)
	next.TotalItemsSold += e.TotalItems
	u := next.PerUser[e.UserEmail]
	u.Count++
	u.TotalSpent = u.TotalSpent.Add(e.TotalAmount)
	next.PerUser[e.UserEmail] = u
	if err := next.Verify(); err != nil {
		a.mu.Unlock()
		return consumer.Failure(fmt.Errorf("fold list %d: %w", e.ListID, err))
	}
	a.state = next
	snap := next.clone()
	a.mu.Unlock()

	a.metrics.SetAggregate(snap.TotalCheckouts, snap.TotalRevenue.InexactFloat64(), snap.TotalItemsSold, len(snap.PerUser))

	fields := logrus.Fields{
		"list_id":          e.ListID,
		"user_email":       e.UserEmail,
		"total_amount":     e.TotalAmount.StringFixed(2),
		"total_items":      e.TotalItems,
		"total_checkouts":  snap.TotalCheckouts,
		"total_revenue":    snap.TotalRevenue.StringFixed(2),
		"total_items_sold": snap.TotalItemsSold,
		"user_checkouts":   u.Count,
		"user_total_spent": u.TotalSpent.StringFixed(2),
	}
	if avg, err := averageTicket(snap); err == nil {
		fields["average_ticket"] = avg.StringFixed(2)
	}
	a.log.WithFields(fields).Info("Dashboard updated")
	return consumer.Success()
}

// Snapshot returns a deep copy of the current aggregate.
func (a *Aggregator) Snapshot() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state.clone()
}

// AverageTicket is total revenue divided by checkouts, rounded to cents.
func (a *Aggregator) AverageTicket() (events.Money, error) {
	return averageTicket(a.Snapshot())
}

func averageTicket(s State) (events.Money, error) {
	if s.TotalCheckouts == 0 {
		return events.Money{}, ErrNoCheckouts
	}
	avg := s.TotalRevenue.Div(decimal.NewFromInt(int64(s.TotalCheckouts)))
	return events.NewMoney(avg).Round2(), nil
}

// Report is the aggregate plus its derived figures.
type Report struct {
	State
	AverageTicket *events.Money `json:"average_ticket"` // null before the first checkout.
}

func (a *Aggregator) Report() Report {
	snap := a.Snapshot()
	r := Report{State: snap}
	if avg, err := averageTicket(snap); err == nil {
		r.AverageTicket = &avg
	}
	return r
}

// ServeHTTP writes the current Report as JSON.
func (a *Aggregator) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(a.Report()); err != nil {
		a.log.WithError(err).Error("Failed to write stats response")
	}
}

// MarshalReport renders the Report as indented JSON, for the shutdown log.
func (a *Aggregator) MarshalReport() ([]byte, error) {
	return json.MarshalIndent(a.Report(), "", "  ")
}
