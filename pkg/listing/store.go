// Package listing is the list service: an in-memory set of shopping lists
// whose checkout publishes a checkout_completed event.
package listing

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"Checkout-Event-Pipeline/pkg/checkout"
	"Checkout-Event-Pipeline/pkg/events"
)

// List statuses.
const (
	StatusActive    = "active"
	StatusCompleted = "completed"
)

var (
	ErrNotFound         = errors.New("listing: list not found")
	ErrAlreadyCompleted = errors.New("listing: list already completed")
)

// Publisher is what the store needs from checkout.Publisher.
type Publisher interface {
	PublishCheckout(ctx context.Context, list checkout.ShoppingList) (events.CheckoutCompleted, error)
}

// Store holds shopping lists by ID.
type Store struct {
	mu    sync.Mutex
	lists map[int64]checkout.ShoppingList
}

func NewStore(lists ...checkout.ShoppingList) *Store {
	s := &Store{lists: make(map[int64]checkout.ShoppingList, len(lists))}
	for _, l := range lists {
		if l.Status == "" {
			l.Status = StatusActive
		}
		s.lists[l.ID] = clone(l)
	}
	return s
}

// Seed returns the demo lists the service starts with.
func Seed() []checkout.ShoppingList {
	return []checkout.ShoppingList{
		{
			ID:        1,
			UserID:    101,
			UserEmail: "joao@email.com",
			Items: []checkout.Item{
				{Name: "Arroz", Quantity: 2, Price: events.MustParseMoney("20.50")},
				{Name: "Feijão", Quantity: 1, Price: events.MustParseMoney("8.30")},
				{Name: "Macarrão", Quantity: 3, Price: events.MustParseMoney("4.50")},
			},
			Status: StatusActive,
		},
		{
			ID:        2,
			UserID:    102,
			UserEmail: "maria@email.com",
			Items: []checkout.Item{
				{Name: "Leite", Quantity: 2, Price: events.MustParseMoney("5.00")},
				{Name: "Café", Quantity: 1, Price: events.MustParseMoney("12.00")},
				{Name: "Açúcar", Quantity: 1, Price: events.MustParseMoney("4.00")},
			},
			Status: StatusActive,
		},
	}
}

// All returns every list ordered by ID.
func (s *Store) All() []checkout.ShoppingList {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]checkout.ShoppingList, 0, len(s.lists))
	for _, l := range s.lists {
		out = append(out, clone(l))
	}
	slices.SortFunc(out, func(a, b checkout.ShoppingList) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

func (s *Store) Get(id int64) (checkout.ShoppingList, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lists[id]
	if !ok {
		return checkout.ShoppingList{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return clone(l), nil
}

// Checkout marks the list completed and publishes its event. If publishing
// fails the list goes back to active and the publish error is returned.
func (s *Store) Checkout(ctx context.Context, id int64, p Publisher) (events.CheckoutCompleted, error) {
	s.mu.Lock()
	l, ok := s.lists[id]
	if !ok {
		s.mu.Unlock()
		return events.CheckoutCompleted{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if l.Status == StatusCompleted {
		s.mu.Unlock()
		return events.CheckoutCompleted{}, fmt.Errorf("%w: %d", ErrAlreadyCompleted, id)
	}
	l.Status = StatusCompleted
	s.lists[id] = l
	s.mu.Unlock()

	e, err := p.PublishCheckout(ctx, clone(l))
	if err != nil {
		s.setStatus(id, StatusActive)
		return events.CheckoutCompleted{}, err
	}
	return e, nil
}

func (s *Store) setStatus(id int64, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.lists[id]; ok {
		l.Status = status
		s.lists[id] = l
	}
}

func clone(l checkout.ShoppingList) checkout.ShoppingList {
	l.Items = slices.Clone(l.Items)
	return l
}
