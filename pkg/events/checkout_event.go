package events

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// CheckoutCompletedType is the event_type tag carried by every checkout event.
const CheckoutCompletedType = "checkout_completed"

// ContentType is the media type of an encoded envelope.
const ContentType = "application/json"

var validate = validator.New(validator.WithRequiredStructEnabled())

// ItemDetail represents a single line of a finalized shopping list.
type ItemDetail struct {
	Name     string `json:"name" validate:"required"` // Display name of the item.
	Quantity int    `json:"quantity" validate:"gt=0"` // Number of units bought.
	Price    Money  `json:"price"`                    // Unit price, never negative.
}

// CheckoutCompleted is the event published once a shopping list is checked out.
// TotalItems and TotalAmount are derived from Items; build it with
// NewCheckoutCompleted so they are never taken from upstream input.
type CheckoutCompleted struct {
	EventType   string       `json:"event_type" validate:"eq=checkout_completed"` // Always CheckoutCompletedType.
	ListID      int64        `json:"list_id" validate:"gt=0"`                     // Source shopping list.
	UserID      int64        `json:"user_id" validate:"gt=0"`                     // Owner of the list.
	UserEmail   string       `json:"user_email" validate:"required,email"`        // Where the receipt goes.
	Items       []ItemDetail `json:"items" validate:"required,min=1,dive"`        // Lines in list order.
	TotalItems  int          `json:"total_items"`                                 // len(Items).
	TotalAmount Money        `json:"total_amount"`                                // Σ quantity×price, 2 places.
	Timestamp   time.Time    `json:"timestamp" validate:"required"`               // Set at publish time.
}

// NewCheckoutCompleted builds an envelope and computes its derived totals.
// The items slice is copied so later changes by the caller are not observed.
func NewCheckoutCompleted(listID, userID int64, userEmail string, items []ItemDetail, at time.Time) CheckoutCompleted {
	lines := make([]ItemDetail, len(items))
	copy(lines, items)
	return CheckoutCompleted{
		EventType:   CheckoutCompletedType,
		ListID:      listID,
		UserID:      userID,
		UserEmail:   userEmail,
		Items:       lines,
		TotalItems:  len(lines),
		TotalAmount: SumItems(lines),
		Timestamp:   at.UTC(),
	}
}

// SumItems returns Σ quantity×price over items, rounded to 2 decimal places.
func SumItems(items []ItemDetail) Money {
	total := Zero()
	for _, item := range items {
		total = total.Add(item.Price.MulInt(item.Quantity))
	}
	return total.Round2()
}

// Validate checks the schema of the envelope and that its derived fields still
// agree with Items.
func (e CheckoutCompleted) Validate() error {
	if err := validate.Struct(e); err != nil {
		return &SchemaError{Err: err}
	}
	for i, item := range e.Items {
		if item.Price.IsNegative() {
			return &SchemaError{Err: fmt.Errorf("items[%d].price: must not be negative, got %s", i, item.Price)}
		}
	}
	if e.TotalItems != len(e.Items) {
		return &SchemaError{Err: fmt.Errorf("total_items: %d does not match %d items", e.TotalItems, len(e.Items))}
	}
	if want := SumItems(e.Items); !e.TotalAmount.Equal(want) {
		return &SchemaError{Err: fmt.Errorf("total_amount: %s does not match items sum %s", e.TotalAmount, want)}
	}
	return nil
}

// ErrInvalidEnvelope is matched by every SchemaError.
var ErrInvalidEnvelope = errors.New("invalid checkout envelope")

// SchemaError reports an envelope that does not satisfy the checkout schema.
type SchemaError struct {
	Err error
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("%s: %v", ErrInvalidEnvelope, e.Err)
}

func (e *SchemaError) Unwrap() []error {
	return []error{ErrInvalidEnvelope, e.Err}
}

// Fields lists the names of the envelope fields that failed validation.
func (e *SchemaError) Fields() []string {
	var verrs validator.ValidationErrors
	if !errors.As(e.Err, &verrs) {
		return nil
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fe.Namespace())
	}
	return fields
}
