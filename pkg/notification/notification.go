// Package notification sends a checkout receipt to the shopper.
package notification

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"Checkout-Event-Pipeline/pkg/consumer"
	"Checkout-Event-Pipeline/pkg/events"
	"Checkout-Event-Pipeline/pkg/logging"
)

// Receipt is the message rendered for one completed checkout.
type Receipt struct {
	To          string
	Subject     string
	ListID      int64
	TotalItems  int
	TotalAmount events.Money
	Lines       []string
	CompletedAt time.Time
}

// Body renders the receipt as plain text.
func (r Receipt) Body() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Receipt for shopping list %d\n", r.ListID)
	for _, line := range r.Lines {
		sb.WriteString("  ")
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	fmt.Fprintf(&sb, "Total items: %d\n", r.TotalItems)
	fmt.Fprintf(&sb, "Total amount: %s\n", r.TotalAmount.StringFixed(2))
	return sb.String()
}

// NewReceipt renders e. It assumes e has already been validated.
func NewReceipt(e events.CheckoutCompleted) Receipt {
	lines := make([]string, 0, len(e.Items))
	for _, it := range e.Items {
		lineTotal := it.Price.MulInt(it.Quantity).Round2()
		lines = append(lines, fmt.Sprintf("%s: %dx %s = %s",
			it.Name, it.Quantity, it.Price.StringFixed(2), lineTotal.StringFixed(2)))
	}
	return Receipt{
		To:          e.UserEmail,
		Subject:     fmt.Sprintf("Your receipt for list #%d", e.ListID),
		ListID:      e.ListID,
		TotalItems:  e.TotalItems,
		TotalAmount: e.TotalAmount,
		Lines:       lines,
		CompletedAt: e.Timestamp,
	}
}

// Sender delivers a receipt to its recipient.
type Sender interface {
	Send(ctx context.Context, r Receipt) error
}

// LogSender "sends" receipts by logging them.
type LogSender struct {
	Log *logrus.Entry
}

func (s LogSender) Send(_ context.Context, r Receipt) error {
	logging.OrDefault(s.Log).WithFields(logrus.Fields{
		"list_id":      r.ListID,
		"user_email":   r.To,
		"total_items":  r.TotalItems,
		"total_amount": r.TotalAmount.StringFixed(2),
		"subject":      r.Subject,
	}).Info("Receipt email sent")
	return nil
}

// Handler validates each checkout and hands its receipt to a Sender.
// It keeps no state between events.
type Handler struct {
	sender Sender
	log    *logrus.Entry
}

var _ consumer.Handler = (*Handler)(nil)

func NewHandler(sender Sender, log *logrus.Entry) *Handler {
	return &Handler{sender: sender, log: logging.OrDefault(log)}
}

func (h *Handler) Handle(ctx context.Context, e events.CheckoutCompleted) consumer.Outcome {
	if err := e.Validate(); err != nil {
		return consumer.Failure(err)
	}
	r := NewReceipt(e)
	h.log.WithFields(logrus.Fields{
		"list_id":    e.ListID,
		"user_email": e.UserEmail,
	}).Info("Sending checkout receipt")
	if err := h.sender.Send(ctx, r); err != nil {
		return consumer.Failure(fmt.Errorf("send receipt for list %d: %w", e.ListID, err))
	}
	return consumer.Success()
}
