package notification

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Checkout-Event-Pipeline/pkg/events"
)

type recordingSender struct {
	sent []Receipt
	err  error
}

func (s *recordingSender) Send(_ context.Context, r Receipt) error {
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, r)
	return nil
}

func checkout() events.CheckoutCompleted {
	return events.NewCheckoutCompleted(1, 101, "joao@email.com", []events.ItemDetail{
		{Name: "Arroz", Quantity: 2, Price: events.MustParseMoney("20.50")},
		{Name: "Feijão", Quantity: 1, Price: events.MustParseMoney("8.30")},
	}, time.Date(2025, 11, 3, 14, 30, 0, 0, time.UTC))
}

func TestHandleSendsReceipt(t *testing.T) {
	sender := &recordingSender{}
	h := NewHandler(sender, nil)

	out := h.Handle(context.Background(), checkout())
	require.True(t, out.OK(), "unexpected failure: %v", out.Err())
	require.Len(t, sender.sent, 1)

	r := sender.sent[0]
	assert.Equal(t, "joao@email.com", r.To)
	assert.Equal(t, int64(1), r.ListID)
	assert.Equal(t, 2, r.TotalItems)
	assert.Equal(t, "49.30", r.TotalAmount.StringFixed(2))
	assert.Equal(t, []string{
		"Arroz: 2x 20.50 = 41.00",
		"Feijão: 1x 8.30 = 8.30",
	}, r.Lines)
	assert.Contains(t, r.Body(), "Total amount: 49.30")
}

func TestHandleRejectsInvalidEnvelope(t *testing.T) {
	sender := &recordingSender{}
	h := NewHandler(sender, nil)

	e := checkout()
	e.UserEmail = ""
	out := h.Handle(context.Background(), e)

	assert.False(t, out.OK())
	assert.ErrorIs(t, out.Err(), events.ErrInvalidEnvelope)
	assert.Empty(t, sender.sent, "nothing is sent for an invalid envelope")
}

func TestHandleReportsSenderFailure(t *testing.T) {
	cause := errors.New("smtp: connection refused")
	h := NewHandler(&recordingSender{err: cause}, nil)

	out := h.Handle(context.Background(), checkout())
	assert.False(t, out.OK())
	assert.ErrorIs(t, out.Err(), cause)
}

func TestLogSenderLogsReceipt(t *testing.T) {
	logger, hook := test.NewNullLogger()
	s := LogSender{Log: logrus.NewEntry(logger)}

	require.NoError(t, s.Send(context.Background(), NewReceipt(checkout())))
	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, "Receipt email sent", entry.Message)
	assert.Equal(t, "joao@email.com", entry.Data["user_email"])
	assert.Equal(t, "49.30", entry.Data["total_amount"])
}
