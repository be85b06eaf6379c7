package analytics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Checkout-Event-Pipeline/pkg/events"
	"Checkout-Event-Pipeline/pkg/metrics"
)

var at = time.Date(2025, 11, 3, 14, 30, 0, 0, time.UTC)

func groceries(listID int64, email string) events.CheckoutCompleted {
	return events.NewCheckoutCompleted(listID, 101, email, []events.ItemDetail{
		{Name: "Arroz", Quantity: 2, Price: events.MustParseMoney("20.50")},
		{Name: "Feijão", Quantity: 1, Price: events.MustParseMoney("8.30")},
	}, at)
}

func coffee(listID int64, email string) events.CheckoutCompleted {
	return events.NewCheckoutCompleted(listID, 102, email, []events.ItemDetail{
		{Name: "Café", Quantity: 1, Price: events.MustParseMoney("10.00")},
	}, at)
}

func mustHandle(t *testing.T, a *Aggregator, e events.CheckoutCompleted) {
	t.Helper()
	out := a.Handle(context.Background(), e)
	require.True(t, out.OK(), "unexpected failure: %v", out.Err())
}

func TestFoldTotals(t *testing.T) {
	a := New(nil, nil)
	emails := []string{"joao@email.com", "maria@email.com", "ana@email.com", "joao@email.com"}
	expected := events.Zero()
	for i, email := range emails {
		e := groceries(int64(i+1), email)
		expected = expected.Add(e.TotalAmount)
		mustHandle(t, a, e)
	}

	s := a.Snapshot()
	require.NoError(t, s.Verify())
	assert.Equal(t, len(emails), s.TotalCheckouts)
	assert.True(t, expected.Equal(s.TotalRevenue), "revenue %s, want %s", s.TotalRevenue, expected)
	assert.Equal(t, 2*len(emails), s.TotalItemsSold)

	count := 0
	for _, u := range s.PerUser {
		count += u.Count
	}
	assert.Equal(t, len(emails), count)
	assert.Len(t, s.PerUser, 3)
}

func TestSameUserAccumulates(t *testing.T) {
	a := New(nil, nil)
	mustHandle(t, a, groceries(1, "joao@email.com"))
	mustHandle(t, a, coffee(2, "joao@email.com"))

	u := a.Snapshot().PerUser["joao@email.com"]
	assert.Equal(t, 2, u.Count)
	assert.Equal(t, "59.30", u.TotalSpent.StringFixed(2))
}

func TestReplayDoubleCounts(t *testing.T) {
	a := New(nil, nil)
	e := groceries(1, "joao@email.com")
	mustHandle(t, a, e)
	mustHandle(t, a, e)

	s := a.Snapshot()
	assert.Equal(t, 2, s.TotalCheckouts)
	assert.Equal(t, "98.60", s.TotalRevenue.StringFixed(2))
	assert.Equal(t, 2, s.PerUser["joao@email.com"].Count)
}

func TestInvalidEnvelopeLeavesStateUntouched(t *testing.T) {
	a := New(nil, nil)
	mustHandle(t, a, groceries(1, "joao@email.com"))
	before, err := json.Marshal(a.Snapshot())
	require.NoError(t, err)

	bad := groceries(2, "maria@email.com")
	bad.UserEmail = ""
	out := a.Handle(context.Background(), bad)
	assert.False(t, out.OK())
	assert.ErrorIs(t, out.Err(), events.ErrInvalidEnvelope)

	tampered := groceries(3, "maria@email.com")
	tampered.TotalAmount = events.MustParseMoney("1.00")
	assert.False(t, a.Handle(context.Background(), tampered).OK())

	after, err := json.Marshal(a.Snapshot())
	require.NoError(t, err)
	assert.JSONEq(t, string(before), string(after))
}

func TestAverageTicket(t *testing.T) {
	a := New(nil, nil)
	_, err := a.AverageTicket()
	assert.ErrorIs(t, err, ErrNoCheckouts)

	mustHandle(t, a, groceries(1, "joao@email.com"))
	mustHandle(t, a, coffee(2, "maria@email.com"))
	avg, err := a.AverageTicket()
	require.NoError(t, err)
	assert.Equal(t, "29.65", avg.StringFixed(2))
}

func TestSnapshotIsACopy(t *testing.T) {
	a := New(nil, nil)
	mustHandle(t, a, groceries(1, "joao@email.com"))

	s := a.Snapshot()
	s.TotalCheckouts = 99
	s.PerUser["joao@email.com"] = UserStats{Count: 42}
	s.PerUser["intruder@email.com"] = UserStats{Count: 1}

	fresh := a.Snapshot()
	assert.Equal(t, 1, fresh.TotalCheckouts)
	assert.Equal(t, 1, fresh.PerUser["joao@email.com"].Count)
	assert.NotContains(t, fresh.PerUser, "intruder@email.com")
}

func TestVerifyDetectsDrift(t *testing.T) {
	s := State{
		TotalCheckouts: 2,
		TotalRevenue:   events.MustParseMoney("10.00"),
		PerUser: map[string]UserStats{
			"joao@email.com": {Count: 1, TotalSpent: events.MustParseMoney("10.00")},
		},
	}
	assert.Error(t, s.Verify())

	s.TotalCheckouts = 1
	assert.NoError(t, s.Verify())

	s.TotalRevenue = events.MustParseMoney("11.00")
	assert.Error(t, s.Verify())
}

func TestHandleRejectsFoldOntoDriftedState(t *testing.T) {
	a := New(nil, nil)
	a.state.TotalCheckouts = 3

	out := a.Handle(context.Background(), groceries(1, "joao@email.com"))
	require.False(t, out.OK())
	assert.ErrorContains(t, out.Err(), "total_checkouts")

	s := a.Snapshot()
	assert.Equal(t, 3, s.TotalCheckouts, "a failed fold commits nothing")
	assert.Empty(t, s.PerUser)
	assert.True(t, s.TotalRevenue.IsZero())
}

func TestMetricsMirrorAggregate(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	a := New(nil, m)
	mustHandle(t, a, groceries(1, "joao@email.com"))
	mustHandle(t, a, coffee(2, "joao@email.com"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.CheckoutsTotal))
	assert.InDelta(t, 59.30, testutil.ToFloat64(m.RevenueTotal), 0.001)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ItemsSoldTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CustomersTotal))
}

func TestStatsEndpoint(t *testing.T) {
	a := New(nil, nil)

	rec := httptest.NewRecorder()
	a.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"total_checkouts":0,"total_revenue":0,"total_items_sold":0,"per_user":{},"average_ticket":null}`, rec.Body.String())

	mustHandle(t, a, groceries(1, "joao@email.com"))
	rec = httptest.NewRecorder()
	a.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{
		"total_checkouts": 1,
		"total_revenue": 49.3,
		"total_items_sold": 2,
		"per_user": {"joao@email.com": {"count": 1, "total_spent": 49.3}},
		"average_ticket": 49.3
	}`, rec.Body.String())
}
