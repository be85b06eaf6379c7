package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Checkout-Event-Pipeline/pkg/bus"
)

func topology() bus.Topology {
	return bus.Topology{
		Exchange: bus.Exchange{Name: "shopping_events", Kind: bus.ExchangeTopic, Durable: true},
		Queues: []bus.Queue{
			{Name: "notification_queue", Durable: true, Bindings: []string{"list.checkout.#"}},
			{Name: "analytics_queue", Durable: true, Bindings: []string{"list.checkout.#"}},
		},
	}
}

func newDeclared(t *testing.T) *Bus {
	t.Helper()
	b := New()
	require.NoError(t, b.DeclareTopology(context.Background(), topology()))
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func publish(t *testing.T, b *Bus, key, body string) {
	t.Helper()
	require.NoError(t, b.Publish(context.Background(), "shopping_events", key, bus.Message{
		Body:        []byte(body),
		ContentType: "application/json",
		MessageID:   body,
		Persistent:  true,
	}))
}

func receive(t *testing.T, sub bus.Subscription) bus.Delivery {
	t.Helper()
	select {
	case d, ok := <-sub.Deliveries():
		require.True(t, ok, "subscription closed: %v", sub.Err())
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return nil
	}
}

func assertNothing(t *testing.T, sub bus.Subscription) {
	t.Helper()
	select {
	case d := <-sub.Deliveries():
		t.Fatalf("unexpected delivery %q", d.Body())
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDeclareTopologyIsIdempotent(t *testing.T) {
	b := newDeclared(t)
	require.NoError(t, b.DeclareTopology(context.Background(), topology()))
	assert.Equal(t, []string{"list.checkout.#"}, b.Bindings("analytics_queue"))
}

func TestDeclareTopologyConflicts(t *testing.T) {
	b := newDeclared(t)

	transient := topology()
	transient.Exchange.Durable = false
	err := b.DeclareTopology(context.Background(), transient)
	assert.ErrorIs(t, err, bus.ErrTopologyConflict)

	queueFlip := topology()
	queueFlip.Queues[1].Durable = false
	err = b.DeclareTopology(context.Background(), queueFlip)
	assert.ErrorIs(t, err, bus.ErrTopologyConflict)

	// Rejected declarations leave the existing topology untouched.
	assert.Equal(t, []string{"list.checkout.#"}, b.Bindings("analytics_queue"))
}

func TestPublishFansOutToEveryBoundQueue(t *testing.T) {
	b := newDeclared(t)
	publish(t, b, "list.checkout.completed", "evt-1")

	assert.Equal(t, 1, b.Depth("notification_queue"))
	assert.Equal(t, 1, b.Depth("analytics_queue"))

	publish(t, b, "list.created", "evt-2")
	assert.Equal(t, 1, b.Depth("notification_queue"), "unmatched key must not be routed")
}

func TestPublishOncePerQueueWithOverlappingBindings(t *testing.T) {
	b := newDeclared(t)
	extra := topology()
	extra.Queues = []bus.Queue{{Name: "analytics_queue", Durable: true, Bindings: []string{"list.*.completed"}}}
	require.NoError(t, b.DeclareTopology(context.Background(), extra))

	publish(t, b, "list.checkout.completed", "evt-1")
	assert.Equal(t, 1, b.Depth("analytics_queue"))
}

func TestPublishRequiresDeclaredExchange(t *testing.T) {
	b := New()
	err := b.Publish(context.Background(), "shopping_events", "list.checkout.completed", bus.Message{})
	assert.ErrorIs(t, err, bus.ErrUnknownExchange)
}

func TestPrefetchHoldsOneMessageInFlight(t *testing.T) {
	b := newDeclared(t)
	publish(t, b, "list.checkout.completed", "evt-1")
	publish(t, b, "list.checkout.completed", "evt-2")

	sub, err := b.Consume(context.Background(), "analytics_queue", 1)
	require.NoError(t, err)
	defer sub.Close()

	first := receive(t, sub)
	assert.Equal(t, "evt-1", string(first.Body()))
	assert.Equal(t, "list.checkout.completed", first.RoutingKey())
	assertNothing(t, sub)
	assert.Equal(t, 1, b.Unacked("analytics_queue"))

	require.NoError(t, first.Ack())
	second := receive(t, sub)
	assert.Equal(t, "evt-2", string(second.Body()))
	require.NoError(t, second.Ack())
	assert.Equal(t, 0, b.Depth("analytics_queue"))
	assert.Equal(t, 0, b.Unacked("analytics_queue"))
}

func TestNackWithoutRequeueDiscards(t *testing.T) {
	b := newDeclared(t)
	publish(t, b, "list.checkout.completed", "poison")

	sub, err := b.Consume(context.Background(), "analytics_queue", 1)
	require.NoError(t, err)
	defer sub.Close()

	d := receive(t, sub)
	require.NoError(t, d.Nack(false))
	assertNothing(t, sub)
	assert.Equal(t, 0, b.Depth("analytics_queue"))
	assert.Equal(t, 0, b.Unacked("analytics_queue"))
}

func TestNackWithRequeueRedelivers(t *testing.T) {
	b := newDeclared(t)
	publish(t, b, "list.checkout.completed", "evt-1")

	sub, err := b.Consume(context.Background(), "analytics_queue", 1)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, receive(t, sub).Nack(true))
	again := receive(t, sub)
	assert.Equal(t, "evt-1", string(again.Body()))
	require.NoError(t, again.Ack())
}

func TestSettleTwiceFails(t *testing.T) {
	b := newDeclared(t)
	publish(t, b, "list.checkout.completed", "evt-1")
	sub, err := b.Consume(context.Background(), "analytics_queue", 1)
	require.NoError(t, err)
	defer sub.Close()

	d := receive(t, sub)
	require.NoError(t, d.Ack())
	assert.ErrorIs(t, d.Ack(), bus.ErrAlreadySettled)
	assert.ErrorIs(t, d.Nack(false), bus.ErrAlreadySettled)
}

func TestQueuesAreIndependent(t *testing.T) {
	b := newDeclared(t)
	publish(t, b, "list.checkout.completed", "evt-1")

	notif, err := b.Consume(context.Background(), "notification_queue", 1)
	require.NoError(t, err)
	defer notif.Close()

	require.NoError(t, receive(t, notif).Nack(false))
	assert.Equal(t, 1, b.Depth("analytics_queue"), "rejecting on one queue must not touch the other")
}

func TestCancelEndsSubscriptionWithoutError(t *testing.T) {
	b := newDeclared(t)
	ctx, cancel := context.WithCancel(context.Background())
	sub, err := b.Consume(ctx, "analytics_queue", 1)
	require.NoError(t, err)

	cancel()
	select {
	case _, ok := <-sub.Deliveries():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not stop")
	}
	assert.NoError(t, sub.Err())
}

func TestCloseDisconnectsSubscribers(t *testing.T) {
	b := newDeclared(t)
	sub, err := b.Consume(context.Background(), "analytics_queue", 1)
	require.NoError(t, err)

	require.NoError(t, b.Close())
	select {
	case _, ok := <-sub.Deliveries():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not stop")
	}
	assert.ErrorIs(t, sub.Err(), bus.ErrClosed)

	err = b.Publish(context.Background(), "shopping_events", "list.checkout.completed", bus.Message{})
	assert.ErrorIs(t, err, bus.ErrClosed)
	_, err = b.Consume(context.Background(), "analytics_queue", 1)
	assert.ErrorIs(t, err, bus.ErrClosed)
}

func TestConsumeUnknownQueue(t *testing.T) {
	b := newDeclared(t)
	_, err := b.Consume(context.Background(), "missing", 1)
	assert.ErrorIs(t, err, bus.ErrUnknownQueue)
}
