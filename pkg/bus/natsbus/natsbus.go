// Package natsbus maps the topic bus onto NATS JetStream. An exchange becomes a
// stream over "<exchange>.>", a queue becomes a durable pull consumer whose
// filter subjects are the translated binding patterns.
package natsbus

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"Checkout-Event-Pipeline/pkg/bus"
)

const (
	// DefaultFetchWait bounds one pull request so cancellation is noticed.
	DefaultFetchWait = 2 * time.Second
	// transientQueueTTL is how long a non-durable queue outlives its consumer.
	transientQueueTTL = time.Minute
	contentTypeHeader = "Content-Type"
	deliveryModeHdr   = "Delivery-Mode"
)

// Bus is a bus.Bus backed by a JetStream context.
type Bus struct {
	nc        *nats.Conn
	js        nats.JetStreamContext
	log       *logrus.Entry
	fetchWait time.Duration
	ownsConn  bool

	mu     sync.Mutex
	queues map[string]queueBinding
}

// queueBinding is what Consume needs to bind to a declared durable consumer.
type queueBinding struct {
	stream string
	// subject is the consumer's single filter subject, empty when it has
	// several.
	subject string
}

var _ bus.Bus = (*Bus)(nil)

// Option customises a Bus.
type Option func(*Bus)

// WithFetchWait sets how long a single pull waits for messages.
func WithFetchWait(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.fetchWait = d
		}
	}
}

// WithLogger sets the entry used for driver logs.
func WithLogger(l *logrus.Entry) Option {
	return func(b *Bus) {
		if l != nil {
			b.log = l
		}
	}
}

// Connect dials url and returns a Bus that owns the connection.
func Connect(url, name string, opts ...Option) (*Bus, error) {
	b := &Bus{}
	for _, opt := range opts {
		opt(b)
	}
	log := b.log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	nc, err := nats.Connect(url,
		nats.Name(name),
		// Fail publishes while reconnecting instead of buffering them.
		nats.ReconnectBufSize(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.WithError(err).Warn("Disconnected from NATS")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.WithField("nats_url", c.ConnectedUrl()).Info("Reconnected to NATS")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info("NATS connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	nb, err := New(nc, opts...)
	if err != nil {
		nc.Close()
		return nil, err
	}
	nb.ownsConn = true
	return nb, nil
}

// New wraps an existing connection. Close will not close nc.
func New(nc *nats.Conn, opts ...Option) (*Bus, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("get JetStream context: %w", err)
	}
	b := &Bus{
		nc:        nc,
		js:        js,
		log:       logrus.NewEntry(logrus.StandardLogger()),
		fetchWait: DefaultFetchWait,
		queues:    make(map[string]queueBinding),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// DeclareTopology ensures the stream and one durable consumer per queue.
func (b *Bus) DeclareTopology(_ context.Context, topo bus.Topology) error {
	if err := topo.Validate(); err != nil {
		return err
	}
	if err := validateName(topo.Exchange.Name); err != nil {
		return err
	}
	if err := b.ensureStream(topo.Exchange); err != nil {
		return err
	}
	for _, q := range topo.Queues {
		if err := validateName(q.Name); err != nil {
			return err
		}
		cfg, err := b.ensureConsumer(topo.Exchange.Name, q)
		if err != nil {
			return err
		}
		b.mu.Lock()
		b.queues[q.Name] = queueBinding{stream: topo.Exchange.Name, subject: cfg.FilterSubject}
		b.mu.Unlock()
	}
	return nil
}

func (b *Bus) ensureStream(ex bus.Exchange) error {
	want := streamConfig(ex)
	info, err := b.js.StreamInfo(ex.Name)
	if err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			return b.wrapConnErr(fmt.Errorf("get stream info for %s: %w", ex.Name, err))
		}
		b.log.Infof("Stream %s not found, creating...", ex.Name)
		if _, err := b.js.AddStream(want); err != nil {
			return b.wrapConnErr(fmt.Errorf("create stream %s: %w", ex.Name, err))
		}
		b.log.Infof("Stream %s created", ex.Name)
		return nil
	}
	got := info.Config
	if got.Storage != want.Storage {
		return bus.Conflict("exchange", ex.Name, fmt.Sprintf("storage %v, exists as %v", want.Storage, got.Storage))
	}
	if got.Retention != want.Retention {
		return bus.Conflict("exchange", ex.Name, fmt.Sprintf("retention %v, exists as %v", want.Retention, got.Retention))
	}
	if !slices.Equal(got.Subjects, want.Subjects) {
		return bus.Conflict("exchange", ex.Name, fmt.Sprintf("subjects %v, exists as %v", want.Subjects, got.Subjects))
	}
	b.log.Debugf("Stream %s already exists.", ex.Name)
	return nil
}

// ensureConsumer returns the config of the consumer as it exists on the server.
func (b *Bus) ensureConsumer(exchange string, q bus.Queue) (*nats.ConsumerConfig, error) {
	want, err := consumerConfig(exchange, q)
	if err != nil {
		return nil, err
	}
	info, err := b.js.ConsumerInfo(exchange, q.Name)
	if err != nil {
		if !errors.Is(err, nats.ErrConsumerNotFound) {
			return nil, b.wrapConnErr(fmt.Errorf("get consumer info for %s: %w", q.Name, err))
		}
		b.log.Infof("Consumer %s not found, creating...", q.Name)
		created, err := b.js.AddConsumer(exchange, want)
		if err != nil {
			return nil, b.wrapConnErr(fmt.Errorf("create consumer %s: %w", q.Name, err))
		}
		b.log.Infof("Durable consumer %s created", q.Name)
		return &created.Config, nil
	}
	got := info.Config
	if got.AckPolicy != want.AckPolicy {
		return nil, bus.Conflict("queue", q.Name, fmt.Sprintf("ack policy %v, exists as %v", want.AckPolicy, got.AckPolicy))
	}
	if (got.InactiveThreshold > 0) != (want.InactiveThreshold > 0) {
		return nil, bus.Conflict("queue", q.Name, fmt.Sprintf("durable=%t, exists with durable=%t", q.Durable, got.InactiveThreshold == 0))
	}
	if !sameSubjects(filterSubjects(&got), filterSubjects(want)) {
		return nil, bus.Conflict("queue", q.Name, fmt.Sprintf("bindings %v, exists as %v", filterSubjects(want), filterSubjects(&got)))
	}
	b.log.Debugf("Durable consumer %s already exists.", q.Name)
	return &got, nil
}

// Publish sends msg and waits for the stream to store it, bounded by ctx.
// Nothing is sent unless the connection is up.
func (b *Bus) Publish(ctx context.Context, exchange, routingKey string, msg bus.Message) error {
	if err := bus.ValidateRoutingKey(routingKey); err != nil {
		return err
	}
	if status := b.nc.Status(); status != nats.CONNECTED {
		return fmt.Errorf("%w: connection is %v", bus.ErrClosed, status)
	}
	m := nats.NewMsg(subjectFor(exchange, routingKey))
	m.Data = msg.Body
	if msg.ContentType != "" {
		m.Header.Set(contentTypeHeader, msg.ContentType)
	}
	if msg.MessageID != "" {
		m.Header.Set(nats.MsgIdHdr, msg.MessageID)
	}
	if msg.Persistent {
		m.Header.Set(deliveryModeHdr, "persistent")
	}
	var opts []nats.PubOpt
	if _, ok := ctx.Deadline(); ok {
		opts = append(opts, nats.Context(ctx))
	}
	if _, err := b.js.PublishMsg(m, opts...); err != nil {
		if errors.Is(err, nats.ErrNoStreamResponse) {
			return fmt.Errorf("%w: %q", bus.ErrUnknownExchange, exchange)
		}
		return b.wrapConnErr(fmt.Errorf("publish %s: %w", m.Subject, err))
	}
	return nil
}

// Consume binds a pull subscription to the queue's durable consumer.
func (b *Bus) Consume(ctx context.Context, queue string, prefetch int) (bus.Subscription, error) {
	if prefetch < 1 {
		prefetch = 1
	}
	b.mu.Lock()
	qb, ok := b.queues[queue]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (declare the topology first)", bus.ErrUnknownQueue, queue)
	}
	// The bind is rejected unless subject matches the consumer's filter.
	psub, err := b.js.PullSubscribe(qb.subject, queue, nats.Bind(qb.stream, queue))
	if err != nil {
		return nil, b.wrapConnErr(fmt.Errorf("bind pull subscription to %s: %w", queue, err))
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &subscription{
		nc:         b.nc,
		psub:       psub,
		prefix:     qb.stream + ".",
		fetchWait:  b.fetchWait,
		slots:      make(chan struct{}, prefetch),
		deliveries: make(chan bus.Delivery),
		cancel:     cancel,
		stopped:    make(chan struct{}),
		log:        b.log.WithField("queue", queue),
	}
	go s.run(ctx)
	return s, nil
}

// Close drains the connection if the Bus opened it.
func (b *Bus) Close() error {
	if !b.ownsConn {
		return nil
	}
	if b.nc.IsClosed() {
		return nil
	}
	if b.nc.Status() != nats.CONNECTED {
		// Drain needs a live connection.
		b.nc.Close()
		return nil
	}
	return b.nc.Drain()
}

func (b *Bus) wrapConnErr(err error) error {
	if !b.nc.IsConnected() || isConnErr(err) {
		return fmt.Errorf("%w: %v", bus.ErrClosed, err)
	}
	return err
}

// isConnErr reports whether err means the connection, not the request, failed.
func isConnErr(err error) bool {
	return errors.Is(err, nats.ErrConnectionClosed) ||
		errors.Is(err, nats.ErrConnectionDraining) ||
		errors.Is(err, nats.ErrConnectionReconnecting) ||
		errors.Is(err, nats.ErrDisconnected) ||
		errors.Is(err, nats.ErrReconnectBufExceeded)
}

func streamConfig(ex bus.Exchange) *nats.StreamConfig {
	storage := nats.FileStorage
	if !ex.Durable {
		storage = nats.MemoryStorage
	}
	return &nats.StreamConfig{
		Name:        ex.Name,
		Description: "topic exchange " + ex.Name,
		Subjects:    []string{ex.Name + ".>"},
		Retention:   nats.InterestPolicy,
		Storage:     storage,
	}
}

func consumerConfig(exchange string, q bus.Queue) (*nats.ConsumerConfig, error) {
	subjects := make([]string, 0, len(q.Bindings))
	for _, raw := range q.Bindings {
		s, err := FilterSubject(exchange, raw)
		if err != nil {
			return nil, fmt.Errorf("queue %q: %w", q.Name, err)
		}
		subjects = append(subjects, s)
	}
	cfg := &nats.ConsumerConfig{
		Durable:       q.Name,
		Description:   "queue " + q.Name,
		AckPolicy:     nats.AckExplicitPolicy,
		DeliverPolicy: nats.DeliverAllPolicy,
		ReplayPolicy:  nats.ReplayInstantPolicy,
	}
	if len(subjects) == 1 {
		cfg.FilterSubject = subjects[0]
	} else {
		cfg.FilterSubjects = subjects
	}
	if !q.Durable {
		cfg.InactiveThreshold = transientQueueTTL
	}
	return cfg, nil
}

// FilterSubject translates a binding pattern into a NATS filter subject. A
// trailing "#" becomes ">", which needs at least one word where AMQP accepts
// zero; "#" anywhere else has no NATS equivalent.
func FilterSubject(exchange, pattern string) (string, error) {
	p, err := bus.ParsePattern(pattern)
	if err != nil {
		return "", err
	}
	words := p.Words()
	for i, w := range words {
		if w != bus.TailWildcard {
			continue
		}
		if i != len(words)-1 {
			return "", fmt.Errorf("pattern %q: %q is only supported as the last word", pattern, bus.TailWildcard)
		}
		words[i] = ">"
	}
	return exchange + "." + strings.Join(words, "."), nil
}

func subjectFor(exchange, routingKey string) string {
	return exchange + "." + routingKey
}

func filterSubjects(cfg *nats.ConsumerConfig) []string {
	out := make([]string, 0, len(cfg.FilterSubjects)+1)
	if cfg.FilterSubject != "" {
		out = append(out, cfg.FilterSubject)
	}
	return append(out, cfg.FilterSubjects...)
}

func sameSubjects(a, b []string) bool {
	a, b = slices.Clone(a), slices.Clone(b)
	slices.Sort(a)
	slices.Sort(b)
	return slices.Equal(a, b)
}

func validateName(name string) error {
	if strings.ContainsAny(name, ".*> \t\r\n/\\") {
		return fmt.Errorf("name %q is not a valid stream or consumer name", name)
	}
	return nil
}
