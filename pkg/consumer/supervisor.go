package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"

	"Checkout-Event-Pipeline/pkg/bus"
	"Checkout-Event-Pipeline/pkg/logging"
	"Checkout-Event-Pipeline/pkg/metrics"
)

const defaultMaxReconnectInterval = 30 * time.Second

// Dialer opens a broker connection with the topology already declared.
type Dialer func(ctx context.Context) (bus.Bus, error)

// Supervisor keeps a Loop running across lost connections: after a
// disconnect it closes the old connection, redials with exponential backoff
// and resubscribes.
type Supervisor struct {
	Config      Config
	Dial        Dialer
	Handler     Handler
	Log         *logrus.Entry
	Metrics     *metrics.Metrics
	MaxInterval time.Duration // Cap between attempts.
	MinInterval time.Duration // First wait; backoff default when zero.

	current  atomic.Pointer[Loop]
	attempts atomic.Int64
}

// State reports the state of the running loop, STOPPED between connections.
func (s *Supervisor) State() State {
	if l := s.current.Load(); l != nil {
		return l.State()
	}
	return StateStopped
}

// Connections returns how many times Dial has succeeded.
func (s *Supervisor) Connections() int64 { return s.attempts.Load() }

// Run returns nil once ctx is cancelled. Topology conflicts and any error
// other than a lost connection are returned immediately.
func (s *Supervisor) Run(ctx context.Context) error {
	log := logging.OrDefault(s.Log).WithField("consumer", s.Config.Name)
	maxInterval := s.MaxInterval
	if maxInterval <= 0 {
		maxInterval = defaultMaxReconnectInterval
	}
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = maxInterval
	if s.MinInterval > 0 {
		backoffCfg.InitialInterval = s.MinInterval
	}

	for {
		err := s.runOnce(ctx, log)
		if ctx.Err() != nil {
			return nil
		}
		switch {
		case err == nil:
			return nil
		case errors.Is(err, bus.ErrTopologyConflict):
			return err
		case errors.Is(err, ErrDisconnected):
			if l := s.current.Load(); l != nil && l.Handled() > 0 {
				backoffCfg.Reset()
			}
		default:
			return err
		}

		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			sleep = maxInterval
		}
		log.WithError(err).WithField("retry_in", sleep.String()).Warn("Consumer disconnected; reconnecting")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(sleep):
		}
	}
}

func (s *Supervisor) runOnce(ctx context.Context, log *logrus.Entry) error {
	s.current.Store(nil)
	b, err := s.Dial(ctx)
	if err != nil {
		if errors.Is(err, bus.ErrTopologyConflict) {
			return err
		}
		return fmt.Errorf("%w: dial: %w", ErrDisconnected, err)
	}
	s.attempts.Add(1)
	defer func() {
		if err := b.Close(); err != nil {
			log.WithError(err).Warn("Error closing broker connection")
		}
	}()

	loop := New(s.Config, b, s.Handler, s.Log, s.Metrics)
	s.current.Store(loop)
	return loop.Run(ctx)
}
