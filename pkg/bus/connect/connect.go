// Package connect opens the configured bus driver and declares the checkout
// topology on it.
package connect

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"

	"Checkout-Event-Pipeline/pkg/bus"
	"Checkout-Event-Pipeline/pkg/bus/amqpbus"
	"Checkout-Event-Pipeline/pkg/bus/memory"
	"Checkout-Event-Pipeline/pkg/bus/natsbus"
	"Checkout-Event-Pipeline/pkg/checkout"
	"Checkout-Event-Pipeline/pkg/config"
	"Checkout-Event-Pipeline/pkg/logging"
)

// ErrUnknownDriver is returned for an unsupported BUS_DRIVER value.
var ErrUnknownDriver = errors.New("connect: unknown bus driver")

// Open dials the driver named in cfg once and declares the shared topology.
// A topology conflict closes the connection and is returned as is.
func Open(ctx context.Context, cfg config.Config, log *logrus.Entry) (bus.Bus, error) {
	log = logging.OrDefault(log)
	b, err := dial(cfg, log)
	if err != nil {
		return nil, err
	}
	topo := checkout.Topology(cfg.Bus.Exchange)
	if err := b.DeclareTopology(ctx, topo); err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("declare topology on %s: %w", cfg.Bus.Driver, err)
	}
	log.WithFields(logrus.Fields{
		"driver":   cfg.Bus.Driver,
		"exchange": topo.Exchange.Name,
	}).Info("Broker topology declared")
	return b, nil
}

// OpenWithRetry calls Open until it succeeds, ctx ends or maxElapsed passes.
// Topology conflicts and unknown drivers are not retried.
func OpenWithRetry(ctx context.Context, cfg config.Config, log *logrus.Entry, maxElapsed time.Duration) (bus.Bus, error) {
	log = logging.OrDefault(log)
	expo := backoff.NewExponentialBackOff()
	if cfg.ReconnectMaxInterval > 0 {
		expo.MaxInterval = cfg.ReconnectMaxInterval
	}
	return backoff.Retry(ctx, func() (bus.Bus, error) {
		b, err := Open(ctx, cfg, log)
		if err != nil && (errors.Is(err, bus.ErrTopologyConflict) || errors.Is(err, ErrUnknownDriver)) {
			return nil, backoff.Permanent(err)
		}
		return b, err
	},
		backoff.WithBackOff(expo),
		backoff.WithMaxElapsedTime(maxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.WithError(err).WithField("retry_in", next.String()).Warn("Broker unavailable; retrying")
		}),
	)
}

func dial(cfg config.Config, log *logrus.Entry) (bus.Bus, error) {
	switch cfg.Bus.Driver {
	case config.DriverNATS:
		b, err := natsbus.Connect(cfg.Bus.NatsURL, cfg.ServiceName,
			natsbus.WithFetchWait(cfg.Bus.FetchWait),
			natsbus.WithLogger(log),
		)
		if err != nil {
			return nil, err
		}
		return b, nil
	case config.DriverAMQP:
		b, err := amqpbus.Dial(cfg.Bus.AmqpURL, log)
		if err != nil {
			return nil, err
		}
		return b, nil
	case config.DriverMemory:
		log.Warn("Using the in-process memory bus; events do not leave this process")
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Bus.Driver)
	}
}
