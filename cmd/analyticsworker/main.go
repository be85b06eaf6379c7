package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"Checkout-Event-Pipeline/pkg/analytics"
	"Checkout-Event-Pipeline/pkg/bus"
	"Checkout-Event-Pipeline/pkg/bus/connect"
	"Checkout-Event-Pipeline/pkg/checkout"
	"Checkout-Event-Pipeline/pkg/config"
	"Checkout-Event-Pipeline/pkg/consumer"
	"Checkout-Event-Pipeline/pkg/logging"
	"Checkout-Event-Pipeline/pkg/metrics"
	"Checkout-Event-Pipeline/pkg/worker"
)

var log *logrus.Entry

func main() {
	cfg := config.Load("analyticsworker")
	log = logging.Setup(cfg)

	log.WithFields(logrus.Fields{
		"driver":  cfg.Bus.Driver,
		"queue":   checkout.AnalyticsQueue,
		"binding": checkout.BindingPattern,
	}).Info("Starting AnalyticsWorker...")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New(prometheus.DefaultRegisterer)
	agg := analytics.New(log, m)

	w := worker.New(cfg, log, m,
		consumer.Config{
			Name:     "analytics",
			Queue:    checkout.AnalyticsQueue,
			Prefetch: cfg.Bus.Prefetch,
		},
		agg,
		func(ctx context.Context) (bus.Bus, error) { return connect.Open(ctx, cfg, log) },
	)
	w.Handle("/stats", agg)

	runErr := w.Run(ctx)

	// The aggregate lives only in memory; dump it before exiting.
	if report, err := agg.MarshalReport(); err != nil {
		log.WithError(err).Error("Failed to render final statistics")
	} else {
		log.WithField("stats", string(report)).Info("Final statistics")
	}

	if runErr != nil {
		log.WithError(runErr).Fatal("Worker error occurred")
	}
	log.Info("AnalyticsWorker shut down")
}
