package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"Checkout-Event-Pipeline/pkg/bus"
	"Checkout-Event-Pipeline/pkg/bus/connect"
	"Checkout-Event-Pipeline/pkg/checkout"
	"Checkout-Event-Pipeline/pkg/config"
	"Checkout-Event-Pipeline/pkg/consumer"
	"Checkout-Event-Pipeline/pkg/logging"
	"Checkout-Event-Pipeline/pkg/metrics"
	"Checkout-Event-Pipeline/pkg/notification"
	"Checkout-Event-Pipeline/pkg/worker"
)

var log *logrus.Entry

func main() {
	cfg := config.Load("notificationworker")
	log = logging.Setup(cfg)

	log.WithFields(logrus.Fields{
		"driver":  cfg.Bus.Driver,
		"queue":   checkout.NotificationQueue,
		"binding": checkout.BindingPattern,
	}).Info("Starting NotificationWorker...")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New(prometheus.DefaultRegisterer)
	handler := notification.NewHandler(notification.LogSender{Log: log}, log)

	w := worker.New(cfg, log, m,
		consumer.Config{
			Name:     "notification",
			Queue:    checkout.NotificationQueue,
			Prefetch: cfg.Bus.Prefetch,
		},
		handler,
		func(ctx context.Context) (bus.Bus, error) { return connect.Open(ctx, cfg, log) },
	)

	if err := w.Run(ctx); err != nil {
		log.WithError(err).Fatal("Worker error occurred")
	}
	log.Info("NotificationWorker shut down")
}
