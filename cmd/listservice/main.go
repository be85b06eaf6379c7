package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"

	"Checkout-Event-Pipeline/pkg/bus/connect"
	"Checkout-Event-Pipeline/pkg/checkout"
	"Checkout-Event-Pipeline/pkg/config"
	"Checkout-Event-Pipeline/pkg/listing"
	"Checkout-Event-Pipeline/pkg/logging"
	"Checkout-Event-Pipeline/pkg/metrics"
)

const (
	connectTimeout    = time.Minute
	readHeaderTimeout = 5 * time.Second
)

var log *logrus.Entry

func main() {
	cfg := config.Load("listservice")
	log = logging.Setup(cfg)

	log.WithField("driver", cfg.Bus.Driver).Info("Starting ListService...")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Declares the same exchange and queues as the workers, so events
	// published before a worker first starts are kept.
	b, err := connect.OpenWithRetry(ctx, cfg, log, connectTimeout)
	if err != nil {
		log.WithError(err).Fatal("Failed to connect to broker")
	}

	m := metrics.New(prometheus.DefaultRegisterer)
	publisher := checkout.NewPublisher(b, cfg.Bus.Exchange, log, m,
		checkout.WithTimeout(cfg.Bus.PublishTimeout),
	)
	api := listing.NewAPI(listing.NewStore(listing.Seed()...), publisher, log, promhttp.Handler())

	httpSrv := &http.Server{
		Addr:              ":" + cfg.HTTP.Port,
		Handler:           api.Router(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	var lifecycle conc.WaitGroup
	lifecycle.Go(func() {
		log.Infof("ListService HTTP server starting on port %s", cfg.HTTP.Port)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("ListService HTTP server ListenAndServe error")
		}
	})

	<-ctx.Done()
	log.Info("ListService shutting down...")

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelShutdown()

	if err := httpSrv.Shutdown(ctxShutdown); err != nil {
		log.WithError(err).Error("ListService HTTP server shutdown error")
	}
	lifecycle.Wait()

	log.Info("Closing broker connection...")
	if err := b.Close(); err != nil {
		log.WithError(err).Error("Error closing broker connection")
	}

	log.Info("ListService shut down.")
}
