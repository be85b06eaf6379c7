// Package worker runs one checkout consumer next to its /metrics and /health
// endpoints.
package worker

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"

	"Checkout-Event-Pipeline/pkg/config"
	"Checkout-Event-Pipeline/pkg/consumer"
	"Checkout-Event-Pipeline/pkg/logging"
	"Checkout-Event-Pipeline/pkg/metrics"
)

const readHeaderTimeout = 5 * time.Second

type Worker struct {
	cfg    config.Config
	log    *logrus.Entry
	sup    *consumer.Supervisor
	router *mux.Router
}

// New builds a worker consuming cc.Queue with h. dial is called for every
// (re)connection.
func New(cfg config.Config, log *logrus.Entry, m *metrics.Metrics, cc consumer.Config, h consumer.Handler, dial consumer.Dialer) *Worker {
	log = logging.OrDefault(log)
	w := &Worker{
		cfg: cfg,
		log: log,
		sup: &consumer.Supervisor{
			Config:      cc,
			Dial:        dial,
			Handler:     h,
			Log:         log,
			Metrics:     m,
			MaxInterval: cfg.ReconnectMaxInterval,
		},
		router: mux.NewRouter(),
	}
	w.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	w.router.HandleFunc("/health", w.health).Methods(http.MethodGet)
	return w
}

// Handle adds a GET route. Call it before Run.
func (w *Worker) Handle(path string, h http.Handler) {
	w.router.Handle(path, h).Methods(http.MethodGet)
}

func (w *Worker) Router() http.Handler { return w.router }

// State is the consumer loop state.
func (w *Worker) State() consumer.State { return w.sup.State() }

func (w *Worker) health(rw http.ResponseWriter, _ *http.Request) {
	state := w.sup.State()
	status, code := "ok", http.StatusOK
	if state == consumer.StateStopped {
		status, code = "reconnecting", http.StatusServiceUnavailable
	}
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(code)
	if err := json.NewEncoder(rw).Encode(map[string]string{
		"status":         status,
		"consumer_state": state.String(),
	}); err != nil {
		w.log.WithError(err).Error("Failed to write health response")
	}
}

// Run consumes until ctx is cancelled, then stops the HTTP server. It
// returns the consumer's error if it gives up on its own.
func (w *Worker) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + w.cfg.HTTP.MetricsPort,
		Handler:           w.router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	var lifecycle conc.WaitGroup
	lifecycle.Go(func() {
		w.log.WithField("port", w.cfg.HTTP.MetricsPort).Info("Starting metrics server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			// The consumer keeps running without its metrics server.
			w.log.WithError(err).Error("Metrics server ListenAndServe error")
		}
	})

	err := w.sup.Run(ctx)
	if err != nil {
		w.log.WithError(err).Error("Consumer stopped")
	} else {
		w.log.Info("Consumer stopped")
	}

	shutdownTimeout := w.cfg.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if serr := srv.Shutdown(ctxShutdown); serr != nil {
		w.log.WithError(serr).Error("Metrics server shutdown error")
	}
	lifecycle.Wait()
	return err
}
