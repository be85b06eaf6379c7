package listing

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"Checkout-Event-Pipeline/pkg/checkout"
	"Checkout-Event-Pipeline/pkg/logging"
)

const (
	serviceName    = "List Service"
	serviceVersion = "1.0.0"
)

// API serves the list endpoints.
type API struct {
	store     *Store
	publisher Publisher
	log       *logrus.Entry
	metrics   http.Handler
}

// NewAPI builds the handlers. A nil metrics handler serves the default
// Prometheus registry.
func NewAPI(store *Store, publisher Publisher, log *logrus.Entry, metrics http.Handler) *API {
	if metrics == nil {
		metrics = promhttp.Handler()
	}
	return &API{store: store, publisher: publisher, log: logging.OrDefault(log), metrics: metrics}
}

// Router returns the service routes.
func (a *API) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", a.root).Methods(http.MethodGet)
	r.HandleFunc("/health", healthCheckHandler).Methods(http.MethodGet)
	r.Handle("/metrics", a.metrics).Methods(http.MethodGet)
	r.HandleFunc("/lists", a.listAll).Methods(http.MethodGet)
	r.HandleFunc("/lists/{id:[0-9]+}", a.getList).Methods(http.MethodGet)
	r.HandleFunc("/lists/{id:[0-9]+}/checkout", a.checkoutList).Methods(http.MethodPost)
	return r
}

func (a *API) root(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"service": serviceName,
		"version": serviceVersion,
	})
}

// healthCheckHandler responds to health check requests.
func healthCheckHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type listsResponse struct {
	Total int                     `json:"total"`
	Lists []checkout.ShoppingList `json:"lists"`
}

func (a *API) listAll(w http.ResponseWriter, _ *http.Request) {
	lists := a.store.All()
	writeJSON(w, http.StatusOK, listsResponse{Total: len(lists), Lists: lists})
}

func (a *API) getList(w http.ResponseWriter, r *http.Request) {
	id, ok := listID(w, r)
	if !ok {
		return
	}
	l, err := a.store.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("List %d not found", id))
		return
	}
	writeJSON(w, http.StatusOK, l)
}

type checkoutResponse struct {
	Status     string `json:"status"`
	Message    string `json:"message"`
	ListID     int64  `json:"list_id"`
	Processing string `json:"processing"`
}

// checkoutList finalizes a list. The event is processed asynchronously by
// the workers, so success is 202 Accepted.
func (a *API) checkoutList(w http.ResponseWriter, r *http.Request) {
	id, ok := listID(w, r)
	if !ok {
		return
	}
	log := a.log.WithField("list_id", id)

	_, err := a.store.Checkout(r.Context(), id, a.publisher)
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, fmt.Sprintf("List %d not found", id))
		return
	case errors.Is(err, ErrAlreadyCompleted):
		log.Warn("Checkout rejected: list already completed")
		writeError(w, http.StatusBadRequest, "List already completed")
		return
	case errors.Is(err, checkout.ErrValidation):
		log.WithError(err).Warn("Checkout rejected: invalid list")
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	default:
		log.WithError(err).Error("Checkout failed; list reverted to active")
		writeError(w, http.StatusInternalServerError, "Failed to process checkout: "+err.Error())
		return
	}

	log.Info("Checkout accepted")
	writeJSON(w, http.StatusAccepted, checkoutResponse{
		Status:     "accepted",
		Message:    fmt.Sprintf("Checkout of list %d accepted for processing", id),
		ListID:     id,
		Processing: "async",
	})
}

func listID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid list id")
		return 0, false
	}
	return id, true
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Error("Failed to write response")
	}
}
