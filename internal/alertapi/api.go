// Package alertapi exposes the relay over HTTP.
package alertapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/alertrelay/internal/relay"
)

// RelayService defines the business operations alertapi needs.
type RelayService interface {
	Submit(ctx context.Context, source, message string) (*relay.SubmitResult, error)
	Get(ctx context.Context, id string) (*relay.Alert, bool, error)
	List(ctx context.Context, f relay.Filter) ([]*relay.Alert, error)
	Redrive(ctx context.Context, id string) error
	Trigger(ctx context.Context, id string, kind relay.ActionKind) (*relay.Action, error)
	Recommend(ctx context.Context, id string) (string, error)
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	svc    RelayService
}

// New creates a new API handler.
func New(logger log.Logger, svc RelayService) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("relay service is required"))
	}
	return &API{
		logger: logger,
		svc:    svc,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/alerts", a.handleSubmitAlert)
		r.Get("/alerts", a.handleListAlerts)
		r.Route("/alerts/{id}", func(r chi.Router) {
			r.Get("/", a.handleGetAlert)
			r.Post("/redrive", a.handleRedrive)
			r.Post("/actions/{kind}", a.handleTrigger)
			r.Get("/recommendation", a.handleRecommendation)
		})
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// fail maps service errors onto HTTP statuses. Unexpected errors are logged
// and their details withheld from the client.
func (a *API) fail(w http.ResponseWriter, r *http.Request, err error, msg string, kv ...any) {
	switch {
	case errors.Is(err, relay.ErrInvalidAlert):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, relay.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, relay.ErrNotRouted), errors.Is(err, relay.ErrNotRedrivable):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, relay.ErrNoRecommender):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, relay.ErrStoreUnavailable):
		a.logger.Error(r.Context(), err, msg, kv...)
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
	default:
		a.logger.Error(r.Context(), err, msg, kv...)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
