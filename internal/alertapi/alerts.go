package alertapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/alertrelay/internal/relay"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000

	// driveTimeout bounds a redrive or manual trigger once it is detached
	// from the request.
	driveTimeout = 5 * time.Minute
)

// detached keeps request values (logger, trace) but not its cancellation, so
// a client hanging up does not abort deliveries mid-attempt.
func detached(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(r.Context()), driveTimeout)
}

type submitRequest struct {
	Source  string `json:"source"`
	Message string `json:"message"`
}

type submitResponse struct {
	AlertID  string         `json:"alert_id"`
	Severity relay.Severity `json:"severity"`
	Status   relay.Status   `json:"status"`
}

func (a *API) handleSubmitAlert(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	res, err := a.svc.Submit(r.Context(), req.Source, req.Message)
	if err != nil {
		a.fail(w, r, err, "failed to submit alert", "source", req.Source)
		return
	}

	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.String("alertrelay.alert.id", res.ID),
		attribute.String("alertrelay.alert.severity", string(res.Severity)),
	)

	writeJSON(w, http.StatusAccepted, submitResponse{AlertID: res.ID, Severity: res.Severity, Status: res.Status})
}

func (a *API) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	alerts, err := a.svc.List(r.Context(), f)
	if err != nil {
		a.fail(w, r, err, "failed to list alerts")
		return
	}
	if alerts == nil {
		alerts = []*relay.Alert{}
	}
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.Int("alertrelay.alerts.count", len(alerts)))

	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

func (a *API) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("alertrelay.alert.id", id))

	al, ok, err := a.svc.Get(r.Context(), id)
	if err != nil {
		a.fail(w, r, err, "failed to get alert", "alert_id", id)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	span.SetAttributes(attribute.String("alertrelay.alert.status", string(al.Status)))
	writeJSON(w, http.StatusOK, al)
}

func (a *API) handleRedrive(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("alertrelay.alert.id", id))

	ctx, cancel := detached(r)
	defer cancel()

	if err := a.svc.Redrive(ctx, id); err != nil {
		a.fail(w, r, err, "failed to redrive alert", "alert_id", id)
		return
	}

	al, ok, err := a.svc.Get(ctx, id)
	if err != nil || !ok {
		writeJSON(w, http.StatusAccepted, map[string]string{"alert_id": id})
		return
	}
	writeJSON(w, http.StatusAccepted, al)
}

func (a *API) handleTrigger(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	kind := chi.URLParam(r, "kind")
	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.String("alertrelay.alert.id", id),
		attribute.String("alertrelay.action.kind", kind),
	)

	ctx, cancel := detached(r)
	defer cancel()

	act, err := a.svc.Trigger(ctx, id, relay.ActionKind(kind))
	if err != nil {
		a.fail(w, r, err, "failed to trigger action", "alert_id", id, "kind", kind)
		return
	}
	writeJSON(w, http.StatusOK, act)
}

func (a *API) handleRecommendation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("alertrelay.alert.id", id))

	rec, err := a.svc.Recommend(r.Context(), id)
	if err != nil {
		if !errors.Is(err, relay.ErrNotFound) && !errors.Is(err, relay.ErrNoRecommender) && !errors.Is(err, relay.ErrStoreUnavailable) {
			// upstream model failure
			a.logger.Error(r.Context(), err, "recommendation failed", "alert_id", id)
			writeError(w, http.StatusBadGateway, "recommendation unavailable")
			return
		}
		a.fail(w, r, err, "failed to recommend", "alert_id", id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"alert_id": id, "recommendation": rec})
}

// parseFilter reads list query parameters. Dates accept RFC 3339 or
// YYYY-MM-DD; a bare end_date includes that whole day.
func parseFilter(r *http.Request) (relay.Filter, error) {
	q := r.URL.Query()
	f := relay.Filter{
		Severity: strings.TrimSpace(q.Get("severity")),
		Source:   strings.TrimSpace(q.Get("source")),
		Limit:    defaultListLimit,
	}

	if v := q.Get("status"); v != "" {
		for _, s := range strings.Split(v, ",") {
			st, ok := relay.ParseStatus(strings.TrimSpace(s))
			if !ok {
				return f, fmt.Errorf("invalid status %q", s)
			}
			f.Statuses = append(f.Statuses, st)
		}
	}

	var err error
	if v := q.Get("start_date"); v != "" {
		if f.CreatedFrom, _, err = parseDate(v); err != nil {
			return f, fmt.Errorf("invalid start_date: %w", err)
		}
	}
	if v := q.Get("end_date"); v != "" {
		var dateOnly bool
		if f.CreatedTo, dateOnly, err = parseDate(v); err != nil {
			return f, fmt.Errorf("invalid end_date: %w", err)
		}
		if dateOnly {
			f.CreatedTo = f.CreatedTo.Add(24*time.Hour - time.Nanosecond)
		}
	}
	if !f.CreatedFrom.IsZero() && !f.CreatedTo.IsZero() && f.CreatedTo.Before(f.CreatedFrom) {
		return f, fmt.Errorf("end_date is before start_date")
	}

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxListLimit {
			return f, fmt.Errorf("limit must be between 1 and %d", maxListLimit)
		}
		f.Limit = n
	}
	return f, nil
}

func parseDate(v string) (time.Time, bool, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), false, nil
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("want RFC 3339 or YYYY-MM-DD, got %q", v)
	}
	return t, true, nil
}
