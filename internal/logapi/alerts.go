package logapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/loglimit/internal/fanout"
	"github.com/linnemanlabs/loglimit/internal/limits"
)

func alertIDParam(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.Int64("loglimit.alert.id", id))
	return id, true
}

// handleReplayAlert re-runs the fan-out for a stored alert. Subscribers that
// already have a delivery record are skipped by the ledger.
func (a *API) handleReplayAlert(w http.ResponseWriter, r *http.Request) {
	id, ok := alertIDParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid alert id")
		return
	}

	al, found, err := a.store.GetAlert(r.Context(), id)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to load alert", "alert_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	if err := a.fanout.Submit(r.Context(), al); err != nil {
		if errors.Is(err, fanout.ErrQueueFull) {
			w.Header().Set("Retry-After", "1")
		}
		a.logger.Warn(r.Context(), "replay not queued", "alert_id", id, "error", err)
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	a.logger.Info(r.Context(), "alert replay queued", "alert_id", id, "log_limit_id", al.LogLimitID)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"alert_id": id,
		"status":   "queued",
	})
}

func (a *API) handleListDeliveries(w http.ResponseWriter, r *http.Request) {
	id, ok := alertIDParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid alert id")
		return
	}

	recs, err := a.store.ListDeliveries(r.Context(), id)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to list deliveries", "alert_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if recs == nil {
		recs = []limits.DeliveryRecord{}
	}

	trace.SpanFromContext(r.Context()).SetAttributes(attribute.Int("loglimit.deliveries", len(recs)))
	writeJSON(w, http.StatusOK, map[string]any{
		"alert_id":   id,
		"deliveries": recs,
	})
}
