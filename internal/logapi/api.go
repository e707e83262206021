// Package logapi serves the log record intake endpoint and the operator
// endpoints for replaying alerts and inspecting their deliveries.
package logapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/loglimit/internal/limits"
)

// Store defines the persistence operations logapi needs.
type Store interface {
	CreateLogRecord(ctx context.Context, in *limits.NewLogRecord) (*limits.LogRecord, error)
	GetAlert(ctx context.Context, id int64) (*limits.Alert, bool, error)
	ListDeliveries(ctx context.Context, alertID int64) ([]limits.DeliveryRecord, error)
}

// Submitter queues an alert for fan-out.
type Submitter interface {
	Submit(ctx context.Context, al *limits.Alert) error
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	store  Store
	fanout Submitter
}

// New creates a new API handler.
func New(logger log.Logger, store Store, fanout Submitter) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if store == nil {
		panic(xerrors.New("store is required"))
	}
	if fanout == nil {
		panic(xerrors.New("fanout submitter is required"))
	}
	return &API{
		logger: logger,
		store:  store,
		fanout: fanout,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Post("/log_record", a.handleCreateLogRecord)
	r.Post("/api/v1/alerts/{id}/replay", a.handleReplayAlert)
	r.Get("/api/v1/alerts/{id}/deliveries", a.handleListDeliveries)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
