package logapi

import (
	"encoding/json"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/loglimit/internal/limits"
)

type createLogRecordRequest struct {
	LogItemID int64   `json:"log_item_id"`
	Value     float64 `json:"value"`
	Unit      string  `json:"unit"`
	Timestamp string  `json:"timestamp"`
}

func (req *createLogRecordRequest) toNewLogRecord() (*limits.NewLogRecord, string) {
	if req.LogItemID <= 0 {
		return nil, "log_item_id must be positive"
	}
	unit, err := limits.ParseUnit(req.Unit)
	if err != nil {
		return nil, err.Error()
	}
	ts, err := time.Parse(time.RFC3339Nano, req.Timestamp)
	if err != nil {
		return nil, "timestamp must be RFC 3339"
	}
	return &limits.NewLogRecord{
		LogItemID: req.LogItemID,
		Value:     req.Value,
		Unit:      unit,
		Timestamp: ts.UTC(),
	}, ""
}

func (a *API) handleCreateLogRecord(w http.ResponseWriter, r *http.Request) {
	var req createLogRecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	in, problem := req.toNewLogRecord()
	if problem != "" {
		writeError(w, http.StatusBadRequest, problem)
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.Int64("loglimit.log_item.id", in.LogItemID))

	rec, err := a.store.CreateLogRecord(r.Context(), in)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to create log record", "log_item_id", in.LogItemID)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	span.SetAttributes(attribute.Int64("loglimit.log_record.id", rec.ID))
	writeJSON(w, http.StatusOK, rec)
}
