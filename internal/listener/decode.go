package listener

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/linnemanlabs/loglimit/internal/limits"
)

type alertPayload struct {
	ID            *int64     `json:"id"`
	LogLimitID    *int64     `json:"log_limit_id"`
	ExceededValue float64    `json:"exceeded_value"`
	CreatedAt     *time.Time `json:"created_at"`
}

// Decode parses a notification payload into an Alert. The payload must be a
// JSON object carrying positive id and log_limit_id values. A missing
// created_at is stamped with the current time.
func Decode(payload string) (*limits.Alert, error) {
	var p alertPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return nil, fmt.Errorf("%w: %w", limits.ErrDecodeFailure, err)
	}
	if p.ID == nil || *p.ID <= 0 {
		return nil, fmt.Errorf("%w: missing or invalid id", limits.ErrDecodeFailure)
	}
	if p.LogLimitID == nil || *p.LogLimitID <= 0 {
		return nil, fmt.Errorf("%w: missing or invalid log_limit_id", limits.ErrDecodeFailure)
	}

	al := &limits.Alert{
		ID:            *p.ID,
		LogLimitID:    *p.LogLimitID,
		ExceededValue: p.ExceededValue,
	}
	if p.CreatedAt != nil {
		al.CreatedAt = *p.CreatedAt
	} else {
		al.CreatedAt = time.Now().UTC()
	}
	return al, nil
}
