package limits

import (
	"fmt"
	"strings"
	"time"
)

// Unit is the measurement unit of a log record value.
type Unit string

const (
	// UnitGrams measures mass.
	UnitGrams Unit = "grams"

	// UnitLiters measures volume.
	UnitLiters Unit = "liters"
)

// ParseUnit normalizes s to a known Unit. Matching is case-insensitive.
func ParseUnit(s string) (Unit, error) {
	switch u := Unit(strings.ToLower(strings.TrimSpace(s))); u {
	case UnitGrams, UnitLiters:
		return u, nil
	default:
		return "", fmt.Errorf("unknown unit %q", s)
	}
}

// Frequency is the window a log limit is evaluated over.
type Frequency string

const (
	FrequencyDay   Frequency = "day"
	FrequencyWeek  Frequency = "week"
	FrequencyMonth Frequency = "month"
	FrequencyYear  Frequency = "year"
)

// Alert is raised when the sum of log records for an item exceeds a limit.
// It is produced by the database and is never written back by this service.
type Alert struct {
	ID            int64     `json:"id"`
	LogLimitID    int64     `json:"log_limit_id"`
	ExceededValue float64   `json:"exceeded_value"`
	CreatedAt     time.Time `json:"created_at"`
}

// Subscriber is a standing request to be told about alerts for one limit.
type Subscriber struct {
	ID                  int64     `json:"id"`
	LogLimitID          int64     `json:"log_limit_id"`
	NotificationType    string    `json:"notification_type"`
	NotificationAddress string    `json:"notification_address"`
	CreatedAt           time.Time `json:"created_at"`
}

// DeliveryRecord proves an alert was delivered to a subscriber.
// At most one exists per (NotificationLookupID, LogLimitAlertID).
type DeliveryRecord struct {
	ID                   int64     `json:"id"`
	NotificationLookupID int64     `json:"notification_lookup_id"`
	LogLimitAlertID      int64     `json:"log_limit_alert_id"`
	CreatedAt            time.Time `json:"created_at"`
}

// LogRecord is one measured value for a tracked item.
type LogRecord struct {
	ID        int64     `json:"id"`
	LogItemID int64     `json:"log_item_id"`
	Value     float64   `json:"value"`
	Unit      Unit      `json:"unit"`
	Timestamp time.Time `json:"timestamp"`
}

// NewLogRecord is the input to a log record write.
type NewLogRecord struct {
	LogItemID int64
	Value     float64
	Unit      Unit
	Timestamp time.Time
}
