package fanout

import (
	"context"

	"github.com/linnemanlabs/loglimit/internal/limits"
)

// ClaimOutcome reports whether a delivery claim was taken.
type ClaimOutcome int

const (
	// Claimed means this caller inserted the delivery record.
	Claimed ClaimOutcome = iota + 1

	// AlreadyClaimed means a record for the pair already exists or is held
	// by a concurrent transaction that went on to commit. Not an error.
	AlreadyClaimed
)

func (o ClaimOutcome) String() string {
	switch o {
	case Claimed:
		return "claimed"
	case AlreadyClaimed:
		return "already_claimed"
	default:
		return "none"
	}
}

// ClaimFunc runs inside the claim's transaction. Returning an error rolls the
// claim back so the pair stays eligible for a later attempt.
type ClaimFunc func(ctx context.Context, rec *limits.DeliveryRecord) error

// Directory resolves the subscribers registered against an alert's limit.
type Directory interface {
	LookupSubscribers(ctx context.Context, al *limits.Alert) ([]limits.Subscriber, error)
}

// Ledger records at most one delivery per (subscriber, alert) pair.
type Ledger interface {
	// WithClaim inserts the delivery record for the pair and, if this caller
	// won the insert, runs fn before committing. The record only persists if
	// fn returns nil. A returned error with outcome Claimed means the claim
	// was taken and then rolled back. A caller that meets another caller's
	// pending claim on the same pair waits until it commits or rolls back.
	WithClaim(ctx context.Context, subscriberID, alertID int64, fn ClaimFunc) (ClaimOutcome, error)

	// ListDeliveries returns the committed delivery records for an alert.
	ListDeliveries(ctx context.Context, alertID int64) ([]limits.DeliveryRecord, error)
}

// AlertSource loads persisted alerts for replay.
type AlertSource interface {
	GetAlert(ctx context.Context, id int64) (*limits.Alert, bool, error)
}

// Store is everything the fan-out path reads and writes.
type Store interface {
	Directory
	Ledger
	AlertSource
}

// ClaimDelivery takes the claim for the pair with no side effect attached.
func ClaimDelivery(ctx context.Context, l Ledger, subscriberID, alertID int64) (ClaimOutcome, error) {
	return l.WithClaim(ctx, subscriberID, alertID, nil)
}
