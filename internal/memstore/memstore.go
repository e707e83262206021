// Package memstore provides an in-memory implementation of fanout.Store and
// the log record store. Suitable for dev/testing.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/linnemanlabs/loglimit/internal/fanout"
	"github.com/linnemanlabs/loglimit/internal/limits"
)

type claimKey struct {
	subscriberID int64
	alertID      int64
}

// claim is a held delivery slot. A pending claim blocks other claimers the
// same way an uncommitted unique row does: they wait for it to settle, then
// see either the committed record or a free slot.
type claim struct {
	rec       limits.DeliveryRecord
	committed bool
	settled   chan struct{}
}

// Store holds subscribers, alerts, delivery claims and log records in memory.
type Store struct {
	mu          sync.RWMutex
	subscribers map[int64]limits.Subscriber
	alerts      map[int64]limits.Alert
	claims      map[claimKey]*claim
	records     []limits.LogRecord
	nextID      int64
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		subscribers: make(map[int64]limits.Subscriber),
		alerts:      make(map[int64]limits.Alert),
		claims:      make(map[claimKey]*claim),
	}
}

// AddSubscriber registers sub. A zero ID is assigned from the store sequence.
func (s *Store) AddSubscriber(sub limits.Subscriber) limits.Subscriber {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub.ID == 0 {
		sub.ID = s.next()
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}
	s.subscribers[sub.ID] = sub
	return sub
}

// PutAlert stores a copy of al so it can be replayed.
func (s *Store) PutAlert(al *limits.Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts[al.ID] = *al
}

// LookupSubscribers returns copies of the subscribers for al's limit.
func (s *Store) LookupSubscribers(_ context.Context, al *limits.Alert) ([]limits.Subscriber, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []limits.Subscriber
	for _, sub := range s.subscribers {
		if sub.LogLimitID == al.LogLimitID {
			out = append(out, sub)
		}
	}
	return out, nil
}

// GetAlert retrieves an alert by ID. Returns a copy.
func (s *Store) GetAlert(_ context.Context, id int64) (*limits.Alert, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	al, ok := s.alerts[id]
	if !ok {
		return nil, false, nil
	}
	return &al, true, nil
}

// WithClaim implements fanout.Ledger. The claim is held from insert until fn
// returns; it is committed on success and released otherwise, including when
// fn panics. A caller that meets a pending claim waits for it to settle.
func (s *Store) WithClaim(ctx context.Context, subscriberID, alertID int64, fn fanout.ClaimFunc) (fanout.ClaimOutcome, error) {
	key := claimKey{subscriberID: subscriberID, alertID: alertID}

	var c *claim
	for c == nil {
		s.mu.Lock()
		held, ok := s.claims[key]
		switch {
		case !ok:
			c = &claim{
				rec: limits.DeliveryRecord{
					ID:                   s.next(),
					NotificationLookupID: subscriberID,
					LogLimitAlertID:      alertID,
					CreatedAt:            time.Now().UTC(),
				},
				settled: make(chan struct{}),
			}
			s.claims[key] = c
			s.mu.Unlock()
		case held.committed:
			s.mu.Unlock()
			return fanout.AlreadyClaimed, nil
		default:
			s.mu.Unlock()
			select {
			case <-held.settled:
			case <-ctx.Done():
				return 0, fmt.Errorf("wait for pending claim: %w", ctx.Err())
			}
		}
	}

	committed := false
	defer func() {
		s.mu.Lock()
		if !committed {
			delete(s.claims, key)
		}
		close(c.settled)
		s.mu.Unlock()
	}()

	if fn != nil {
		rec := c.rec
		if err := fn(ctx, &rec); err != nil {
			return fanout.Claimed, err
		}
	}

	s.mu.Lock()
	c.committed = true
	s.mu.Unlock()
	committed = true
	return fanout.Claimed, nil
}

// ListDeliveries returns committed records for alertID ordered by subscriber.
func (s *Store) ListDeliveries(_ context.Context, alertID int64) ([]limits.DeliveryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []limits.DeliveryRecord
	for key, c := range s.claims {
		if key.alertID == alertID && c.committed {
			out = append(out, c.rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].NotificationLookupID < out[j].NotificationLookupID
	})
	return out, nil
}

// CreateLogRecord stores a log record. Limit evaluation only happens in the
// PostgreSQL store.
func (s *Store) CreateLogRecord(_ context.Context, in *limits.NewLogRecord) (*limits.LogRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := limits.LogRecord{
		ID:        s.next(),
		LogItemID: in.LogItemID,
		Value:     in.Value,
		Unit:      in.Unit,
		Timestamp: in.Timestamp,
	}
	s.records = append(s.records, rec)
	return &rec, nil
}

// next returns the next sequence value. Caller must hold s.mu.
func (s *Store) next() int64 {
	s.nextID++
	return s.nextID
}
