// Package pgstore provides the PostgreSQL implementation of fanout.Store and
// the log record write path.
package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/loglimit/internal/fanout"
	"github.com/linnemanlabs/loglimit/internal/limits"
)

var tracer = otel.Tracer("github.com/linnemanlabs/loglimit/internal/pgstore")

//go:embed schema.sql
var schema string

// uniqueViolation is the SQLSTATE for a unique constraint violation.
const uniqueViolation = "23505"

// Store reads subscribers and alerts and records deliveries in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New returns a Store backed by pool. The caller owns the pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// ApplySchema creates the tables, functions and notify trigger if missing.
func ApplySchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

const subscriberColumns = `id, log_limit_id, notification_type, notification_address, created_at`

// LookupSubscribers returns every subscriber registered against al's limit.
func (s *Store) LookupSubscribers(ctx context.Context, al *limits.Alert) ([]limits.Subscriber, error) {
	ctx, span := tracer.Start(ctx, "pgstore.LookupSubscribers", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
		attribute.Int64("loglimit.log_limit.id", al.LogLimitID),
	))
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT `+subscriberColumns+` FROM notification_lookup WHERE log_limit_id = $1`,
		al.LogLimitID,
	)
	if err != nil {
		err = classify("query subscribers", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	defer rows.Close()

	var subs []limits.Subscriber
	for rows.Next() {
		var sub limits.Subscriber
		if err := rows.Scan(&sub.ID, &sub.LogLimitID, &sub.NotificationType, &sub.NotificationAddress, &sub.CreatedAt); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("scan subscriber: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		err = classify("iterate subscribers", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.Int("loglimit.subscribers", len(subs)))
	return subs, nil
}

// GetAlert retrieves a persisted alert by ID.
func (s *Store) GetAlert(ctx context.Context, id int64) (*limits.Alert, bool, error) {
	ctx, span := tracer.Start(ctx, "pgstore.GetAlert", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	var al limits.Alert
	err := s.pool.QueryRow(ctx,
		`SELECT id, log_limit_id, exceeded_value::float8, created_at FROM log_limit_alert WHERE id = $1`,
		id,
	).Scan(&al.ID, &al.LogLimitID, &al.ExceededValue, &al.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		err = classify("get alert", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, err
	}
	return &al, true, nil
}

// WithClaim implements fanout.Ledger. The insert and fn share one
// transaction; the unique constraint on (notification_lookup_id,
// log_limit_alert_id) decides the winner among concurrent claimers.
func (s *Store) WithClaim(ctx context.Context, subscriberID, alertID int64, fn fanout.ClaimFunc) (fanout.ClaimOutcome, error) {
	ctx, span := tracer.Start(ctx, "pgstore.WithClaim", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "INSERT"),
		attribute.Int64("loglimit.subscriber.id", subscriberID),
		attribute.Int64("loglimit.alert.id", alertID),
	))
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		err = fmt.Errorf("begin tx: %w: %w", limits.ErrStoreUnavailable, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	rec, err := insertClaim(ctx, tx, subscriberID, alertID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}
	if rec == nil {
		span.SetAttributes(attribute.String("loglimit.claim", fanout.AlreadyClaimed.String()))
		return fanout.AlreadyClaimed, nil
	}
	span.SetAttributes(attribute.String("loglimit.claim", fanout.Claimed.String()))

	if fn != nil {
		if err := fn(ctx, rec); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fanout.Claimed, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		err = classify("commit", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fanout.Claimed, err
	}
	return fanout.Claimed, nil
}

// insertClaim returns the new record, or nil if the pair is already claimed.
func insertClaim(ctx context.Context, tx pgx.Tx, subscriberID, alertID int64) (*limits.DeliveryRecord, error) {
	var rec limits.DeliveryRecord
	err := tx.QueryRow(ctx,
		`INSERT INTO notification_record (notification_lookup_id, log_limit_alert_id)
		 VALUES ($1, $2)
		 ON CONFLICT (notification_lookup_id, log_limit_alert_id) DO NOTHING
		 RETURNING id, notification_lookup_id, log_limit_alert_id, created_at`,
		subscriberID, alertID,
	).Scan(&rec.ID, &rec.NotificationLookupID, &rec.LogLimitAlertID, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, nil
		}
		return nil, classify("insert claim", err)
	}
	return &rec, nil
}

// ListDeliveries returns committed delivery records for alertID.
func (s *Store) ListDeliveries(ctx context.Context, alertID int64) ([]limits.DeliveryRecord, error) {
	ctx, span := tracer.Start(ctx, "pgstore.ListDeliveries", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT id, notification_lookup_id, log_limit_alert_id, created_at
		 FROM notification_record WHERE log_limit_alert_id = $1
		 ORDER BY notification_lookup_id`,
		alertID,
	)
	if err != nil {
		err = classify("query deliveries", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	recs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (limits.DeliveryRecord, error) {
		var rec limits.DeliveryRecord
		err := row.Scan(&rec.ID, &rec.NotificationLookupID, &rec.LogLimitAlertID, &rec.CreatedAt)
		return rec, err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("collect deliveries: %w", err)
	}
	return recs, nil
}

// CreateLogRecord writes one log record through create_log_record, which also
// evaluates the item's limits and raises alerts.
func (s *Store) CreateLogRecord(ctx context.Context, in *limits.NewLogRecord) (*limits.LogRecord, error) {
	ctx, span := tracer.Start(ctx, "pgstore.CreateLogRecord", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
		attribute.Int64("loglimit.log_item.id", in.LogItemID),
	))
	defer span.End()

	var (
		rec  limits.LogRecord
		unit string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, log_item_id, value::float8, unit::text, "timestamp"
		 FROM create_log_record($1::int, $2::numeric, $3::unit_enum, $4::timestamptz)`,
		in.LogItemID, in.Value, string(in.Unit), in.Timestamp,
	).Scan(&rec.ID, &rec.LogItemID, &rec.Value, &unit, &rec.Timestamp)
	if err != nil {
		err = classify("create log record", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	rec.Unit = limits.Unit(unit)
	return &rec, nil
}

// classify wraps err, marking it ErrStoreUnavailable unless the server
// answered with a SQL error.
func classify(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, limits.ErrStoreUnavailable, err)
}
