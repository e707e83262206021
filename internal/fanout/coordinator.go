package fanout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/loglimit/internal/limits"
	"github.com/linnemanlabs/loglimit/internal/postgres"
)

const (
	defaultDispatchTimeout = 10 * time.Second
	defaultConcurrency     = 16
)

// Per-subscriber delivery outcomes, used as metric labels.
const (
	OutcomeDelivered   = "delivered"
	OutcomeSkipped     = "already_claimed"
	OutcomeFailed      = "failed"
	OutcomeUnsupported = "unsupported"
)

// Per-alert fan-out results, used as metric labels.
const (
	ResultOK          = "ok"
	ResultPartial     = "partial"
	ResultEmpty       = "empty"
	ResultLookupError = "lookup_error"
)

// Dispatcher sends one alert to one subscriber over the subscriber's channel.
type Dispatcher interface {
	Dispatch(ctx context.Context, al *limits.Alert, sub *limits.Subscriber) error
}

// Hooks receives observability callbacks from the Coordinator.
// All fields are optional.
type Hooks struct {
	OnDelivery func(kind, outcome string, duration float64)
	OnFanout   func(result string, subscribers int, duration float64)
}

// Options tunes a Coordinator. Zero values take defaults.
type Options struct {
	// DispatchTimeout bounds each outbound send so a stuck channel cannot
	// hold its claim transaction open.
	DispatchTimeout time.Duration

	// Concurrency caps the subscribers handled at once for one alert.
	Concurrency int

	Hooks  Hooks
	Tracer trace.Tracer
}

// Report summarizes one alert's fan-out.
type Report struct {
	RunID       string
	AlertID     int64
	Subscribers int
	Delivered   int
	Skipped     int
	Failed      int
	Err         error
}

// Result maps the report to a fan-out result label.
func (r *Report) Result() string {
	switch {
	case r.Err != nil:
		return ResultLookupError
	case r.Subscribers == 0:
		return ResultEmpty
	case r.Failed > 0:
		return ResultPartial
	default:
		return ResultOK
	}
}

func (r *Report) add(outcome string) {
	switch outcome {
	case OutcomeDelivered:
		r.Delivered++
	case OutcomeSkipped:
		r.Skipped++
	default:
		r.Failed++
	}
}

// Coordinator runs the per-alert fan-out: lookup, then claim and dispatch for
// every subscriber concurrently, each in its own transaction.
type Coordinator struct {
	directory       Directory
	ledger          Ledger
	dispatcher      Dispatcher
	logger          log.Logger
	hooks           Hooks
	tracer          trace.Tracer
	dispatchTimeout time.Duration
	concurrency     int
}

// NewCoordinator creates a Coordinator. directory, ledger and dispatcher are required.
func NewCoordinator(directory Directory, ledger Ledger, dispatcher Dispatcher, logger log.Logger, opts Options) *Coordinator {
	if directory == nil || ledger == nil || dispatcher == nil {
		panic(xerrors.New("fanout: directory, ledger and dispatcher are required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	if opts.DispatchTimeout <= 0 {
		opts.DispatchTimeout = defaultDispatchTimeout
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("github.com/linnemanlabs/loglimit/internal/fanout")
	}
	return &Coordinator{
		directory:       directory,
		ledger:          ledger,
		dispatcher:      dispatcher,
		logger:          logger,
		hooks:           opts.Hooks,
		tracer:          opts.Tracer,
		dispatchTimeout: opts.DispatchTimeout,
		concurrency:     opts.Concurrency,
	}
}

// HandleAlert delivers al to every subscriber of its limit and returns once
// every subscriber has been handled. Failures are logged and counted per
// subscriber and never cancel siblings.
func (c *Coordinator) HandleAlert(ctx context.Context, al *limits.Alert) *Report {
	start := time.Now()
	report := &Report{RunID: ulid.Make().String(), AlertID: al.ID}

	L := c.logger.With("fanout_id", report.RunID, "alert_id", al.ID, "log_limit_id", al.LogLimitID)

	ctx, span := c.tracer.Start(ctx, "fanout.HandleAlert", trace.WithAttributes(
		attribute.String("loglimit.fanout.id", report.RunID),
		attribute.Int64("loglimit.alert.id", al.ID),
		attribute.Int64("loglimit.log_limit.id", al.LogLimitID),
	))
	defer span.End()

	ctx = postgres.WithOperation(ctx, "fanout")
	ctx = postgres.NewReqDBStatsContext(ctx)

	defer func() {
		dur := time.Since(start).Seconds()
		if c.hooks.OnFanout != nil {
			c.hooks.OnFanout(report.Result(), report.Subscribers, dur)
		}
		span.SetAttributes(
			attribute.String("loglimit.fanout.result", report.Result()),
			attribute.Int("loglimit.fanout.subscribers", report.Subscribers),
			attribute.Int("loglimit.fanout.failed", report.Failed),
		)
		fields := []any{
			"result", report.Result(),
			"subscribers", report.Subscribers,
			"delivered", report.Delivered,
			"skipped", report.Skipped,
			"failed", report.Failed,
			"duration", dur,
		}
		if s, ok := postgres.ReqDBStatsFromContext(ctx); ok {
			fields = append(fields, "db_queries", s.QueryCount, "db_errors", s.ErrorCount)
		}
		L.Info(ctx, "fanout complete", fields...)
	}()

	subs, err := c.directory.LookupSubscribers(ctx, al)
	if err != nil {
		report.Err = err
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		L.Error(ctx, err, "subscriber lookup failed, dropping alert")
		return report
	}
	report.Subscribers = len(subs)
	if len(subs) == 0 {
		return report
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(c.concurrency)
	for i := range subs {
		sub := &subs[i]
		g.Go(func() error {
			outcome := c.deliver(ctx, L, al, sub)
			mu.Lock()
			report.add(outcome)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if report.Failed > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d of %d deliveries failed", report.Failed, report.Subscribers))
	}
	return report
}

// deliver claims and dispatches for one subscriber and returns the outcome label.
func (c *Coordinator) deliver(ctx context.Context, L log.Logger, al *limits.Alert, sub *limits.Subscriber) string {
	start := time.Now()
	L = L.With("subscriber_id", sub.ID, "notification_type", sub.NotificationType)

	claim, err := c.ledger.WithClaim(ctx, sub.ID, al.ID, func(ctx context.Context, _ *limits.DeliveryRecord) (err error) {
		dctx, cancel := context.WithTimeout(ctx, c.dispatchTimeout)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("dispatch panic: %v", r)
			}
		}()
		return c.dispatcher.Dispatch(dctx, al, sub)
	})

	var outcome string
	switch {
	case errors.Is(err, limits.ErrUnsupportedChannelKind):
		outcome = OutcomeUnsupported
		L.Warn(ctx, "no channel for subscriber, claim rolled back", "error", err)
	case err != nil:
		outcome = OutcomeFailed
		L.Error(ctx, err, "delivery failed", "claim", claim.String())
	case claim == AlreadyClaimed:
		outcome = OutcomeSkipped
		L.Info(ctx, "delivery already claimed, skipping")
	default:
		outcome = OutcomeDelivered
		L.Info(ctx, "alert delivered")
	}

	if c.hooks.OnDelivery != nil {
		kind := sub.NotificationType
		if outcome == OutcomeUnsupported {
			// unregistered kinds come from the database; keep them out of labels
			kind = OutcomeUnsupported
		}
		c.hooks.OnDelivery(kind, outcome, time.Since(start).Seconds())
	}
	return outcome
}
