package postgres

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
)

// ReqDBStats counts the queries made for one request or one background job,
// such as a single alert fan-out.
type ReqDBStats struct {
	mu            sync.Mutex
	QueryCount    int
	TotalDuration time.Duration
	ErrorCount    int
}

// AddQuery records one finished query.
func (s *ReqDBStats) AddQuery(dur time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.QueryCount++
	s.TotalDuration += dur
	if err != nil {
		s.ErrorCount++
	}
}

type dbStatsKey struct{}

// NewReqDBStatsContext attaches a fresh ReqDBStats to ctx.
func NewReqDBStatsContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, dbStatsKey{}, &ReqDBStats{})
}

// ReqDBStatsFromContext returns the stats attached by NewReqDBStatsContext.
func ReqDBStatsFromContext(ctx context.Context) (*ReqDBStats, bool) {
	s, ok := ctx.Value(dbStatsKey{}).(*ReqDBStats)
	return s, ok
}

// QueryObserver is told about every query, e.g. to feed a histogram.
type QueryObserver interface {
	ObserveQuery(ctx context.Context, method, route, outcome string, dur time.Duration)
}

// QueryObserverFunc adapts a function to QueryObserver.
type QueryObserverFunc func(ctx context.Context, method, route, outcome string, dur time.Duration)

// ObserveQuery calls f.
func (f QueryObserverFunc) ObserveQuery(ctx context.Context, method, route, outcome string, dur time.Duration) {
	f(ctx, method, route, outcome, dur)
}

type observerBox struct{ QueryObserver }

var observer atomic.Pointer[observerBox]

// SetQueryObserver installs o process-wide. Nil removes it.
func SetQueryObserver(o QueryObserver) {
	if o == nil {
		observer.Store(nil)
		return
	}
	observer.Store(&observerBox{o})
}

func getQueryObserver() QueryObserver {
	if b := observer.Load(); b != nil {
		return b.QueryObserver
	}
	return nil
}

type labelKey int

const (
	methodKey labelKey = iota
	operationKey
)

// backgroundMethod is the method label for queries with no HTTP request.
const backgroundMethod = "BACKGROUND"

// WithHTTPMethod sets the method label for queries made with ctx.
func WithHTTPMethod(ctx context.Context, method string) context.Context {
	if method == "" {
		return ctx
	}
	return context.WithValue(ctx, methodKey, method)
}

// WithOperation names background work, like the fan-out or the listener. It
// is used as the route label when ctx carries no chi route.
func WithOperation(ctx context.Context, op string) context.Context {
	if op == "" {
		return ctx
	}
	return context.WithValue(ctx, operationKey, op)
}

func httpMethodFromContext(ctx context.Context) string {
	m, _ := ctx.Value(methodKey).(string)
	return m
}

func operationFromContext(ctx context.Context) string {
	op, _ := ctx.Value(operationKey).(string)
	return op
}

func routePatternFromContext(ctx context.Context) string {
	if rc := chi.RouteContext(ctx); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return operationFromContext(ctx)
}

// queryLabels returns the observer labels, filling defaults for missing ones.
func queryLabels(ctx context.Context, err error) (method, route, outcome string) {
	method = httpMethodFromContext(ctx)
	if method == "" {
		method = backgroundMethod
	}
	route = routePatternFromContext(ctx)
	if route == "" {
		route = "unknown"
	}
	outcome = "ok"
	if err != nil {
		outcome = "error"
	}
	return method, route, outcome
}
