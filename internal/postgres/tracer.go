package postgres

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
)

// loggingTracer logs every query and feeds ReqDBStats and the QueryObserver.
// It delegates span handling to inner, normally otelpgx.
type loggingTracer struct {
	inner pgx.QueryTracer
}

// inflightQuery is what TraceQueryStart hands to TraceQueryEnd.
type inflightQuery struct {
	sql     string
	args    []any
	start   time.Time
	caller  string // store method issuing the query
	handler string // first app frame above the store
}

type inflightKey struct{}

func wrapQueryTracer(inner pgx.QueryTracer) pgx.QueryTracer {
	return loggingTracer{inner: inner}
}

func (t loggingTracer) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	q := &inflightQuery{sql: data.SQL, args: data.Args, start: time.Now()}
	q.caller, q.handler = callSite()

	if t.inner != nil {
		ctx = t.inner.TraceQueryStart(ctx, conn, data)
	}
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		if q.caller != "" {
			span.SetAttributes(attribute.String("db.caller", q.caller))
		}
		if q.handler != "" {
			span.SetAttributes(attribute.String("db.handler", q.handler))
		}
	}
	return context.WithValue(ctx, inflightKey{}, q)
}

func (t loggingTracer) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	if t.inner != nil {
		t.inner.TraceQueryEnd(ctx, conn, data)
	}

	q, _ := ctx.Value(inflightKey{}).(*inflightQuery)
	if q == nil {
		q = &inflightQuery{}
	}
	var dur time.Duration
	if !q.start.IsZero() {
		dur = time.Since(q.start)
	}

	if s, ok := ReqDBStatsFromContext(ctx); ok {
		s.AddQuery(dur, data.Err)
	}
	if obs := getQueryObserver(); obs != nil && dur > 0 {
		method, route, outcome := queryLabels(ctx, data.Err)
		obs.ObserveQuery(ctx, method, route, outcome, dur)
	}

	fields := queryFields(q, dur, data)
	if op := operationFromContext(ctx); op != "" {
		fields = append(fields, "db.source", op)
	}

	L := log.FromContext(ctx)
	if data.Err != nil {
		L.Error(ctx, data.Err, "db query failed", fields...)
		return
	}
	L.Info(ctx, "db query", fields...)
}

func queryFields(q *inflightQuery, dur time.Duration, data pgx.TraceQueryEndData) []any {
	fields := []any{
		"db.statement", q.sql,
		"db.args", q.args,
		"db.duration", dur.Seconds(),
	}
	if tag := strings.TrimSpace(data.CommandTag.String()); tag != "" {
		verb, _, _ := strings.Cut(tag, " ")
		fields = append(fields,
			"db.operation.name", strings.ToUpper(verb),
			"pg.command_tag", tag,
			"db.rows", data.CommandTag.RowsAffected(),
		)
	}
	if q.caller != "" {
		fields = append(fields, "db.caller", q.caller)
	}
	if q.handler != "" {
		fields = append(fields, "db.handler", q.handler)
	}
	var pgErr *pgconn.PgError
	if errors.As(data.Err, &pgErr) {
		fields = append(fields, "db.error_code", pgErr.Code, "db.error_constraint", pgErr.ConstraintName)
	}
	return fields
}

const modulePath = "github.com/linnemanlabs/loglimit/internal/"

// callSite finds the first app frame under the pgx call (the caller) and the
// first frame above it outside the storage packages (the handler).
func callSite() (caller, handler string) {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	for {
		fr, more := frames.Next()
		fn := fr.Function
		switch {
		case fn == "":
		case isTracerNoise(fn):
		case caller == "":
			caller = shortenFuncName(fn)
		case strings.HasPrefix(fn, modulePath+"postgres."), strings.HasPrefix(fn, modulePath+"pgstore."):
			// ledger closures run inside the store's transaction
		default:
			return caller, shortenFuncName(fn)
		}
		if !more {
			return caller, handler
		}
	}
}

func isTracerNoise(fn string) bool {
	return strings.HasPrefix(fn, "runtime.") ||
		strings.Contains(fn, "github.com/jackc/pgx/v5") ||
		strings.Contains(fn, "github.com/exaring/otelpgx") ||
		strings.Contains(fn, "loggingTracer.TraceQuery")
}

// shortenFuncName drops the import path and package name, keeping the
// receiver and method.
func shortenFuncName(fn string) string {
	if i := strings.LastIndex(fn, "/"); i >= 0 {
		fn = fn[i+1:]
	}
	if _, rest, ok := strings.Cut(fn, "."); ok && rest != "" {
		return rest
	}
	return fn
}
