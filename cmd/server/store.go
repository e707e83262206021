package main

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/prometheus/client_golang/prometheus"

	vc "github.com/linnemanlabs/loglimit/internal/cfg"
	"github.com/linnemanlabs/loglimit/internal/memstore"
	"github.com/linnemanlabs/loglimit/internal/pgstore"
	"github.com/linnemanlabs/loglimit/internal/postgres"
)

// openStore returns the postgres store when a database URL is configured and
// the in-memory store otherwise. The close func is always non-nil.
func openStore(ctx context.Context, appCfg *vc.Config, L log.Logger) (appStore, func(), error) {
	if appCfg.DatabaseURL == "" {
		L.Info(ctx, "using in-memory store, alerts are not raised without a database")
		return memstore.New(), func() {}, nil
	}

	maxConns := int32(math.MaxInt32)
	if appCfg.DBMaxConns < math.MaxInt32 {
		maxConns = int32(appCfg.DBMaxConns) //nolint:gosec // G115: bounded by Validate and the check above
	}
	pool, err := postgres.NewPool(ctx, appCfg.DatabaseURL, postgres.PoolOptions{MaxConns: maxConns})
	if err != nil {
		return nil, nil, fmt.Errorf("postgres pool: %w", err)
	}
	if appCfg.ApplySchema {
		if err := pgstore.ApplySchema(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, err
		}
		L.Info(ctx, "database schema applied")
	}
	L.Info(ctx, "using postgres store")
	return pgstore.New(pool), pool.Close, nil
}

// observeDBQueries registers the per-query duration histogram and points the
// postgres tracer at it.
func observeDBQueries(reg prometheus.Registerer) {
	hist := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "loglimit_db_query_duration_seconds",
		Help:    "Duration of individual database queries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "outcome"})
	reg.MustRegister(hist)

	postgres.SetQueryObserver(postgres.QueryObserverFunc(
		func(_ context.Context, method, route, outcome string, dur time.Duration) {
			hist.WithLabelValues(method, route, outcome).Observe(dur.Seconds())
		},
	))
}
