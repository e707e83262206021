// Loglimit records measured log values, and when a limit is exceeded it
// notifies every subscriber of that limit exactly once per alert.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/health"
	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/otelx"
	"github.com/linnemanlabs/go-core/prof"
	v "github.com/linnemanlabs/go-core/version"

	vc "github.com/linnemanlabs/loglimit/internal/cfg"
	"github.com/linnemanlabs/loglimit/internal/channel"
	"github.com/linnemanlabs/loglimit/internal/fanout"
	"github.com/linnemanlabs/loglimit/internal/listener"
	"github.com/linnemanlabs/loglimit/internal/logapi"
)

const appName = "loglimit"
const component = "server"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	v.AppName = appName
	v.Component = component
	vi := v.Get()

	// go-core packages own their flags; ours live in internal/cfg
	var (
		appCfg    vc.Config
		httpCfg   httpserver.Config
		httpmwCfg httpmw.Config
		logCfg    log.Config
		opsCfg    opshttp.Config
		profCfg   prof.Config
		traceCfg  otelx.Config
	)
	appCfg.RegisterFlags(flag.CommandLine)
	httpCfg.RegisterFlags(flag.CommandLine)
	httpmwCfg.RegisterFlags(flag.CommandLine)
	logCfg.RegisterFlags(flag.CommandLine)
	opsCfg.RegisterFlags(flag.CommandLine)
	profCfg.RegisterFlags(flag.CommandLine)
	traceCfg.RegisterFlags(flag.CommandLine)
	var showVersion bool
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")

	flag.Parse()
	if showVersion {
		fmt.Printf(
			"%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return nil
	}

	// LOGLIMIT_* env vars fill anything not set on the command line
	cfg.FillFromEnv(flag.CommandLine, "LOGLIMIT_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := errors.Join(
		appCfg.Validate(),
		httpCfg.Validate(),
		httpmwCfg.Validate(),
		logCfg.Validate(),
		opsCfg.Validate(),
		profCfg.Validate(),
		traceCfg.Validate(),
	); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	if appCfg.APIPort == opsCfg.Port {
		return fmt.Errorf("http and admin ports must differ (both %d)", appCfg.APIPort)
	}

	lg, err := log.New(logCfg.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = lg.Sync() }()

	L := lg.With("component", vi.Component)
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"http_port", appCfg.APIPort,
		"admin_port", opsCfg.Port,
		"database", appCfg.DatabaseURL != "",
		"alert_channel", appCfg.AlertChannel,
		"fanout_workers", appCfg.FanoutWorkers,
		"fanout_queue_size", appCfg.FanoutQueueSize,
		"fanout_concurrency", appCfg.FanoutConcurrency,
		"dispatch_timeout_seconds", appCfg.DispatchTimeoutSeconds,
		"enable_pyroscope", profCfg.EnablePyroscope,
		"enable_tracing", traceCfg.EnableTracing,
		"otlp_endpoint", traceCfg.OTLPEndpoint,
	)

	// profiling starts first so it covers startup
	profOpts := profCfg.ToOptions()
	profOpts.AppName = v.AppName
	profOpts.Tags = map[string]string{
		"app":       v.AppName,
		"component": v.Component,
		"version":   vi.Version,
		"commit":    vi.Commit,
		"build_id":  vi.BuildId,
	}
	stopProf, profErr := prof.Start(ctx, profOpts)
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", profCfg.PyroServer)
	}
	if stopProf != nil {
		defer stopProf()
	}

	traceOpts := traceCfg.ToOptions()
	traceOpts.Service = v.AppName
	traceOpts.Component = v.Component
	traceOpts.Version = v.Version
	shutdownOtelx, err := otelx.Init(ctx, traceOpts)
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	if shutdownOtelx != nil {
		defer func() { _ = shutdownOtelx(context.Background()) }()
	}

	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, component, &vi)
	m.SetProfilingActive(profErr == nil && profCfg.EnablePyroscope)

	channelsCfg, err := channel.LoadConfig(appCfg.ChannelsFile)
	if err != nil {
		return err
	}

	store, closeStore, err := openStore(ctx, &appCfg, L)
	if err != nil {
		return err
	}
	defer closeStore()
	observeDBQueries(m.Registry())

	channels, err := buildChannels(channelsCfg, L.With("subsystem", "channel"))
	if err != nil {
		return err
	}
	L.Info(ctx, "notification channels registered", "kinds", channels.Kinds())

	fanoutMetrics := fanout.NewMetrics(m.Registry())
	coordinator := fanout.NewCoordinator(store, store, channels, L.With("subsystem", "fanout"), fanout.Options{
		DispatchTimeout: time.Duration(appCfg.DispatchTimeoutSeconds) * time.Second,
		Concurrency:     appCfg.FanoutConcurrency,
		Hooks:           fanoutMetrics.Hooks(),
	})
	fanoutSvc := fanout.NewService(coordinator, L.With("subsystem", "fanout"), fanout.ServiceOptions{
		Workers:   appCfg.FanoutWorkers,
		QueueSize: appCfg.FanoutQueueSize,
		Hooks:     fanoutMetrics.ServiceHooks(),
	})
	fanoutSvc.Start(ctx)
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		if err := fanoutSvc.Stop(sctx); err != nil {
			L.Error(ctx, err, "failed to stop fanout service")
		}
	}()

	// only postgres raises alerts, so the in-memory store runs without a listener
	listenerStop := func(context.Context) error { return nil }
	if appCfg.DatabaseURL != "" {
		listenerMetrics := listener.NewMetrics(m.Registry())
		alertListener := listener.New(listener.PgxDialer(appCfg.DatabaseURL), fanoutSvc, L.With("subsystem", "listener"), listener.Options{
			Channel: appCfg.AlertChannel,
			Hooks:   listenerMetrics.Hooks(),
		})
		listenerStop = startListener(ctx, alertListener)
		defer func() { _ = listenerStop(context.Background()) }()
	}

	// readiness fails once shutdown begins so the load balancer drains us
	var shutdownGate health.ShutdownGate
	readiness := health.All(shutdownGate.Probe())
	liveness := health.Fixed(true, "")

	opsOpts := opsCfg.ToOptions()
	opsOpts.Metrics = m.Handler()
	opsOpts.Health = liveness
	opsOpts.Readiness = readiness
	opsOpts.UseRecoverMW = true
	opsOpts.OnPanic = m.IncHttpPanic
	opsHTTPStop, err := opshttp.Start(ctx, L, opsOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		return err
	}
	defer func() {
		if err := opsHTTPStop(context.Background()); err != nil {
			L.Error(ctx, err, "failed to stop ops http listener")
		}
	}()

	h := newAPIHandler(apiHandlerOptions{
		Logger:           L,
		API:              logapi.New(L, store, fanoutSvc),
		Healthz:          health.HealthzHandler(liveness),
		Readyz:           health.ReadyzHandler(readiness),
		MetricsMW:        func(h http.Handler) http.Handler { return m.Middleware(h) },
		TrustedProxyHops: httpmwCfg.TrustedProxyHops,
	})

	apiOpts, err := httpCfg.ToOptions()
	if err != nil {
		L.Error(ctx, err, "invalid http config")
		return err
	}
	apiHTTPStop, err := httpserver.Start(ctx, fmt.Sprintf(":%d", appCfg.APIPort), h, L, apiOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start api http listener")
		return err
	}
	defer func() {
		if err := apiHTTPStop(context.Background()); err != nil {
			L.Error(ctx, err, "failed to stop api http listener")
		}
	}()

	if err := notifySystemd(); err != nil {
		// not fatal; systemd falls back to its start timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	<-ctx.Done()

	// intake stops before the listener, and the listener before the fan-out
	// queue drains, so nothing is submitted to a stopped service
	drain(L, &shutdownGate, time.Duration(appCfg.DrainSeconds)*time.Second)
	stopAll(L, time.Duration(appCfg.ShutdownBudgetSeconds)*time.Second, []stopFn{
		{"api http server", apiHTTPStop},
		{"alert listener", listenerStop},
		{"fanout service", fanoutSvc.Stop},
		{"ops http server", opsHTTPStop},
		{"otel", shutdownOtelx},
	})

	if stopProf != nil {
		stopProf()
	}
	L.Info(context.Background(), "shutdown complete")
	return nil
}
