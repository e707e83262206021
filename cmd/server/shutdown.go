package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/linnemanlabs/go-core/health"
	"github.com/linnemanlabs/go-core/log"
)

type stopFn struct {
	name string
	fn   func(context.Context) error
}

// drain fails readiness and waits out d so the load balancer stops routing
// here. A second signal cuts the wait short.
func drain(L log.Logger, gate *health.ShutdownGate, d time.Duration) {
	ctx := context.Background()
	L.Info(ctx, "shutdown signal received")
	gate.Set("draining")
	L.Info(ctx, "readiness failing, draining", "drain_seconds", d.Seconds())

	force := make(chan os.Signal, 1)
	signal.Notify(force, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(force)

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		L.Info(ctx, "drain period complete")
	case <-force:
		L.Warn(ctx, "second signal received, skipping drain")
	}
}

// stopAll stops components in order. Each gets an equal slice of budget, and
// none may run past the overall deadline. Nil stop funcs are skipped.
func stopAll(L log.Logger, budget time.Duration, stops []stopFn) {
	if len(stops) == 0 {
		return
	}
	perStop := budget / time.Duration(len(stops))
	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	for _, s := range stops {
		if s.fn == nil {
			continue
		}
		sctx, scancel := context.WithTimeout(ctx, perStop)
		if err := s.fn(sctx); err != nil {
			L.Error(context.Background(), err, s.name+" shutdown")
		}
		scancel()
	}
}

// notifySystemd sends READY=1 when running as a Type=notify unit.
func notifySystemd() error {
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr) //nolint:gosec,noctx // addr comes from systemd; unixgram dial has no context variant
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	return nil
}
