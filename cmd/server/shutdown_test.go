package main

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

func TestNotifySystemd_NoSocket(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")

	err := notifySystemd()
	if err == nil {
		t.Fatal("expected error when NOTIFY_SOCKET is empty")
	}
	if !strings.Contains(err.Error(), "NOTIFY_SOCKET not set") {
		t.Errorf("error = %q, want substring %q", err, "NOTIFY_SOCKET not set")
	}
}

func TestNotifySystemd_InvalidPath(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", filepath.Join(t.TempDir(), "nonexistent.sock"))

	err := notifySystemd()
	if err == nil {
		t.Fatal("expected error for nonexistent socket")
	}
	if !strings.Contains(err.Error(), "dial failed") {
		t.Errorf("error = %q, want substring %q", err, "dial failed")
	}
}

func TestNotifySystemd_Success(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "notify.sock")

	// Create a real unixgram listener.
	var lc net.ListenConfig
	conn, err := lc.ListenPacket(context.Background(), "unixgram", sockPath)
	if err != nil {
		t.Fatalf("listen unixgram: %v", err)
	}
	defer func() { _ = conn.Close() }()

	t.Setenv("NOTIFY_SOCKET", sockPath)

	if err := notifySystemd(); err != nil {
		t.Fatalf("notifySystemd() = %v, want nil", err)
	}

	buf := make([]byte, 256)
	n, _, err := conn.ReadFrom(buf)
	if err != nil {
		t.Fatalf("read from socket: %v", err)
	}

	got := string(buf[:n])
	if got != "READY=1" {
		t.Errorf("payload = %q, want %q", got, "READY=1")
	}
}

func TestStopAll_OrderAndNilSkip(t *testing.T) {
	t.Parallel()

	var order []string
	record := func(name string) func(context.Context) error {
		return func(context.Context) error {
			order = append(order, name)
			return nil
		}
	}
	stopAll(log.Nop(), time.Second, []stopFn{
		{"api", record("api")},
		{"missing", nil},
		{"listener", record("listener")},
		{"fanout", record("fanout")},
	})

	want := []string{"api", "listener", "fanout"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestStopAll_SlicesBudget(t *testing.T) {
	t.Parallel()

	var got []time.Duration
	probe := func(ctx context.Context) error {
		dl, ok := ctx.Deadline()
		if !ok {
			return errors.New("no deadline")
		}
		got = append(got, time.Until(dl))
		return nil
	}
	stopAll(log.Nop(), 400*time.Millisecond, []stopFn{{"a", probe}, {"b", probe}})

	if len(got) != 2 {
		t.Fatalf("calls = %d, want 2", len(got))
	}
	for _, d := range got {
		if d > 200*time.Millisecond {
			t.Errorf("per-stop deadline %v exceeds its 200ms slice", d)
		}
	}
}

func TestStopAll_ErrorDoesNotStopSequence(t *testing.T) {
	t.Parallel()

	called := false
	stopAll(log.Nop(), time.Second, []stopFn{
		{"broken", func(context.Context) error { return errors.New("boom") }},
		{"next", func(context.Context) error { called = true; return nil }},
	})
	if !called {
		t.Error("stop after a failing component was not called")
	}
}
