// Package listener subscribes to the database's alert notification channel
// and hands each decoded alert to the fan-out service.
package listener

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/loglimit/internal/limits"
	"github.com/linnemanlabs/loglimit/internal/postgres"
)

// DefaultChannel is the notification channel the alert trigger publishes on.
const DefaultChannel = "log_alert"

const (
	defaultInitialBackoff = 500 * time.Millisecond
	defaultMaxBackoff     = 30 * time.Second
	closeTimeout          = 5 * time.Second
)

// Notification results, used as metric labels.
const (
	ResultSubmitted   = "submitted"
	ResultDecodeError = "decode_error"
	ResultDropped     = "dropped"
)

// State is the listener's connection state.
type State int32

const (
	Idle State = iota
	Listening
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Listening:
		return "listening"
	default:
		return "unknown"
	}
}

// Conn is the slice of *pgx.Conn the listener uses.
type Conn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
	Close(ctx context.Context) error
}

// Dialer opens a fresh dedicated connection.
type Dialer func(ctx context.Context) (Conn, error)

// PgxDialer dials databaseURL with a traced pgx connection.
func PgxDialer(databaseURL string) Dialer {
	return func(ctx context.Context) (Conn, error) {
		conn, err := postgres.Connect(ctx, databaseURL)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// Submitter accepts decoded alerts without blocking.
type Submitter interface {
	Submit(ctx context.Context, al *limits.Alert) error
}

// Hooks receives observability callbacks from the Listener.
// All fields are optional.
type Hooks struct {
	OnNotification func(result string)
	OnState        func(State)
	OnReconnect    func()
}

// Options tunes a Listener. Zero values take defaults.
type Options struct {
	Channel        string
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Hooks          Hooks
}

// Listener holds one LISTEN session open and forwards every notification.
type Listener struct {
	dial      Dialer
	submitter Submitter
	logger    log.Logger
	channel   string
	hooks     Hooks
	initial   time.Duration
	max       time.Duration
	state     atomic.Int32
}

// New creates a Listener. dial and submitter are required.
func New(dial Dialer, submitter Submitter, logger log.Logger, opts Options) *Listener {
	if dial == nil || submitter == nil {
		panic(xerrors.New("listener: dialer and submitter are required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	if opts.Channel == "" {
		opts.Channel = DefaultChannel
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = defaultInitialBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaultMaxBackoff
	}
	return &Listener{
		dial:      dial,
		submitter: submitter,
		logger:    logger.With("channel", opts.Channel),
		channel:   opts.Channel,
		hooks:     opts.Hooks,
		initial:   opts.InitialBackoff,
		max:       opts.MaxBackoff,
	}
}

// State reports whether a LISTEN session is currently open.
func (l *Listener) State() State {
	return State(l.state.Load())
}

// Run listens until ctx is canceled, reconnecting with exponential backoff
// whenever the session drops. It returns nil on cancellation.
func (l *Listener) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.initial
	b.MaxInterval = l.max

	for {
		listened, err := l.session(ctx)
		if ctx.Err() != nil {
			l.logger.Info(ctx, "listener stopped")
			return nil
		}
		if listened {
			b.Reset()
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			wait = l.max
		}
		l.logger.Warn(ctx, "listener disconnected, reconnecting", "error", err, "retry_in", wait.String())
		if l.hooks.OnReconnect != nil {
			l.hooks.OnReconnect()
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			l.logger.Info(ctx, "listener stopped")
			return nil
		case <-t.C:
		}
	}
}

// session runs one connection's lifetime. listened reports whether LISTEN
// succeeded before the session ended.
func (l *Listener) session(ctx context.Context) (listened bool, err error) {
	conn, err := l.dial(ctx)
	if err != nil {
		return false, err
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer cancel()
		_ = conn.Close(cctx)
	}()

	if _, err := conn.Exec(ctx, listenSQL(l.channel)); err != nil {
		return false, err
	}

	l.setState(Listening)
	defer l.setState(Idle)
	l.logger.Info(ctx, "listening for alerts")

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return true, err
		}
		l.handle(ctx, n.Payload)
	}
}

func (l *Listener) handle(ctx context.Context, payload string) {
	al, err := Decode(payload)
	if err != nil {
		l.logger.Warn(ctx, "dropping undecodable alert event", "error", err, "payload", payload)
		l.observe(ResultDecodeError)
		return
	}
	if err := l.submitter.Submit(ctx, al); err != nil {
		l.logger.Error(ctx, err, "alert not queued for fanout", "alert_id", al.ID, "log_limit_id", al.LogLimitID)
		l.observe(ResultDropped)
		return
	}
	l.observe(ResultSubmitted)
}

func (l *Listener) setState(s State) {
	l.state.Store(int32(s))
	if l.hooks.OnState != nil {
		l.hooks.OnState(s)
	}
}

func (l *Listener) observe(result string) {
	if l.hooks.OnNotification != nil {
		l.hooks.OnNotification(result)
	}
}

func listenSQL(channel string) string {
	return "LISTEN " + pgx.Identifier{channel}.Sanitize()
}
