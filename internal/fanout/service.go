package fanout

import (
	"context"
	"errors"
	"sync"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/loglimit/internal/limits"
)

var (
	// ErrQueueFull is returned by Submit when every worker is busy and the
	// queue has no room. The alert is not processed.
	ErrQueueFull = errors.New("fanout queue full")

	// ErrStopped is returned by Submit after Stop.
	ErrStopped = errors.New("fanout service stopped")
)

const (
	defaultWorkers   = 4
	defaultQueueSize = 256
)

// Handler processes one alert to completion.
type Handler interface {
	HandleAlert(ctx context.Context, al *limits.Alert) *Report
}

// ServiceHooks receives observability callbacks from the Service.
type ServiceHooks struct {
	OnSubmit     func(result string)
	OnQueueDepth func(depth int)
}

// ServiceOptions tunes a Service. Zero values take defaults.
type ServiceOptions struct {
	Workers   int
	QueueSize int
	Hooks     ServiceHooks
}

// Service owns the hand-off between alert intake and fan-out. Submit never
// blocks; a fixed set of workers drains the queue.
type Service struct {
	handler Handler
	logger  log.Logger
	hooks   ServiceHooks
	workers int

	mu      sync.RWMutex
	queue   chan *limits.Alert
	stopped bool
	wg      sync.WaitGroup
}

// NewService creates a Service. Call Start before Submit.
func NewService(handler Handler, logger log.Logger, opts ServiceOptions) *Service {
	if handler == nil {
		panic(xerrors.New("fanout: handler is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	return &Service{
		handler: handler,
		logger:  logger,
		hooks:   opts.Hooks,
		workers: opts.Workers,
		queue:   make(chan *limits.Alert, opts.QueueSize),
	}
}

// Start launches the workers. Fan-outs run detached from ctx cancellation so
// a shutdown signal lets in-flight deliveries finish; Stop bounds the wait.
func (s *Service) Start(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.work(ctx)
	}
	s.logger.Info(ctx, "fanout workers started", "workers", s.workers, "queue_size", cap(s.queue))
}

// Submit queues al for fan-out without waiting.
func (s *Service) Submit(_ context.Context, al *limits.Alert) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.stopped {
		s.observeSubmit("stopped")
		return ErrStopped
	}
	select {
	case s.queue <- al:
		s.observeSubmit("accepted")
		s.observeDepth()
		return nil
	default:
		s.observeSubmit("queue_full")
		return ErrQueueFull
	}
}

// Stop refuses new alerts and waits for queued and in-flight fan-outs to
// finish or for ctx to expire.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		close(s.queue)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) work(ctx context.Context) {
	defer s.wg.Done()
	for al := range s.queue {
		s.observeDepth()
		s.handler.HandleAlert(ctx, al)
	}
}

func (s *Service) observeSubmit(result string) {
	if s.hooks.OnSubmit != nil {
		s.hooks.OnSubmit(result)
	}
}

func (s *Service) observeDepth() {
	if s.hooks.OnQueueDepth != nil {
		s.hooks.OnQueueDepth(len(s.queue))
	}
}
