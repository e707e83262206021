// Package channel dispatches alert notifications to subscribers through a
// registry of outbound channels keyed by notification type.
package channel

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/linnemanlabs/loglimit/internal/limits"
)

// Title is the subject of every limit alert notification.
const Title = "Log Limit Alert"

// Message is the payload handed to a channel.
type Message struct {
	Address       string    `json:"address"`
	Title         string    `json:"title"`
	ExceededValue float64   `json:"exceededValue"`
	LogLimitID    int64     `json:"logLimitId"`
	Timestamp     time.Time `json:"timestamp"`
}

// NewMessage builds the notification for sub about al.
func NewMessage(al *limits.Alert, sub *limits.Subscriber) *Message {
	return &Message{
		Address:       sub.NotificationAddress,
		Title:         Title,
		ExceededValue: al.ExceededValue,
		LogLimitID:    al.LogLimitID,
		Timestamp:     al.CreatedAt,
	}
}

// Channel delivers a message over one transport.
type Channel interface {
	// Kind is the notification type tag this channel serves, e.g. "email".
	Kind() string
	Send(ctx context.Context, msg *Message) error
}

// Option configures a registered channel.
type Option func(*entry)

// WithRateLimit paces sends on the channel to perSecond with the given burst.
// Dispatch waits for a token within the caller's deadline.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(e *entry) {
		if perSecond <= 0 {
			return
		}
		if burst < 1 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

type entry struct {
	ch      Channel
	limiter *rate.Limiter
}

// Registry maps notification types to channels.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]*entry
}

// NewRegistry creates an empty channel registry.
func NewRegistry() *Registry {
	return &Registry{channels: make(map[string]*entry)}
}

// Register adds a channel under its Kind, replacing any earlier one.
func (r *Registry) Register(ch Channel, opts ...Option) {
	e := &entry{ch: ch}
	for _, opt := range opts {
		opt(e)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[ch.Kind()] = e
}

// Get returns the channel registered for kind.
func (r *Registry) Get(kind string) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.channels[kind]
	if !ok {
		return nil, false
	}
	return e.ch, true
}

// Kinds returns the registered notification types, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.channels))
	for k := range r.channels {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Dispatch sends al to sub through the channel registered for the
// subscriber's notification type. An unknown type returns an error wrapping
// limits.ErrUnsupportedChannelKind.
func (r *Registry) Dispatch(ctx context.Context, al *limits.Alert, sub *limits.Subscriber) error {
	r.mu.RLock()
	e, ok := r.channels[sub.NotificationType]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", limits.ErrUnsupportedChannelKind, sub.NotificationType)
	}

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%s: rate limit: %w", sub.NotificationType, err)
		}
	}

	if err := e.ch.Send(ctx, NewMessage(al, sub)); err != nil {
		return fmt.Errorf("%s: %w", sub.NotificationType, err)
	}
	return nil
}
