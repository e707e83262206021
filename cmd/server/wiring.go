package main

import (
	"context"
	"fmt"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/loglimit/internal/channel"
	"github.com/linnemanlabs/loglimit/internal/channel/email"
	"github.com/linnemanlabs/loglimit/internal/channel/logsink"
	"github.com/linnemanlabs/loglimit/internal/channel/slack"
	"github.com/linnemanlabs/loglimit/internal/fanout"
	"github.com/linnemanlabs/loglimit/internal/listener"
	"github.com/linnemanlabs/loglimit/internal/logapi"
)

// appStore is implemented by both pgstore and memstore.
type appStore interface {
	fanout.Store
	logapi.Store
}

// buildChannels registers a channel per configured notification type. Log-only
// kinds go first so a configured transport replaces them.
func buildChannels(cc *channel.Config, L log.Logger) (*channel.Registry, error) {
	reg := channel.NewRegistry()

	for _, kind := range cc.Log.Kinds {
		reg.Register(logsink.New(kind, L))
	}

	emailRate := channel.WithRateLimit(cc.Email.RatePerSecond, cc.Email.Burst)
	if cc.Email.SMTPHost != "" {
		ec, err := email.New(email.Config{
			Host:     cc.Email.SMTPHost,
			Port:     cc.Email.SMTPPort,
			Username: cc.Email.Username,
			Password: cc.Email.Password,
			From:     cc.Email.From,
		})
		if err != nil {
			return nil, fmt.Errorf("email channel: %w", err)
		}
		reg.Register(ec, emailRate)
	} else if _, ok := reg.Get(email.Kind); !ok {
		reg.Register(logsink.New(email.Kind, L), emailRate)
	}

	if cc.Slack.Enabled {
		reg.Register(slack.New(), channel.WithRateLimit(cc.Slack.RatePerSecond, cc.Slack.Burst))
	}
	return reg, nil
}

// startListener runs l in the background until the returned stop function is
// called. The listener outlives ctx so shutdown ordering stays with main.
func startListener(ctx context.Context, l *listener.Listener) func(context.Context) error {
	lctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := l.Run(lctx); err != nil {
			log.FromContext(ctx).Error(ctx, err, "alert listener exited")
		}
	}()
	return func(sctx context.Context) error {
		cancel()
		select {
		case <-done:
			return nil
		case <-sctx.Done():
			return sctx.Err()
		}
	}
}
