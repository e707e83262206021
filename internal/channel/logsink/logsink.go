// Package logsink provides a channel that writes alert notifications to the
// structured log instead of an outbound transport. It stands in for a kind
// whose transport is not configured, e.g. email without an SMTP host.
package logsink

import (
	"context"
	"errors"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/loglimit/internal/channel"
)

// Channel logs each message under a notification type.
type Channel struct {
	kind   string
	logger log.Logger
}

// New returns a log-backed channel serving kind.
func New(kind string, logger log.Logger) *Channel {
	if logger == nil {
		logger = log.Nop()
	}
	return &Channel{kind: kind, logger: logger}
}

// Kind returns the notification type given to New.
func (c *Channel) Kind() string { return c.kind }

// Send logs msg.
func (c *Channel) Send(ctx context.Context, msg *channel.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg.Address == "" {
		return errors.New("logsink: empty address")
	}
	c.logger.Info(ctx, "notification",
		"kind", c.kind,
		"address", msg.Address,
		"title", msg.Title,
		"log_limit_id", msg.LogLimitID,
		"exceeded_value", msg.ExceededValue,
		"timestamp", msg.Timestamp,
	)
	return nil
}
