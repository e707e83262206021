// Package slack delivers limit alerts to Slack incoming webhooks. The
// subscriber's notification address is the webhook URL.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/linnemanlabs/loglimit/internal/channel"
)

// Kind is the notification type served by this channel.
const Kind = "slack"

const httpTimeout = 10 * time.Second

// Channel posts alerts to per-subscriber Slack webhooks.
type Channel struct {
	client *http.Client
}

// New creates a Slack channel.
func New() *Channel {
	return &Channel{client: &http.Client{Timeout: httpTimeout}}
}

// Kind returns "slack".
func (c *Channel) Kind() string { return Kind }

// Send posts msg to the webhook URL in msg.Address.
func (c *Channel) Send(ctx context.Context, msg *channel.Message) error {
	if err := validateWebhook(msg.Address); err != nil {
		return err
	}

	body, err := json.Marshal(buildMessage(msg))
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, msg.Address, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", stripURL(err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req) //nolint:gosec // G704: webhook URL comes from the subscriber registry, scheme checked above
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", stripURL(err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func validateWebhook(raw string) error {
	if raw == "" {
		return errors.New("slack: empty webhook address")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("slack: invalid webhook address: %w", stripURL(err))
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("slack: webhook scheme %q not allowed", u.Scheme)
	}
	return nil
}

func buildMessage(msg *channel.Message) map[string]any {
	return map[string]any{
		"text": fmt.Sprintf("%s: limit #%d exceeded (%.2f)", msg.Title, msg.LogLimitID, msg.ExceededValue),
		"blocks": []map[string]any{
			headerBlock(msg),
			fieldsBlock(msg),
			contextBlock(msg),
		},
	}
}

func headerBlock(msg *channel.Message) map[string]any {
	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": "\U0001f534 " + msg.Title, // red circle
		},
	}
}

func fieldsBlock(msg *channel.Message) map[string]any {
	return map[string]any{
		"type": "section",
		"fields": []map[string]any{
			{
				"type": "mrkdwn",
				"text": fmt.Sprintf("*Limit:* #%d", msg.LogLimitID),
			},
			{
				"type": "mrkdwn",
				"text": fmt.Sprintf("*Value:* %.2f", msg.ExceededValue),
			},
		},
	}
}

func contextBlock(msg *channel.Message) map[string]any {
	return map[string]any{
		"type": "context",
		"elements": []map[string]any{
			{
				"type": "mrkdwn",
				"text": fmt.Sprintf("loglimit • %s", msg.Timestamp.UTC().Format("2006-01-02 15:04 UTC")),
			},
		},
	}
}

// stripURL drops the webhook URL from net/url and net/http errors. The URL
// carries the webhook secret and errors end up in logs.
func stripURL(err error) error {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return fmt.Errorf("%s: %w", uerr.Op, uerr.Err)
	}
	return err
}
