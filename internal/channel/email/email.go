// Package email delivers limit alerts over SMTP.
package email

import (
	"bytes"
	"context"
	"crypto/tls"
	_ "embed"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"text/template"
	"time"

	"github.com/linnemanlabs/loglimit/internal/channel"
)

// Kind is the notification type served by this channel.
const Kind = "email"

const dialTimeout = 30 * time.Second

//go:embed body.txt.tmpl
var bodyTemplate string

var body = template.Must(template.New("body").Parse(bodyTemplate))

// Config holds SMTP settings.
type Config struct {
	Host     string // SMTP server host
	Port     int    // 465 for implicit TLS, otherwise STARTTLS when offered
	Username string // optional
	Password string // optional
	From     string
}

// Validate checks the SMTP settings.
func (c *Config) Validate() error {
	if c.Host == "" {
		return errors.New("SMTP host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("SMTP port %d must be 1..65535", c.Port)
	}
	if c.From == "" {
		return errors.New("from address is required")
	}
	return nil
}

// Channel sends one email per message to the message address.
type Channel struct {
	cfg Config
}

// New creates an email channel.
func New(cfg Config) (*Channel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid email config: %w", err)
	}
	return &Channel{cfg: cfg}, nil
}

// Kind returns "email".
func (c *Channel) Kind() string { return Kind }

// Send renders msg and delivers it to msg.Address.
func (c *Channel) Send(ctx context.Context, msg *channel.Message) error {
	if msg.Address == "" {
		return errors.New("email: empty recipient address")
	}
	data, err := c.buildMessage(msg)
	if err != nil {
		return err
	}
	return c.sendMail(ctx, msg.Address, data)
}

func (c *Channel) buildMessage(msg *channel.Message) ([]byte, error) {
	var text bytes.Buffer
	if err := body.Execute(&text, msg); err != nil {
		return nil, fmt.Errorf("email: render body: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", c.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", msg.Address)
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Title)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(text.String(), "\n", "\r\n"))
	return []byte(b.String()), nil
}

func (c *Channel) sendMail(ctx context.Context, rcpt string, data []byte) error {
	client, err := c.connect(ctx)
	if err != nil {
		return fmt.Errorf("email: connect: %w", err)
	}
	defer func() { _ = client.Close() }()

	if c.cfg.Username != "" && c.cfg.Password != "" {
		auth := smtp.PlainAuth("", c.cfg.Username, c.cfg.Password, c.cfg.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("email: auth: %w", err)
		}
	}
	if err := client.Mail(extractAddress(c.cfg.From)); err != nil {
		return fmt.Errorf("email: set sender: %w", err)
	}
	if err := client.Rcpt(rcpt); err != nil {
		return fmt.Errorf("email: add recipient %s: %w", rcpt, err)
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("email: start data: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("email: write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("email: close data: %w", err)
	}
	return client.Quit()
}

// connect dials the server, honoring ctx for the dial and as an I/O deadline
// for the whole SMTP exchange.
func (c *Channel) connect(ctx context.Context) (*smtp.Client, error) {
	addr := net.JoinHostPort(c.cfg.Host, fmt.Sprint(c.cfg.Port))
	tlsConfig := &tls.Config{ServerName: c.cfg.Host, MinVersion: tls.VersionTLS12}

	var (
		conn net.Conn
		err  error
	)
	if c.cfg.Port == 465 {
		d := &tls.Dialer{NetDialer: &net.Dialer{Timeout: dialTimeout}, Config: tlsConfig}
		conn, err = d.DialContext(ctx, "tcp", addr)
	} else {
		d := &net.Dialer{Timeout: dialTimeout}
		conn, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, c.cfg.Host)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if c.cfg.Port != 465 {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(tlsConfig); err != nil {
				_ = client.Close()
				return nil, fmt.Errorf("starttls: %w", err)
			}
		}
	}
	return client, nil
}

// extractAddress returns the bare address from a "Name <addr>" form.
func extractAddress(addr string) string {
	if start := strings.Index(addr, "<"); start != -1 {
		if end := strings.Index(addr, ">"); end > start {
			return addr[start+1 : end]
		}
	}
	return addr
}
