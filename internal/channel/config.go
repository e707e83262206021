package channel

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the channels file: per-transport settings and send pacing.
type Config struct {
	Email EmailSettings `yaml:"email"`
	Slack SlackSettings `yaml:"slack"`
	Log   LogSettings   `yaml:"log"`
}

// EmailSettings configures the email channel. With no SMTP host the email
// kind is served by the log channel instead.
type EmailSettings struct {
	SMTPHost      string  `yaml:"smtp_host"`
	SMTPPort      int     `yaml:"smtp_port"`
	Username      string  `yaml:"username"`
	Password      string  `yaml:"password"` // may reference env, e.g. ${SMTP_PASSWORD}
	From          string  `yaml:"from"`
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

// SlackSettings configures the slack channel. Subscriber addresses are
// incoming-webhook URLs.
type SlackSettings struct {
	Enabled       bool    `yaml:"enabled"`
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

// LogSettings registers extra kinds that are only logged, e.g. "sms" while
// no SMS provider exists.
type LogSettings struct {
	Kinds []string `yaml:"kinds"`
}

// LoadConfig reads a channels file. An empty path returns the defaults.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(path) //nolint:gosec // path is operator-supplied config
	if err != nil {
		return nil, fmt.Errorf("read channels file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("parse channels file: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate channels file: %w", err)
	}
	return &cfg, nil
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

func (c *Config) setDefaults() {
	if c.Email.SMTPHost != "" && c.Email.SMTPPort == 0 {
		c.Email.SMTPPort = 587
	}
	if c.Email.RatePerSecond > 0 && c.Email.Burst == 0 {
		c.Email.Burst = 1
	}
	if c.Slack.RatePerSecond > 0 && c.Slack.Burst == 0 {
		c.Slack.Burst = 1
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error
	if c.Email.SMTPHost != "" {
		if c.Email.SMTPPort <= 0 || c.Email.SMTPPort > 65535 {
			errs = append(errs, fmt.Errorf("email.smtp_port %d must be 1..65535", c.Email.SMTPPort))
		}
		if c.Email.From == "" {
			errs = append(errs, errors.New("email.from is required when email.smtp_host is set"))
		}
	}
	if c.Email.RatePerSecond < 0 {
		errs = append(errs, errors.New("email.rate_per_second must not be negative"))
	}
	if c.Slack.RatePerSecond < 0 {
		errs = append(errs, errors.New("slack.rate_per_second must not be negative"))
	}
	for _, k := range c.Log.Kinds {
		if k == "" {
			errs = append(errs, errors.New("log.kinds must not contain empty names"))
			break
		}
	}
	return errors.Join(errs...)
}
