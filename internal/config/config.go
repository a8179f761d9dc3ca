package config

import (
	"fmt"
	"os"
	"time"

	"go.yaml.in/yaml/v4"
)

// Config is the top-level application configuration.
type Config struct {
	LogLevel string  `yaml:"log_level"`
	Mailbox  Mailbox `yaml:"mailbox"`
	Hub      Hub     `yaml:"hub"`
	Alerts   Alerts  `yaml:"alerts"`
}

// Mailbox describes the watched IMAP account.
type Mailbox struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	UseTLS   bool   `yaml:"use_tls"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Folder   string `yaml:"folder"`

	// StartSeq is the sequence number treated as already delivered when
	// the process starts. Everything at or below it is skipped. When nil
	// the first EXISTS count observed becomes the baseline.
	StartSeq       *uint32 `yaml:"start_seq"`
	CheckpointFile string  `yaml:"checkpoint_file"`

	IdleTimeoutSeconds    int `yaml:"idle_timeout_seconds"`
	OpenTimeoutSeconds    int `yaml:"open_timeout_seconds"`
	CommandTimeoutSeconds int `yaml:"command_timeout_seconds"`
	ReconnectDelaySeconds int `yaml:"reconnect_delay_seconds"`
}

// Hub holds the subscriber listener settings.
type Hub struct {
	Listen              string `yaml:"listen"`
	InboundRatePerSec   int    `yaml:"inbound_rate_per_sec"`
	MaxMessageBytes     int64  `yaml:"max_message_bytes"`
	WriteTimeoutSeconds int    `yaml:"write_timeout_seconds"`
}

// Alerts configures forwarding of rejected payment notifications.
type Alerts struct {
	ForwardTo string `yaml:"forward_to"`
	SMTP      SMTP   `yaml:"smtp"`
}

// SMTP holds the outgoing mail server configuration.
type SMTP struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	UseTLS   bool   `yaml:"use_tls"`

	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// Timeout bounds one forwarding session, from dial to QUIT.
func (s *SMTP) Timeout() time.Duration {
	return seconds(s.TimeoutSeconds, 30)
}

// Enabled reports whether rejected notifications should be forwarded.
func (a *Alerts) Enabled() bool {
	return a.ForwardTo != ""
}

// GetFolder returns the IMAP folder name, defaulting to "INBOX".
func (m *Mailbox) GetFolder() string {
	if m.Folder == "" {
		return "INBOX"
	}
	return m.Folder
}

// IdleTimeout is how long the session stays in IDLE before probing the
// connection with NOOP.
func (m *Mailbox) IdleTimeout() time.Duration {
	return seconds(m.IdleTimeoutSeconds, 5)
}

// OpenTimeout bounds connect, login and select together.
func (m *Mailbox) OpenTimeout() time.Duration {
	return seconds(m.OpenTimeoutSeconds, 5)
}

// CommandTimeout bounds a single IMAP command once the folder is open.
func (m *Mailbox) CommandTimeout() time.Duration {
	return seconds(m.CommandTimeoutSeconds, 30)
}

// ReconnectDelay is the pause between a closed connection and the next attempt.
func (m *Mailbox) ReconnectDelay() time.Duration {
	return seconds(m.ReconnectDelaySeconds, 1)
}

// GetListen returns the subscriber listen address, defaulting to all
// interfaces on port 6900.
func (h *Hub) GetListen() string {
	if h.Listen == "" {
		return "[::]:6900"
	}
	return h.Listen
}

// GetInboundRate returns how many non-ping frames per second a
// subscriber may send before the rest are dropped unlogged.
func (h *Hub) GetInboundRate() int {
	if h.InboundRatePerSec <= 0 {
		return 5
	}
	return h.InboundRatePerSec
}

// GetMaxMessageBytes returns the largest inbound frame a subscriber may
// send, defaulting to 100 MiB.
func (h *Hub) GetMaxMessageBytes() int64 {
	if h.MaxMessageBytes <= 0 {
		return 100 << 20
	}
	return h.MaxMessageBytes
}

// WriteTimeout bounds a single send to one subscriber.
func (h *Hub) WriteTimeout() time.Duration {
	return seconds(h.WriteTimeoutSeconds, 5)
}

func seconds(n, def int) time.Duration {
	if n <= 0 {
		return time.Duration(def) * time.Second
	}
	return time.Duration(n) * time.Second
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration bytes and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{
		LogLevel: "info",
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	m := c.Mailbox
	if m.Host == "" {
		return fmt.Errorf("mailbox.host is required")
	}
	if m.Port == 0 {
		return fmt.Errorf("mailbox.port is required")
	}
	if m.Username == "" || m.Password == "" {
		return fmt.Errorf("mailbox.username and mailbox.password are required")
	}
	if c.Alerts.Enabled() {
		if c.Alerts.SMTP.Host == "" {
			return fmt.Errorf("alerts.smtp.host is required when alerts.forward_to is set")
		}
		if c.Alerts.SMTP.Port == 0 {
			return fmt.Errorf("alerts.smtp.port is required when alerts.forward_to is set")
		}
	}
	return nil
}
