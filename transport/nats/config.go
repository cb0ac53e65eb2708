package nats

import (
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// Config defines the NATS connection and subject layout.
type Config struct {
	// Enabled registers the transport when the engine is built from
	// configuration.
	Enabled bool `json:"enabled"`
	// Name is the transport name routes refer to.
	Name string `json:"name"`
	// URL is the NATS server URL.
	URL string `json:"url"`
	// Subject prefixes the act and notify subjects.
	Subject string `json:"subject"`
	// Queue is the queue group inbound calls are balanced over.
	Queue string `json:"queue"`
	// ClientName identifies the connection on the server.
	ClientName string `json:"client_name"`
	Username   string `json:"username"`
	Password   string `json:"password"`
	Token      string `json:"token"`
	// TimeoutMS is the default timeout of calls sent through the transport.
	TimeoutMS       int `json:"timeout_ms"`
	MaxReconnects   int `json:"max_reconnects"`
	ReconnectWaitMS int `json:"reconnect_wait_ms"`
}

// SetDefaults applies sane defaults.
func (c *Config) SetDefaults() {
	if c.Name == "" {
		c.Name = "nats"
	}
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.Subject == "" {
		c.Subject = "relay"
	}
	if c.Queue == "" {
		c.Queue = "relay"
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = 60
	}
	if c.ReconnectWaitMS == 0 {
		c.ReconnectWaitMS = 2000
	}
}

// Validate checks mandatory fields.
func (c Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("nats url is required")
	}
	if c.Subject == "" || strings.ContainsAny(c.Subject, "*> \t") {
		return fmt.Errorf("invalid nats subject %q", c.Subject)
	}
	if c.TimeoutMS < 0 {
		return fmt.Errorf("nats timeout_ms must not be negative")
	}
	return nil
}

// Timeout returns the default call timeout.
func (c Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// ActSubject is the subject calls are sent on.
func (c Config) ActSubject() string {
	return c.Subject + ".act"
}

// NotifySubject is the subject notifications are published on.
func (c Config) NotifySubject() string {
	return c.Subject + ".notify"
}
