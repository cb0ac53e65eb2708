package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// Config defines the broker connection and topic layout.
type Config struct {
	// Enabled registers the transport when the engine is built from
	// configuration.
	Enabled bool `json:"enabled"`
	// Name is the transport name routes refer to.
	Name     string `json:"name"`
	Broker   string `json:"broker"`
	ClientID string `json:"client_id"`
	Username string `json:"username"`
	Password string `json:"password"`
	// Prefix is the root of the act, reply and notify topics.
	Prefix string `json:"prefix"`
	// SharedGroup balances inbound calls over a shared subscription.
	SharedGroup string `json:"shared_group"`
	QoS         byte   `json:"qos"`
	// TimeoutMS is the default timeout of calls sent through the transport.
	TimeoutMS  int         `json:"timeout_ms"`
	UseTLS     bool        `json:"use_tls"`
	ClientCert string      `json:"client_cert"`
	ClientKey  string      `json:"client_key"`
	CABundle   string      `json:"ca_bundle"`
	TLSConfig  *tls.Config `json:"-"`
}

// SetDefaults applies sane defaults.
func (c *Config) SetDefaults() {
	if c.Name == "" {
		c.Name = "mqtt"
	}
	if c.Broker == "" {
		c.Broker = "tcp://localhost:1883"
	}
	if c.ClientID == "" {
		c.ClientID = "relay-" + uuid.NewString()[:8]
	}
	if c.Prefix == "" {
		c.Prefix = "relay"
	}
}

// Validate checks mandatory fields.
func (c Config) Validate() error {
	if c.Broker == "" {
		return fmt.Errorf("mqtt broker is required")
	}
	if c.ClientID == "" {
		return fmt.Errorf("mqtt client_id is required")
	}
	if c.Prefix == "" || strings.ContainsAny(c.Prefix, "#+") {
		return fmt.Errorf("invalid mqtt prefix %q", c.Prefix)
	}
	if strings.ContainsAny(c.SharedGroup, "#+/") {
		return fmt.Errorf("invalid mqtt shared_group %q", c.SharedGroup)
	}
	if c.QoS > 2 {
		return fmt.Errorf("mqtt qos must be 0, 1 or 2")
	}
	if c.TimeoutMS < 0 {
		return fmt.Errorf("mqtt timeout_ms must not be negative")
	}
	return nil
}

// Timeout returns the default call timeout.
func (c Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// ActTopic is the topic calls are published on.
func (c Config) ActTopic() string {
	return c.Prefix + "/act"
}

// ListenTopic is the subscription inbound calls arrive on.
func (c Config) ListenTopic() string {
	if c.SharedGroup != "" {
		return "$share/" + c.SharedGroup + "/" + c.ActTopic()
	}
	return c.ActTopic()
}

// ReplyTopic is where replies to this client's calls are sent.
func (c Config) ReplyTopic() string {
	return c.Prefix + "/reply/" + c.ClientID
}

// NotifyTopic is the topic notifications are published on.
func (c Config) NotifyTopic() string {
	return c.Prefix + "/notify"
}

// NewClientOptions builds mqtt client options from Config.
func NewClientOptions(cfg Config) (*paho.ClientOptions, error) {
	opts := paho.NewClientOptions().AddBroker(cfg.Broker).SetClientID(cfg.ClientID)
	opts.AutoReconnect = true
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	if cfg.UseTLS {
		tlsCfg, err := cfg.LoadTLSConfig()
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsCfg)
	}
	return opts, nil
}

// LoadTLSConfig loads the TLS configuration from the file paths in the config.
func (c Config) LoadTLSConfig() (*tls.Config, error) {
	if c.TLSConfig != nil {
		return c.TLSConfig, nil
	}
	if c.ClientCert == "" || c.ClientKey == "" || c.CABundle == "" {
		return nil, fmt.Errorf("tls config requires client_cert, client_key and ca_bundle")
	}
	cert, err := tls.LoadX509KeyPair(c.ClientCert, c.ClientKey)
	if err != nil {
		return nil, fmt.Errorf("load cert: %w", err)
	}
	caBytes, err := os.ReadFile(c.CABundle)
	if err != nil {
		return nil, fmt.Errorf("read ca: %w", err)
	}
	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(caBytes)
	return &tls.Config{Certificates: []tls.Certificate{cert}, RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
}
