package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Config defines the Prometheus exposition settings.
type Config struct {
	// Enabled turns on the collectors and the HTTP endpoint.
	Enabled bool `json:"enabled"`
	// Addr is the listen address of the /metrics endpoint.
	Addr string `json:"addr"`
	// Namespace prefixes every metric name.
	Namespace string `json:"namespace"`
	// Buckets are the call duration histogram buckets in seconds.
	Buckets []float64 `json:"buckets"`
}

// SetDefaults applies sane defaults.
func (c *Config) SetDefaults() {
	if c.Addr == "" {
		c.Addr = ":9100"
	}
	if c.Namespace == "" {
		c.Namespace = "relay"
	}
	if len(c.Buckets) == 0 {
		c.Buckets = prometheus.DefBuckets
	}
}

// Validate checks mandatory fields.
func (c Config) Validate() error {
	if c.Enabled && c.Addr == "" {
		return fmt.Errorf("metrics addr is required")
	}
	for i := 1; i < len(c.Buckets); i++ {
		if c.Buckets[i] <= c.Buckets[i-1] {
			return fmt.Errorf("metrics buckets must be increasing")
		}
	}
	return nil
}
