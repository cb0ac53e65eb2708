package config

import (
	"fmt"
	"time"

	"github.com/bjaus/relay"
)

// Error policy names.
const (
	PolicyRethrow   = "rethrow"
	PolicyMute      = "mute"
	PolicyTerminate = "terminate"
)

// EngineConfig holds the engine defaults. Durations are milliseconds; a
// negative timeout disables the call deadline.
type EngineConfig struct {
	TimeoutMS        int    `json:"timeout_ms"`
	SlowMS           int    `json:"slow_ms"`
	Notify           bool   `json:"notify"`
	MatchOrder       string `json:"match_order"`
	ForbidDuplicates bool   `json:"forbid_duplicates"`
	StrictDirectives bool   `json:"strict_directives"`
	DedupTTLMS       int    `json:"dedup_ttl_ms"`
	DedupSize        int    `json:"dedup_size"`
	// ErrorPolicy is one of rethrow, mute or terminate. terminate exits on
	// handler panics.
	ErrorPolicy string `json:"error_policy"`
}

// SetDefaults applies sane defaults.
func (c *EngineConfig) SetDefaults() {
	if c.TimeoutMS == 0 {
		c.TimeoutMS = int(relay.DefaultTimeout / time.Millisecond)
	}
	if c.DedupTTLMS == 0 {
		c.DedupTTLMS = int(relay.DefaultDedupTTL / time.Millisecond)
	}
	if c.DedupSize == 0 {
		c.DedupSize = relay.DefaultDedupSize
	}
	if c.MatchOrder == "" {
		c.MatchOrder = relay.OrderDepth.String()
	}
	if c.ErrorPolicy == "" {
		c.ErrorPolicy = PolicyRethrow
	}
}

// Validate checks the engine settings.
func (c EngineConfig) Validate() error {
	if _, err := relay.ParseMatchOrder(c.MatchOrder); err != nil {
		return err
	}
	if c.SlowMS < 0 {
		return fmt.Errorf("slow_ms must not be negative")
	}
	if c.DedupTTLMS < 0 {
		return fmt.Errorf("dedup_ttl_ms must not be negative")
	}
	if c.DedupSize < 0 {
		return fmt.Errorf("dedup_size must not be negative")
	}
	switch c.ErrorPolicy {
	case PolicyRethrow, PolicyMute, PolicyTerminate:
	default:
		return fmt.Errorf("unknown error policy %q", c.ErrorPolicy)
	}
	return nil
}

// Options converts the settings into engine options.
func (c EngineConfig) Options() ([]relay.Option, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	order, _ := relay.ParseMatchOrder(c.MatchOrder)
	timeout := time.Duration(max(c.TimeoutMS, 0)) * time.Millisecond

	opts := []relay.Option{
		relay.WithTimeout(timeout),
		relay.WithSlow(time.Duration(c.SlowMS) * time.Millisecond),
		relay.WithNotify(c.Notify),
		relay.WithMatchOrder(order),
		relay.WithForbidDuplicates(c.ForbidDuplicates),
		relay.WithStrictDirectives(c.StrictDirectives),
	}
	if c.DedupTTLMS > 0 {
		opts = append(opts, relay.WithDedupTTL(time.Duration(c.DedupTTLMS)*time.Millisecond))
	}
	if c.DedupSize > 0 {
		opts = append(opts, relay.WithDedupSize(c.DedupSize))
	}
	switch c.ErrorPolicy {
	case PolicyMute:
		opts = append(opts, relay.WithErrorPolicy(relay.Mute()))
	case PolicyTerminate:
		opts = append(opts, relay.WithErrorPolicy(relay.TerminateOn(relay.ErrPanic)))
	}
	return opts, nil
}
