package cli

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bjaus/relay"
	"github.com/bjaus/relay/config"
	"github.com/bjaus/relay/logger"
	"github.com/bjaus/relay/metrics"
	"github.com/bjaus/relay/transport/mqtt"
	"github.com/bjaus/relay/transport/nats"
)

// System route patterns served by every relay process.
const (
	PingPattern   = "role:relay, cmd:ping"
	RoutesPattern = "role:relay, cmd:routes"
)

func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		path = ""
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// buildEngine creates an engine from cfg with the enabled transports
// registered. reg receives the metrics collectors when metrics are enabled.
func buildEngine(ctx context.Context, cfg *config.Config, reg prometheus.Registerer) (*relay.Engine, error) {
	if err := logger.SetLevel(cfg.Logging.Level); err != nil {
		return nil, err
	}
	log := logger.New(cfg.Logging.Component)

	opts, err := cfg.Engine.Options()
	if err != nil {
		return nil, err
	}
	opts = append(opts, relay.WithLogger(log))
	if cfg.Metrics.Enabled {
		c, err := metrics.New(cfg.Metrics, reg)
		if err != nil {
			return nil, fmt.Errorf("metrics: %w", err)
		}
		opts = append(opts, c.Options()...)
	}
	e := relay.New(opts...)

	if cfg.MQTT.Enabled {
		if _, err := e.Use(ctx, mqtt.Plugin(cfg.MQTT, mqtt.WithLogger(logger.New("mqtt")))); err != nil {
			return nil, err
		}
	}
	if cfg.NATS.Enabled {
		if _, err := e.Use(ctx, nats.Plugin(cfg.NATS, nats.WithLogger(logger.New("nats")))); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// registerSystemRoutes adds the health and introspection routes.
func registerSystemRoutes(e *relay.Engine) error {
	err := e.AddFunc(PingPattern, func(_ context.Context, _ relay.Message, h *relay.Headers) (any, error) {
		return map[string]any{"pong": true, "id": h.ID, "time": time.Now().UTC().Format(time.RFC3339Nano)}, nil
	})
	if err != nil {
		return err
	}
	return e.AddFunc(RoutesPattern, func(context.Context, relay.Message, *relay.Headers) (any, error) {
		patterns := e.Patterns()
		out := make([]string, 0, len(patterns))
		for _, p := range patterns {
			out = append(out, p.String())
		}
		return out, nil
	})
}
