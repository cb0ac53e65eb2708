package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/bjaus/relay/logger"
	"github.com/bjaus/relay/metrics"
)

func newServeCommand(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the system routes over the configured transports",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, *cfgPath)
		},
	}
}

func serve(ctx context.Context, cfgPath string) error {
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return err
	}
	e, err := buildEngine(ctx, cfg, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	if err := registerSystemRoutes(e); err != nil {
		return err
	}
	log := logger.New("serve")

	if err := e.Connect(ctx); err != nil {
		return err
	}
	if err := e.Listen(ctx); err != nil {
		_ = e.Disconnect(context.Background())
		return err
	}
	log.Infof("relay serving %d routes", len(e.Patterns()))

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Metrics.Enabled {
		g.Go(func() error {
			return metrics.Serve(gctx, cfg.Metrics.Addr, prometheus.DefaultGatherer, log)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.Close(shutdownCtx); err != nil {
			log.Errorf("close: %v", err)
		}
		if err := e.Wait(shutdownCtx); err != nil {
			log.Warnf("in-flight calls abandoned: %v", err)
		}
		if err := e.Disconnect(shutdownCtx); err != nil {
			return fmt.Errorf("disconnect: %w", err)
		}
		return nil
	})
	return g.Wait()
}
