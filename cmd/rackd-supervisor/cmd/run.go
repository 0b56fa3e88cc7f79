package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	supervisor "github.com/axondata/go-supervisor"
	"github.com/axondata/go-supervisor/internal/config"
	"github.com/axondata/go-supervisor/internal/logging"
)

// shutdownGrace is added to the stop timeout for the metrics server drain.
const shutdownGrace = 5 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the configured services and supervise them",
	Long: "Start every configured service, expose metrics, and keep watching the\n" +
		"services and the config file until SIGTERM or SIGINT, then stop everything.",
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("rackd-supervisor run: %w", err)
	}

	logger, level, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return fmt.Errorf("rackd-supervisor run: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting rackd-supervisor",
		zap.String("version", buildVersion),
		zap.String("config", cfgFile),
		zap.Int("services", len(cfg.Services)))

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	sup, conns, err := buildSupervisor(ctx, cfg, logger, reg)
	if err != nil {
		return fmt.Errorf("rackd-supervisor run: %w", err)
	}
	defer conns.Close()

	if err := sup.StartAll(ctx); err != nil {
		logger.Error("some services failed to start", zap.Error(err))
	}

	var srv *http.Server
	if cfg.Metrics.Listen != "" {
		srv = serveMetrics(cfg.Metrics.Listen, reg, logger)
	}

	events, stopWatch, err := sup.Watch(ctx, cfg.StatusInterval)
	if err != nil {
		return fmt.Errorf("rackd-supervisor run: %w", err)
	}
	defer func() { _ = stopWatch() }()

	reloads, stopReload, err := config.Watch(ctx, cfgFile)
	if err != nil {
		logger.Warn("config watch disabled", zap.Error(err))
	} else {
		defer func() { _ = stopReload() }()
	}

	superviseLoop(ctx, logger, level, events, reloads)

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.StopTimeout*time.Duration(max(len(cfg.Services), 1))+shutdownGrace)
	defer cancel()

	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown", zap.Error(err))
		}
	}

	if err := sup.StopAll(shutdownCtx); err != nil {
		logger.Error("some services did not stop cleanly", zap.Error(err))
		return fmt.Errorf("rackd-supervisor run: %w", err)
	}
	logger.Info("all services stopped")
	return nil
}

// superviseLoop logs service state changes and applies config reloads
// until ctx ends. A nil reloads channel is never selected.
func superviseLoop(ctx context.Context, logger *zap.Logger, level zap.AtomicLevel, events <-chan supervisor.StatusEvent, reloads <-chan config.Event) {
	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Old == "" {
				logger.Info("service state", zap.String("service", ev.Name), zap.String("state", ev.New))
				continue
			}
			logger.Warn("service state changed",
				zap.String("service", ev.Name),
				zap.String("from", ev.Old),
				zap.String("to", ev.New))

		case ev, ok := <-reloads:
			if !ok {
				reloads = nil
				continue
			}
			if ev.Err != nil {
				logger.Warn("config reload failed, keeping previous configuration", zap.Error(ev.Err))
				continue
			}
			if logLevel == "" {
				if err := logging.SetLevel(level, ev.Config.Log.Level); err != nil {
					logger.Warn("config reload", zap.Error(err))
					continue
				}
			}
			logger.Info("config reloaded", zap.String("log_level", level.String()))
		}
	}
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("serving metrics", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", zap.Error(err))
		}
	}()
	return srv
}
