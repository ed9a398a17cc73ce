package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/marcus-qen/rmsync/internal/bridge"
	"github.com/marcus-qen/rmsync/internal/client"
	"github.com/marcus-qen/rmsync/internal/metrics"
	"github.com/marcus-qen/rmsync/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("bridge-token", "", "token UI clients must present to the bridge")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the client with a metrics endpoint and a websocket bridge",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.InitTraceProvider(ctx, cfg.OTLPEndpoint, version)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer scancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("tracing shutdown", zap.Error(err))
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	c, err := client.New(cfg, client.WithLogger(logger), client.WithMetrics(m))
	if err != nil {
		return err
	}

	hub := bridge.NewHub(c.Store(), c.Broker(), logger.Named("bridge"), m)
	if t, _ := cmd.Flags().GetString("bridge-token"); t != "" {
		hub.SetToken(t)
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", m.Handler())
	metricsMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":    c.Indicator(time.Now()).String(),
			"state":     c.Status().State,
			"models":    c.Store().IDs(),
			"last_id":   c.Stream().LastEventID(),
			"bridge_ui": len(hub.Connected()),
		})
	})

	if err := c.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	serve(gctx, g, logger, "metrics", cfg.MetricsAddr, metricsMux)
	serve(gctx, g, logger, "bridge", cfg.BridgeAddr, hub.ServeMux())
	g.Go(func() error {
		<-gctx.Done()
		hub.Close()
		c.Close()
		return nil
	})

	logger.Info("rmwatch serving",
		zap.String("base", cfg.BaseURL),
		zap.Strings("models", cfg.Models),
		zap.String("metrics_addr", cfg.MetricsAddr),
		zap.String("bridge_addr", cfg.BridgeAddr),
		zap.String("version", version),
	)
	return g.Wait()
}

// serve runs an HTTP server in g until ctx ends. An empty addr disables it.
func serve(ctx context.Context, g *errgroup.Group, logger *zap.Logger, name, addr string, h http.Handler) {
	if addr == "" {
		return
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%s server: %w", name, err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			logger.Warn("server shutdown", zap.String("server", name), zap.Error(err))
		}
		return nil
	})
}
