package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/stratusai/stratus/config"
	"github.com/stratusai/stratus/eventbus"
	"github.com/stratusai/stratus/realtime"
	"github.com/stratusai/stratus/resource"
)

// NewServeCommand creates the serve command that runs the daemon.
func NewServeCommand() *cobra.Command {
	var (
		configPath string
		host       string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the advisory platform daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("host") {
				cfg.Server.Host = host
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			return serve(cmd.Context(), cfg, configPath)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to the configuration file (yaml, toml, or json)")
	cmd.Flags().StringVar(&host, "host", "", "listen address, overrides the configuration")
	cmd.Flags().IntVar(&port, "port", 0, "listen port, overrides the configuration")
	return cmd
}

func serve(parent context.Context, cfg *config.Config, configPath string) error {
	logger := cfg.Logging.Logger()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus, err := eventbus.New(&cfg.EventBus, logger)
	if err != nil {
		return err
	}
	if err := bus.Start(ctx); err != nil {
		return err
	}

	resources, err := resource.NewManager(&cfg.Resources, nil, logger)
	if err != nil {
		return err
	}
	if err := resources.Start(ctx); err != nil {
		return err
	}

	conns := realtime.NewConnectionManager(logger)
	ws, err := realtime.NewWebSocketManager(&cfg.Realtime, bus, conns, logger)
	if err != nil {
		return err
	}
	if err := ws.Start(ctx); err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		eventbus.NewPrometheusCollector(bus, ""),
	)
	if cfg.Metrics.Enabled && cfg.Metrics.StatsdAddr != "" {
		exporter, err := eventbus.NewStatsdExporter(bus, "", cfg.Metrics.StatsdAddr, cfg.Metrics.FlushInterval)
		if err != nil {
			logger.Warn("Statsd exporter disabled", "error", err)
		} else {
			go exporter.Run(ctx)
		}
	}

	if configPath != "" {
		go func() {
			err := config.Watch(ctx, configPath, logger, func(next *config.Config) {
				if err := resources.UpdateLimits(next.Resources.Limits); err != nil {
					logger.Warn("Rejected reloaded resource limits", "error", err)
				}
			})
			if err != nil {
				logger.Warn("Config watcher stopped", "error", err)
			}
		}()
	}

	router := newRouter(cfg, bus, resources, ws, registry)
	server := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Listening", "addr", server.Addr, "version", Version)
		serverErr <- server.ListenAndServe()
	}()

	bus.PublishSimple(ctx, eventbus.EventSystemStarted,
		map[string]any{"addr": server.Addr, "version": Version},
		eventbus.WithSource("stratusd"))

	select {
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	bus.PublishSimple(shutdownCtx, eventbus.EventSystemStopped, nil,
		eventbus.WithSource("stratusd"))

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", "error", err)
	}
	if err := ws.Stop(shutdownCtx); err != nil {
		logger.Warn("Realtime shutdown incomplete", "error", err)
	}
	if err := resources.Stop(shutdownCtx); err != nil {
		logger.Warn("Resource manager shutdown incomplete", "error", err)
	}
	if err := bus.Stop(shutdownCtx); err != nil {
		logger.Warn("Event bus shutdown incomplete", "error", err)
	}
	logger.Info("Shutdown complete")
	return nil
}

func newRouter(cfg *config.Config, bus *eventbus.Bus, resources *resource.Manager, ws *realtime.WebSocketManager, registry *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/ws", ws.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/stats", func(w http.ResponseWriter, req *http.Request) {
		sent, dropped := ws.Stats()
		payload := map[string]any{
			"eventBus": bus.Stats(),
			"resources": map[string]any{
				"usage":      resources.Snapshot(),
				"limits":     resources.Limits(),
				"queueDepth": resources.QueueDepth(),
			},
			"realtime": map[string]any{
				"connected":       ws.Connected(),
				"messagesSent":    sent,
				"messagesDropped": dropped,
			},
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	if cfg.Metrics.Enabled {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}
	return r
}
