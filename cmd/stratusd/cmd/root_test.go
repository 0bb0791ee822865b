package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratusai/stratus/config"
	"github.com/stratusai/stratus/eventbus"
	"github.com/stratusai/stratus/realtime"
	"github.com/stratusai/stratus/resource"
)

func TestVersionCommand(t *testing.T) {
	cmd := NewVersionCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "stratusd v")
}

func TestRootCommandHasSubcommands(t *testing.T) {
	root := NewRootCommand()
	names := make([]string, 0, 2)
	for _, sub := range root.Commands() {
		names = append(names, sub.Name())
	}
	assert.Contains(t, names, "serve")
	assert.Contains(t, names, "version")
}

func TestRouterEndpoints(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(&strings.Builder{}, nil))
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Metrics.Enabled = true

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus, err := eventbus.New(&cfg.EventBus, logger)
	require.NoError(t, err)
	require.NoError(t, bus.Start(ctx))

	resources, err := resource.NewManager(&cfg.Resources, nil, logger)
	require.NoError(t, err)

	ws, err := realtime.NewWebSocketManager(&cfg.Realtime, bus, realtime.NewConnectionManager(logger), logger)
	require.NoError(t, err)
	require.NoError(t, ws.Start(ctx))

	t.Cleanup(func() {
		shutdownCtx, stop := context.WithTimeout(context.Background(), 2*time.Second)
		defer stop()
		_ = ws.Stop(shutdownCtx)
		_ = bus.Stop(shutdownCtx)
	})

	registry := prometheus.NewRegistry()
	registry.MustRegister(eventbus.NewPrometheusCollector(bus, ""))

	srv := httptest.NewServer(newRouter(cfg, bus, resources, ws, registry))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Contains(t, stats, "eventBus")
	assert.Contains(t, stats, "resources")
	assert.Contains(t, stats, "realtime")

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}
