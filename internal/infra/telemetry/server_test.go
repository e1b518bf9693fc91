package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestObservabilityHandlerMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	prom := NewPrometheusMetrics(registry)
	prom.SetUpstreamSessions("ready", 2)

	srv := httptest.NewServer(NewObservabilityHandler(ObservabilityOptions{Metrics: registry}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "# HELP")

	missing, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	missing.Body.Close()
	require.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestObservabilityHandlerHealthz(t *testing.T) {
	tracker := NewHealthTracker()
	beat := tracker.Register("test-loop", 200*time.Millisecond)
	beat.Beat()

	srv := httptest.NewServer(NewObservabilityHandler(ObservabilityOptions{Health: tracker}))
	defer srv.Close()

	waitForHealth(t, srv.URL+"/healthz", http.StatusOK)
	waitForHealth(t, srv.URL+"/healthz", http.StatusServiceUnavailable)
}

func TestObservabilityHandlerExtraRoute(t *testing.T) {
	srv := httptest.NewServer(NewObservabilityHandler(ObservabilityOptions{
		Routes: map[string]http.Handler{
			"/metrics/tools": JSONHandler(func() any { return []string{"greet"} }),
		},
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics/tools")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	var names []string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&names))
	require.Equal(t, []string{"greet"}, names)
}

func TestServeObservabilityStopsOnCancel(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- serveObservability(ctx, lis, ObservabilityOptions{Health: NewHealthTracker()}, zap.NewNop())
	}()

	waitForHealth(t, fmt.Sprintf("http://%s/healthz", lis.Addr()), http.StatusOK)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestServeObservabilityAddressInUse(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("listen: %v", err)
	}
	defer lis.Close()

	err = ServeObservability(context.Background(), ObservabilityOptions{
		Addr:   lis.Addr().String(),
		Health: NewHealthTracker(),
	}, zap.NewNop())
	require.Error(t, err)
}

func TestServeObservabilityNothingEnabled(t *testing.T) {
	require.NoError(t, ServeObservability(context.Background(), ObservabilityOptions{}, nil))
}

func waitForHealth(t *testing.T, url string, status int) {
	t.Helper()
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		if resp.StatusCode != status {
			return false
		}
		var report HealthReport
		if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
			return false
		}
		return status != http.StatusOK || report.Status == "ok"
	}, 2*time.Second, 25*time.Millisecond)
}

func TestHealthTrackerProbes(t *testing.T) {
	tracker := NewHealthTracker()
	require.Equal(t, "ok", tracker.Report().Status)

	tracker.SetProbe("upstream:github", func() error { return errors.New("session failed") })
	report := tracker.Report()
	require.Equal(t, "degraded", report.Status)
	require.Len(t, report.Checks, 1)
	require.Equal(t, "failing", report.Checks[0].Status)
	require.Equal(t, "session failed", report.Checks[0].Detail)

	tracker.SetProbe("upstream:github", nil)
	require.Equal(t, "ok", tracker.Report().Status)
}
