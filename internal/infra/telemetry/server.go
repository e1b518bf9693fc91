package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	DefaultObservabilityAddr = "127.0.0.1:9464"

	shutdownGrace = 5 * time.Second
)

// ObservabilityOptions selects what the admin HTTP listener exposes.
// A nil Metrics disables /metrics and a nil Health disables /healthz.
type ObservabilityOptions struct {
	Addr    string
	Metrics prometheus.Gatherer
	Health  *HealthTracker
	Routes  map[string]http.Handler
}

func (o ObservabilityOptions) empty() bool {
	return o.Metrics == nil && o.Health == nil && len(o.Routes) == 0
}

// NewObservabilityHandler builds the mux served by ServeObservability.
func NewObservabilityHandler(opts ObservabilityOptions) http.Handler {
	mux := http.NewServeMux()
	if opts.Metrics != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(opts.Metrics, promhttp.HandlerOpts{}))
	}
	if opts.Health != nil {
		tracker := opts.Health
		mux.Handle("/healthz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			report := tracker.Report()
			status := http.StatusOK
			if report.Status != "ok" {
				status = http.StatusServiceUnavailable
			}
			writeJSON(w, status, report)
		}))
	}
	for pattern, handler := range opts.Routes {
		mux.Handle(pattern, handler)
	}
	return mux
}

// JSONHandler serves whatever body returns at request time.
func JSONHandler(body func() any) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, body())
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// ServeObservability binds opts.Addr and serves until ctx ends. Bind errors
// are returned immediately.
func ServeObservability(ctx context.Context, opts ObservabilityOptions, logger *zap.Logger) error {
	if opts.empty() {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	addr := opts.Addr
	if addr == "" {
		addr = DefaultObservabilityAddr
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("observability listen %s: %w", addr, err)
	}
	return serveObservability(ctx, lis, opts, logger)
}

func serveObservability(ctx context.Context, lis net.Listener, opts ObservabilityOptions, logger *zap.Logger) error {
	server := &http.Server{
		Handler:           NewObservabilityHandler(opts),
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger.Info("observability server listening",
		zap.String("addr", lis.Addr().String()),
		zap.Bool("metrics", opts.Metrics != nil),
		zap.Bool("healthz", opts.Health != nil),
	)

	served := make(chan error, 1)
	go func() {
		served <- server.Serve(lis)
	}()

	select {
	case err := <-served:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("observability server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("observability server shutdown", zap.Error(err))
		return err
	}
	logger.Info("observability server stopped")
	return nil
}
