package fleetd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"pkt.systems/pslog"
)

// telemetryBundle owns the metrics HTTP listener.
type telemetryBundle struct {
	server   *http.Server
	listener net.Listener
	logger   pslog.Logger
}

// startTelemetry registers process collectors on reg and serves /metrics
// on addr.
func startTelemetry(addr string, reg *prometheus.Registry, logger pslog.Logger) (*telemetryBundle, error) {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("telemetry: metrics listen: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("telemetry.metrics.serve_error", "error", err)
		}
	}()
	logger.Info("telemetry.metrics.enabled", "listen", ln.Addr().String())
	return &telemetryBundle{server: srv, listener: ln, logger: logger}, nil
}

// Addr returns the bound metrics address.
func (t *telemetryBundle) Addr() net.Addr {
	return t.listener.Addr()
}

// Shutdown stops the metrics listener.
func (t *telemetryBundle) Shutdown(ctx context.Context) {
	if err := t.server.Shutdown(ctx); err != nil {
		t.logger.Warn("telemetry.metrics.shutdown_error", "error", err)
	}
}
