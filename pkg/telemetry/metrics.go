// Package telemetry owns the agent's prometheus registry and serves the
// /metrics endpoint.
package telemetry

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	// BytesStreamed counts image bytes committed to the candidate slot.
	BytesStreamed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "otagent",
			Name:      "update_bytes_streamed_total",
			Help:      "Firmware image bytes written to the candidate slot.",
		},
	)

	// UpdateAttempts counts finished update attempts by terminal outcome.
	UpdateAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "otagent",
			Name:      "update_attempts_total",
			Help:      "Update attempts by terminal outcome.",
		},
		[]string{"outcome"},
	)

	// ConnectivityState mirrors the connectivity manager's state:
	// 0 disconnected, 1 joining, 2 connected.
	ConnectivityState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "otagent",
			Name:      "connectivity_state",
			Help:      "Connectivity state (0 disconnected, 1 joining, 2 connected).",
		},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "otagent",
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(BytesStreamed, UpdateAttempts, ConnectivityState, uptime)
}

// Handler exposes the registry for mounting on a mux.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// Serve runs the metrics endpoint until ctx is cancelled.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	errs := make(chan error, 1)
	go func() {
		errs <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return errors.Wrap(err, "metrics server shutdown")
		}
		return nil
	case err := <-errs:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
