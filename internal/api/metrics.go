package api

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"quantrisk/internal/domain"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quantrisk_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "route", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "quantrisk_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	}, []string{"method", "route"})

	ordersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quantrisk_orders_total",
		Help: "Paper orders by side and final status",
	}, []string{"side", "status"})

	riskAlertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quantrisk_risk_alerts_total",
		Help: "Risk alerts raised by the paper-trading risk manager",
	}, []string{"type", "severity"})

	backtestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quantrisk_backtests_total",
		Help: "Backtest runs by outcome",
	}, []string{"outcome"})

	wsClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quantrisk_websocket_clients",
		Help: "Connected alert stream clients",
	})
)

// MetricsHandler returns the Prometheus metrics HTTP handler.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

func observeOrder(o *domain.Order) {
	if o == nil {
		return
	}
	ordersTotal.WithLabelValues(string(o.Side), string(o.Status)).Inc()
}

// instrument records request counts and latency by route pattern.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(sw.status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// statusWriter captures the response status. It passes hijacking through so
// the alert stream can upgrade.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
