// control/metrics.go
// Author: momentics <momentics@gmail.com>
//
// Prometheus collectors for the reactor, pipeline and upload subsystems,
// registered on a private registry and served on a chi router.

package control

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics holds every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	reg *prometheus.Registry

	connectionsTotal  prometheus.Counter
	connectionsActive prometheus.Gauge
	acceptRejected    *prometheus.CounterVec
	httpRequests      *prometheus.CounterVec
	wsMessages        *prometheus.CounterVec
	pipeline          *prometheus.CounterVec
	uploadTokens      *prometheus.CounterVec
	workerPanics      prometheus.Counter
}

// NewMetrics creates and registers the collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_connections_total",
			Help: "Accepted client connections",
		}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chat_connections_active",
			Help: "Currently open client connections",
		}),
		acceptRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_accept_rejected_total",
			Help: "Connections refused by the accept limiter",
		}, []string{"reason"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_http_requests_total",
			Help: "HTTP requests by method and response code",
		}, []string{"method", "code"}),
		wsMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_ws_messages_total",
			Help: "WebSocket messages by direction",
		}, []string{"direction"}),
		pipeline: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_db_commands_total",
			Help: "Database pipeline commands by name and status",
		}, []string{"command", "status"}),
		uploadTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_upload_tokens_total",
			Help: "Upload token lifecycle events",
		}, []string{"event"}),
		workerPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_worker_panics_total",
			Help: "Panics recovered in worker event handlers",
		}),
	}
	m.reg.MustRegister(
		m.connectionsTotal, m.connectionsActive, m.acceptRejected, m.httpRequests,
		m.wsMessages, m.pipeline, m.uploadTokens, m.workerPanics,
		collectors.NewGoCollector(),
	)
	return m
}

func (m *Metrics) ConnOpened() {
	if m == nil {
		return
	}
	m.connectionsTotal.Inc()
	m.connectionsActive.Inc()
}

func (m *Metrics) ConnClosed() {
	if m != nil {
		m.connectionsActive.Dec()
	}
}

func (m *Metrics) AcceptRejected(reason string) {
	if m != nil {
		m.acceptRejected.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) HTTPRequest(method string, code int) {
	if m != nil {
		m.httpRequests.WithLabelValues(method, strconv.Itoa(code)).Inc()
	}
}

func (m *Metrics) WSIn() {
	if m != nil {
		m.wsMessages.WithLabelValues("in").Inc()
	}
}

func (m *Metrics) WSOut(n int) {
	if m != nil {
		m.wsMessages.WithLabelValues("out").Add(float64(n))
	}
}

// Pipeline matches db.Observer once the status is rendered.
func (m *Metrics) Pipeline(command, status string) {
	if m != nil {
		m.pipeline.WithLabelValues(command, status).Inc()
	}
}

func (m *Metrics) UploadToken(event string) {
	if m != nil {
		m.uploadTokens.WithLabelValues(event).Inc()
	}
}

func (m *Metrics) WorkerPanic() {
	if m != nil {
		m.workerPanics.Inc()
	}
}

// Registry exposes the registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Router returns the admin routes: /metrics and /healthz.
func (m *Metrics) Router(healthy func() bool) http.Handler {
	r := chi.NewRouter()
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if healthy != nil && !healthy() {
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	})
	return r
}

// ServeAdmin runs the admin server until ctx ends.
func ServeAdmin(ctx context.Context, addr string, h http.Handler, log zerolog.Logger) error {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 5 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	log.Info().Str("addr", addr).Msg("admin server listening")

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	}
}
