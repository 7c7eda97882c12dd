package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	MessagesReceived   *prometheus.CounterVec
	DuplicateMessages  prometheus.Counter
	ThreadMerges       prometheus.Counter
	IdentityConflicts  prometheus.Counter
	Transitions        *prometheus.CounterVec
	InterpretSource    *prometheus.CounterVec
	DecisionsEmitted   prometheus.Counter
	OutboundSent       *prometheus.CounterVec
	OutboundFailures   prometheus.Counter
	LeaseWaitTime      prometheus.Histogram
	ProcessingTime     prometheus.Histogram
	ActiveCoordination prometheus.Gauge
}

// NewMetrics creates new Prometheus metrics on the registerer
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		MessagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meeting_coordinator_messages_received_total",
			Help: "Inbound messages by outcome",
		}, []string{"outcome"}),
		DuplicateMessages: factory.NewCounter(prometheus.CounterOpts{
			Name: "meeting_coordinator_duplicate_messages_total",
			Help: "Inbound messages already present in their thread",
		}),
		ThreadMerges: factory.NewCounter(prometheus.CounterOpts{
			Name: "meeting_coordinator_thread_merges_total",
			Help: "Threads retired into another thread",
		}),
		IdentityConflicts: factory.NewCounter(prometheus.CounterOpts{
			Name: "meeting_coordinator_identity_conflicts_total",
			Help: "Merges refused because both threads had an active coordination",
		}),
		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meeting_coordinator_transitions_total",
			Help: "Coordination status transitions by target status",
		}, []string{"status"}),
		InterpretSource: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meeting_coordinator_interpretations_total",
			Help: "Availability statements by source and ambiguity",
		}, []string{"source", "ambiguous"}),
		DecisionsEmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "meeting_coordinator_decisions_emitted_total",
			Help: "Scheduling decisions dispatched",
		}),
		OutboundSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meeting_coordinator_outbound_sent_total",
			Help: "Outbound messages handed to the transport by kind",
		}, []string{"kind"}),
		OutboundFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "meeting_coordinator_outbound_failures_total",
			Help: "Outbound sends that failed and stay queued",
		}),
		LeaseWaitTime: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "meeting_coordinator_lease_wait_seconds",
			Help:    "Time spent waiting for thread leases",
			Buckets: prometheus.DefBuckets,
		}),
		ProcessingTime: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "meeting_coordinator_processing_duration_seconds",
			Help:    "Time spent handling one inbound message",
			Buckets: prometheus.DefBuckets,
		}),
		ActiveCoordination: factory.NewGauge(prometheus.GaugeOpts{
			Name: "meeting_coordinator_active_coordinations",
			Help: "Coordinations started minus coordinations finished since start",
		}),
	}
}

// Server exposes a registry over HTTP
type Server struct {
	server *http.Server
	logger *zap.Logger
}

// NewServer creates a new metrics server for the gatherer
func NewServer(addr string, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return &Server{
		server: &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		logger: logger,
	}
}

// Start begins serving in the background
func (s *Server) Start() error {
	s.logger.Info("Starting metrics server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
	return nil
}

// Stop shuts the server down
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
