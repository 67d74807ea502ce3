// Package metrics wires Prometheus collectors for the server (spec.md
// §4.6 observability, SPEC_FULL.md §4) and serves them on a dedicated
// listener separate from the RESP port.
//
// Grounded in go-server-3/internal/metrics/metrics.go's Registry
// struct built with promauto, generalized from a WebSocket server's
// handful of counters to this system's KV/OM/broker/connection
// surface.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/adred-codev/resp-kv-server/internal/om"
)

// Registry holds every Prometheus collector the server reports.
type Registry struct {
	reg *prometheus.Registry

	KVOpsTotal         *prometheus.CounterVec
	KVExpirationsTotal prometheus.Counter

	BrokerPublishesTotal *prometheus.CounterVec
	BrokerDeliveredTotal prometheus.Counter
	BrokerChannelsActive prometheus.Gauge

	OMMessagesEnqueuedTotal *prometheus.CounterVec
	OMMessagesDroppedTotal  *prometheus.CounterVec
	OMFlushesTotal          prometheus.Counter
	OMFlushDurationSeconds  prometheus.Histogram
	OMQueueDepthSnapshot    prometheus.Histogram

	ConnectionsAcceptedTotal prometheus.Counter
	ConnectionsRejectedTotal *prometheus.CounterVec
	ConnectionsActive        prometheus.Gauge

	StoreKeys prometheus.Gauge

	DispatchCommandDurationSeconds *prometheus.HistogramVec
}

// NewRegistry builds and registers every collector against a private
// prometheus.Registry (not the global DefaultRegisterer), so multiple
// servers in the same test binary never collide.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,

		KVOpsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kv_ops_total",
			Help: "Total key/value operations by command",
		}, []string{"op"}),
		KVExpirationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "kv_expirations_total",
			Help: "Total keys removed by TTL expiration",
		}),

		BrokerPublishesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_publishes_total",
			Help: "Total PUBLISH calls by delivery strategy",
		}, []string{"strategy"}),
		BrokerDeliveredTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "broker_delivered_total",
			Help: "Total messages delivered to subscribers",
		}),
		BrokerChannelsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "broker_channels_active",
			Help: "Number of channels with at least one subscriber",
		}),

		OMMessagesEnqueuedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "om_messages_enqueued_total",
			Help: "Total messages enqueued into an OM slot by priority",
		}, []string{"priority"}),
		OMMessagesDroppedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "om_messages_dropped_total",
			Help: "Total messages dropped by the OM by reason",
		}, []string{"reason"}),
		OMFlushesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "om_flushes_total",
			Help: "Total OM slot flush operations",
		}),
		OMFlushDurationSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "om_flush_duration_seconds",
			Help:    "Duration of OM slot flush operations",
			Buckets: prometheus.DefBuckets,
		}),
		OMQueueDepthSnapshot: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "om_queue_depth_snapshot",
			Help:    "Distribution of per-slot queue depth observed on enqueue",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),

		ConnectionsAcceptedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "connections_accepted_total",
			Help: "Total accepted TCP connections",
		}),
		ConnectionsRejectedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "connections_rejected_total",
			Help: "Total rejected connection attempts by reason",
		}, []string{"reason"}),
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "connections_active",
			Help: "Current number of accepted connections",
		}),

		StoreKeys: factory.NewGauge(prometheus.GaugeOpts{
			Name: "store_keys",
			Help: "Current number of keys in the store",
		}),

		DispatchCommandDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dispatch_command_duration_seconds",
			Help:    "Duration of command dispatch by command name",
			Buckets: prometheus.DefBuckets,
		}, []string{"command"}),
	}
}

// Handler returns the /metrics HTTP handler for this registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Serve starts an HTTP listener on addr exposing /metrics and
// /healthz, returning once ctx is canceled. Grounded in spec.md's
// MetricsAddr, a listener separate from the RESP port since Prometheus
// scraping and RESP traffic share no framing.
func (r *Registry) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	mux.HandleFunc("/healthz", healthzHandler)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func healthzHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// OMAdapter implements om.Metrics on top of a Registry, so the OM
// package stays free of a direct Prometheus dependency (it only needs
// the small interface it declares).
type OMAdapter struct {
	r *Registry
}

// NewOMAdapter wraps reg for use as an om.Metrics sink.
func NewOMAdapter(reg *Registry) *OMAdapter {
	return &OMAdapter{r: reg}
}

func (a *OMAdapter) ObserveEnqueue(priority om.Priority) {
	a.r.OMMessagesEnqueuedTotal.WithLabelValues(priority.String()).Inc()
}

func (a *OMAdapter) ObserveDrop(reason string) {
	a.r.OMMessagesDroppedTotal.WithLabelValues(reason).Inc()
}

func (a *OMAdapter) ObserveFlush(d time.Duration) {
	a.r.OMFlushesTotal.Inc()
	a.r.OMFlushDurationSeconds.Observe(d.Seconds())
}

func (a *OMAdapter) SetQueueDepth(depth int) {
	a.r.OMQueueDepthSnapshot.Observe(float64(depth))
}

// StoreAdapter implements store.Metrics on top of a Registry.
type StoreAdapter struct {
	r *Registry
}

// NewStoreAdapter wraps reg for use as a store.Metrics sink.
func NewStoreAdapter(reg *Registry) *StoreAdapter {
	return &StoreAdapter{r: reg}
}

func (a *StoreAdapter) ObserveExpiration() {
	a.r.KVExpirationsTotal.Inc()
}

// BrokerAdapter implements pubsub.Metrics on top of a Registry.
type BrokerAdapter struct {
	r *Registry
}

// NewBrokerAdapter wraps reg for use as a pubsub.Metrics sink.
func NewBrokerAdapter(reg *Registry) *BrokerAdapter {
	return &BrokerAdapter{r: reg}
}

func (a *BrokerAdapter) ObservePublish(strategy string) {
	a.r.BrokerPublishesTotal.WithLabelValues(strategy).Inc()
}

func (a *BrokerAdapter) ObserveDelivered(n int) {
	a.r.BrokerDeliveredTotal.Add(float64(n))
}

func (a *BrokerAdapter) SetChannelsActive(n int) {
	a.r.BrokerChannelsActive.Set(float64(n))
}
