package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusCollector implements Collector using prometheus metrics.
type PrometheusCollector struct {
	connectionsTotal  prometheus.Counter
	connectionsActive prometheus.Gauge

	nameplatesClaimedTotal prometheus.Counter
	mailboxesOpenedTotal   prometheus.Counter
	messagesTotal          prometheus.Counter
	messageSizeBytes       prometheus.Histogram

	usageRecordsTotal *prometheus.CounterVec

	pruneRunsTotal prometheus.Counter
	appsActive     prometheus.Gauge
}

var _ Collector = (*PrometheusCollector)(nil)

// NewPrometheusCollector creates a PrometheusCollector with all metrics
// registered on reg.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	c := &PrometheusCollector{
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rendezvous_connections_total",
			Help: "Total number of websocket connections opened.",
		}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rendezvous_connections_active",
			Help: "Number of currently connected clients.",
		}),

		nameplatesClaimedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rendezvous_nameplates_claimed_total",
			Help: "Total number of successful nameplate claims.",
		}),
		mailboxesOpenedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rendezvous_mailboxes_opened_total",
			Help: "Total number of mailbox opens.",
		}),
		messagesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rendezvous_messages_total",
			Help: "Total number of phase messages accepted.",
		}),
		messageSizeBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rendezvous_message_size_bytes",
			Help:    "Size of phase message bodies in bytes.",
			Buckets: []float64{64, 256, 1024, 4096, 16384, 65536},
		}),

		usageRecordsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rendezvous_usage_records_total",
			Help: "Total number of emitted usage records.",
		}, []string{"kind", "result"}),

		pruneRunsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rendezvous_prune_runs_total",
			Help: "Total number of completed prune passes.",
		}),
		appsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rendezvous_apps_active",
			Help: "Number of app namespaces currently held in memory.",
		}),
	}

	reg.MustRegister(
		c.connectionsTotal,
		c.connectionsActive,
		c.nameplatesClaimedTotal,
		c.mailboxesOpenedTotal,
		c.messagesTotal,
		c.messageSizeBytes,
		c.usageRecordsTotal,
		c.pruneRunsTotal,
		c.appsActive,
	)
	return c
}

func (c *PrometheusCollector) ConnectionOpened() {
	c.connectionsTotal.Inc()
	c.connectionsActive.Inc()
}

func (c *PrometheusCollector) ConnectionClosed() {
	c.connectionsActive.Dec()
}

func (c *PrometheusCollector) NameplateClaimed() {
	c.nameplatesClaimedTotal.Inc()
}

func (c *PrometheusCollector) MailboxOpened() {
	c.mailboxesOpenedTotal.Inc()
}

func (c *PrometheusCollector) MessageAdded(sizeBytes int) {
	c.messagesTotal.Inc()
	c.messageSizeBytes.Observe(float64(sizeBytes))
}

func (c *PrometheusCollector) UsageRecorded(kind, result string) {
	c.usageRecordsTotal.WithLabelValues(kind, result).Inc()
}

func (c *PrometheusCollector) PruneRun() {
	c.pruneRunsTotal.Inc()
}

func (c *PrometheusCollector) AppsActive(n int) {
	c.appsActive.Set(float64(n))
}

// PrometheusServer serves a registry over HTTP.
type PrometheusServer struct {
	srv *http.Server
}

var _ Server = (*PrometheusServer)(nil)

// NewPrometheusServer builds a metrics server for addr and path.
func NewPrometheusServer(addr, path string, g prometheus.Gatherer) *PrometheusServer {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	return &PrometheusServer{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

func (p *PrometheusServer) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := p.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

func (p *PrometheusServer) Shutdown(ctx context.Context) error {
	return p.srv.Shutdown(ctx)
}
