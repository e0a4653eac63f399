package metricsink

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus has no equivalent flag in the original Python tool; it's
// added because the example corpus leans heavily on promauto/promhttp
// for exactly this kind of counter/histogram exposition, and a load
// generator's own health is worth scraping the same way the services it
// hammers usually are.
type Prometheus struct {
	addr     string
	registry *prometheus.Registry
	counters *prometheus.CounterVec
	timings  *prometheus.HistogramVec
	srv      *http.Server
}

// NewPrometheus builds a sink that always records metrics; when addr is
// non-empty, Start also serves them at addr + "/metrics".
func NewPrometheus(addr string) *Prometheus {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Prometheus{
		addr:     addr,
		registry: reg,
		counters: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pushload_counter_total",
			Help: "Scenario-issued counter commands, labeled by name.",
		}, []string{"name"}),
		timings: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pushload_timer_seconds",
			Help:    "Scenario-issued timer_start/timer_end brackets, labeled by name.",
			Buckets: prometheus.DefBuckets,
		}, []string{"name"}),
	}
}

func (p *Prometheus) Increment(name string, count int64) {
	p.counters.WithLabelValues(name).Add(float64(count))
}

func (p *Prometheus) Timing(name string, elapsed time.Duration) {
	p.timings.WithLabelValues(name).Observe(elapsed.Seconds())
}

func (p *Prometheus) Start() error {
	if p.addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{}))
	p.srv = &http.Server{Addr: p.addr, Handler: mux}
	go func() {
		_ = p.srv.ListenAndServe()
	}()
	return nil
}

func (p *Prometheus) Stop() error {
	if p.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return p.srv.Shutdown(ctx)
}
