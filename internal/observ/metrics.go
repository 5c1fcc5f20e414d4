package observ

import (
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// registry lazily creates and caches Prometheus vectors per metric name, so call sites
// can keep calling IncCounter("name", labels) without declaring the vector up front —
// the same ergonomics as the teacher's hand-rolled in-process registry, now backed by
// real Prometheus collectors.
type registry struct {
	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

var reg = &registry{
	counters:   map[string]*prometheus.CounterVec{},
	gauges:     map[string]*prometheus.GaugeVec{},
	histograms: map[string]*prometheus.HistogramVec{},
}

func labelNames(lbl map[string]string) []string {
	names := make([]string, 0, len(lbl))
	for k := range lbl {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func (r *registry) counterVec(name string, lbl map[string]string) *prometheus.CounterVec {
	r.mu.Lock()
	defer r.mu.Unlock()
	cv, ok := r.counters[name]
	if !ok {
		cv = promauto.NewCounterVec(prometheus.CounterOpts{Name: sanitize(name), Help: name}, labelNames(lbl))
		r.counters[name] = cv
	}
	return cv
}

func (r *registry) gaugeVec(name string, lbl map[string]string) *prometheus.GaugeVec {
	r.mu.Lock()
	defer r.mu.Unlock()
	gv, ok := r.gauges[name]
	if !ok {
		gv = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: sanitize(name), Help: name}, labelNames(lbl))
		r.gauges[name] = gv
	}
	return gv
}

func (r *registry) histogramVec(name string, lbl map[string]string) *prometheus.HistogramVec {
	r.mu.Lock()
	defer r.mu.Unlock()
	hv, ok := r.histograms[name]
	if !ok {
		hv = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: sanitize(name), Help: name}, labelNames(lbl))
		r.histograms[name] = hv
	}
	return hv
}

func sanitize(name string) string {
	return strings.NewReplacer(".", "_", "-", "_").Replace(name)
}

// IncCounter increments a labelled counter by 1, creating it on first use.
func IncCounter(name string, labels map[string]string) {
	IncCounterBy(name, labels, 1.0)
}

// IncCounterBy increments a labelled counter by an arbitrary (non-negative) amount.
func IncCounterBy(name string, labels map[string]string, value float64) {
	reg.counterVec(name, labels).With(prometheus.Labels(labels)).Add(value)
}

// SetGauge sets a labelled gauge's current value.
func SetGauge(name string, value float64, labels map[string]string) {
	reg.gaugeVec(name, labels).With(prometheus.Labels(labels)).Set(value)
}

// Observe records a histogram observation for a labelled metric.
func Observe(name string, value float64, labels map[string]string) {
	reg.histogramVec(name, labels).With(prometheus.Labels(labels)).Observe(value)
}

// Handler exposes metrics in the standard Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Health is a liveness probe endpoint independent of any component's internal state.
func Health() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}
