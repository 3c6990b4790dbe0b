package metrics

import (
	"net/http"
	"time"

	"resource-allocator/allocator"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	AllocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "allocator_allocations_total",
			Help: "Total allocation decisions",
		},
		[]string{"result"}, // success|failure
	)

	AllocationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "allocator_allocation_duration_seconds",
			Help:    "Duration of allocation processing",
			Buckets: prometheus.DefBuckets,
		},
	)

	RejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "allocator_rejections_total",
			Help: "Rejected allocation requests by reason",
		},
		[]string{"reason"}, // validation|not_found|unavailable|conflict|internal
	)

	PreemptionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "allocator_preemptions_total",
			Help: "Allocations evicted by higher-priority requests",
		},
	)

	CancellationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "allocator_cancellations_total",
			Help: "Cancel operations by outcome",
		},
		[]string{"result"}, // success|not_found|error
	)
)

func init() {
	prometheus.MustRegister(AllocationsTotal)
	prometheus.MustRegister(AllocationDuration)
	prometheus.MustRegister(RejectionsTotal)
	prometheus.MustRegister(PreemptionsTotal)
	prometheus.MustRegister(CancellationsTotal)
}

func Register(mux *http.ServeMux) {
	mux.Handle("/metrics", promhttp.Handler())
}

// ObserveResult records one Submit decision and how long it took.
func ObserveResult(res allocator.Result, elapsed time.Duration) {
	AllocationDuration.Observe(elapsed.Seconds())
	if res.Success {
		AllocationsTotal.WithLabelValues("success").Inc()
		PreemptionsTotal.Add(float64(len(res.Evicted)))
		return
	}
	AllocationsTotal.WithLabelValues("failure").Inc()
	RejectionsTotal.WithLabelValues(allocator.Reason(res.Cause)).Inc()
}

// ObserveCancel records the outcome of one Cancel call.
func ObserveCancel(err error) {
	switch allocator.Reason(err) {
	case "none":
		CancellationsTotal.WithLabelValues("success").Inc()
	case "not_found":
		CancellationsTotal.WithLabelValues("not_found").Inc()
	default:
		CancellationsTotal.WithLabelValues("error").Inc()
	}
}

// ResourceLister is the part of the scheduler the usage collector reads.
type ResourceLister interface {
	ListResources() []allocator.Resource
}

// UsageCollector exports per-resource capacity and current usage at scrape time.
type UsageCollector struct {
	src      ResourceLister
	capacity *prometheus.Desc
	usage    *prometheus.Desc
	online   *prometheus.Desc
}

func NewUsageCollector(src ResourceLister) *UsageCollector {
	labels := []string{"resource", "type"}
	return &UsageCollector{
		src:      src,
		capacity: prometheus.NewDesc("allocator_resource_capacity", "Total capacity of a resource", labels, nil),
		usage:    prometheus.NewDesc("allocator_resource_usage", "Capacity held by allocations covering now", labels, nil),
		online:   prometheus.NewDesc("allocator_resource_online", "1 when the resource accepts allocations", labels, nil),
	}
}

// RegisterUsage registers a usage collector for src with the default registry.
func RegisterUsage(src ResourceLister) *UsageCollector {
	c := NewUsageCollector(src)
	prometheus.MustRegister(c)
	return c
}

func (c *UsageCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.capacity
	ch <- c.usage
	ch <- c.online
}

func (c *UsageCollector) Collect(ch chan<- prometheus.Metric) {
	for _, r := range c.src.ListResources() {
		labels := []string{r.ID, r.Type.String()}
		online := 0.0
		if r.Status == allocator.ResourceOnline {
			online = 1
		}
		ch <- prometheus.MustNewConstMetric(c.capacity, prometheus.GaugeValue, float64(r.Capacity), labels...)
		ch <- prometheus.MustNewConstMetric(c.usage, prometheus.GaugeValue, float64(r.Usage), labels...)
		ch <- prometheus.MustNewConstMetric(c.online, prometheus.GaugeValue, online, labels...)
	}
}
