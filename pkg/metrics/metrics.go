package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Node/inventory metrics
	NodeState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "aoscm_node_state",
			Help: "Node provisioning state as an enum (0=unprovisioned, 1=provisioned, 2=paused)",
		},
	)

	InstancesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aoscm_instances_total",
			Help: "Total number of instances by run state",
		},
		[]string{"state"},
	)

	// Cloud connection metrics
	CloudConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "aoscm_cloud_connected",
			Help: "Whether the cloud transport stream is currently established (1=connected, 0=not)",
		},
	)

	CloudReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aoscm_cloud_reconnects_total",
			Help: "Total number of cloud stream reconnect attempts",
		},
	)

	CloudOutboundQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "aoscm_cloud_outbound_queue_depth",
			Help: "Current depth of the outbound status queue to the cloud",
		},
	)

	// SM channel metrics
	SMChannelsConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "aoscm_sm_channels_connected",
			Help: "Number of SM channels currently connected",
		},
	)

	SMRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aoscm_sm_request_duration_seconds",
			Help:    "Round-trip duration of a request sent to an SM, by message kind",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// Image service metrics
	ImageCacheSizeBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "aoscm_image_cache_size_bytes",
			Help: "Total size of content-addressed items currently held in the image cache",
		},
	)

	ImageDownloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aoscm_image_downloads_total",
			Help: "Total number of image downloads by outcome",
		},
		[]string{"outcome"},
	)

	ImageDownloadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "aoscm_image_download_duration_seconds",
			Help:    "Time taken to download and verify one image",
			Buckets: []float64{.5, 1, 5, 15, 30, 60, 180, 600},
		},
	)

	ImageEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aoscm_image_evictions_total",
			Help: "Total number of cache entries evicted to make space",
		},
	)

	// Storage/state metrics
	StorageQuotaBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aoscm_storage_quota_bytes",
			Help: "Storage quota assigned to an instance, by quota kind",
		},
		[]string{"instance", "kind"},
	)

	StateChecksumMismatchTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aoscm_state_checksum_mismatch_total",
			Help: "Total number of times a reported state checksum failed verification",
		},
	)

	// Network metrics
	NetworkAllocationsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aoscm_network_allocations_total",
			Help: "Total IP allocations currently held, by network",
		},
		[]string{"network"},
	)

	// Reconciler metrics
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "aoscm_reconciliation_duration_seconds",
			Help:    "Time taken for one reconciliation cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aoscm_reconciliation_cycles_total",
			Help: "Total number of reconciliation cycles completed",
		},
	)

	ReconcilerStateGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "aoscm_reconciler_state",
			Help: "Current reconciler state as an enum (0=noUpdate, 1=downloading, 2=ready, 3=installing)",
		},
	)

	InstanceFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aoscm_instance_failures_total",
			Help: "Total instance placement failures by item",
		},
		[]string{"item_id"},
	)

	// Monitoring/alert forwarding metrics
	AlertsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aoscm_alerts_dropped_total",
			Help: "Total number of alert/monitoring samples dropped because the forwarding buffer was full",
		},
	)

	AlertsForwardedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aoscm_alerts_forwarded_total",
			Help: "Total number of alert/monitoring samples forwarded to the cloud",
		},
	)
)

func init() {
	prometheus.MustRegister(NodeState)
	prometheus.MustRegister(InstancesTotal)
	prometheus.MustRegister(CloudConnected)
	prometheus.MustRegister(CloudReconnectsTotal)
	prometheus.MustRegister(CloudOutboundQueueDepth)
	prometheus.MustRegister(SMChannelsConnected)
	prometheus.MustRegister(SMRequestDuration)
	prometheus.MustRegister(ImageCacheSizeBytes)
	prometheus.MustRegister(ImageDownloadsTotal)
	prometheus.MustRegister(ImageDownloadDuration)
	prometheus.MustRegister(ImageEvictionsTotal)
	prometheus.MustRegister(StorageQuotaBytes)
	prometheus.MustRegister(StateChecksumMismatchTotal)
	prometheus.MustRegister(NetworkAllocationsTotal)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(ReconcilerStateGauge)
	prometheus.MustRegister(InstanceFailuresTotal)
	prometheus.MustRegister(AlertsDroppedTotal)
	prometheus.MustRegister(AlertsForwardedTotal)
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer starting now.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
