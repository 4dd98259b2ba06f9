package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry gauges
	NetworkPublicationsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "strand_network_publications_total",
			Help: "Current number of live network publications",
		},
	)

	IpcPublicationsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "strand_ipc_publications_total",
			Help: "Current number of live IPC publications",
		},
	)

	SubscriptionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "strand_subscriptions_total",
			Help: "Current number of subscription links by transport",
		},
		[]string{"transport"},
	)

	ImagesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "strand_images_total",
			Help: "Current number of publication images",
		},
	)

	ClientsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "strand_clients_total",
			Help: "Current number of connected clients",
		},
	)

	ChannelEndpointsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "strand_channel_endpoints_total",
			Help: "Current number of channel endpoints by direction",
		},
		[]string{"direction"},
	)

	// Conductor metrics
	ClientCommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strand_client_commands_total",
			Help: "Total client commands processed by command type",
		},
		[]string{"command"},
	)

	ErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strand_errors_total",
			Help: "Total errors by error code, including internal errors not sent to clients",
		},
		[]string{"code"},
	)

	HeartbeatsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "strand_heartbeats_total",
			Help: "Total heartbeat passes run by the conductor",
		},
	)

	ClientTimeoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "strand_client_timeouts_total",
			Help: "Total clients expired for missed keepalives",
		},
	)

	UnblockedCommandsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "strand_unblocked_commands_total",
			Help: "Total times the command ring buffer was force-unblocked",
		},
	)

	FreeFailsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "strand_free_fails_total",
			Help: "Total failed resource free attempts retried on a later tick",
		},
	)

	BackPressureEventsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "strand_backpressure_events_total",
			Help: "Total ticks the conductor declined client commands due to proxy back-pressure",
		},
	)

	// Duty cycle metrics
	DutyCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "strand_conductor_duty_cycle_seconds",
			Help:    "Duration of conductor do_work cycles",
			Buckets: []float64{.000001, .00001, .0001, .001, .01, .1, 1},
		},
	)

	WorkCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "strand_conductor_work_cycles_total",
			Help: "Total conductor do_work invocations",
		},
	)
)

func init() {
	prometheus.MustRegister(NetworkPublicationsTotal)
	prometheus.MustRegister(IpcPublicationsTotal)
	prometheus.MustRegister(SubscriptionsTotal)
	prometheus.MustRegister(ImagesTotal)
	prometheus.MustRegister(ClientsTotal)
	prometheus.MustRegister(ChannelEndpointsTotal)
	prometheus.MustRegister(ClientCommandsTotal)
	prometheus.MustRegister(ErrorsTotal)
	prometheus.MustRegister(HeartbeatsTotal)
	prometheus.MustRegister(ClientTimeoutsTotal)
	prometheus.MustRegister(UnblockedCommandsTotal)
	prometheus.MustRegister(FreeFailsTotal)
	prometheus.MustRegister(BackPressureEventsTotal)
	prometheus.MustRegister(DutyCycleDuration)
	prometheus.MustRegister(WorkCyclesTotal)
}

// Handler returns the HTTP handler for the /metrics endpoint
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures elapsed time for histogram observations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time on the given histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer was created
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
