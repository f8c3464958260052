package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PrometheusCollector struct {
	clientsConnected    prometheus.Gauge
	identitiesOnline    prometheus.Gauge
	callsActive         prometheus.Gauge
	chatMessagesTotal   prometheus.Counter
	eventsDroppedTotal  prometheus.Counter
	signalsRelayedTotal *prometheus.CounterVec
	callsTotal          *prometheus.CounterVec
	callSetupDuration   prometheus.Histogram
	callDuration        prometheus.Histogram
}

func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		clientsConnected: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "voxrelay_clients_connected",
			Help: "Number of open WebSocket connections",
		}),

		identitiesOnline: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "voxrelay_identities_online",
			Help: "Number of registered identities on the roster",
		}),

		callsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "voxrelay_calls_active",
			Help: "Number of live call sessions in any non-terminal state",
		}),

		chatMessagesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voxrelay_chat_messages_total",
			Help: "Total number of chat messages broadcast",
		}),

		eventsDroppedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voxrelay_events_dropped_total",
			Help: "Total number of malformed or rate-limited inbound events dropped",
		}),

		signalsRelayedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "voxrelay_signals_relayed_total",
			Help: "Total number of signaling payloads relayed between call parties",
		}, []string{"kind"}),

		callsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "voxrelay_calls_total",
			Help: "Total number of call sessions by outcome",
		}, []string{"outcome"}),

		callSetupDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "voxrelay_call_setup_duration_seconds",
			Help:    "Time from call request to the session turning active",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),

		callDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "voxrelay_call_duration_seconds",
			Help:    "Duration of calls that reached the active state",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
	}
}

func (p *PrometheusCollector) ClientConnected()    { p.clientsConnected.Inc() }
func (p *PrometheusCollector) ClientDisconnected() { p.clientsConnected.Dec() }

func (p *PrometheusCollector) SetIdentitiesOnline(n int) {
	p.identitiesOnline.Set(float64(n))
}

func (p *PrometheusCollector) SetCallsActive(n int) {
	p.callsActive.Set(float64(n))
}

func (p *PrometheusCollector) ChatMessageBroadcast() {
	p.chatMessagesTotal.Inc()
}

func (p *PrometheusCollector) EventDropped() {
	p.eventsDroppedTotal.Inc()
}

func (p *PrometheusCollector) SignalRelayed(kind string) {
	p.signalsRelayedTotal.WithLabelValues(kind).Inc()
}

// RecordCallOutcome records how a session terminated: "rejected",
// "completed" (reached active), "abandoned" (ended before active).
func (p *PrometheusCollector) RecordCallOutcome(outcome string) {
	p.callsTotal.WithLabelValues(outcome).Inc()
}

func (p *PrometheusCollector) RecordCallSetup(setup time.Duration) {
	p.callSetupDuration.Observe(setup.Seconds())
}

func (p *PrometheusCollector) RecordCallDuration(active time.Duration) {
	p.callDuration.Observe(active.Seconds())
}
