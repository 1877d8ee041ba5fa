package monitoring

import (
	"strconv"
	"time"

	"docroom/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector records session activity for both room buses and every voice link.
type PrometheusCollector struct {
	messagesPublished *prometheus.CounterVec
	messagesReceived  *prometheus.CounterVec
	messagesDropped   *prometheus.CounterVec
	joinDecisions     *prometheus.CounterVec

	participants   prometheus.Gauge
	peersByState   *prometheus.GaugeVec
	transportError prometheus.Counter

	peerSetupDuration prometheus.Histogram
	remotePacketLoss  *prometheus.GaugeVec
}

// NewPrometheusCollector registers the collector on reg. Passing nil uses the default registerer.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		messagesPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "docroom_bus_messages_published_total",
			Help: "Messages published on a room bus",
		}, []string{"channel", "type"}),

		messagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "docroom_bus_messages_received_total",
			Help: "Messages accepted from a room bus",
		}, []string{"channel", "type"}),

		messagesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "docroom_bus_messages_dropped_total",
			Help: "Messages dropped before reaching session logic",
		}, []string{"channel", "reason"}),

		joinDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "docroom_join_decisions_total",
			Help: "Join requests evaluated by this admin session",
		}, []string{"approved"}),

		participants: factory.NewGauge(prometheus.GaugeOpts{
			Name: "docroom_participants",
			Help: "Remote participants currently present in the room",
		}),

		peersByState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "docroom_voice_peers",
			Help: "Voice peer connections by state",
		}, []string{"state"}),

		transportError: factory.NewCounter(prometheus.CounterOpts{
			Name: "docroom_voice_transport_errors_total",
			Help: "Voice peer connections that failed",
		}),

		peerSetupDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "docroom_voice_peer_setup_duration_seconds",
			Help:    "Time from opening a voice peer connection to receiving remote audio",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),

		remotePacketLoss: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "docroom_voice_remote_packet_loss_ratio",
			Help: "Fraction of outbound audio packets lost, as reported by each remote",
		}, []string{"remote_id"}),
	}
}

func (c *PrometheusCollector) MessagePublished(channelKind, msgType string) {
	c.messagesPublished.WithLabelValues(channelKind, msgType).Inc()
}

func (c *PrometheusCollector) MessageReceived(channelKind, msgType string) {
	c.messagesReceived.WithLabelValues(channelKind, msgType).Inc()
}

func (c *PrometheusCollector) MessageDropped(channelKind, reason string) {
	c.messagesDropped.WithLabelValues(channelKind, reason).Inc()
}

func (c *PrometheusCollector) JoinDecision(approved bool) {
	c.joinDecisions.WithLabelValues(strconv.FormatBool(approved)).Inc()
}

func (c *PrometheusCollector) ParticipantsChanged(count int) {
	c.participants.Set(float64(count))
}

// PeerStateChanged moves one peer between state gauges. Closed peers are not kept.
func (c *PrometheusCollector) PeerStateChanged(from, to domain.PeerState) {
	if from != "" && from != domain.PeerClosed {
		c.peersByState.WithLabelValues(string(from)).Dec()
	}
	if to != domain.PeerClosed {
		c.peersByState.WithLabelValues(string(to)).Inc()
	}
}

func (c *PrometheusCollector) PeerSetupCompleted(d time.Duration) {
	c.peerSetupDuration.Observe(d.Seconds())
}

func (c *PrometheusCollector) PeerTransportError() {
	c.transportError.Inc()
}

func (c *PrometheusCollector) RemotePacketLoss(remote domain.ParticipantID, fraction float64) {
	c.remotePacketLoss.WithLabelValues(string(remote)).Set(fraction)
}
