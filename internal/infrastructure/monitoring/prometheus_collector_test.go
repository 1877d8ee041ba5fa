package monitoring

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"docroom/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, reg *prometheus.Registry) string {
	t.Helper()
	rec := httptest.NewRecorder()
	promhttp.HandlerFor(reg, promhttp.HandlerOpts{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestPrometheusCollector_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewPrometheusCollector(reg)

	c.MessagePublished("edit", "user-joined")
	c.MessagePublished("edit", "user-joined")
	c.MessageReceived("voice", "offer")
	c.MessageDropped("edit", "malformed")
	c.JoinDecision(true)
	c.JoinDecision(false)
	c.JoinDecision(false)
	c.PeerTransportError()

	body := scrape(t, reg)
	assert.Contains(t, body, `docroom_bus_messages_published_total{channel="edit",type="user-joined"} 2`)
	assert.Contains(t, body, `docroom_bus_messages_received_total{channel="voice",type="offer"} 1`)
	assert.Contains(t, body, `docroom_bus_messages_dropped_total{channel="edit",reason="malformed"} 1`)
	assert.Contains(t, body, `docroom_join_decisions_total{approved="true"} 1`)
	assert.Contains(t, body, `docroom_join_decisions_total{approved="false"} 2`)
	assert.Contains(t, body, `docroom_voice_transport_errors_total 1`)
}

func TestPrometheusCollector_PeerStateGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewPrometheusCollector(reg)

	c.PeerStateChanged("", domain.PeerIdle)
	c.PeerStateChanged(domain.PeerIdle, domain.PeerSignalSent)
	c.PeerStateChanged(domain.PeerSignalSent, domain.PeerConnected)
	c.PeerStateChanged("", domain.PeerIdle)

	body := scrape(t, reg)
	assert.Contains(t, body, `docroom_voice_peers{state="connected"} 1`)
	assert.Contains(t, body, `docroom_voice_peers{state="idle"} 1`)
	assert.Contains(t, body, `docroom_voice_peers{state="signal-sent"} 0`)

	c.PeerStateChanged(domain.PeerConnected, domain.PeerClosed)
	assert.Contains(t, scrape(t, reg), `docroom_voice_peers{state="connected"} 0`)
}

func TestPrometheusCollector_Gauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewPrometheusCollector(reg)

	c.ParticipantsChanged(3)
	c.RemotePacketLoss("b", 0.25)
	c.PeerSetupCompleted(120 * time.Millisecond)

	body := scrape(t, reg)
	assert.Contains(t, body, "docroom_participants 3")
	assert.Contains(t, body, `docroom_voice_remote_packet_loss_ratio{remote_id="b"} 0.25`)
	assert.Contains(t, body, "docroom_voice_peer_setup_duration_seconds_count 1")
}

func TestPrometheusCollector_SeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewPrometheusCollector(prometheus.NewRegistry())
		NewPrometheusCollector(prometheus.NewRegistry())
	})
}
