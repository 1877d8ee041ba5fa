package webrtc

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"docroom/internal/core/domain"
	"docroom/internal/core/ports"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type signalBox struct {
	mu      sync.Mutex
	signals []domain.SignalPayload
}

func (b *signalBox) add(sig domain.SignalPayload) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.signals = append(b.signals, sig)
}

func (b *signalBox) first() (domain.SignalPayload, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.signals) == 0 {
		return domain.SignalPayload{}, false
	}
	return b.signals[0], true
}

func TestCapture_DisabledFails(t *testing.T) {
	c := NewCapture(CaptureConfig{Enabled: false}, nil, nil)
	_, err := c.Acquire(context.Background())
	assert.ErrorIs(t, err, domain.ErrMediaAcquisition)
}

func TestCapture_SourceFailure(t *testing.T) {
	c := NewCapture(CaptureConfig{Enabled: true}, func(context.Context) (FrameSource, error) {
		return nil, errors.New("no device")
	}, nil)
	_, err := c.Acquire(context.Background())
	assert.ErrorIs(t, err, domain.ErrMediaAcquisition)
}

func TestCapture_MuteStopsFrames(t *testing.T) {
	c := NewCapture(CaptureConfig{Enabled: true, FrameDuration: 5 * time.Millisecond}, nil, nil)
	local, err := c.Acquire(context.Background())
	require.NoError(t, err)
	defer local.Stop()

	track := local.(*LocalTrack)
	assert.True(t, track.Enabled())
	assert.Equal(t, "audio", track.Track().ID())

	require.Eventually(t, func() bool { return track.FramesWritten() > 2 }, time.Second, 5*time.Millisecond)

	local.SetEnabled(false)
	time.Sleep(20 * time.Millisecond)
	frozen := track.FramesWritten()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, frozen, track.FramesWritten())

	local.Stop()
	local.Stop()
}

func TestLinkStateFor(t *testing.T) {
	tests := []struct {
		state    webrtc.PeerConnectionState
		want     ports.LinkState
		reported bool
	}{
		{webrtc.PeerConnectionStateNew, "", false},
		{webrtc.PeerConnectionStateConnecting, "", false},
		{webrtc.PeerConnectionStateConnected, ports.LinkConnected, true},
		{webrtc.PeerConnectionStateDisconnected, "", false},
		{webrtc.PeerConnectionStateFailed, ports.LinkFailed, true},
		{webrtc.PeerConnectionStateClosed, ports.LinkClosed, true},
	}

	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			got, ok := linkStateFor(tt.state)
			assert.Equal(t, tt.reported, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPacketLoss(t *testing.T) {
	loss, ok := PacketLoss([]rtcp.Packet{
		&rtcp.ReceiverReport{Reports: []rtcp.ReceptionReport{{FractionLost: 64}, {FractionLost: 0}}},
		&rtcp.PictureLossIndication{},
	})
	require.True(t, ok)
	assert.InDelta(t, 0.125, loss, 1e-9)

	_, ok = PacketLoss([]rtcp.Packet{&rtcp.PictureLossIndication{}})
	assert.False(t, ok)
}

func TestPlayback_RespectsMute(t *testing.T) {
	sink := &CountingSink{}
	h := newPlayback("b", sink, nil)
	pkt := &rtp.Packet{Payload: []byte{1, 2, 3}}

	require.NoError(t, h.deliver(pkt))
	h.SetMuted(true)
	require.NoError(t, h.deliver(pkt))
	h.SetMuted(false)
	require.NoError(t, h.deliver(pkt))
	require.NoError(t, h.Close())
	require.NoError(t, h.deliver(pkt))

	assert.EqualValues(t, 2, sink.Packets())
}

func TestPlayer_RejectsForeignAudio(t *testing.T) {
	_, err := NewPlayer(nil, nil).Play("b", fakeAudio{})
	assert.Error(t, err)
}

type fakeAudio struct{}

func (fakeAudio) ID() string { return "x" }

func TestTransport_OfferAnswerExchange(t *testing.T) {
	offerer, err := NewTransport(Config{GatherTimeout: 3 * time.Second}, nil, nil)
	require.NoError(t, err)
	answerer, err := NewTransport(Config{GatherTimeout: 3 * time.Second}, nil, nil)
	require.NoError(t, err)

	capture := NewCapture(CaptureConfig{Enabled: true}, nil, nil)
	local, err := capture.Acquire(context.Background())
	require.NoError(t, err)
	defer local.Stop()

	offers := &signalBox{}
	a, err := offerer.NewLink("b", true, local, ports.LinkEvents{OnSignal: offers.add})
	require.NoError(t, err)
	defer a.Close()

	require.Eventually(t, func() bool { _, ok := offers.first(); return ok }, 5*time.Second, 10*time.Millisecond)
	offer, _ := offers.first()
	assert.Equal(t, domain.SignalOffer, offer.Type)
	assert.True(t, strings.HasPrefix(offer.SDP, "v=0"))
	assert.Contains(t, offer.SDP, "m=audio")

	answers := &signalBox{}
	b, err := answerer.NewLink("a", false, nil, ports.LinkEvents{OnSignal: answers.add})
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.Apply(offer))
	require.Eventually(t, func() bool { _, ok := answers.first(); return ok }, 5*time.Second, 10*time.Millisecond)
	answer, _ := answers.first()
	assert.Equal(t, domain.SignalAnswer, answer.Type)

	assert.NoError(t, a.Apply(answer))
}

func TestLink_ApplyAfterClose(t *testing.T) {
	tr, err := NewTransport(Config{}, nil, nil)
	require.NoError(t, err)
	l, err := tr.NewLink("b", false, nil, ports.LinkEvents{})
	require.NoError(t, err)

	require.NoError(t, l.Close())
	assert.NoError(t, l.Close())
	assert.ErrorIs(t, l.Apply(domain.SignalPayload{Type: domain.SignalOffer}), domain.ErrPeerTransport)
}

func TestLink_RejectsUnknownSignal(t *testing.T) {
	tr, err := NewTransport(Config{}, nil, nil)
	require.NoError(t, err)
	l, err := tr.NewLink("b", false, nil, ports.LinkEvents{})
	require.NoError(t, err)
	defer l.Close()

	assert.ErrorIs(t, l.Apply(domain.SignalPayload{Type: "bogus"}), domain.ErrMalformedMessage)
	assert.ErrorIs(t, l.Apply(domain.SignalPayload{Type: domain.SignalCandidate, Candidate: []byte("{")}), domain.ErrMalformedMessage)
}
