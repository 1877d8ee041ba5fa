package webrtc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"docroom/internal/core/domain"
	"docroom/internal/core/ports"
	"docroom/pkg/tracing"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Config WebRTC configuration
type Config struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
	// GatherTimeout bounds ICE gathering before a description is sent.
	GatherTimeout time.Duration
}

// QualityReporter receives packet loss derived from RTCP receiver reports.
type QualityReporter interface {
	RemotePacketLoss(remote domain.ParticipantID, fraction float64)
}

// Transport builds one audio PeerConnection per remote session. Descriptions are
// sent only after ICE gathering completes, so no trickle candidates are produced.
type Transport struct {
	config  Config
	api     *webrtc.API
	quality QualityReporter
	logger  *zap.SugaredLogger
}

func NewTransport(config Config, quality QualityReporter, logger *zap.SugaredLogger) (*Transport, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if config.GatherTimeout <= 0 {
		config.GatherTimeout = 10 * time.Second
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	if config.PortRange.Min > 0 && config.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(config.PortRange.Min, config.PortRange.Max); err != nil {
			return nil, fmt.Errorf("invalid port range: %w", err)
		}
	}

	return &Transport{
		config:  config,
		api:     webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithSettingEngine(settingEngine)),
		quality: quality,
		logger:  logger.With("component", "webrtc"),
	}, nil
}

// trackSource is implemented by local audio that can be attached to a PeerConnection.
type trackSource interface {
	Track() webrtc.TrackLocal
}

type link struct {
	remote    domain.ParticipantID
	pc        *webrtc.PeerConnection
	events    ports.LinkEvents
	transport *Transport
	closed    atomic.Bool
}

// NewLink creates the PeerConnection toward remote. The initiator starts negotiating
// immediately; the other side waits for an offer through Apply.
func (t *Transport) NewLink(remote domain.ParticipantID, initiator bool, local ports.LocalAudio, events ports.LinkEvents) (ports.PeerLink, error) {
	pc, err := t.api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   t.config.ICEServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	l := &link{remote: remote, pc: pc, events: events, transport: t}

	if src, ok := local.(trackSource); ok {
		sender, err := pc.AddTrack(src.Track())
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("failed to add local track: %w", err)
		}
		go l.readSenderRTCP(sender)
	} else {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			pc.Close()
			return nil, fmt.Errorf("failed to add audio transceiver: %w", err)
		}
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		t.logger.Infow("remote audio started",
			"remote_id", remote,
			"track_id", track.ID(),
			"codec", track.Codec().MimeType,
		)
		go l.readReceiverRTCP(receiver)
		if events.OnStream != nil {
			events.OnStream(&RemoteTrack{remote: remote, track: track})
		}
	})
	pc.OnConnectionStateChange(l.handleConnectionState)

	if initiator {
		go l.negotiate(webrtc.SDPTypeOffer)
	}
	return l, nil
}

func (l *link) Apply(sig domain.SignalPayload) error {
	if l.closed.Load() {
		return domain.ErrPeerTransport
	}

	switch sig.Type {
	case domain.SignalOffer:
		if err := l.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sig.SDP}); err != nil {
			return fmt.Errorf("set remote offer: %w", err)
		}
		go l.negotiate(webrtc.SDPTypeAnswer)
		return nil

	case domain.SignalAnswer:
		if err := l.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sig.SDP}); err != nil {
			return fmt.Errorf("set remote answer: %w", err)
		}
		return nil

	case domain.SignalCandidate:
		var candidate webrtc.ICECandidateInit
		if err := json.Unmarshal(sig.Candidate, &candidate); err != nil {
			return fmt.Errorf("decode candidate: %v: %w", err, domain.ErrMalformedMessage)
		}
		if err := l.pc.AddICECandidate(candidate); err != nil {
			return fmt.Errorf("add candidate: %w", err)
		}
		return nil
	}
	return fmt.Errorf("unknown signal %q: %w", sig.Type, domain.ErrMalformedMessage)
}

func (l *link) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	return l.pc.Close()
}

// negotiate creates the local description, waits for gathering and hands the
// complete SDP to OnSignal.
func (l *link) negotiate(kind webrtc.SDPType) {
	start := time.Now()
	ctx, span := tracing.TraceWebRTC(context.Background(), "create_"+kind.String(), string(l.remote))
	defer span.End()

	var (
		desc webrtc.SessionDescription
		err  error
	)
	if kind == webrtc.SDPTypeOffer {
		desc, err = l.pc.CreateOffer(nil)
	} else {
		desc, err = l.pc.CreateAnswer(nil)
	}
	if err != nil {
		l.fail(ctx, fmt.Errorf("create %s: %w", kind, err))
		return
	}

	gatherComplete := webrtc.GatheringCompletePromise(l.pc)
	if err := l.pc.SetLocalDescription(desc); err != nil {
		l.fail(ctx, fmt.Errorf("set local %s: %w", kind, err))
		return
	}

	select {
	case <-gatherComplete:
	case <-time.After(l.transport.config.GatherTimeout):
		l.transport.logger.Warnw("ICE gathering timed out, sending partial description", "remote_id", l.remote)
	}

	local := l.pc.LocalDescription()
	if local == nil || l.closed.Load() {
		return
	}
	tracing.MeasureDuration(ctx, start, "negotiate")

	sigType := domain.SignalAnswer
	if kind == webrtc.SDPTypeOffer {
		sigType = domain.SignalOffer
	}
	if l.events.OnSignal != nil {
		l.events.OnSignal(domain.SignalPayload{Type: sigType, SDP: local.SDP})
	}
}

func (l *link) fail(ctx context.Context, err error) {
	tracing.RecordError(ctx, err)
	l.transport.logger.Warnw("negotiation failed", "remote_id", l.remote, "error", err)
	if l.events.OnStateChange != nil && !l.closed.Load() {
		l.events.OnStateChange(ports.LinkFailed, fmt.Errorf("%v: %w", err, domain.ErrPeerTransport))
	}
}

func (l *link) handleConnectionState(state webrtc.PeerConnectionState) {
	l.transport.logger.Infow("peer connection state changed",
		"remote_id", l.remote,
		"connection_state", state,
	)
	if l.events.OnStateChange == nil {
		return
	}

	linkState, ok := linkStateFor(state)
	if !ok {
		return
	}
	switch linkState {
	case ports.LinkFailed:
		l.events.OnStateChange(linkState, fmt.Errorf("connection %s: %w", state, domain.ErrPeerTransport))
	case ports.LinkClosed:
		if !l.closed.Load() {
			l.events.OnStateChange(linkState, nil)
		}
	default:
		l.events.OnStateChange(linkState, nil)
	}
}

// linkStateFor maps pion connection states onto link states. Disconnected is not
// reported: ICE may recover from it, and moves to Failed when it does not.
func linkStateFor(state webrtc.PeerConnectionState) (ports.LinkState, bool) {
	switch state {
	case webrtc.PeerConnectionStateConnected:
		return ports.LinkConnected, true
	case webrtc.PeerConnectionStateFailed:
		return ports.LinkFailed, true
	case webrtc.PeerConnectionStateClosed:
		return ports.LinkClosed, true
	}
	return "", false
}

// readSenderRTCP drains RTCP for the outbound track. Receiver reports sent by the
// remote describe how well our audio reaches it.
func (l *link) readSenderRTCP(sender *webrtc.RTPSender) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		if loss, ok := PacketLoss(packets); ok && l.transport.quality != nil {
			l.transport.quality.RemotePacketLoss(l.remote, loss)
		}
	}
}

func (l *link) readReceiverRTCP(receiver *webrtc.RTPReceiver) {
	for {
		packets, _, err := receiver.ReadRTCP()
		if err != nil {
			return
		}
		for _, packet := range packets {
			if sr, ok := packet.(*rtcp.SenderReport); ok {
				l.transport.logger.Debugw("received sender report",
					"remote_id", l.remote,
					"packet_count", sr.PacketCount,
					"octet_count", sr.OctetCount,
				)
			}
		}
	}
}

// PacketLoss averages FractionLost over every reception report, normalized to 0..1.
func PacketLoss(packets []rtcp.Packet) (float64, bool) {
	var total float64
	count := 0
	for _, packet := range packets {
		switch p := packet.(type) {
		case *rtcp.ReceiverReport:
			for _, report := range p.Reports {
				total += float64(report.FractionLost) / 256.0
				count++
			}
		case *rtcp.SenderReport:
			for _, report := range p.Reports {
				total += float64(report.FractionLost) / 256.0
				count++
			}
		}
	}
	if count == 0 {
		return 0, false
	}
	return total / float64(count), true
}

// RemoteTrack is the inbound audio of one remote session.
type RemoteTrack struct {
	remote domain.ParticipantID
	track  *webrtc.TrackRemote
}

func (r *RemoteTrack) ID() string {
	return r.track.ID()
}

func (r *RemoteTrack) Remote() domain.ParticipantID {
	return r.remote
}
