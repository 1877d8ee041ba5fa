package webrtc

import (
	"fmt"
	"sync"
	"sync/atomic"

	"docroom/internal/core/domain"
	"docroom/internal/core/ports"

	"github.com/pion/rtp"
	"go.uber.org/zap"
)

// AudioSink receives the RTP packets of one remote stream.
type AudioSink interface {
	WritePacket(pkt *rtp.Packet) error
	Close() error
}

// CountingSink drops packets after counting them. It is the sink of a headless
// process, where there is no output device.
type CountingSink struct {
	packets atomic.Uint64
	bytes   atomic.Uint64
}

func (s *CountingSink) WritePacket(pkt *rtp.Packet) error {
	s.packets.Add(1)
	s.bytes.Add(uint64(len(pkt.Payload)))
	return nil
}

func (s *CountingSink) Close() error { return nil }

func (s *CountingSink) Packets() uint64 { return s.packets.Load() }

type Player struct {
	newSink func(remote domain.ParticipantID) AudioSink
	logger  *zap.SugaredLogger
}

func NewPlayer(newSink func(remote domain.ParticipantID) AudioSink, logger *zap.SugaredLogger) *Player {
	if newSink == nil {
		newSink = func(domain.ParticipantID) AudioSink { return &CountingSink{} }
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Player{newSink: newSink, logger: logger.With("component", "playback")}
}

func (p *Player) Play(remote domain.ParticipantID, audio ports.RemoteAudio) (ports.PlaybackHandle, error) {
	rt, ok := audio.(*RemoteTrack)
	if !ok || rt.track == nil {
		return nil, fmt.Errorf("unsupported remote audio %T", audio)
	}

	h := newPlayback(remote, p.newSink(remote), p.logger)
	go h.run(rt)
	return h, nil
}

type playback struct {
	remote domain.ParticipantID
	sink   AudioSink
	logger *zap.SugaredLogger

	muted  atomic.Bool
	closed atomic.Bool
	once   sync.Once
}

func newPlayback(remote domain.ParticipantID, sink AudioSink, logger *zap.SugaredLogger) *playback {
	return &playback{remote: remote, sink: sink, logger: logger}
}

func (h *playback) SetMuted(muted bool) {
	h.muted.Store(muted)
}

func (h *playback) Close() error {
	var err error
	h.once.Do(func() {
		h.closed.Store(true)
		err = h.sink.Close()
	})
	return err
}

// deliver forwards one packet unless the handle is muted or closed.
func (h *playback) deliver(pkt *rtp.Packet) error {
	if h.closed.Load() || h.muted.Load() {
		return nil
	}
	return h.sink.WritePacket(pkt)
}

// run reads until the track ends, which happens when the PeerConnection closes.
func (h *playback) run(rt *RemoteTrack) {
	for {
		pkt, _, err := rt.track.ReadRTP()
		if err != nil {
			h.logger.Debugw("remote track ended", "remote_id", h.remote, "error", err)
			return
		}
		if h.closed.Load() {
			return
		}
		if err := h.deliver(pkt); err != nil {
			h.logger.Warnw("failed to deliver audio", "remote_id", h.remote, "error", err)
		}
	}
}
