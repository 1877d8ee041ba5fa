package webrtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"docroom/internal/core/domain"
	"docroom/internal/core/ports"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"go.uber.org/zap"
)

// FrameSource yields encoded Opus frames, one per call.
type FrameSource interface {
	ReadFrame() ([]byte, error)
}

// opusSilence is a single comfort-noise frame.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

type silenceSource struct{}

func (silenceSource) ReadFrame() ([]byte, error) {
	return opusSilence, nil
}

type CaptureConfig struct {
	Enabled       bool
	FrameDuration time.Duration
}

// Capture hands out the local audio track. Frames come from the configured source;
// without one the track carries silence.
type Capture struct {
	config CaptureConfig
	open   func(ctx context.Context) (FrameSource, error)
	logger *zap.SugaredLogger
}

func NewCapture(config CaptureConfig, open func(ctx context.Context) (FrameSource, error), logger *zap.SugaredLogger) *Capture {
	if config.FrameDuration <= 0 {
		config.FrameDuration = 20 * time.Millisecond
	}
	if open == nil {
		open = func(context.Context) (FrameSource, error) { return silenceSource{}, nil }
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Capture{config: config, open: open, logger: logger.With("component", "capture")}
}

func (c *Capture) Acquire(ctx context.Context) (ports.LocalAudio, error) {
	if !c.config.Enabled {
		return nil, fmt.Errorf("capture disabled: %w", domain.ErrMediaAcquisition)
	}

	source, err := c.open(ctx)
	if err != nil {
		return nil, fmt.Errorf("open source: %v: %w", err, domain.ErrMediaAcquisition)
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio",
		"docroom-"+uuid.NewString(),
	)
	if err != nil {
		return nil, fmt.Errorf("create track: %v: %w", err, domain.ErrMediaAcquisition)
	}

	local := &LocalTrack{
		track:  track,
		source: source,
		frame:  c.config.FrameDuration,
		stop:   make(chan struct{}),
		logger: c.logger,
	}
	local.enabled.Store(true)
	local.wg.Add(1)
	go local.run()

	c.logger.Infow("microphone acquired", "track_id", track.ID())
	return local, nil
}

// LocalTrack is the outbound audio. Disabling it stops frames without touching any
// PeerConnection the track is attached to.
type LocalTrack struct {
	track   *webrtc.TrackLocalStaticSample
	source  FrameSource
	frame   time.Duration
	enabled atomic.Bool
	frames  atomic.Uint64

	stop   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
	logger *zap.SugaredLogger
}

func (t *LocalTrack) Track() webrtc.TrackLocal {
	return t.track
}

func (t *LocalTrack) SetEnabled(enabled bool) {
	t.enabled.Store(enabled)
}

func (t *LocalTrack) Enabled() bool {
	return t.enabled.Load()
}

// FramesWritten counts frames handed to the track.
func (t *LocalTrack) FramesWritten() uint64 {
	return t.frames.Load()
}

func (t *LocalTrack) Stop() {
	t.once.Do(func() {
		close(t.stop)
		t.wg.Wait()
		if c, ok := t.source.(io.Closer); ok {
			c.Close()
		}
	})
}

func (t *LocalTrack) run() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.frame)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
		}
		if !t.enabled.Load() {
			continue
		}

		data, err := t.source.ReadFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				t.logger.Warnw("audio source failed", "error", err)
			}
			return
		}
		if err := t.track.WriteSample(media.Sample{Data: data, Duration: t.frame}); err != nil {
			t.logger.Debugw("failed to write sample", "error", err)
			continue
		}
		t.frames.Add(1)
	}
}
