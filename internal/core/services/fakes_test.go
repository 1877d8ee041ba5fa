package services

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"docroom/internal/core/domain"
	"docroom/internal/core/ports"
	"docroom/internal/infrastructure/bus/memory"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type countingBus struct {
	ports.RoomBus
	opens atomic.Int32
}

func newCountingBus() *countingBus {
	return &countingBus{RoomBus: memory.NewRoomBus(nil)}
}

func (b *countingBus) Open(ctx context.Context, channel string) (ports.BusHandle, error) {
	b.opens.Add(1)
	return b.RoomBus.Open(ctx, channel)
}

type failingBus struct{}

func (failingBus) Open(context.Context, string) (ports.BusHandle, error) {
	return nil, domain.ErrBusUnavailable
}

func (failingBus) Close() error { return nil }

type presenceRecorder struct {
	mu       sync.Mutex
	statuses []domain.ConnectionStatus
	content  []string
	users    []domain.ParticipantView
}

func (r *presenceRecorder) OnPresenceChange(users []domain.ParticipantView) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users = users
}

func (r *presenceRecorder) OnContentChange(html string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.content = append(r.content, html)
}

func (r *presenceRecorder) OnConnectionStatusChange(status domain.ConnectionStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
}

func (r *presenceRecorder) Content() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.content...)
}

func (r *presenceRecorder) Statuses() []domain.ConnectionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.ConnectionStatus(nil), r.statuses...)
}

type fakeLocal struct {
	mu      sync.Mutex
	enabled bool
	stopped bool
}

func (l *fakeLocal) SetEnabled(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = enabled
}

func (l *fakeLocal) Enabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

func (l *fakeLocal) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopped = true
}

func (l *fakeLocal) Stopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}

type fakeMedia struct {
	err   error
	local *fakeLocal
}

func (m *fakeMedia) Acquire(ctx context.Context) (ports.LocalAudio, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.local = &fakeLocal{enabled: true}
	return m.local, nil
}

type fakeRemote struct{ id string }

func (r fakeRemote) ID() string { return r.id }

// fakeTransport answers offers immediately and reports a remote stream once the
// description exchange completes on its side.
type fakeTransport struct {
	mu    sync.Mutex
	links []*fakeLink
}

func (t *fakeTransport) NewLink(remote domain.ParticipantID, initiator bool, local ports.LocalAudio, events ports.LinkEvents) (ports.PeerLink, error) {
	l := &fakeLink{remote: remote, initiator: initiator, events: events}
	t.mu.Lock()
	t.links = append(t.links, l)
	t.mu.Unlock()
	if initiator {
		go events.OnSignal(domain.SignalPayload{Type: domain.SignalOffer, SDP: "v=0 offer"})
	}
	return l, nil
}

func (t *fakeTransport) Links() []*fakeLink {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*fakeLink(nil), t.links...)
}

func (t *fakeTransport) Open() int {
	n := 0
	for _, l := range t.Links() {
		if !l.Closed() {
			n++
		}
	}
	return n
}

func (t *fakeTransport) LinkTo(remote domain.ParticipantID) *fakeLink {
	for _, l := range t.Links() {
		if l.remote == remote && !l.Closed() {
			return l
		}
	}
	return nil
}

type fakeLink struct {
	remote    domain.ParticipantID
	initiator bool
	events    ports.LinkEvents

	mu     sync.Mutex
	closed bool
}

func (l *fakeLink) Apply(sig domain.SignalPayload) error {
	switch sig.Type {
	case domain.SignalOffer:
		go func() {
			l.events.OnSignal(domain.SignalPayload{Type: domain.SignalAnswer, SDP: "v=0 answer"})
			l.events.OnStream(fakeRemote{id: string(l.remote)})
		}()
	case domain.SignalAnswer:
		go l.events.OnStream(fakeRemote{id: string(l.remote)})
	}
	return nil
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *fakeLink) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

type fakePlayback struct {
	mu     sync.Mutex
	muted  bool
	closed bool
}

func (p *fakePlayback) SetMuted(muted bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.muted = muted
}

func (p *fakePlayback) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePlayback) state() (muted, closed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.muted, p.closed
}

type fakePlayer struct {
	mu      sync.Mutex
	handles []*fakePlayback
}

func (p *fakePlayer) Play(remote domain.ParticipantID, audio ports.RemoteAudio) (ports.PlaybackHandle, error) {
	h := &fakePlayback{}
	p.mu.Lock()
	p.handles = append(p.handles, h)
	p.mu.Unlock()
	return h, nil
}

func (p *fakePlayer) Handles() []*fakePlayback {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*fakePlayback(nil), p.handles...)
}

func stopOnCleanup(t *testing.T, stop func() error) {
	t.Helper()
	t.Cleanup(func() { _ = stop() })
}
