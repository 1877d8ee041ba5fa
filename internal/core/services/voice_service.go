package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"docroom/internal/core/domain"
	"docroom/internal/core/ports"
	"docroom/pkg/eventloop"
	"docroom/pkg/tracing"

	"go.uber.org/zap"
)

type VoiceSettings struct {
	RoomID      domain.RoomID
	DisplayName string
}

type VoiceService interface {
	Start(ctx context.Context, settings VoiceSettings) error
	Join(ctx context.Context) error
	Leave(ctx context.Context) error
	SetMuted(ctx context.Context, muted bool) error
	SetDeafened(ctx context.Context, deafened bool) error
	// Reset leaves voice and releases the voice channel. Start may be called again.
	Reset(ctx context.Context) error
	Stop() error

	State() domain.VoiceState
	Muted() bool
	Deafened() bool
	Peers() []domain.PeerConnection
	// Participants lists remote sessions announced on the voice channel.
	Participants() []domain.ParticipantView
}

type voicePeer struct {
	info     domain.PeerConnection
	link     ports.PeerLink
	playback ports.PlaybackHandle
	epoch    uint64
}

type voiceService struct {
	id        domain.ParticipantID
	bus       ports.RoomBus
	media     ports.MediaSource
	transport ports.PeerTransport
	player    ports.Player
	observer  ports.VoiceObserver
	metrics   ports.SessionMetrics
	logger    *zap.SugaredLogger
	loop      *eventloop.Loop

	// Owned by the loop.
	settings   VoiceSettings
	handle     ports.BusHandle
	generation uint64
	state      domain.VoiceState
	joining    bool
	joinEpoch  uint64
	local      ports.LocalAudio
	muted      bool
	deafened   bool
	remotes    map[domain.ParticipantID]*domain.VoicePeer
	order      []domain.ParticipantID
	peers      map[domain.ParticipantID]*voicePeer
	peerEpoch  uint64
	closed     bool

	mu           sync.RWMutex
	snapState    domain.VoiceState
	snapMuted    bool
	snapDeafened bool
	snapPeers    []domain.PeerConnection
	snapUsers    []domain.ParticipantView
}

func NewVoiceService(
	id domain.ParticipantID,
	bus ports.RoomBus,
	media ports.MediaSource,
	transport ports.PeerTransport,
	player ports.Player,
	observer ports.VoiceObserver,
	metrics ports.SessionMetrics,
	logger *zap.SugaredLogger,
) VoiceService {
	if id == "" {
		id = domain.NewParticipantID()
	}
	if observer == nil {
		observer = NopVoiceObserver{}
	}
	if metrics == nil {
		metrics = NopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &voiceService{
		id:        id,
		bus:       bus,
		media:     media,
		transport: transport,
		player:    player,
		observer:  observer,
		metrics:   metrics,
		logger:    logger.With("component", "voice", "participant_id", id),
		loop:      eventloop.New(),
		state:     domain.VoiceIdle,
		remotes:   make(map[domain.ParticipantID]*domain.VoicePeer),
		peers:     make(map[domain.ParticipantID]*voicePeer),
		snapState: domain.VoiceIdle,
	}
}

func (s *voiceService) Start(ctx context.Context, settings VoiceSettings) error {
	return s.do(ctx, func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.handle != nil {
			if settings == s.settings {
				return nil
			}
			s.teardown(ctx)
		}
		return s.start(ctx, settings)
	})
}

func (s *voiceService) Join(ctx context.Context) error {
	var epoch uint64
	err := s.do(ctx, func() error {
		if s.handle == nil {
			return fmt.Errorf("join before start: %w", domain.ErrVoiceNotReady)
		}
		if s.state == domain.VoiceReady {
			return nil
		}
		if s.joining {
			return fmt.Errorf("join already in progress: %w", domain.ErrVoiceNotReady)
		}
		s.joining = true
		s.joinEpoch++
		epoch = s.joinEpoch
		return nil
	})
	if err != nil || epoch == 0 {
		return err
	}

	// Acquisition may wait on a permission prompt, so it runs off the loop.
	local, acquireErr := s.media.Acquire(ctx)

	err = s.do(context.Background(), func() error {
		if epoch != s.joinEpoch {
			if local != nil {
				local.Stop()
			}
			return fmt.Errorf("join cancelled: %w", domain.ErrVoiceNotReady)
		}
		s.joining = false
		if acquireErr != nil {
			s.logger.Warnw("failed to acquire microphone", "error", acquireErr)
			if errors.Is(acquireErr, domain.ErrMediaAcquisition) {
				return acquireErr
			}
			return fmt.Errorf("acquire microphone: %v: %w", acquireErr, domain.ErrMediaAcquisition)
		}
		s.becomeReady(ctx, local)
		return nil
	})
	if err != nil && local != nil && errors.Is(err, domain.ErrSessionClosed) {
		local.Stop()
	}
	return err
}

func (s *voiceService) Leave(ctx context.Context) error {
	return s.do(ctx, func() error {
		s.leave(ctx)
		return nil
	})
}

func (s *voiceService) SetMuted(ctx context.Context, muted bool) error {
	return s.do(ctx, func() error {
		s.muted = muted
		if s.local != nil {
			s.local.SetEnabled(!muted)
		}
		s.logger.Debugw("microphone toggled", "muted", muted)
		s.refresh(false)
		return nil
	})
}

func (s *voiceService) SetDeafened(ctx context.Context, deafened bool) error {
	return s.do(ctx, func() error {
		s.deafened = deafened
		for _, p := range s.peers {
			p.info.IsMuted = deafened
			if p.playback != nil {
				p.playback.SetMuted(deafened)
			}
		}
		s.logger.Debugw("playback toggled", "deafened", deafened)
		s.refresh(false)
		return nil
	})
}

func (s *voiceService) Reset(ctx context.Context) error {
	return s.do(ctx, func() error {
		s.teardown(ctx)
		s.settings = VoiceSettings{}
		return nil
	})
}

func (s *voiceService) Stop() error {
	err := s.loop.Do(context.Background(), func() error {
		if s.closed {
			return nil
		}
		s.teardown(context.Background())
		s.closed = true
		return nil
	})
	if errors.Is(err, eventloop.ErrClosed) {
		return nil
	}
	s.loop.Close()
	return err
}

func (s *voiceService) State() domain.VoiceState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapState
}

func (s *voiceService) Muted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapMuted
}

func (s *voiceService) Deafened() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapDeafened
}

func (s *voiceService) Peers() []domain.PeerConnection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.PeerConnection, len(s.snapPeers))
	copy(out, s.snapPeers)
	return out
}

func (s *voiceService) Participants() []domain.ParticipantView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.ParticipantView, len(s.snapUsers))
	copy(out, s.snapUsers)
	return out
}

func (s *voiceService) do(ctx context.Context, fn func() error) error {
	err := s.loop.Do(ctx, func() error {
		if s.closed {
			return domain.ErrSessionClosed
		}
		return fn()
	})
	if errors.Is(err, eventloop.ErrClosed) {
		return domain.ErrSessionClosed
	}
	return err
}

func (s *voiceService) start(ctx context.Context, settings VoiceSettings) error {
	s.settings = settings
	s.generation++
	gen := s.generation

	handle, err := s.bus.Open(ctx, domain.VoiceChannel(settings.RoomID))
	if err != nil {
		s.logger.Warnw("failed to open voice channel", "room_id", settings.RoomID, "error", err)
		return fmt.Errorf("open voice channel: %w", err)
	}
	s.handle = handle
	handle.Subscribe(func(env domain.Envelope) {
		s.loop.Post(func() { s.dispatch(gen, env) })
	})

	if err := s.announce(ctx); err != nil {
		s.logger.Warnw("failed to announce on voice channel", "error", err)
	}
	s.logger.Infow("voice channel opened", "room_id", settings.RoomID)
	return nil
}

// teardown leaves voice, says goodbye and drops everything learned from the channel.
func (s *voiceService) teardown(ctx context.Context) {
	s.leave(ctx)
	if s.handle != nil {
		if err := s.publish(ctx, domain.MsgUserLeft, "", domain.UserLeftData{UserID: s.id}); err != nil {
			s.logger.Debugw("failed to publish user-left", "error", err)
		}
		if err := s.handle.Close(); err != nil {
			s.logger.Debugw("failed to close voice channel", "error", err)
		}
		s.handle = nil
	}
	s.remotes = make(map[domain.ParticipantID]*domain.VoicePeer)
	s.order = nil
	s.refresh(false)
}

func (s *voiceService) becomeReady(ctx context.Context, local ports.LocalAudio) {
	local.SetEnabled(!s.muted)
	s.local = local
	s.state = domain.VoiceReady
	s.logger.Infow("voice ready")

	if err := s.publish(ctx, domain.MsgVoiceReady, "", domain.VoiceUserData{UserName: s.settings.DisplayName}); err != nil {
		s.logger.Warnw("failed to publish voice-ready", "error", err)
	}
	for _, id := range s.order {
		if r := s.remotes[id]; r.Ready && s.initiates(id) {
			s.initiate(r)
		}
	}
	s.refresh(true)
}

func (s *voiceService) leave(ctx context.Context) {
	if s.joining {
		s.joining = false
		s.joinEpoch++
	}
	if s.state != domain.VoiceReady {
		return
	}

	if s.local != nil {
		s.local.Stop()
		s.local = nil
	}
	for id := range s.peers {
		s.destroyPeer(id, "left voice")
	}
	s.state = domain.VoiceIdle
	if err := s.publish(ctx, domain.MsgVoiceDisconnected, "", domain.VoiceUserData{UserName: s.settings.DisplayName}); err != nil {
		s.logger.Debugw("failed to publish voice-disconnected", "error", err)
	}
	s.logger.Infow("voice left")
	s.refresh(true)
}

// initiates reports whether this session opens the link toward remote. Exactly one
// side of every pair initiates: the one with the smaller id.
func (s *voiceService) initiates(remote domain.ParticipantID) bool {
	return s.id < remote
}

func (s *voiceService) announce(ctx context.Context) error {
	return s.publish(ctx, domain.MsgUserJoined, "", domain.VoiceUserData{UserName: s.settings.DisplayName})
}

func (s *voiceService) dispatch(gen uint64, env domain.Envelope) {
	if gen != s.generation || s.handle == nil || s.closed {
		return
	}
	if !env.AddressedTo(s.id) || env.From == "" {
		s.metrics.MessageDropped(channelKindVoice, "not-addressed")
		return
	}
	s.metrics.MessageReceived(channelKindVoice, env.Type)

	ctx, span := tracing.TraceBusMessage(context.Background(), channelKindVoice, env.Type, string(env.From))
	defer span.End()

	var err error
	switch env.Type {
	case domain.MsgUserJoined:
		err = s.onUserJoined(ctx, env)
	case domain.MsgVoiceReady:
		err = s.onVoiceReady(env)
	case domain.MsgVoiceDisconnected:
		s.onVoiceDisconnected(env)
	case domain.MsgUserLeft:
		s.onUserLeft(env)
	case domain.MsgOffer:
		err = s.onOffer(env)
	case domain.MsgAnswer, domain.MsgICECandidate:
		err = s.onSignal(env)
	default:
		s.metrics.MessageDropped(channelKindVoice, "unknown-type")
		s.logger.Debugw("ignoring unknown message", "type", env.Type)
	}

	if err != nil {
		tracing.RecordError(ctx, err)
		if errors.Is(err, domain.ErrMalformedMessage) {
			s.metrics.MessageDropped(channelKindVoice, "malformed")
			s.logger.Debugw("dropping malformed message", "type", env.Type, "remote_id", env.From, "error", err)
			return
		}
		s.logger.Warnw("failed to handle message", "type", env.Type, "remote_id", env.From, "error", err)
	}
}

func (s *voiceService) remember(id domain.ParticipantID, name string) (*domain.VoicePeer, bool) {
	if r, ok := s.remotes[id]; ok {
		if name != "" {
			r.DisplayName = name
		}
		return r, false
	}
	r := &domain.VoicePeer{ID: id, DisplayName: name}
	s.remotes[id] = r
	s.order = append(s.order, id)
	return r, true
}

func (s *voiceService) forget(id domain.ParticipantID) {
	delete(s.remotes, id)
	for i, rid := range s.order {
		if rid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}

func (s *voiceService) onUserJoined(ctx context.Context, env domain.Envelope) error {
	data, err := domain.Decode[domain.VoiceUserData](env)
	if err != nil {
		return err
	}
	_, fresh := s.remember(env.From, data.UserName)
	if fresh {
		// A newcomer has not heard our earlier announcements.
		if err := s.announce(ctx); err != nil {
			return err
		}
		if s.state == domain.VoiceReady {
			if err := s.publish(ctx, domain.MsgVoiceReady, "", domain.VoiceUserData{UserName: s.settings.DisplayName}); err != nil {
				return err
			}
		}
	}
	s.refresh(false)
	return nil
}

func (s *voiceService) onVoiceReady(env domain.Envelope) error {
	data, err := domain.Decode[domain.VoiceUserData](env)
	if err != nil {
		return err
	}
	r, _ := s.remember(env.From, data.UserName)
	r.Ready = true
	if s.state == domain.VoiceReady && s.initiates(r.ID) {
		s.initiate(r)
	}
	s.refresh(false)
	return nil
}

func (s *voiceService) onVoiceDisconnected(env domain.Envelope) {
	if r, ok := s.remotes[env.From]; ok {
		r.Ready = false
	}
	s.destroyPeer(env.From, "remote left voice")
	s.refresh(false)
}

func (s *voiceService) onUserLeft(env domain.Envelope) {
	s.forget(env.From)
	s.destroyPeer(env.From, "remote left room")
	s.refresh(false)
}

func (s *voiceService) onOffer(env domain.Envelope) error {
	sig, err := domain.Decode[domain.SignalPayload](env)
	if err != nil {
		return err
	}
	if s.state != domain.VoiceReady {
		s.metrics.MessageDropped(channelKindVoice, "not-ready")
		s.logger.Debugw("dropping offer while idle", "remote_id", env.From)
		return nil
	}
	if _, ok := s.peers[env.From]; ok {
		s.logger.Debugw("ignoring offer for existing peer", "remote_id", env.From)
		return nil
	}

	r, _ := s.remember(env.From, "")
	p, err := s.openPeer(r.ID, r.DisplayName, false)
	if err != nil {
		return err
	}
	sig.Type = domain.SignalOffer
	if err := p.link.Apply(sig); err != nil {
		s.metrics.PeerTransportError()
		s.destroyPeer(r.ID, "offer rejected")
		s.refresh(false)
		return fmt.Errorf("apply offer from %s: %v: %w", r.ID, err, domain.ErrPeerTransport)
	}
	s.refresh(false)
	return nil
}

func (s *voiceService) onSignal(env domain.Envelope) error {
	sig, err := domain.Decode[domain.SignalPayload](env)
	if err != nil {
		return err
	}
	p, ok := s.peers[env.From]
	if !ok {
		s.metrics.MessageDropped(channelKindVoice, "unknown-peer")
		return nil
	}
	if env.Type == domain.MsgAnswer {
		sig.Type = domain.SignalAnswer
	} else {
		sig.Type = domain.SignalCandidate
	}
	if err := p.link.Apply(sig); err != nil {
		s.metrics.PeerTransportError()
		s.destroyPeer(env.From, "signal rejected")
		s.refresh(false)
		return fmt.Errorf("apply %s from %s: %v: %w", env.Type, env.From, err, domain.ErrPeerTransport)
	}
	return nil
}

func (s *voiceService) initiate(r *domain.VoicePeer) {
	if _, ok := s.peers[r.ID]; ok {
		return
	}
	if _, err := s.openPeer(r.ID, r.DisplayName, true); err != nil {
		s.logger.Warnw("failed to open peer connection", "remote_id", r.ID, "error", err)
	}
}

func (s *voiceService) openPeer(remote domain.ParticipantID, name string, initiator bool) (*voicePeer, error) {
	s.peerEpoch++
	epoch := s.peerEpoch

	p := &voicePeer{
		info: domain.PeerConnection{
			RemoteID:    remote,
			DisplayName: name,
			IsInitiator: initiator,
			State:       domain.PeerIdle,
			IsMuted:     s.deafened,
			OpenedAt:    time.Now(),
		},
		epoch: epoch,
	}

	link, err := s.transport.NewLink(remote, initiator, s.local, ports.LinkEvents{
		OnSignal: func(sig domain.SignalPayload) {
			s.loop.Post(func() { s.onLocalSignal(remote, epoch, sig) })
		},
		OnStream: func(audio ports.RemoteAudio) {
			s.loop.Post(func() { s.onRemoteStream(remote, epoch, audio) })
		},
		OnStateChange: func(state ports.LinkState, err error) {
			s.loop.Post(func() { s.onLinkState(remote, epoch, state, err) })
		},
	})
	if err != nil {
		s.metrics.PeerTransportError()
		return nil, fmt.Errorf("new link to %s: %v: %w", remote, err, domain.ErrPeerTransport)
	}
	p.link = link
	s.peers[remote] = p
	s.metrics.PeerStateChanged("", domain.PeerIdle)
	s.logger.Infow("peer connection opened", "remote_id", remote, "initiator", initiator)
	return p, nil
}

func (s *voiceService) peer(remote domain.ParticipantID, epoch uint64) *voicePeer {
	p, ok := s.peers[remote]
	if !ok || p.epoch != epoch {
		return nil
	}
	return p
}

func (s *voiceService) setPeerState(p *voicePeer, state domain.PeerState) {
	if p.info.State == state {
		return
	}
	s.metrics.PeerStateChanged(p.info.State, state)
	p.info.State = state
}

func (s *voiceService) onLocalSignal(remote domain.ParticipantID, epoch uint64, sig domain.SignalPayload) {
	p := s.peer(remote, epoch)
	if p == nil || s.handle == nil {
		return
	}

	msgType := domain.MsgICECandidate
	switch sig.Type {
	case domain.SignalOffer:
		msgType = domain.MsgOffer
	case domain.SignalAnswer:
		msgType = domain.MsgAnswer
	}
	if err := s.publish(context.Background(), msgType, remote, sig); err != nil {
		s.logger.Warnw("failed to send signal", "remote_id", remote, "type", msgType, "error", err)
		return
	}
	if p.info.State == domain.PeerIdle && msgType != domain.MsgICECandidate {
		s.setPeerState(p, domain.PeerSignalSent)
		s.refresh(false)
	}
}

func (s *voiceService) onRemoteStream(remote domain.ParticipantID, epoch uint64, audio ports.RemoteAudio) {
	p := s.peer(remote, epoch)
	if p == nil {
		return
	}

	if p.playback == nil && s.player != nil {
		playback, err := s.player.Play(remote, audio)
		if err != nil {
			s.logger.Warnw("failed to start playback", "remote_id", remote, "error", err)
		} else {
			playback.SetMuted(s.deafened)
			p.playback = playback
		}
	}

	if p.info.State != domain.PeerConnected {
		s.setPeerState(p, domain.PeerConnected)
		p.info.ConnectedAt = time.Now()
		s.metrics.PeerSetupCompleted(p.info.ConnectedAt.Sub(p.info.OpenedAt))
		s.logger.Infow("peer connected", "remote_id", remote)
	}
	s.refresh(false)
}

func (s *voiceService) onLinkState(remote domain.ParticipantID, epoch uint64, state ports.LinkState, err error) {
	p := s.peer(remote, epoch)
	if p == nil {
		return
	}
	switch state {
	case ports.LinkConnected:
		s.logger.Debugw("peer transport connected", "remote_id", remote)
	case ports.LinkFailed:
		s.metrics.PeerTransportError()
		s.logger.Warnw("peer transport failed", "remote_id", remote, "error", err)
		s.destroyPeer(remote, "transport failed")
		s.refresh(false)
	case ports.LinkClosed:
		s.destroyPeer(remote, "transport closed")
		s.refresh(false)
	}
}

func (s *voiceService) destroyPeer(remote domain.ParticipantID, reason string) {
	p, ok := s.peers[remote]
	if !ok {
		return
	}
	delete(s.peers, remote)

	if p.playback != nil {
		if err := p.playback.Close(); err != nil {
			s.logger.Debugw("failed to close playback", "remote_id", remote, "error", err)
		}
	}
	if p.link != nil {
		if err := p.link.Close(); err != nil {
			s.logger.Debugw("failed to close peer connection", "remote_id", remote, "error", err)
		}
	}
	s.setPeerState(p, domain.PeerClosed)
	s.logger.Infow("peer connection closed", "remote_id", remote, "reason", reason)
}

func (s *voiceService) publish(ctx context.Context, msgType string, to domain.ParticipantID, data any) error {
	if s.handle == nil {
		return domain.ErrBusClosed
	}
	env, err := domain.NewEnvelope(msgType, s.id, to, data)
	if err != nil {
		return err
	}
	if err := s.handle.Publish(ctx, env); err != nil {
		return fmt.Errorf("publish %s: %w", msgType, err)
	}
	s.metrics.MessagePublished(channelKindVoice, msgType)
	return nil
}

// refresh copies loop-owned state into the read side and notifies the observer.
func (s *voiceService) refresh(stateChanged bool) {
	peers := make([]domain.PeerConnection, 0, len(s.peers))
	for _, id := range s.order {
		if p, ok := s.peers[id]; ok {
			peers = append(peers, p.info)
		}
	}
	users := make([]domain.ParticipantView, 0, len(s.order))
	for _, id := range s.order {
		r := s.remotes[id]
		p, ok := s.peers[id]
		users = append(users, domain.ParticipantView{
			ID:               id,
			Name:             r.DisplayName,
			Color:            domain.ColorFor(id),
			IsVoiceConnected: ok && p.info.State == domain.PeerConnected,
		})
	}

	s.mu.Lock()
	s.snapState = s.state
	s.snapMuted = s.muted
	s.snapDeafened = s.deafened
	s.snapPeers = peers
	s.snapUsers = users
	s.mu.Unlock()

	if stateChanged {
		s.observer.OnVoiceStateChange(s.state)
	}
	s.observer.OnVoiceParticipantsChange(users)
}

