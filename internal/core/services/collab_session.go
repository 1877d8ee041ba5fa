package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"docroom/internal/core/domain"
	"docroom/internal/core/ports"

	"go.uber.org/zap"
)

type SessionDeps struct {
	Bus          ports.RoomBus
	Media        ports.MediaSource
	Transport    ports.PeerTransport
	Player       ports.Player
	Collaborator ports.Collaborator
	Metrics      ports.SessionMetrics
	Logger       *zap.SugaredLogger
}

// SessionSnapshot is the full state of a session as shown by the settings UI.
type SessionSnapshot struct {
	ParticipantID domain.ParticipantID     `json:"participantId"`
	RoomID        domain.RoomID            `json:"roomId"`
	DisplayName   string                   `json:"displayName"`
	IsAdmin       bool                     `json:"isAdmin"`
	Status        domain.ConnectionStatus  `json:"status"`
	Users         []domain.ParticipantView `json:"users"`
	Voice         VoiceSnapshot            `json:"voice"`
}

type VoiceSnapshot struct {
	State    domain.VoiceState       `json:"state"`
	Muted    bool                    `json:"muted"`
	Deafened bool                    `json:"deafened"`
	Peers    []domain.PeerConnection `json:"peers"`
}

// CollabSession owns one identity and the two managers that share it. The voice
// channel is opened once the editing session is authorized.
type CollabSession struct {
	id       domain.ParticipantID
	presence PresenceService
	voice    VoiceService
	panel    *Panel
	logger   *zap.SugaredLogger

	mu         sync.Mutex
	cancelWait context.CancelFunc
	wg         sync.WaitGroup
}

func NewCollabSession(deps SessionDeps) *CollabSession {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	id := domain.NewParticipantID()
	panel := NewPanel(deps.Collaborator)

	return &CollabSession{
		id:       id,
		presence: NewPresenceService(id, deps.Bus, panel, deps.Metrics, logger),
		voice:    NewVoiceService(id, deps.Bus, deps.Media, deps.Transport, deps.Player, panel, deps.Metrics, logger),
		panel:    panel,
		logger:   logger.With("participant_id", id),
	}
}

func (s *CollabSession) ID() domain.ParticipantID {
	return s.id
}

func (s *CollabSession) Start(ctx context.Context, settings Settings) error {
	if err := s.presence.Start(ctx, settings); err != nil {
		return err
	}
	s.followAuthorization(settings)
	return nil
}

// ApplySettings forwards new settings to the presence manager. When the identity
// changes the voice channel is released at once and reopened after the new
// authorization.
func (s *CollabSession) ApplySettings(ctx context.Context, settings Settings) error {
	previous := s.presence.Settings()
	err := s.presence.ApplySettings(ctx, settings)
	if settings.sameIdentity(previous) {
		return err
	}

	// A pending voice start for the old identity must not run after the reset.
	s.cancelPending()
	if resetErr := s.voice.Reset(ctx); resetErr != nil && !errors.Is(resetErr, domain.ErrSessionClosed) {
		s.logger.Warnw("failed to release voice channel on settings change", "error", resetErr)
	}
	if err != nil {
		return err
	}
	s.followAuthorization(settings)
	return nil
}

func (s *CollabSession) cancelPending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelWait != nil {
		s.cancelWait()
		s.cancelWait = nil
	}
}

func (s *CollabSession) followAuthorization(settings Settings) {
	waitCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	if s.cancelWait != nil {
		s.cancelWait()
	}
	s.cancelWait = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.presence.AwaitDecision(waitCtx); err != nil {
			if !errors.Is(err, context.Canceled) {
				s.logger.Infow("voice unavailable", "reason", err)
			}
			return
		}
		voiceSettings := VoiceSettings{RoomID: settings.RoomID, DisplayName: settings.DisplayName}
		if err := s.voice.Start(waitCtx, voiceSettings); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warnw("failed to open voice channel", "room_id", settings.RoomID, "error", err)
		}
	}()
}

func (s *CollabSession) PublishContent(ctx context.Context, html string) error {
	return s.presence.PublishContent(ctx, html)
}

func (s *CollabSession) JoinVoice(ctx context.Context) error {
	if s.presence.Status().State != domain.StateAuthorized {
		return fmt.Errorf("join voice: %w", domain.ErrNotAuthorized)
	}
	return s.voice.Join(ctx)
}

func (s *CollabSession) LeaveVoice(ctx context.Context) error {
	return s.voice.Leave(ctx)
}

func (s *CollabSession) SetMuted(ctx context.Context, muted bool) error {
	return s.voice.SetMuted(ctx, muted)
}

func (s *CollabSession) SetDeafened(ctx context.Context, deafened bool) error {
	return s.voice.SetDeafened(ctx, deafened)
}

func (s *CollabSession) Settings() Settings {
	return s.presence.Settings()
}

func (s *CollabSession) Users() []domain.ParticipantView {
	return s.panel.Users()
}

func (s *CollabSession) Peers() []domain.PeerConnection {
	return s.voice.Peers()
}

func (s *CollabSession) Snapshot() SessionSnapshot {
	settings := s.presence.Settings()
	users := s.panel.Users()
	if users == nil {
		users = MergeParticipants(s.presence.Roster(), s.voice.Participants(), s.voice.State() == domain.VoiceReady)
	}
	return SessionSnapshot{
		ParticipantID: s.id,
		RoomID:        settings.RoomID,
		DisplayName:   settings.DisplayName,
		IsAdmin:       settings.IsAdmin,
		Status:        s.presence.Status(),
		Users:         users,
		Voice: VoiceSnapshot{
			State:    s.voice.State(),
			Muted:    s.voice.Muted(),
			Deafened: s.voice.Deafened(),
			Peers:    s.voice.Peers(),
		},
	}
}

// Stop leaves voice and both channels. The session cannot be restarted.
func (s *CollabSession) Stop() error {
	s.cancelPending()

	voiceErr := s.voice.Stop()
	presenceErr := s.presence.Stop()
	s.wg.Wait()
	return errors.Join(voiceErr, presenceErr)
}
