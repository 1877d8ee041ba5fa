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

const (
	channelKindEdit  = "edit"
	channelKindVoice = "voice"
)

// Settings configure the presence state machine. RoomID, DisplayName, Passcode and
// IsAdmin identify a session; changing any of them restarts it.
type Settings struct {
	RoomID           domain.RoomID
	DisplayName      string
	IsAdmin          bool
	Passcode         string
	AllowList        []string
	ApprovalRequired bool
	// JoinTimeout bounds the wait for a join-response. Zero waits forever.
	JoinTimeout time.Duration
}

func (s Settings) sameIdentity(o Settings) bool {
	return s.RoomID == o.RoomID &&
		s.DisplayName == o.DisplayName &&
		s.Passcode == o.Passcode &&
		s.IsAdmin == o.IsAdmin
}

func (s Settings) policy() domain.AuthorizationPolicy {
	return domain.NewAuthorizationPolicy(s.IsAdmin, s.Passcode, s.AllowList, s.ApprovalRequired)
}

type PresenceService interface {
	Start(ctx context.Context, settings Settings) error
	ApplySettings(ctx context.Context, settings Settings) error
	// AwaitDecision blocks until a non-admin session leaves Connecting.
	AwaitDecision(ctx context.Context) error
	PublishContent(ctx context.Context, html string) error
	Stop() error

	Self() domain.Participant
	Participants() []domain.Participant
	Roster() []domain.ParticipantView
	Status() domain.ConnectionStatus
	Settings() Settings
}

type presenceService struct {
	bus      ports.RoomBus
	observer ports.PresenceObserver
	metrics  ports.SessionMetrics
	logger   *zap.SugaredLogger
	loop     *eventloop.Loop

	// Owned by the loop.
	self         domain.Participant
	settings     Settings
	policy       domain.AuthorizationPolicy
	handle       ports.BusHandle
	generation   uint64
	state        domain.PresenceState
	participants map[domain.ParticipantID]*domain.Participant
	order        []domain.ParticipantID
	joinTimer    *time.Timer
	decision     *decision
	started      bool
	closed       bool

	// Read side, refreshed by the loop after every change.
	mu       sync.RWMutex
	status   domain.ConnectionStatus
	snapshot []domain.Participant
	selfView domain.Participant
	current  Settings
}

func NewPresenceService(
	id domain.ParticipantID,
	bus ports.RoomBus,
	observer ports.PresenceObserver,
	metrics ports.SessionMetrics,
	logger *zap.SugaredLogger,
) PresenceService {
	if id == "" {
		id = domain.NewParticipantID()
	}
	if observer == nil {
		observer = NopPresenceObserver{}
	}
	if metrics == nil {
		metrics = NopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	self := domain.Participant{ID: id, Color: domain.ColorFor(id)}
	return &presenceService{
		bus:          bus,
		observer:     observer,
		metrics:      metrics,
		logger:       logger.With("component", "presence", "participant_id", id),
		loop:         eventloop.New(),
		self:         self,
		state:        domain.StateDisconnected,
		participants: make(map[domain.ParticipantID]*domain.Participant),
		decision:     newDecision(),
		status:       domain.ConnectionStatus{State: domain.StateDisconnected},
		selfView:     self,
	}
}

func (s *presenceService) Start(ctx context.Context, settings Settings) error {
	return s.do(ctx, func() error {
		if s.started {
			return s.applySettings(ctx, settings)
		}
		return s.start(ctx, settings)
	})
}

func (s *presenceService) ApplySettings(ctx context.Context, settings Settings) error {
	return s.do(ctx, func() error {
		if !s.started {
			return s.start(ctx, settings)
		}
		return s.applySettings(ctx, settings)
	})
}

func (s *presenceService) AwaitDecision(ctx context.Context) error {
	var d *decision
	if err := s.do(ctx, func() error {
		d = s.decision
		return nil
	}); err != nil {
		return err
	}

	select {
	case <-d.done:
		return d.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *presenceService) PublishContent(ctx context.Context, html string) error {
	return s.do(ctx, func() error {
		if s.state != domain.StateAuthorized {
			return domain.ErrNotAuthorized
		}
		return s.publish(ctx, domain.MsgContentUpdate, "", domain.ContentUpdateData{
			HTML:     html,
			UserName: s.self.DisplayName,
		})
	})
}

func (s *presenceService) Stop() error {
	err := s.loop.Do(context.Background(), func() error {
		if s.closed {
			return nil
		}
		s.teardown(context.Background())
		s.closed = true
		s.setState(domain.StateDisconnected, "")
		return nil
	})
	if errors.Is(err, eventloop.ErrClosed) {
		return nil
	}
	s.loop.Close()
	return err
}

func (s *presenceService) Self() domain.Participant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selfView
}

func (s *presenceService) Participants() []domain.Participant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Participant, len(s.snapshot))
	copy(out, s.snapshot)
	return out
}

func (s *presenceService) Roster() []domain.ParticipantView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rosterLocked()
}

func (s *presenceService) Status() domain.ConnectionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *presenceService) Settings() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

func (s *presenceService) do(ctx context.Context, fn func() error) error {
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

func (s *presenceService) start(ctx context.Context, settings Settings) error {
	s.started = true
	s.settings = settings
	s.policy = settings.policy()
	s.self.DisplayName = settings.DisplayName
	s.generation++
	gen := s.generation
	s.decision = newDecision()
	s.refreshSelf()

	log := s.logger.With("room_id", settings.RoomID)

	handle, err := s.bus.Open(ctx, domain.EditChannel(settings.RoomID))
	if err != nil {
		log.Warnw("failed to open editing channel", "error", err)
		s.decide(err)
		s.setState(domain.StateDisconnected, "Connection failed")
		return fmt.Errorf("open editing channel: %w", err)
	}
	s.handle = handle
	handle.Subscribe(func(env domain.Envelope) {
		s.loop.Post(func() { s.dispatch(gen, env) })
	})

	if settings.IsAdmin {
		log.Infow("joined room as admin")
		s.authorize(ctx)
		return nil
	}

	s.setState(domain.StateConnecting, "")
	if err := s.publish(ctx, domain.MsgJoinRequest, "", domain.JoinRequestData{
		UserName: settings.DisplayName,
		Key:      settings.Passcode,
	}); err != nil {
		log.Warnw("failed to publish join request", "error", err)
	}
	if settings.JoinTimeout > 0 {
		s.joinTimer = time.AfterFunc(settings.JoinTimeout, func() {
			s.loop.Post(func() { s.onJoinTimeout(gen) })
		})
	}
	log.Infow("join requested", "join_timeout", settings.JoinTimeout)
	return nil
}

func (s *presenceService) applySettings(ctx context.Context, settings Settings) error {
	if settings.sameIdentity(s.settings) {
		s.settings.AllowList = settings.AllowList
		s.settings.ApprovalRequired = settings.ApprovalRequired
		s.settings.JoinTimeout = settings.JoinTimeout
		s.policy = s.settings.policy()
		s.refreshSelf()
		s.logger.Debugw("admin policy updated",
			"allow_list", len(s.policy.AllowList),
			"approval_required", s.policy.ApprovalRequired,
		)
		return nil
	}

	s.logger.Infow("settings changed, restarting presence",
		"room_id", settings.RoomID,
		"is_admin", settings.IsAdmin,
	)
	s.teardown(ctx)
	return s.start(ctx, settings)
}

// teardown releases the current subscription. Participants are dropped with it.
func (s *presenceService) teardown(ctx context.Context) {
	if s.joinTimer != nil {
		s.joinTimer.Stop()
		s.joinTimer = nil
	}
	if s.handle != nil {
		if s.state == domain.StateAuthorized {
			if err := s.publish(ctx, domain.MsgUserLeft, "", domain.UserLeftData{UserID: s.self.ID}); err != nil {
				s.logger.Debugw("failed to publish user-left", "error", err)
			}
		}
		if err := s.handle.Close(); err != nil {
			s.logger.Debugw("failed to close editing channel", "error", err)
		}
		s.handle = nil
	}
	s.decide(domain.ErrSessionClosed)
	s.participants = make(map[domain.ParticipantID]*domain.Participant)
	s.order = nil
	s.publishParticipants()
}

func (s *presenceService) authorize(ctx context.Context) {
	s.decide(nil)
	s.setState(domain.StateAuthorized, "")
	if err := s.announce(ctx); err != nil {
		s.logger.Warnw("failed to announce presence", "error", err)
	}
	if err := s.publish(ctx, domain.MsgPresenceQuery, "", domain.PresenceQueryData{UserID: s.self.ID}); err != nil {
		s.logger.Warnw("failed to query presence", "error", err)
	}
}

func (s *presenceService) announce(ctx context.Context) error {
	return s.publish(ctx, domain.MsgUserJoined, "", domain.UserJoinedData{
		UserID:   s.self.ID,
		UserName: s.self.DisplayName,
		Color:    s.self.Color,
	})
}

func (s *presenceService) dispatch(gen uint64, env domain.Envelope) {
	if gen != s.generation || s.handle == nil || s.closed {
		return
	}
	if !env.AddressedTo(s.self.ID) {
		s.metrics.MessageDropped(channelKindEdit, "not-addressed")
		return
	}
	s.metrics.MessageReceived(channelKindEdit, env.Type)

	ctx, span := tracing.TraceBusMessage(context.Background(), channelKindEdit, env.Type, string(env.From))
	defer span.End()

	var err error
	switch env.Type {
	case domain.MsgJoinRequest:
		err = s.onJoinRequest(ctx, env)
	case domain.MsgJoinResponse:
		err = s.onJoinResponse(ctx, env)
	case domain.MsgUserJoined:
		err = s.onUserJoined(env)
	case domain.MsgPresenceQuery:
		if s.state == domain.StateAuthorized {
			err = s.announce(ctx)
		}
	case domain.MsgContentUpdate:
		err = s.onContentUpdate(env)
	case domain.MsgUserLeft:
		err = s.onUserLeft(env)
	default:
		s.metrics.MessageDropped(channelKindEdit, "unknown-type")
		s.logger.Debugw("ignoring unknown message", "type", env.Type)
	}

	if err != nil {
		tracing.RecordError(ctx, err)
		if errors.Is(err, domain.ErrMalformedMessage) {
			s.metrics.MessageDropped(channelKindEdit, "malformed")
			s.logger.Debugw("dropping malformed message", "type", env.Type, "error", err)
			return
		}
		s.logger.Warnw("failed to handle message", "type", env.Type, "error", err)
	}
}

func (s *presenceService) onJoinRequest(ctx context.Context, env domain.Envelope) error {
	if !s.policy.IsAdmin || s.state != domain.StateAuthorized {
		return nil
	}
	if env.From == "" {
		return fmt.Errorf("join-request without sender: %w", domain.ErrMalformedMessage)
	}
	data, err := domain.Decode[domain.JoinRequestData](env)
	if err != nil {
		return err
	}

	decision := s.policy.Evaluate(domain.JoinRequest{
		RequesterID:      env.From,
		RequesterName:    data.UserName,
		SuppliedPasscode: data.Key,
	})
	s.metrics.JoinDecision(decision.Approved)
	s.logger.Infow("join request evaluated",
		"remote_id", env.From,
		"user_name", data.UserName,
		"approved", decision.Approved,
	)

	return s.publish(ctx, domain.MsgJoinResponse, env.From, domain.JoinResponseData{
		Approved: decision.Approved,
		Reason:   decision.Reason,
	})
}

func (s *presenceService) onJoinResponse(ctx context.Context, env domain.Envelope) error {
	if s.state != domain.StateConnecting {
		return nil
	}
	data, err := domain.Decode[domain.JoinResponseData](env)
	if err != nil {
		return err
	}
	if s.joinTimer != nil {
		s.joinTimer.Stop()
		s.joinTimer = nil
	}

	if data.Approved {
		s.logger.Infow("join approved", "admin_id", env.From)
		s.authorize(ctx)
		return nil
	}

	reason := data.Reason
	if reason == "" {
		reason = domain.DenialReason
	}
	s.logger.Infow("join denied", "admin_id", env.From, "reason", reason)
	s.unauthorize(&domain.DenialError{Reason: reason}, reason)
	return nil
}

func (s *presenceService) onJoinTimeout(gen uint64) {
	if gen != s.generation || s.state != domain.StateConnecting {
		return
	}
	s.joinTimer = nil
	s.logger.Warnw("no join response received", "join_timeout", s.settings.JoinTimeout)
	s.unauthorize(domain.ErrJoinTimeout, "No response from room admin")
}

// unauthorize stops all traffic from this session. The handle is released so nothing
// more is published until settings change.
func (s *presenceService) unauthorize(err error, reason string) {
	if s.handle != nil {
		if cerr := s.handle.Close(); cerr != nil {
			s.logger.Debugw("failed to close editing channel", "error", cerr)
		}
		s.handle = nil
	}
	s.decide(err)
	s.setState(domain.StateUnauthorized, reason)
}

func (s *presenceService) onUserJoined(env domain.Envelope) error {
	if s.state != domain.StateAuthorized {
		return nil
	}
	data, err := domain.Decode[domain.UserJoinedData](env)
	if err != nil {
		return err
	}
	id := data.UserID
	if id == "" {
		id = env.From
	}
	if id == "" || id == s.self.ID {
		return nil
	}

	color := data.Color
	if color == "" {
		color = domain.ColorFor(id)
	}

	if p, ok := s.participants[id]; ok {
		if p.DisplayName == data.UserName && p.Color == color {
			return nil
		}
		p.DisplayName = data.UserName
		p.Color = color
	} else {
		s.participants[id] = &domain.Participant{ID: id, DisplayName: data.UserName, Color: color}
		s.order = append(s.order, id)
		s.logger.Infow("participant joined", "remote_id", id, "user_name", data.UserName)
	}
	s.publishParticipants()
	return nil
}

func (s *presenceService) onContentUpdate(env domain.Envelope) error {
	if s.state != domain.StateAuthorized {
		return nil
	}
	data, err := domain.Decode[domain.ContentUpdateData](env)
	if err != nil {
		return err
	}
	s.observer.OnContentChange(data.HTML)
	return nil
}

func (s *presenceService) onUserLeft(env domain.Envelope) error {
	id := env.From
	if len(env.Data) > 0 {
		data, err := domain.Decode[domain.UserLeftData](env)
		if err != nil {
			return err
		}
		if data.UserID != "" {
			id = data.UserID
		}
	}
	if _, ok := s.participants[id]; !ok {
		return nil
	}

	delete(s.participants, id)
	for i, pid := range s.order {
		if pid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.logger.Infow("participant left", "remote_id", id)
	s.publishParticipants()
	return nil
}

func (s *presenceService) publish(ctx context.Context, msgType string, to domain.ParticipantID, data any) error {
	if s.handle == nil {
		return domain.ErrBusClosed
	}
	env, err := domain.NewEnvelope(msgType, s.self.ID, to, data)
	if err != nil {
		return err
	}
	if err := s.handle.Publish(ctx, env); err != nil {
		return fmt.Errorf("publish %s: %w", msgType, err)
	}
	s.metrics.MessagePublished(channelKindEdit, msgType)
	return nil
}

// decision is resolved once per start, when a non-admin session leaves Connecting.
type decision struct {
	done chan struct{}
	err  error
}

func newDecision() *decision {
	return &decision{done: make(chan struct{})}
}

func (s *presenceService) decide(err error) {
	d := s.decision
	select {
	case <-d.done:
		return
	default:
	}
	d.err = err
	close(d.done)
}

func (s *presenceService) setState(state domain.PresenceState, reason string) {
	s.state = state
	status := domain.ConnectionStatus{State: state, Reason: reason}

	s.mu.Lock()
	changed := s.status != status
	s.status = status
	s.mu.Unlock()

	if changed {
		s.observer.OnConnectionStatusChange(status)
	}
}

func (s *presenceService) refreshSelf() {
	s.mu.Lock()
	s.selfView = s.self
	s.current = s.settings
	s.mu.Unlock()
}

func (s *presenceService) publishParticipants() {
	list := make([]domain.Participant, 0, len(s.order))
	for _, id := range s.order {
		list = append(list, *s.participants[id])
	}

	s.mu.Lock()
	s.snapshot = list
	roster := s.rosterLocked()
	s.mu.Unlock()

	s.metrics.ParticipantsChanged(len(list))
	s.observer.OnPresenceChange(roster)
}

func (s *presenceService) rosterLocked() []domain.ParticipantView {
	views := make([]domain.ParticipantView, 0, len(s.snapshot)+1)
	self := s.selfView.View()
	self.IsSelf = true
	views = append(views, self)
	for _, p := range s.snapshot {
		views = append(views, p.View())
	}
	return views
}
