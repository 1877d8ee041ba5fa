package ports

import (
	"time"

	"docroom/internal/core/domain"
)

// Collaborator is the editing UI side. Calls are notifications; nothing is read back.
type Collaborator interface {
	OnUsersChange(users []domain.ParticipantView)
	OnContentChange(html string)
	OnConnectionStatusChange(status domain.ConnectionStatus)
}

type PresenceObserver interface {
	OnPresenceChange(users []domain.ParticipantView)
	OnContentChange(html string)
	OnConnectionStatusChange(status domain.ConnectionStatus)
}

type VoiceObserver interface {
	OnVoiceParticipantsChange(users []domain.ParticipantView)
	OnVoiceStateChange(state domain.VoiceState)
}

// SessionMetrics receives counters from both managers.
type SessionMetrics interface {
	MessagePublished(channelKind, msgType string)
	MessageReceived(channelKind, msgType string)
	MessageDropped(channelKind, reason string)
	JoinDecision(approved bool)
	ParticipantsChanged(count int)
	PeerStateChanged(from, to domain.PeerState)
	PeerSetupCompleted(d time.Duration)
	PeerTransportError()
}
