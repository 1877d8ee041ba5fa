package ports

import (
	"context"

	"docroom/internal/core/domain"
)

// MediaSource hands out the local microphone stream. Acquire may block on an
// OS-level permission prompt.
type MediaSource interface {
	Acquire(ctx context.Context) (LocalAudio, error)
}

type LocalAudio interface {
	SetEnabled(enabled bool)
	Enabled() bool
	Stop()
}

// RemoteAudio is the inbound stream of one remote session.
type RemoteAudio interface {
	ID() string
}

type Player interface {
	Play(remote domain.ParticipantID, audio RemoteAudio) (PlaybackHandle, error)
}

type PlaybackHandle interface {
	SetMuted(muted bool)
	Close() error
}

type LinkState string

const (
	LinkConnected LinkState = "connected"
	LinkFailed    LinkState = "failed"
	LinkClosed    LinkState = "closed"
)

// LinkEvents are invoked from transport goroutines.
type LinkEvents struct {
	// OnSignal delivers the complete local description, ready to be sent as one message.
	OnSignal      func(domain.SignalPayload)
	OnStream      func(RemoteAudio)
	OnStateChange func(LinkState, error)
}

type PeerTransport interface {
	NewLink(remote domain.ParticipantID, initiator bool, local LocalAudio, events LinkEvents) (PeerLink, error)
}

type PeerLink interface {
	// Apply feeds a remote offer, answer or candidate into the link.
	Apply(signal domain.SignalPayload) error
	Close() error
}
