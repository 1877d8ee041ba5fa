package ports

import (
	"context"

	"docroom/internal/core/domain"
)

// RoomBus opens broadcast channels scoped by name. Every handle opened on the same
// name receives what the other handles publish, never its own frames.
type RoomBus interface {
	Open(ctx context.Context, channel string) (BusHandle, error)
	Close() error
}

type BusHandle interface {
	Channel() string
	// Publish is fire-and-forget and ordered per handle.
	Publish(ctx context.Context, env domain.Envelope) error
	// Subscribe registers fn for frames published after this call.
	Subscribe(fn func(domain.Envelope))
	Close() error
}
