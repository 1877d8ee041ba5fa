package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"docroom/internal/core/domain"
	"docroom/internal/core/ports"
	"docroom/pkg/eventloop"

	"go.uber.org/zap"
)

// RoomBus is a process-local broadcast bus. Each handle owns an ordered delivery
// queue, so a publisher never waits on a slow subscriber.
type RoomBus struct {
	mu       sync.RWMutex
	channels map[string]map[uint64]*handle
	nextID   uint64
	closed   bool

	logger *zap.SugaredLogger
}

type handle struct {
	id      uint64
	channel string
	bus     *RoomBus
	loop    *eventloop.Loop

	mu     sync.RWMutex
	subs   []func(domain.Envelope)
	closed atomic.Bool
}

func NewRoomBus(logger *zap.SugaredLogger) *RoomBus {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &RoomBus{
		channels: make(map[string]map[uint64]*handle),
		logger:   logger.With("component", "memory-bus"),
	}
}

func (b *RoomBus) Open(ctx context.Context, channel string) (ports.BusHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("open %s: %w", channel, domain.ErrBusUnavailable)
	}
	if channel == "" {
		return nil, fmt.Errorf("open: empty channel name: %w", domain.ErrBusUnavailable)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("open %s: bus closed: %w", channel, domain.ErrBusUnavailable)
	}

	b.nextID++
	h := &handle{
		id:      b.nextID,
		channel: channel,
		bus:     b,
		loop:    eventloop.New(),
	}

	members, ok := b.channels[channel]
	if !ok {
		members = make(map[uint64]*handle)
		b.channels[channel] = members
	}
	members[h.id] = h

	b.logger.Debugw("handle opened", "channel", channel, "handle", h.id, "members", len(members))
	return h, nil
}

// Close detaches every open handle. Further Open calls fail.
func (b *RoomBus) Close() error {
	b.mu.Lock()
	var open []*handle
	for _, members := range b.channels {
		for _, h := range members {
			open = append(open, h)
		}
	}
	b.closed = true
	b.mu.Unlock()

	for _, h := range open {
		h.Close()
	}
	return nil
}

// Members returns how many handles are open on channel.
func (b *RoomBus) Members(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.channels[channel])
}

func (b *RoomBus) broadcast(from *handle, env domain.Envelope) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for id, h := range b.channels[from.channel] {
		if id == from.id {
			continue
		}
		if h.enqueue(env) {
			delivered++
		}
	}
	return delivered
}

func (b *RoomBus) detach(h *handle) {
	b.mu.Lock()
	defer b.mu.Unlock()

	members := b.channels[h.channel]
	delete(members, h.id)
	if len(members) == 0 {
		delete(b.channels, h.channel)
	}
	b.logger.Debugw("handle closed", "channel", h.channel, "handle", h.id, "members", len(members))
}

func (h *handle) Channel() string {
	return h.channel
}

func (h *handle) Publish(ctx context.Context, env domain.Envelope) error {
	if h.closed.Load() {
		return domain.ErrBusClosed
	}
	n := h.bus.broadcast(h, env)
	if n == 0 {
		h.bus.logger.Debugw("broadcast did not reach anyone", "channel", h.channel, "type", env.Type)
	}
	return nil
}

func (h *handle) Subscribe(fn func(domain.Envelope)) {
	h.mu.Lock()
	h.subs = append(h.subs, fn)
	h.mu.Unlock()
}

func (h *handle) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	h.bus.detach(h)
	// Close may be called from a subscriber callback running on this loop.
	go h.loop.Close()
	return nil
}

// enqueue captures the current subscribers so a frame never reaches a callback
// registered after it was published.
func (h *handle) enqueue(env domain.Envelope) bool {
	if h.closed.Load() {
		return false
	}
	h.mu.RLock()
	subs := make([]func(domain.Envelope), len(h.subs))
	copy(subs, h.subs)
	h.mu.RUnlock()

	if len(subs) == 0 {
		return false
	}
	return h.loop.Post(func() {
		for _, fn := range subs {
			fn(env)
		}
	})
}
