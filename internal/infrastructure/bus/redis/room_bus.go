package redis

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"docroom/internal/core/domain"
	"docroom/internal/core/ports"
	"docroom/pkg/eventloop"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

const DefaultChannelPrefix = "docroom:bus:"

// frame is what travels through Redis. Handle identifies the publishing handle so
// that the same handle can drop its own frames when Redis echoes them back.
type frame struct {
	Handle   string          `msgpack:"h"`
	Envelope domain.Envelope `msgpack:"e"`
}

func EncodeFrame(handleID string, env domain.Envelope) ([]byte, error) {
	return msgpack.Marshal(&frame{Handle: handleID, Envelope: env})
}

func DecodeFrame(data []byte) (string, domain.Envelope, error) {
	var f frame
	if err := msgpack.Unmarshal(data, &f); err != nil {
		return "", domain.Envelope{}, fmt.Errorf("decode frame: %w", err)
	}
	return f.Handle, f.Envelope, nil
}

// RoomBus relays room channels through Redis pub/sub so sessions on different
// hosts can share a room.
type RoomBus struct {
	client *redis.Client
	prefix string
	logger *zap.SugaredLogger

	mu      sync.Mutex
	handles map[string]*handle
	closed  bool
}

type handle struct {
	id      string
	channel string
	topic   string
	bus     *RoomBus
	pubsub  *redis.PubSub

	out *eventloop.Loop
	in  *eventloop.Loop

	mu     sync.RWMutex
	subs   []func(domain.Envelope)
	closed atomic.Bool
}

func NewRoomBus(client *redis.Client, prefix string, logger *zap.SugaredLogger) *RoomBus {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &RoomBus{
		client:  client,
		prefix:  prefix,
		logger:  logger.With("component", "redis-bus"),
		handles: make(map[string]*handle),
	}
}

func (b *RoomBus) Open(ctx context.Context, channel string) (ports.BusHandle, error) {
	if channel == "" {
		return nil, fmt.Errorf("open: empty channel name: %w", domain.ErrBusUnavailable)
	}

	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("open %s: bus closed: %w", channel, domain.ErrBusUnavailable)
	}

	topic := b.prefix + channel
	pubsub := b.client.Subscribe(ctx, topic)
	// Receive waits for the subscription confirmation so an unreachable server fails here.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %v: %w", topic, err, domain.ErrBusUnavailable)
	}

	h := &handle{
		id:      uuid.NewString(),
		channel: channel,
		topic:   topic,
		bus:     b,
		pubsub:  pubsub,
		out:     eventloop.New(),
		in:      eventloop.New(),
	}

	b.mu.Lock()
	b.handles[h.id] = h
	b.mu.Unlock()

	go h.receive()

	b.logger.Debugw("handle opened", "channel", channel, "handle", h.id)
	return h, nil
}

func (b *RoomBus) Close() error {
	b.mu.Lock()
	b.closed = true
	open := make([]*handle, 0, len(b.handles))
	for _, h := range b.handles {
		open = append(open, h)
	}
	b.mu.Unlock()

	for _, h := range open {
		h.Close()
	}
	return nil
}

func (h *handle) Channel() string {
	return h.channel
}

func (h *handle) Publish(ctx context.Context, env domain.Envelope) error {
	if h.closed.Load() {
		return domain.ErrBusClosed
	}
	data, err := EncodeFrame(h.id, env)
	if err != nil {
		return fmt.Errorf("publish %s: %w", env.Type, err)
	}
	h.out.Post(func() {
		if err := h.bus.client.Publish(context.Background(), h.topic, data).Err(); err != nil {
			h.bus.logger.Warnw("failed to publish frame",
				"channel", h.channel,
				"type", env.Type,
				"error", err,
			)
		}
	})
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

	h.bus.mu.Lock()
	delete(h.bus.handles, h.id)
	h.bus.mu.Unlock()

	err := h.pubsub.Close()
	go func() {
		h.out.Close()
		h.in.Close()
	}()
	h.bus.logger.Debugw("handle closed", "channel", h.channel, "handle", h.id)
	return err
}

func (h *handle) receive() {
	for msg := range h.pubsub.Channel() {
		sender, env, err := DecodeFrame([]byte(msg.Payload))
		if err != nil {
			h.bus.logger.Warnw("dropping undecodable frame", "channel", h.channel, "error", err)
			continue
		}
		if sender == h.id {
			continue
		}

		h.mu.RLock()
		subs := make([]func(domain.Envelope), len(h.subs))
		copy(subs, h.subs)
		h.mu.RUnlock()

		h.in.Post(func() {
			for _, fn := range subs {
				fn(env)
			}
		})
	}
}
