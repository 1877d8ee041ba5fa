package bus

import (
	"context"

	"docroom/internal/core/ports"
	"docroom/internal/infrastructure/bus/memory"
	redisbus "docroom/internal/infrastructure/bus/redis"
	"docroom/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Factory selects the room bus backend. A configured Redis that cannot be reached
// at startup falls back to the in-process bus, which only connects sessions of
// this process.
type Factory struct {
	bus         ports.RoomBus
	redisClient *redis.Client
	backend     string
}

func NewFactory(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) *Factory {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	f := &Factory{backend: config.BusBackendMemory}

	if cfg.Bus.Backend == config.BusBackendRedis {
		client, err := redisbus.NewClient(ctx, redisbus.ClientOptions{
			Address:     cfg.Redis.Address,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			PoolSize:    cfg.Redis.PoolSize,
			DialTimeout: cfg.Redis.DialTimeout,

			ConnectAttempts: cfg.Redis.ConnectAttempts,
		}, logger)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory bus",
				"error", err,
			)
		} else {
			f.redisClient = client
			f.backend = config.BusBackendRedis
			f.bus = redisbus.NewRoomBus(client, cfg.Bus.ChannelPrefix, logger)
		}
	}

	if f.bus == nil {
		f.bus = memory.NewRoomBus(logger)
	}
	logger.Infow("room bus ready", "backend", f.backend)
	return f
}

func (f *Factory) Bus() ports.RoomBus {
	return f.bus
}

func (f *Factory) Backend() string {
	return f.backend
}

// RedisClient is nil unless the Redis backend is in use.
func (f *Factory) RedisClient() *redis.Client {
	return f.redisClient
}

func (f *Factory) Close() error {
	err := f.bus.Close()
	if f.redisClient != nil {
		if cerr := f.redisClient.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
