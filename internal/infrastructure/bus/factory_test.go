package bus

import (
	"context"
	"testing"
	"time"

	"docroom/internal/core/domain"
	"docroom/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFactory_MemoryBackend(t *testing.T) {
	cfg := config.DefaultConfig()
	f := NewFactory(context.Background(), cfg, nil)
	defer f.Close()

	assert.Equal(t, config.BusBackendMemory, f.Backend())
	assert.Nil(t, f.RedisClient())

	h, err := f.Bus().Open(context.Background(), domain.EditChannel("r1"))
	require.NoError(t, err)
	assert.Equal(t, "collab-r1", h.Channel())
}

func TestFactory_UnreachableRedisFallsBack(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Bus.Backend = config.BusBackendRedis
	cfg.Redis.Address = "127.0.0.1:1"
	cfg.Redis.DialTimeout = 200 * time.Millisecond

	f := NewFactory(context.Background(), cfg, nil)
	defer f.Close()

	assert.Equal(t, config.BusBackendMemory, f.Backend())
	assert.Nil(t, f.RedisClient())
}
