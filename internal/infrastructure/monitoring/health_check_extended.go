package monitoring

import (
	"context"
	"fmt"
	"time"

	"docroom/internal/core/domain"

	"github.com/redis/go-redis/v9"
)

// AddRedisCheck adds a Redis health check for the networked room bus
func (h *HealthChecker) AddRedisCheck(client *redis.Client, interval, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) (bool, error) {
		if err := client.Ping(ctx).Err(); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddSessionCheck reports unhealthy once the editing session has lost its bus.
// Waiting for an admin or being refused is still a working session.
func (h *HealthChecker) AddSessionCheck(status func() domain.ConnectionStatus, interval, timeout time.Duration) {
	h.AddCheck("session", func(ctx context.Context) (bool, error) {
		st := status()
		if st.State == domain.StateDisconnected {
			if st.Reason != "" {
				return false, fmt.Errorf("session disconnected: %s", st.Reason)
			}
			return false, fmt.Errorf("session disconnected")
		}
		return true, nil
	}, interval, timeout)
}

// IsReady checks if the service is ready to accept traffic
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	return h.CheckAll(ctx).Status == "healthy"
}
