package monitoring

import (
	"context"
	"fmt"
	"time"

	"callguard/internal/core/ports"
	"callguard/pkg/circuitbreaker"

	"github.com/redis/go-redis/v9"
)

// AddRedisCheck adds a Redis health check
func (h *HealthChecker) AddRedisCheck(client redis.UniversalClient, interval, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) (bool, error) {
		if err := client.Ping(ctx).Err(); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddBlocklistStoreCheck pings the blocklist store backend.
func (h *HealthChecker) AddBlocklistStoreCheck(store ports.BlocklistStore, interval, timeout time.Duration) {
	h.AddCheck("blocklist_store", func(ctx context.Context) (bool, error) {
		if err := store.Ping(ctx); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// BreakerReporter exposes the state of a circuit breaker in front of a backend.
type BreakerReporter interface {
	GetCircuitBreakerStats() circuitbreaker.Stats
}

// AddBreakerCheck reports unhealthy while the breaker is open.
func (h *HealthChecker) AddBreakerCheck(name string, breaker BreakerReporter, interval time.Duration) {
	h.AddCheck(name, func(ctx context.Context) (bool, error) {
		stats := breaker.GetCircuitBreakerStats()
		if stats.State == circuitbreaker.StateOpen {
			return false, fmt.Errorf("circuit open since %s after %d failures",
				stats.StateChangeTime.Format(time.RFC3339), stats.FailureCount)
		}
		return true, nil
	}, interval, time.Second)
}

// GetReadinessStatus returns readiness status for load balancer
func (h *HealthChecker) GetReadinessStatus(ctx context.Context) HealthStatus {
	return h.CheckAll(ctx)
}
