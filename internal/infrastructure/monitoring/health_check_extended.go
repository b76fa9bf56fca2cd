package monitoring

import (
	"context"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
)

const healthSession domain.SessionID = "__health__"

// AddRepositoryCheck verifies the session store answers queries.
func (h *HealthChecker) AddRepositoryCheck(repo ports.SessionRepository, timeout time.Duration) {
	h.AddCheck("sessions", func(ctx context.Context) error {
		_, err := repo.Count(ctx, healthSession)
		return err
	}, timeout)
}

// AddDependencyCheck wires an arbitrary ping, such as the Redis client's.
func (h *HealthChecker) AddDependencyCheck(name string, ping func(ctx context.Context) error, timeout time.Duration) {
	h.AddCheck(name, ping, timeout)
}
