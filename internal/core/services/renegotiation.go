package services

import (
	"context"
	"errors"
	"sync"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"

	"go.uber.org/zap"
)

// RenegotiationCoordinator fans each local media change out to every
// registered connection. Each connection renegotiates on its own executor,
// so a stalled peer never holds up the others.
type RenegotiationCoordinator struct {
	registry *ConnectionRegistry
	engine   *NegotiationEngine
	metrics  ports.NegotiationMetrics
	logger   *zap.SugaredLogger

	inflight sync.WaitGroup
}

func NewRenegotiationCoordinator(
	registry *ConnectionRegistry,
	engine *NegotiationEngine,
	metrics ports.NegotiationMetrics,
	logger *zap.SugaredLogger,
) *RenegotiationCoordinator {
	if metrics == nil {
		metrics = ports.NopNegotiationMetrics{}
	}
	return &RenegotiationCoordinator{
		registry: registry,
		engine:   engine,
		metrics:  metrics,
		logger:   logger,
	}
}

// Run consumes changes until ctx is done or the channel closes.
func (c *RenegotiationCoordinator) Run(ctx context.Context, changes <-chan domain.MediaChange) {
	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-changes:
			if !ok {
				return
			}
			c.FanOut(ctx, change)
		}
	}
}

// FanOut schedules a renegotiation toward every connection in the registry
// and returns how many were scheduled.
func (c *RenegotiationCoordinator) FanOut(ctx context.Context, change domain.MediaChange) int {
	scheduled := 0
	c.registry.ForEach(func(pc *PeerConnection) {
		c.inflight.Add(1)
		ok := pc.Submit(func() {
			defer c.inflight.Done()
			err := c.engine.Renegotiate(ctx, pc, change.Stream, change.Version)
			if err != nil && !errors.Is(err, domain.ErrConnectionClosed) {
				c.logger.Warnw("Renegotiation failed",
					"peer_id", pc.PeerID,
					"version", change.Version,
					"error", err,
				)
			}
		})
		if !ok {
			c.inflight.Done()
			return
		}
		scheduled++
	})

	c.metrics.RenegotiationFanOut(scheduled)
	c.logger.Debugw("Media change fanned out",
		"version", change.Version,
		"reason", change.Reason,
		"peers", scheduled,
	)
	return scheduled
}

// Wait blocks until every scheduled renegotiation has run.
func (c *RenegotiationCoordinator) Wait() {
	c.inflight.Wait()
}
