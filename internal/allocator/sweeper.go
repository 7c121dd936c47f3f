package allocator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/cometa-rocks/sandboxd/internal/infrastructure/logging"
)

// Sweeper periodically reclaims stale leases. It is housekeeping around the
// allocation service and goes through the same deletion path as the public
// API.
type Sweeper struct {
	service  *Service
	interval time.Duration
	log      *logging.Logger
}

// NewSweeper creates a sweeper driving the given service.
func NewSweeper(service *Service, interval time.Duration, log *logging.Logger) *Sweeper {
	return &Sweeper{service: service, interval: interval, log: log}
}

// Run sweeps on the configured interval until the context is cancelled.
func (w *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.log.Info("stale-lease sweeper started", zap.Duration("interval", w.interval))
	for {
		select {
		case <-ctx.Done():
			w.log.Info("stale-lease sweeper stopped")
			return
		case <-ticker.C:
			if err := w.service.ReclaimStaleLeases(ctx); err != nil {
				w.log.Warn("stale-lease sweep failed", zap.Error(err))
			}
		}
	}
}
