package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/opsforge/caseflow/model"
)

// Sweeper periodically runs SLA breach detection. Each sweep only flags
// tasks not yet flagged, so overlapping or repeated runs are harmless.
type Sweeper struct {
	engine   *Engine
	interval time.Duration
	logger   *zap.Logger
}

// NewSweeper creates a Sweeper that runs every interval.
func NewSweeper(engine *Engine, interval time.Duration, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{engine: engine, interval: interval, logger: logger}
}

// Run blocks until ctx is cancelled, sweeping on every tick. An immediate
// sweep runs at startup so breaches accrued during downtime are flagged
// without waiting a full interval.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info("sla sweeper started", zap.Duration("interval", s.interval))

	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sla sweeper stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	// The sweeper is a system actor; it runs outside any user request.
	ctx = model.WithRequestContext(ctx, &model.RequestContext{ActorID: "system:sla-sweeper"})

	breached, err := s.engine.CheckSLABreaches(ctx)
	if err != nil {
		s.logger.Error("sla sweep failed", zap.Error(err))
		return
	}
	if len(breached) > 0 {
		s.logger.Info("sla sweep flagged tasks", zap.Int("count", len(breached)))
	}
}
