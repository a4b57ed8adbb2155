package channels

import (
	"context"

	"go.uber.org/zap"

	"github.com/mngfx/market-feed/pkg/metrics"
	"github.com/mngfx/market-feed/pkg/models"
)

// Compile-time check to ensure MemoryLayer implements Layer
var _ Layer = (*MemoryLayer)(nil)

// MemoryLayer is an in-process channel layer. Only members of the same
// process see its events.
type MemoryLayer struct {
	registry *Registry
	logger   *zap.Logger
}

func NewMemoryLayer(logger *zap.Logger) *MemoryLayer {
	return &MemoryLayer{registry: NewRegistry(), logger: logger}
}

func (l *MemoryLayer) GroupAdd(ctx context.Context, group string, m Member) error {
	l.registry.Add(group, m)
	l.logger.Debug("Group add", zap.String("group", group), zap.String("member", m.ID()))
	return nil
}

func (l *MemoryLayer) GroupDiscard(ctx context.Context, group string, memberID string) error {
	if removed, _ := l.registry.Discard(group, memberID); removed {
		l.logger.Debug("Group discard", zap.String("group", group), zap.String("member", memberID))
	}
	return nil
}

func (l *MemoryLayer) GroupSend(ctx context.Context, group string, ev models.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fanOut(l.registry, group, ev)
	return nil
}

func (l *MemoryLayer) Registry() *Registry { return l.registry }

func (l *MemoryLayer) Close() error { return nil }

func fanOut(r *Registry, group string, ev models.Event) {
	delivered, skipped := r.Broadcast(group, ev)
	metrics.Deliveries.WithLabelValues(group, "delivered").Add(float64(delivered))
	metrics.Deliveries.WithLabelValues(group, "skipped").Add(float64(skipped))
}
