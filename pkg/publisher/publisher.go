// Package publisher synthesizes market ticks on a fixed cadence and sends
// them to a broadcast group.
package publisher

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mngfx/market-feed/pkg/channels"
	"github.com/mngfx/market-feed/pkg/config"
	"github.com/mngfx/market-feed/pkg/metrics"
	"github.com/mngfx/market-feed/pkg/models"
)

const pricePlaces = 5

type Options struct {
	Symbol    string
	Group     string
	BasePrice decimal.Decimal
	Band      decimal.Decimal
	Spread    decimal.Decimal
	Interval  time.Duration
}

// DefaultOptions: EURUSD quoted in [1.05, 1.06) with a one pip spread every 500ms.
func DefaultOptions() Options {
	return Options{
		Symbol:    models.DefaultSymbol,
		Group:     models.BroadcastGroup,
		BasePrice: decimal.RequireFromString("1.05"),
		Band:      decimal.RequireFromString("0.01"),
		Spread:    decimal.RequireFromString("0.0001"),
		Interval:  500 * time.Millisecond,
	}
}

func OptionsFromConfig(cfg config.PublisherConfig) Options {
	return Options{
		Symbol:    cfg.Symbol,
		Group:     cfg.Group,
		BasePrice: decimal.NewFromFloat(cfg.BasePrice),
		Band:      decimal.NewFromFloat(cfg.Band),
		Spread:    decimal.NewFromFloat(cfg.Spread),
		Interval:  cfg.Interval,
	}
}

type TickPublisher struct {
	logger *zap.Logger
	sender channels.GroupSender
	opts   Options
	rand   Rand
	clock  Clock
}

func NewTickPublisher(logger *zap.Logger, sender channels.GroupSender, opts Options, rnd Rand, clock Clock) *TickPublisher {
	return &TickPublisher{
		logger: logger,
		sender: sender,
		opts:   opts,
		rand:   rnd,
		clock:  clock,
	}
}

// Synthesize builds the next tick: bid = base + r*band, ask = bid + spread,
// both rounded to five places.
func (p *TickPublisher) Synthesize() (models.Tick, error) {
	r := decimal.NewFromFloat(p.rand.Float64())
	bid := p.opts.BasePrice.Add(r.Mul(p.opts.Band)).Round(pricePlaces)
	ask := bid.Add(p.opts.Spread).Round(pricePlaces)
	return models.NewTick(p.opts.Symbol, bid, ask, p.clock.Now().UnixMilli())
}

// Run publishes until ctx is cancelled. A missing sender is a startup
// failure; send errors are logged and the next cycle proceeds.
func (p *TickPublisher) Run(ctx context.Context) error {
	if p.sender == nil {
		return channels.ErrNoChannelLayer
	}
	if p.opts.Interval <= 0 {
		return fmt.Errorf("publisher interval must be positive, got %s", p.opts.Interval)
	}

	p.logger.Info("Publisher Started",
		zap.String("symbol", p.opts.Symbol),
		zap.String("group", p.opts.Group),
		zap.Duration("interval", p.opts.Interval))

	for {
		if ctx.Err() != nil {
			p.logger.Info("Publisher Stopped")
			return nil
		}

		tick, err := p.Synthesize()
		if err != nil {
			p.logger.Error("Tick synthesis failed", zap.Error(err))
		} else if err := p.sender.GroupSend(ctx, p.opts.Group, models.NewTickEvent(tick)); err != nil {
			if ctx.Err() == nil {
				p.logger.Error("Group send failed", zap.String("group", p.opts.Group), zap.Error(err))
			}
		} else {
			metrics.TicksPublished.WithLabelValues(tick.Symbol).Inc()
			p.logger.Debug("Sent tick",
				zap.String("symbol", tick.Symbol),
				zap.String("bid", tick.Bid.String()),
				zap.String("ask", tick.Ask.String()))
		}

		select {
		case <-ctx.Done():
		case <-p.clock.After(p.opts.Interval):
		}
	}
}
