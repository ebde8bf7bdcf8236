// Package execution scores execution strategies for sized orders and
// estimates market impact, driving pre-placement adjustment.
package execution

import (
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meridian-hq/tradexec/internal/config"
	"github.com/meridian-hq/tradexec/pkg/models"
)

// FeedbackFunc supplies a historical fill-quality bias for a strategy,
// typically execmetrics.Collector.StrategyBias.
type FeedbackFunc func(models.ExecutionStrategy) float64

// Selector picks an execution strategy for a sized order.
type Selector struct {
	cfg      func() *config.Config
	feedback FeedbackFunc
	logger   *zap.Logger
}

func NewSelector(cfg func() *config.Config, feedback FeedbackFunc, logger *zap.Logger) *Selector {
	if feedback == nil {
		feedback = func(models.ExecutionStrategy) float64 { return 0 }
	}
	return &Selector{cfg: cfg, feedback: feedback, logger: logger}
}

// Select scores every strategy and returns the maximum. Ties break by the
// fixed priority Smart > VWAP > TWAP > Aggressive > Passive. When market
// data is unusable the selector deterministically returns Smart instead of
// failing: Smart is the safest general default.
func (s *Selector) Select(req models.OrderRequest, md models.MarketState, ok bool) models.ExecutionStrategy {
	if !ok || !md.AverageVolume.IsPositive() || md.Volatility <= 0 {
		s.logger.Debug("market data unavailable, defaulting to smart execution",
			zap.String("symbol", req.Symbol))
		return models.StrategySmart
	}

	in := s.inputs(req, md)

	best := models.StrategySmart
	bestScore := -1.0
	for _, strategy := range models.Strategies {
		score := s.score(strategy, req, in)
		if score > bestScore {
			best = strategy
			bestScore = score
		}
	}

	s.logger.Debug("strategy selected",
		zap.String("symbol", req.Symbol),
		zap.String("strategy", string(best)),
		zap.Float64("score", bestScore),
	)
	return best
}

// scoreInputs are the normalized order and market attributes every variant
// scores against.
type scoreInputs struct {
	urgency       float64 // 1 for market/IOC/FOK-style intent, else 0
	participation float64 // quantity / average volume, capped at 1
	volRatio      float64 // volatility / reference, capped at 1
	spreadRatio   float64 // spread / max spread, capped at 1
}

func (s *Selector) inputs(req models.OrderRequest, md models.MarketState) scoreInputs {
	cfg := s.cfg()

	in := scoreInputs{}
	if req.Type == models.OrderTypeMarket || req.TimeInForce == models.TimeInForceIOC || req.TimeInForce == models.TimeInForceFOK {
		in.urgency = 1
	}
	part, _ := req.Quantity.Div(md.AverageVolume).Float64()
	in.participation = capUnit(part)
	if cfg.Risk.ReferenceVolatility > 0 {
		in.volRatio = capUnit(md.Volatility / cfg.Risk.ReferenceVolatility)
	}
	if cfg.Impact.MaxSpread > 0 {
		in.spreadRatio = capUnit(md.Spread / cfg.Impact.MaxSpread)
	}
	return in
}

// score is total over the closed strategy set; adding a variant without a
// case here is a compile-time reminder via the exhaustive switch default.
func (s *Selector) score(strategy models.ExecutionStrategy, req models.OrderRequest, in scoreInputs) float64 {
	var base float64
	switch strategy {
	case models.StrategyAggressive:
		// Pay the spread when speed matters and the book is deep.
		base = 0.5*in.urgency + 0.3*(1-in.spreadRatio) + 0.2*(1-in.participation)
	case models.StrategyPassive:
		// Rest in the book when nothing is urgent and a wide spread rewards it.
		base = 0.4*(1-in.urgency) + 0.3*in.spreadRatio + 0.3*(1-in.volRatio)
	case models.StrategySmart:
		// Balanced default, mildly penalized in extreme volatility.
		base = 0.55 + 0.15*(1-in.volRatio)
	case models.StrategyVWAP:
		// Large orders in liquid names follow volume.
		base = 0.6*in.participation + 0.25*(1-in.volRatio) + 0.15*(1-in.urgency)
	case models.StrategyTWAP:
		// Large orders in unstable markets spread evenly over time.
		base = 0.5*in.participation + 0.35*in.volRatio + 0.15*(1-in.urgency)
	default:
		return 0
	}

	base += 0.2 * s.feedback(strategy)
	if req.StrategyHint == strategy {
		base += 0.1
	}
	return base
}

func capUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// QuantityFor converts an approved currency size into a share quantity at
// the given price, truncated to whole units of the venue's lot granularity.
func QuantityFor(size, price decimal.Decimal) decimal.Decimal {
	if !price.IsPositive() {
		return decimal.Zero
	}
	return size.Div(price).RoundDown(8)
}
