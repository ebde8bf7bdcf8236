package execution

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meridian-hq/tradexec/internal/config"
	"github.com/meridian-hq/tradexec/pkg/models"
)

// Estimator estimates the market impact of an order before placement.
type Estimator struct {
	cfg    func() *config.Config
	logger *zap.Logger
}

func NewEstimator(cfg func() *config.Config, logger *zap.Logger) *Estimator {
	return &Estimator{cfg: cfg, logger: logger}
}

// Estimate returns the weighted impact score in [0, +Inf). Missing or
// degenerate market data fails closed with +Inf so the order is always
// treated as high-impact.
func (e *Estimator) Estimate(req models.OrderRequest, md models.MarketState, ok bool) float64 {
	cfg := e.cfg().Impact
	risk := e.cfg().Risk

	if !ok || !md.AverageVolume.IsPositive() || md.Volatility <= 0 || risk.ReferenceVolatility <= 0 || cfg.MaxSpread <= 0 {
		return math.Inf(1)
	}

	volumeFactor, _ := req.Quantity.Div(md.AverageVolume).Float64()
	volatilityFactor := md.Volatility / risk.ReferenceVolatility
	spreadFactor := md.Spread / cfg.MaxSpread

	return cfg.VolumeWeight*volumeFactor +
		cfg.VolatilityWeight*volatilityFactor +
		cfg.SpreadWeight*spreadFactor
}

// Plan is the pre-placement execution plan for an order. A single slice
// means the order goes out untouched; multiple slices preserve the total
// requested quantity and pace it across the interval.
type Plan struct {
	Slices   []decimal.Decimal
	Interval time.Duration
	Impact   float64
}

// TotalQuantity returns the summed slice quantities.
func (p *Plan) TotalQuantity() decimal.Decimal {
	total := decimal.Zero
	for _, s := range p.Slices {
		total = total.Add(s)
	}
	return total
}

// AdjustForImpact converts the order into a plan. Orders under the impact
// threshold pass through whole. Above it the quantity splits into
// participation-capped child slices; splitting never changes the total
// quantity, so the risk approved for the parent covers every child.
func (e *Estimator) AdjustForImpact(req models.OrderRequest, md models.MarketState, impact float64) Plan {
	cfg := e.cfg().Impact

	if impact <= cfg.Threshold {
		return Plan{Slices: []decimal.Decimal{req.Quantity}, Impact: impact}
	}

	sliceQty := md.AverageVolume.Mul(decimal.NewFromFloat(cfg.MaxSliceFraction))
	if !sliceQty.IsPositive() || sliceQty.GreaterThanOrEqual(req.Quantity) {
		// Nothing sensible to split against; keep the order whole and let
		// the caller decide whether +Inf impact blocks placement.
		return Plan{Slices: []decimal.Decimal{req.Quantity}, Interval: cfg.SliceInterval, Impact: impact}
	}

	var slices []decimal.Decimal
	remaining := req.Quantity
	for remaining.GreaterThan(sliceQty) {
		slices = append(slices, sliceQty)
		remaining = remaining.Sub(sliceQty)
	}
	if remaining.IsPositive() {
		slices = append(slices, remaining)
	}

	e.logger.Info("order split for impact",
		zap.String("symbol", req.Symbol),
		zap.Float64("impact", impact),
		zap.Float64("threshold", cfg.Threshold),
		zap.Int("slices", len(slices)),
		zap.Duration("interval", cfg.SliceInterval),
	)
	return Plan{Slices: slices, Interval: cfg.SliceInterval, Impact: impact}
}
