// Package risk sizes candidate trades, gates them against portfolio limits
// and computes portfolio-level risk metrics. Rejection is a normal business
// outcome carried on the decision, never a Go error.
package risk

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meridian-hq/tradexec/internal/config"
	"github.com/meridian-hq/tradexec/internal/marketdata"
	"github.com/meridian-hq/tradexec/pkg/errors"
	"github.com/meridian-hq/tradexec/pkg/models"
)

// Named risk checks, reported on every decision.
const (
	CheckMarketData  = "market_data"
	CheckPortfolio   = "portfolio_risk"
	CheckPosition    = "position_limit"
	CheckSector      = "sector_exposure"
	CheckCorrelation = "correlation_risk"
	CheckLeverage    = "leverage_limit"
	CheckMargin      = "margin_requirement"
	CheckLiquidity   = "liquidity_risk"
)

// DecisionSink durably records decisions before any placement happens.
type DecisionSink interface {
	RecordDecision(ctx context.Context, d *models.RiskDecision) error
}

// SectorFunc classifies a symbol into a sector for exposure grouping.
type SectorFunc func(symbol string) string

// Evaluator validates trades against portfolio risk limits.
type Evaluator struct {
	store    *PortfolioStore
	provider marketdata.Provider
	cfg      func() *config.Config
	sink     DecisionSink
	sectorOf SectorFunc
	validate *validator.Validate
	logger   *zap.Logger
}

// NewEvaluator wires a risk evaluator. cfg is called per evaluation so hot
// config updates apply immediately. sectorOf may be nil; unclassified
// symbols then share one bucket.
func NewEvaluator(store *PortfolioStore, provider marketdata.Provider, cfg func() *config.Config, sink DecisionSink, sectorOf SectorFunc, logger *zap.Logger) *Evaluator {
	if sectorOf == nil {
		sectorOf = func(string) string { return "" }
	}
	return &Evaluator{
		store:    store,
		provider: provider,
		cfg:      cfg,
		sink:     sink,
		sectorOf: sectorOf,
		validate: validator.New(),
		logger:   logger,
	}
}

// Store exposes the portfolio store for fill application and reporting.
func (e *Evaluator) Store() *PortfolioStore { return e.store }

// Release drops the exposure reservation of a decision whose order
// terminated without filling.
func (e *Evaluator) Release(decisionID uuid.UUID) { e.store.Release(decisionID) }

// Commit retires the reservation of a fully filled decision.
func (e *Evaluator) Commit(decisionID uuid.UUID) { e.store.Commit(decisionID) }

// ApplyFill folds a fill into the portfolio, classifying the symbol's
// sector through the evaluator's sector function.
func (e *Evaluator) ApplyFill(symbol, side string, qty, price decimal.Decimal) {
	e.store.ApplyFill(symbol, side, qty, price, e.sectorOf(symbol))
}

// ValidateTrade sizes the signal and checks it against every risk limit as
// one atomic check-and-reserve step. The decision is durably recorded before
// it is returned; an approved decision holds a reservation that must later
// be released or committed by the order's owner.
func (e *Evaluator) ValidateTrade(ctx context.Context, signal models.TradingSignal) (*models.RiskDecision, error) {
	if err := e.validate.Struct(&signal); err != nil {
		return nil, &errors.ValidationError{Field: "signal", Reason: err.Error()}
	}
	if signal.Expired(time.Now()) {
		return nil, &errors.ValidationError{Field: "expiry", Reason: "signal expired"}
	}

	cfg := e.cfg()
	decision := &models.RiskDecision{
		ID:        uuid.New(),
		Signal:    signal,
		CreatedAt: time.Now(),
	}

	// Market data and correlation inputs are gathered before the critical
	// section; nothing network-bound runs under the portfolio lock.
	md, err := e.provider.MarketState(ctx, signal.Symbol)
	if err != nil {
		if stderrors.Is(err, errors.ErrDataUnavailable) {
			decision.Checks = append(decision.Checks, models.CheckResult{
				Name: CheckMarketData, Passed: false, Detail: "no market state for symbol",
			})
			return e.record(ctx, decision)
		}
		return nil, fmt.Errorf("market state %s: %w", signal.Symbol, err)
	}
	decision.Checks = append(decision.Checks, models.CheckResult{Name: CheckMarketData, Passed: true})

	maxCorr := e.maxCorrelationWithHoldings(ctx, signal.Symbol, cfg.Risk.VaRWindow)

	size, approved := e.store.Approve(decision.ID, func(state models.PortfolioState, reserved decimal.Decimal) (decimal.Decimal, bool) {
		return e.evaluateLocked(cfg, decision, signal, md, maxCorr, state, reserved)
	})

	decision.Approved = approved
	decision.Size = size
	if approved {
		e.attachTradeParams(cfg, decision, md)
	}

	return e.record(ctx, decision)
}

// evaluateLocked computes sizing and runs every limit check. It executes
// under the portfolio store lock so the read-approve-reserve step is atomic.
func (e *Evaluator) evaluateLocked(cfg *config.Config, decision *models.RiskDecision, signal models.TradingSignal, md models.MarketState, maxCorr float64, state models.PortfolioState, reserved decimal.Decimal) (decimal.Decimal, bool) {
	rc := cfg.Risk

	base := state.TotalValue.Mul(decimal.NewFromFloat(rc.MaxPositionFraction))
	size := base.
		Mul(decimal.NewFromFloat(signal.Confidence)).
		Mul(decimal.NewFromFloat(volatilityFactor(md.Volatility, rc))).
		Mul(decimal.NewFromFloat(correlationFactor(maxCorr, rc)))
	size = decimal.Min(size, base)

	// Shrink toward the remaining risk budget so concurrent approvals can
	// never jointly exceed the portfolio limit.
	budget := state.TotalValue.Mul(decimal.NewFromFloat(rc.MaxPortfolioRisk)).
		Sub(state.RiskExposure).Sub(reserved)
	if budget.IsPositive() {
		size = decimal.Min(size, budget)
	} else {
		size = decimal.Zero
	}

	check := func(name string, passed bool, detail string) bool {
		decision.Checks = append(decision.Checks, models.CheckResult{Name: name, Passed: passed, Detail: detail})
		return passed
	}

	symbolHeld := decimal.Zero
	if pos, ok := state.Positions[signal.Symbol]; ok {
		symbolHeld = pos.MarketValue().Abs()
	}
	sector := e.sectorOf(signal.Symbol)
	sectorHeld := decimal.Zero
	for _, pos := range state.Positions {
		if pos.Sector == sector {
			sectorHeld = sectorHeld.Add(pos.MarketValue().Abs())
		}
	}

	liquidityCap := md.AverageVolume.Mul(md.LastPrice).Mul(decimal.NewFromFloat(rc.LiquidityFraction))
	requiredMargin := size.Mul(decimal.NewFromFloat(rc.MarginMinimum))
	grossAfter := state.RiskExposure.Add(reserved).Add(size)

	ok := true
	ok = check(CheckPortfolio, budget.IsPositive(),
		fmt.Sprintf("budget=%s", budget.StringFixed(2))) && ok
	ok = check(CheckPosition, symbolHeld.Add(size).LessThanOrEqual(base),
		fmt.Sprintf("held=%s size=%s limit=%s", symbolHeld.StringFixed(2), size.StringFixed(2), base.StringFixed(2))) && ok
	ok = check(CheckSector, sectorHeld.Add(size).LessThanOrEqual(state.TotalValue.Mul(decimal.NewFromFloat(rc.MaxSectorExposure))),
		fmt.Sprintf("sector=%q held=%s", sector, sectorHeld.StringFixed(2))) && ok
	ok = check(CheckCorrelation, maxCorr <= rc.MaxCorrelation,
		fmt.Sprintf("max_correlation=%.3f", maxCorr)) && ok
	ok = check(CheckLeverage, state.TotalValue.IsPositive() && grossAfter.LessThanOrEqual(state.TotalValue.Mul(decimal.NewFromFloat(rc.MaxLeverage))),
		fmt.Sprintf("gross_after=%s", grossAfter.StringFixed(2))) && ok
	ok = check(CheckMargin, requiredMargin.LessThanOrEqual(state.MarginAvailable),
		fmt.Sprintf("required=%s available=%s", requiredMargin.StringFixed(2), state.MarginAvailable.StringFixed(2))) && ok
	ok = check(CheckLiquidity, liquidityCap.IsPositive() && size.LessThanOrEqual(liquidityCap),
		fmt.Sprintf("cap=%s", liquidityCap.StringFixed(2))) && ok

	if !ok || !size.IsPositive() {
		return decimal.Zero, false
	}

	decision.RiskLevel = riskLevel(grossAfter, state.TotalValue, rc.MaxPortfolioRisk)
	return size, true
}

// record writes the decision to the audit sink. An approved decision whose
// audit write fails releases its reservation: nothing may trade on an
// unlogged approval.
func (e *Evaluator) record(ctx context.Context, decision *models.RiskDecision) (*models.RiskDecision, error) {
	if err := e.sink.RecordDecision(ctx, decision); err != nil {
		if decision.Approved {
			e.store.Release(decision.ID)
		}
		return nil, fmt.Errorf("audit decision: %w", err)
	}

	if decision.Approved {
		e.logger.Info("trade approved",
			zap.String("decision_id", decision.ID.String()),
			zap.String("symbol", decision.Signal.Symbol),
			zap.String("size", decision.Size.String()),
			zap.String("risk_level", string(decision.RiskLevel)),
		)
	} else {
		e.logger.Info("trade rejected",
			zap.String("decision_id", decision.ID.String()),
			zap.String("symbol", decision.Signal.Symbol),
			zap.Strings("failed_checks", decision.FailedChecks()),
		)
	}
	return decision, nil
}

func (e *Evaluator) attachTradeParams(cfg *config.Config, decision *models.RiskDecision, md models.MarketState) {
	sign := models.DirectionSign(decision.Signal.Direction)
	sl := md.LastPrice.Sub(md.LastPrice.Mul(decimal.NewFromFloat(cfg.Risk.StopLossFraction)).Mul(sign))
	tp := md.LastPrice.Add(md.LastPrice.Mul(decimal.NewFromFloat(cfg.Risk.TakeProfitFraction)).Mul(sign))
	decision.StopLoss = &sl
	decision.TakeProfit = &tp
}

// maxCorrelationWithHoldings returns the largest absolute return correlation
// between the candidate symbol and any held symbol. Missing series
// contribute nothing: correlation risk is only as observable as the data.
func (e *Evaluator) maxCorrelationWithHoldings(ctx context.Context, symbol string, window int) float64 {
	held := e.store.Snapshot().Positions

	candidate, err := e.provider.HistoricalReturns(ctx, symbol, window)
	if err != nil {
		return 0
	}

	var maxCorr float64
	for heldSymbol := range held {
		if heldSymbol == symbol {
			continue
		}
		series, err := e.provider.HistoricalReturns(ctx, heldSymbol, window)
		if err != nil {
			continue
		}
		c := correlation(candidate, series)
		if c < 0 {
			c = -c
		}
		if c > maxCorr {
			maxCorr = c
		}
	}
	return maxCorr
}

// volatilityFactor shrinks sizing when realized volatility runs above the
// reference level, floored so a volatility print never zeroes a trade on
// its own.
func volatilityFactor(vol float64, rc config.RiskConfig) float64 {
	if vol <= 0 || rc.ReferenceVolatility <= 0 {
		return 1
	}
	f := rc.ReferenceVolatility / vol
	if f > 1 {
		f = 1
	}
	if f < rc.MinVolatilityFactor {
		f = rc.MinVolatilityFactor
	}
	return f
}

// correlationFactor discounts sizing by how correlated the candidate is with
// existing holdings.
func correlationFactor(maxCorr float64, rc config.RiskConfig) float64 {
	f := 1 - maxCorr*rc.CorrelationPenalty
	if f < 0 {
		f = 0
	}
	return f
}

func riskLevel(grossAfter, totalValue decimal.Decimal, maxPortfolioRisk float64) models.RiskLevel {
	if !totalValue.IsPositive() || maxPortfolioRisk <= 0 {
		return models.RiskLevelCritical
	}
	limit := totalValue.Mul(decimal.NewFromFloat(maxPortfolioRisk))
	util, _ := grossAfter.Div(limit).Float64()
	switch {
	case util < 0.25:
		return models.RiskLevelLow
	case util < 0.5:
		return models.RiskLevelMedium
	case util < 0.75:
		return models.RiskLevelHigh
	default:
		return models.RiskLevelCritical
	}
}
