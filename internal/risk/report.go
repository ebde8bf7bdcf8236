package risk

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meridian-hq/tradexec/internal/config"
	"github.com/meridian-hq/tradexec/pkg/models"
)

// ScenarioResult is the outcome of one stress scenario.
type ScenarioResult struct {
	Name          string          `json:"name"`
	PnL           decimal.Decimal `json:"pnl"`
	PnLPercentage float64         `json:"pnl_percentage"`
}

// PortfolioRiskReport is the full portfolio risk metric set.
type PortfolioRiskReport struct {
	VaR               decimal.Decimal               `json:"var"`
	Beta              float64                       `json:"beta"`
	SharpeRatio       float64                       `json:"sharpe_ratio"`
	MaxDrawdown       float64                       `json:"max_drawdown"`
	CorrelationMatrix map[string]map[string]float64 `json:"correlation_matrix"`
	StressResults     []ScenarioResult              `json:"stress_results"`
	GeneratedAt       time.Time                     `json:"generated_at"`
}

// PortfolioRisk computes the portfolio risk metrics over the configured
// trailing window. Symbols without return history are skipped from the
// statistical aggregates but still shocked in stress scenarios.
func (e *Evaluator) PortfolioRisk(ctx context.Context) (*PortfolioRiskReport, error) {
	cfg := e.cfg()
	state := e.store.Snapshot()

	report := &PortfolioRiskReport{
		CorrelationMatrix: make(map[string]map[string]float64),
		GeneratedAt:       time.Now(),
	}

	// Currency return series per position: symbol returns scaled by the
	// position's market value (historical simulation).
	symbols := make([]string, 0, len(state.Positions))
	series := make(map[string][]float64, len(state.Positions))
	var portfolioReturns []float64
	for symbol, pos := range state.Positions {
		returns, err := e.provider.HistoricalReturns(ctx, symbol, cfg.Risk.VaRWindow)
		if err != nil {
			e.logger.Debug("no return history for symbol", zap.String("symbol", symbol))
			continue
		}
		symbols = append(symbols, symbol)
		series[symbol] = returns

		mv, _ := pos.MarketValue().Abs().Float64()
		for i, r := range returns {
			if i >= len(portfolioReturns) {
				portfolioReturns = append(portfolioReturns, 0)
			}
			portfolioReturns[i] += r * mv
		}
	}
	sort.Strings(symbols)

	if len(portfolioReturns) > 0 {
		// VaR is the loss percentile of the currency return distribution.
		loss := percentile(portfolioReturns, (1-cfg.Risk.VaRConfidence)*100)
		report.VaR = decimal.NewFromFloat(math.Abs(loss))

		// Ratio statistics use fractional returns on portfolio value.
		if tv, _ := state.TotalValue.Float64(); tv > 0 {
			pct := make([]float64, len(portfolioReturns))
			for i, r := range portfolioReturns {
				pct[i] = r / tv
			}
			report.SharpeRatio = sharpe(pct, cfg.Risk.RiskFreeRate)
			report.MaxDrawdown = maxDrawdown(pct)
			report.Beta = e.portfolioBeta(ctx, pct, cfg)
		}
	}

	for _, a := range symbols {
		report.CorrelationMatrix[a] = make(map[string]float64, len(symbols))
		for _, b := range symbols {
			if a == b {
				report.CorrelationMatrix[a][b] = 1
				continue
			}
			report.CorrelationMatrix[a][b] = correlation(series[a], series[b])
		}
	}

	report.StressResults = runStressScenarios(state, cfg.Risk.StressScenarios)
	return report, nil
}

// portfolioBeta regresses portfolio returns against the benchmark series
// published under the "BENCHMARK" symbol. No benchmark data means no beta.
func (e *Evaluator) portfolioBeta(ctx context.Context, portfolioReturns []float64, cfg *config.Config) float64 {
	bench, err := e.provider.HistoricalReturns(ctx, BenchmarkSymbol, cfg.Risk.VaRWindow)
	if err != nil {
		return 0
	}
	n := len(portfolioReturns)
	if len(bench) < n {
		n = len(bench)
	}
	if n < 2 {
		return 0
	}
	p := portfolioReturns[len(portfolioReturns)-n:]
	b := bench[len(bench)-n:]
	varB := variance(b)
	if varB == 0 {
		return 0
	}
	return covariance(p, b) / varB
}

// BenchmarkSymbol is the provider key for the market benchmark return series.
const BenchmarkSymbol = "BENCHMARK"

// runStressScenarios applies each shock to the open positions. Scenario P&L
// uses the first-order approximation: exposure x price change, with short
// exposure entering negatively.
func runStressScenarios(state models.PortfolioState, scenarios []config.StressScenario) []ScenarioResult {
	results := make([]ScenarioResult, 0, len(scenarios))
	for _, sc := range scenarios {
		pnl := decimal.Zero
		for _, pos := range state.Positions {
			exposure := pos.MarketValue()
			if pos.Direction == models.DirectionShort {
				exposure = exposure.Neg()
			}
			pnl = pnl.Add(exposure.Mul(decimal.NewFromFloat(sc.PriceShock)))
		}
		result := ScenarioResult{Name: sc.Name, PnL: pnl}
		if state.TotalValue.IsPositive() {
			pct, _ := pnl.Div(state.TotalValue).Float64()
			result.PnLPercentage = pct
		}
		results = append(results, result)
	}
	return results
}

// percentile returns the p-th percentile (0-100) of xs using linear
// interpolation between closest ranks.
func percentile(xs []float64, p float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[len(sorted)-1]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func variance(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := mean(xs)
	var sum float64
	for _, x := range xs {
		d := x - m
		sum += d * d
	}
	return sum / float64(len(xs)-1)
}

func covariance(xs, ys []float64) float64 {
	n := len(xs)
	if len(ys) < n {
		n = len(ys)
	}
	if n < 2 {
		return 0
	}
	mx, my := mean(xs[:n]), mean(ys[:n])
	var sum float64
	for i := 0; i < n; i++ {
		sum += (xs[i] - mx) * (ys[i] - my)
	}
	return sum / float64(n-1)
}

// correlation returns the Pearson correlation of the overlapping portion of
// two return series, zero when either side is degenerate.
func correlation(xs, ys []float64) float64 {
	n := len(xs)
	if len(ys) < n {
		n = len(ys)
	}
	if n < 2 {
		return 0
	}
	sx := math.Sqrt(variance(xs[:n]))
	sy := math.Sqrt(variance(ys[:n]))
	if sx == 0 || sy == 0 {
		return 0
	}
	return covariance(xs[:n], ys[:n]) / (sx * sy)
}

// sharpe annualizes the mean excess return over its standard deviation
// assuming daily periods.
func sharpe(returns []float64, riskFreeRate float64) float64 {
	sd := math.Sqrt(variance(returns))
	if sd == 0 {
		return 0
	}
	daily := riskFreeRate / 252
	return (mean(returns) - daily) / sd * math.Sqrt(252)
}

// maxDrawdown walks the cumulative return path and returns the deepest
// peak-to-trough decline as a positive fraction of the peak.
func maxDrawdown(returns []float64) float64 {
	equity := 1.0
	peak := 1.0
	var maxDD float64
	for _, r := range returns {
		equity *= 1 + r
		if equity > peak {
			peak = equity
		}
		if peak > 0 {
			dd := (peak - equity) / peak
			if dd > maxDD {
				maxDD = dd
			}
		}
	}
	return maxDD
}
