package risk

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-hq/tradexec/pkg/models"
)

func TestPortfolioRiskHistoricalVaR(t *testing.T) {
	ev, provider, _ := testEvaluator(t, 10_000)
	ev.ApplyFill("AAPL", models.SideBuy, d(100), d(10))
	provider.UpdateReturns("AAPL", []float64{-0.10, -0.05, 0, 0.05, 0.10})

	report, err := ev.PortfolioRisk(context.Background())
	require.NoError(t, err)

	// Currency series is the returns scaled by the 1,000 market value; the
	// 5th percentile interpolates between -100 and -50.
	got, _ := report.VaR.Float64()
	assert.InDelta(t, 90.0, got, 1e-9)
}

func TestPortfolioRiskStressScenarios(t *testing.T) {
	ev, _, _ := testEvaluator(t, 10_000)
	ev.ApplyFill("AAPL", models.SideBuy, d(100), d(10))

	report, err := ev.PortfolioRisk(context.Background())
	require.NoError(t, err)
	require.Len(t, report.StressResults, 3)

	byName := make(map[string]ScenarioResult, len(report.StressResults))
	for _, r := range report.StressResults {
		byName[r.Name] = r
	}

	crash, ok := byName["market_crash"]
	require.True(t, ok)
	assert.True(t, crash.PnL.Equal(d(-150)), "pnl %s", crash.PnL)
	assert.InDelta(t, -0.015, crash.PnLPercentage, 1e-9)
}

func TestPortfolioRiskShortExposureGainsInCrash(t *testing.T) {
	ev, _, _ := testEvaluator(t, 10_000)
	ev.ApplyFill("AAPL", models.SideSell, d(100), d(10))

	report, err := ev.PortfolioRisk(context.Background())
	require.NoError(t, err)

	for _, r := range report.StressResults {
		if r.Name == "market_crash" {
			assert.True(t, r.PnL.IsPositive(), "short book must gain on a crash, got %s", r.PnL)
			return
		}
	}
	t.Fatal("market_crash scenario missing")
}

func TestPortfolioRiskBetaAgainstBenchmark(t *testing.T) {
	ev, provider, _ := testEvaluator(t, 10_000)
	ev.ApplyFill("AAPL", models.SideBuy, d(100), d(10))
	provider.UpdateReturns("AAPL", []float64{-0.10, -0.05, 0, 0.05, 0.10})
	// Benchmark equal to the portfolio's fractional return path: beta of one.
	provider.UpdateReturns(BenchmarkSymbol, []float64{-0.01, -0.005, 0, 0.005, 0.01})

	report, err := ev.PortfolioRisk(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 1.0, report.Beta, 1e-9)
}

func TestPortfolioRiskEmptyBook(t *testing.T) {
	ev, _, _ := testEvaluator(t, 10_000)

	report, err := ev.PortfolioRisk(context.Background())
	require.NoError(t, err)
	assert.True(t, report.VaR.IsZero())
	assert.Empty(t, report.CorrelationMatrix)
	require.Len(t, report.StressResults, 3)
	for _, r := range report.StressResults {
		assert.True(t, r.PnL.IsZero())
	}
}

func TestCorrelationMatrixSymmetry(t *testing.T) {
	ev, provider, _ := testEvaluator(t, 10_000)
	ev.ApplyFill("AAPL", models.SideBuy, d(10), d(10))
	ev.ApplyFill("MSFT", models.SideBuy, d(10), d(10))
	provider.UpdateReturns("AAPL", []float64{0.01, -0.02, 0.03, -0.01})
	provider.UpdateReturns("MSFT", []float64{0.02, -0.01, 0.02, -0.02})

	report, err := ev.PortfolioRisk(context.Background())
	require.NoError(t, err)

	require.Contains(t, report.CorrelationMatrix, "AAPL")
	require.Contains(t, report.CorrelationMatrix, "MSFT")
	assert.Equal(t, 1.0, report.CorrelationMatrix["AAPL"]["AAPL"])
	assert.InDelta(t,
		report.CorrelationMatrix["AAPL"]["MSFT"],
		report.CorrelationMatrix["MSFT"]["AAPL"], 1e-12)
}

func TestPercentileInterpolation(t *testing.T) {
	xs := []float64{1, 2, 3, 4}
	assert.InDelta(t, 2.5, percentile(xs, 50), 1e-12)
	assert.InDelta(t, 1.0, percentile(xs, 0), 1e-12)
	assert.InDelta(t, 4.0, percentile(xs, 100), 1e-12)
	assert.Equal(t, 0.0, percentile(nil, 50))
}

func TestMaxDrawdown(t *testing.T) {
	// Up 10%, down 20%, recover: deepest decline is 20% off the peak.
	dd := maxDrawdown([]float64{0.10, -0.20, 0.15})
	assert.InDelta(t, 0.20, dd, 1e-12)
	assert.Equal(t, 0.0, maxDrawdown([]float64{0.01, 0.02}))
}

func TestCorrelationDegenerateSeries(t *testing.T) {
	assert.Equal(t, 0.0, correlation([]float64{1, 1, 1}, []float64{0.1, 0.2, 0.3}))
	assert.Equal(t, 0.0, correlation([]float64{0.1}, []float64{0.2}))
	assert.InDelta(t, 1.0, correlation([]float64{0.1, 0.2, 0.3}, []float64{0.2, 0.4, 0.6}), 1e-12)
}
