package risk

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/meridian-hq/tradexec/internal/config"
	"github.com/meridian-hq/tradexec/internal/marketdata"
	"github.com/meridian-hq/tradexec/pkg/errors"
	"github.com/meridian-hq/tradexec/pkg/models"
)

// memorySink collects decisions in memory for tests.
type memorySink struct {
	mu        sync.Mutex
	decisions []*models.RiskDecision
}

func (s *memorySink) RecordDecision(_ context.Context, d *models.RiskDecision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions = append(s.decisions, d)
	return nil
}

func (s *memorySink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.decisions)
}

func testConfig(t *testing.T) func() *config.Config {
	t.Helper()
	mgr, err := config.NewManager("", zaptest.NewLogger(t))
	require.NoError(t, err)
	return mgr.Snapshot
}

func testEvaluator(t *testing.T, cash float64) (*Evaluator, *marketdata.SnapshotProvider, *memorySink) {
	t.Helper()
	provider := marketdata.NewSnapshotProvider()
	provider.Update(models.MarketState{
		Symbol:        "AAPL",
		LastPrice:     decimal.NewFromInt(100),
		Volatility:    0.2,
		AverageVolume: decimal.NewFromInt(200_000),
		Spread:        0.001,
	})
	sink := &memorySink{}
	store := NewPortfolioStore(decimal.NewFromFloat(cash))
	ev := NewEvaluator(store, provider, testConfig(t), sink, nil, zaptest.NewLogger(t))
	return ev, provider, sink
}

func signalFor(symbol string, confidence float64) models.TradingSignal {
	return models.TradingSignal{
		Symbol:     symbol,
		Direction:  models.SideBuy,
		Confidence: confidence,
		Source:     "test",
	}
}

func TestValidateTradeSizingCap(t *testing.T) {
	ev, _, sink := testEvaluator(t, 1_000_000)

	decision, err := ev.ValidateTrade(context.Background(), signalFor("AAPL", 1.0))
	require.NoError(t, err)
	require.True(t, decision.Approved)

	// portfolio_value * max_position_fraction = 1,000,000 * 0.02
	limit := decimal.NewFromInt(20_000)
	assert.True(t, decision.Size.LessThanOrEqual(limit),
		"size %s exceeds cap %s", decision.Size, limit)
	assert.True(t, decision.Size.IsPositive())
	assert.Equal(t, 1, sink.count(), "decision must be logged")
	assert.NotNil(t, decision.StopLoss)
	assert.NotNil(t, decision.TakeProfit)
}

func TestValidateTradeConfidenceScalesSize(t *testing.T) {
	ev, _, _ := testEvaluator(t, 1_000_000)

	full, err := ev.ValidateTrade(context.Background(), signalFor("AAPL", 1.0))
	require.NoError(t, err)
	ev.Release(full.ID)

	half, err := ev.ValidateTrade(context.Background(), signalFor("AAPL", 0.5))
	require.NoError(t, err)
	ev.Release(half.ID)

	require.True(t, full.Approved)
	require.True(t, half.Approved)
	assert.True(t, half.Size.LessThan(full.Size))
}

func TestValidateTradeRejectsMalformedSignal(t *testing.T) {
	ev, _, sink := testEvaluator(t, 1_000_000)

	_, err := ev.ValidateTrade(context.Background(), models.TradingSignal{
		Symbol: "AAPL", Direction: "SIDEWAYS", Confidence: 0.5, Source: "test",
	})
	var verr *errors.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, 0, sink.count(), "malformed signals are not decisions")
}

func TestValidateTradeFailsClosedWithoutMarketData(t *testing.T) {
	ev, _, sink := testEvaluator(t, 1_000_000)

	decision, err := ev.ValidateTrade(context.Background(), signalFor("UNKNOWN", 1.0))
	require.NoError(t, err)
	assert.False(t, decision.Approved)
	assert.Contains(t, decision.FailedChecks(), CheckMarketData)
	assert.Equal(t, 1, sink.count(), "rejections are logged too")
}

func TestSizingShrinksAsUtilizationApproachesLimit(t *testing.T) {
	ev, provider, _ := testEvaluator(t, 1_000_000)
	for _, sym := range []string{"MSFT", "GOOG", "AMZN", "META"} {
		provider.Update(models.MarketState{
			Symbol:        sym,
			LastPrice:     decimal.NewFromInt(100),
			Volatility:    0.2,
			AverageVolume: decimal.NewFromInt(200_000),
			Spread:        0.001,
		})
	}

	// Risk budget is 5% of 1M = 50,000; each approval reserves its size,
	// so successive approvals must be non-increasing until rejection.
	var sizes []decimal.Decimal
	for _, sym := range []string{"AAPL", "MSFT", "GOOG", "AMZN", "META"} {
		decision, err := ev.ValidateTrade(context.Background(), signalFor(sym, 1.0))
		require.NoError(t, err)
		sizes = append(sizes, decision.Size)
	}

	for i := 1; i < len(sizes); i++ {
		assert.True(t, sizes[i].LessThanOrEqual(sizes[i-1]),
			"size %d (%s) > size %d (%s)", i, sizes[i], i-1, sizes[i-1])
	}

	var total decimal.Decimal
	for _, s := range sizes {
		total = total.Add(s)
	}
	assert.True(t, total.LessThanOrEqual(decimal.NewFromInt(50_000)),
		"approved sizes %s jointly exceed the risk budget", total)
}

func TestConcurrentValidationsRespectRiskBudget(t *testing.T) {
	ev, provider, _ := testEvaluator(t, 1_000_000)
	symbols := make([]string, 20)
	for i := range symbols {
		symbols[i] = string(rune('A'+i)) + "XX"
		provider.Update(models.MarketState{
			Symbol:        symbols[i],
			LastPrice:     decimal.NewFromInt(100),
			Volatility:    0.2,
			AverageVolume: decimal.NewFromInt(200_000),
			Spread:        0.001,
		})
	}

	var (
		mu       sync.Mutex
		approved decimal.Decimal
		wg       sync.WaitGroup
	)
	for _, sym := range symbols {
		wg.Add(1)
		go func(sym string) {
			defer wg.Done()
			decision, err := ev.ValidateTrade(context.Background(), signalFor(sym, 1.0))
			if err != nil || !decision.Approved {
				return
			}
			mu.Lock()
			approved = approved.Add(decision.Size)
			mu.Unlock()
		}(sym)
	}
	wg.Wait()

	budget := decimal.NewFromInt(50_000) // 5% of 1M
	assert.True(t, approved.LessThanOrEqual(budget),
		"concurrent approvals %s jointly exceed the portfolio risk limit %s", approved, budget)
}

func TestVolatilityFactorShrinksSizing(t *testing.T) {
	ev, provider, _ := testEvaluator(t, 1_000_000)
	provider.Update(models.MarketState{
		Symbol:        "VOLX",
		LastPrice:     decimal.NewFromInt(100),
		Volatility:    0.8, // four times the reference
		AverageVolume: decimal.NewFromInt(200_000),
		Spread:        0.001,
	})

	calm, err := ev.ValidateTrade(context.Background(), signalFor("AAPL", 1.0))
	require.NoError(t, err)
	ev.Release(calm.ID)

	wild, err := ev.ValidateTrade(context.Background(), signalFor("VOLX", 1.0))
	require.NoError(t, err)
	ev.Release(wild.ID)

	require.True(t, calm.Approved)
	require.True(t, wild.Approved)
	assert.True(t, wild.Size.LessThan(calm.Size),
		"high volatility sizing %s should be below %s", wild.Size, calm.Size)
}

func TestRejectionNamesFailedChecks(t *testing.T) {
	ev, provider, _ := testEvaluator(t, 1_000_000)
	// Thin market: the liquidity check must reject the trade.
	provider.Update(models.MarketState{
		Symbol:        "THIN",
		LastPrice:     decimal.NewFromInt(100),
		Volatility:    0.2,
		AverageVolume: decimal.NewFromInt(10),
		Spread:        0.001,
	})

	decision, err := ev.ValidateTrade(context.Background(), signalFor("THIN", 1.0))
	require.NoError(t, err)
	assert.False(t, decision.Approved)
	assert.True(t, decision.Size.IsZero())
	assert.Contains(t, decision.FailedChecks(), CheckLiquidity)
}
