package execution

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/meridian-hq/tradexec/internal/config"
	"github.com/meridian-hq/tradexec/pkg/models"
)

func testConfig(t *testing.T) func() *config.Config {
	t.Helper()
	mgr, err := config.NewManager("", zaptest.NewLogger(t))
	require.NoError(t, err)
	return mgr.Snapshot
}

func liquidMarket() models.MarketState {
	return models.MarketState{
		Symbol:        "AAPL",
		LastPrice:     decimal.NewFromInt(100),
		Volatility:    0.2,
		AverageVolume: decimal.NewFromInt(200_000),
		Spread:        0.002,
	}
}

func TestEstimateWeightedScore(t *testing.T) {
	est := NewEstimator(testConfig(t), zaptest.NewLogger(t))
	req := models.OrderRequest{Symbol: "AAPL", Quantity: decimal.NewFromInt(100_000)}

	// participation 0.5, volatility at reference, spread at max:
	// 0.5*0.5 + 0.3*1.0 + 0.2*1.0
	impact := est.Estimate(req, liquidMarket(), true)
	assert.InDelta(t, 0.75, impact, 1e-9)
}

func TestEstimateMonotoneInQuantity(t *testing.T) {
	est := NewEstimator(testConfig(t), zaptest.NewLogger(t))
	md := liquidMarket()

	small := est.Estimate(models.OrderRequest{Symbol: "AAPL", Quantity: decimal.NewFromInt(1_000)}, md, true)
	large := est.Estimate(models.OrderRequest{Symbol: "AAPL", Quantity: decimal.NewFromInt(50_000)}, md, true)
	assert.Less(t, small, large)
}

func TestEstimateFailsClosedWithoutData(t *testing.T) {
	est := NewEstimator(testConfig(t), zaptest.NewLogger(t))
	req := models.OrderRequest{Symbol: "AAPL", Quantity: decimal.NewFromInt(100)}

	assert.True(t, math.IsInf(est.Estimate(req, models.MarketState{}, false), 1))

	noVolume := liquidMarket()
	noVolume.AverageVolume = decimal.Zero
	assert.True(t, math.IsInf(est.Estimate(req, noVolume, true), 1))

	noVol := liquidMarket()
	noVol.Volatility = 0
	assert.True(t, math.IsInf(est.Estimate(req, noVol, true), 1))
}

func TestAdjustForImpactPassThroughUnderThreshold(t *testing.T) {
	est := NewEstimator(testConfig(t), zaptest.NewLogger(t))
	req := models.OrderRequest{Symbol: "AAPL", Quantity: decimal.NewFromInt(500)}

	plan := est.AdjustForImpact(req, liquidMarket(), 0.05)
	require.Len(t, plan.Slices, 1)
	assert.True(t, plan.Slices[0].Equal(req.Quantity))
}

func TestAdjustForImpactSplitPreservesQuantity(t *testing.T) {
	est := NewEstimator(testConfig(t), zaptest.NewLogger(t))
	md := liquidMarket()
	// Slice cap is 5% of 200,000 = 10,000; 35,000 splits into 3 full slices
	// plus a 5,000 remainder.
	req := models.OrderRequest{Symbol: "AAPL", Quantity: decimal.NewFromInt(35_000)}

	plan := est.AdjustForImpact(req, md, 0.8)
	require.Len(t, plan.Slices, 4)
	assert.True(t, plan.TotalQuantity().Equal(req.Quantity),
		"split changed total quantity: %s", plan.TotalQuantity())
	for i := 0; i < 3; i++ {
		assert.True(t, plan.Slices[i].Equal(decimal.NewFromInt(10_000)))
	}
	assert.True(t, plan.Slices[3].Equal(decimal.NewFromInt(5_000)))
	assert.Equal(t, testConfig(t)().Impact.SliceInterval, plan.Interval)
}

func TestAdjustForImpactSmallOrderStaysWhole(t *testing.T) {
	est := NewEstimator(testConfig(t), zaptest.NewLogger(t))
	// Above threshold but under one slice worth of volume: no point splitting.
	req := models.OrderRequest{Symbol: "AAPL", Quantity: decimal.NewFromInt(5_000)}

	plan := est.AdjustForImpact(req, liquidMarket(), 0.5)
	require.Len(t, plan.Slices, 1)
	assert.True(t, plan.TotalQuantity().Equal(req.Quantity))
}
