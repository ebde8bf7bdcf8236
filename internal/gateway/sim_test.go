package gateway

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/meridian-hq/tradexec/internal/marketdata"
	"github.com/meridian-hq/tradexec/pkg/errors"
	"github.com/meridian-hq/tradexec/pkg/models"
)

func testSim(t *testing.T, fillFraction float64) *Sim {
	t.Helper()
	provider := marketdata.NewSnapshotProvider()
	provider.Update(models.MarketState{Symbol: "AAPL", LastPrice: decimal.NewFromInt(100)})
	return NewSim(provider, fillFraction, zaptest.NewLogger(t))
}

func placeOrder(t *testing.T, sim *Sim, qty int64) *models.Order {
	t.Helper()
	price := decimal.NewFromInt(100)
	order := &models.Order{
		ID:         uuid.New(),
		DecisionID: uuid.New(),
		Request: models.OrderRequest{
			Symbol:   "AAPL",
			Side:     models.SideBuy,
			Type:     models.OrderTypeLimit,
			Quantity: decimal.NewFromInt(qty),
			Price:    &price,
		},
		Status:        models.OrderStatusPending,
		DecisionPrice: price,
	}
	require.NoError(t, sim.Place(context.Background(), order))
	return order
}

func TestSimAcksThenFills(t *testing.T) {
	sim := testSim(t, 0.5)
	order := placeOrder(t, sim, 100)
	ctx := context.Background()

	// First poll only acknowledges.
	update, err := sim.Status(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusActive, update.Status)
	assert.True(t, update.FilledQty.IsZero())

	// Each following poll fills half the remainder.
	update, err = sim.Status(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPartiallyFilled, update.Status)
	assert.True(t, update.FilledQty.Equal(decimal.NewFromInt(50)))
	assert.True(t, update.AveragePrice.Equal(decimal.NewFromInt(100)))

	update, err = sim.Status(ctx, order.ID)
	require.NoError(t, err)
	assert.True(t, update.FilledQty.Equal(decimal.NewFromInt(75)))
}

func TestSimFullFillTerminates(t *testing.T) {
	sim := testSim(t, 1.0)
	order := placeOrder(t, sim, 100)
	ctx := context.Background()

	_, err := sim.Status(ctx, order.ID) // ack
	require.NoError(t, err)
	update, err := sim.Status(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusFilled, update.Status)
	assert.True(t, update.FilledQty.Equal(decimal.NewFromInt(100)))
	assert.True(t, update.RemainingQty.IsZero())
}

func TestSimSmallRemainderCompletes(t *testing.T) {
	sim := testSim(t, 0.99995)
	order := placeOrder(t, sim, 100)
	ctx := context.Background()

	_, err := sim.Status(ctx, order.ID) // ack
	require.NoError(t, err)
	update, err := sim.Status(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusFilled, update.Status,
		"a dust remainder must round into a complete fill")
}

func TestSimCancelStopsFilling(t *testing.T) {
	sim := testSim(t, 0.5)
	order := placeOrder(t, sim, 100)
	ctx := context.Background()

	_, err := sim.Status(ctx, order.ID) // ack
	require.NoError(t, err)
	require.NoError(t, sim.Cancel(ctx, order.ID))

	update, err := sim.Status(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, update.Status)
	assert.True(t, update.FilledQty.IsZero())
}

func TestSimAmendMovesPriceAndQuantity(t *testing.T) {
	sim := testSim(t, 0.5)
	order := placeOrder(t, sim, 100)
	ctx := context.Background()

	_, err := sim.Status(ctx, order.ID) // ack
	require.NoError(t, err)
	_, err = sim.Status(ctx, order.ID) // fills 50
	require.NoError(t, err)

	newPrice := decimal.NewFromInt(101)
	require.NoError(t, sim.Amend(ctx, order.ID, &newPrice, decimal.NewFromInt(20)))

	// Remaining quantity resets to the amended 20 on top of the 50 filled.
	update, err := sim.Status(ctx, order.ID)
	require.NoError(t, err)
	assert.True(t, update.FilledQty.Equal(decimal.NewFromInt(60)), "filled %s", update.FilledQty)
	assert.True(t, update.AveragePrice.GreaterThan(decimal.NewFromInt(100)))
}

func TestSimRejectsBadInput(t *testing.T) {
	sim := testSim(t, 0.5)
	ctx := context.Background()

	bad := &models.Order{ID: uuid.New(), Request: models.OrderRequest{Symbol: "AAPL", Quantity: decimal.Zero}}
	err := sim.Place(ctx, bad)
	var rejection *errors.BrokerRejection
	require.ErrorAs(t, err, &rejection)

	_, err = sim.Status(ctx, uuid.New())
	assert.ErrorIs(t, err, errors.ErrOrderNotFound)
	assert.ErrorIs(t, sim.Cancel(ctx, uuid.New()), errors.ErrOrderNotFound)
}
