package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/meridian-hq/tradexec/pkg/models"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "audit.db"), zaptest.NewLogger(t))
	require.NoError(t, err)
	return store
}

func TestRecordDecisionRoundTrip(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	decision := &models.RiskDecision{
		ID:        uuid.New(),
		Signal:    models.TradingSignal{Symbol: "AAPL", Direction: models.SideBuy, Confidence: 0.8, Source: "test"},
		Approved:  true,
		Size:      decimal.NewFromInt(20_000),
		RiskLevel: models.RiskLevelMedium,
		Checks: []models.CheckResult{
			{Name: "portfolio_risk", Passed: true},
			{Name: "liquidity_risk", Passed: true},
		},
		CreatedAt: time.Now(),
	}
	require.NoError(t, store.RecordDecision(ctx, decision))

	n, err := store.DecisionCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	var rec RiskDecisionRecord
	require.NoError(t, store.db.First(&rec, "id = ?", decision.ID.String()).Error)
	assert.Equal(t, "AAPL", rec.Symbol)
	assert.True(t, rec.Approved)
	assert.Equal(t, "20000", rec.Size)
	assert.Contains(t, rec.Checks, "portfolio_risk")
}

func TestRecordTransitionOrdering(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	order := &models.Order{
		ID:         uuid.New(),
		DecisionID: uuid.New(),
		Status:     models.OrderStatusPending,
	}
	require.NoError(t, store.RecordTransition(ctx, order, models.OrderStatusPending, models.OrderStatusActive, "ack"))
	order.FilledQty = decimal.NewFromInt(50)
	require.NoError(t, store.RecordTransition(ctx, order, models.OrderStatusActive, models.OrderStatusPartiallyFilled, "fill"))
	require.NoError(t, store.RecordTransition(ctx, order, models.OrderStatusPartiallyFilled, models.OrderStatusFilled, "fill"))

	recs, err := store.TransitionsFor(ctx, order.ID.String())
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "PENDING", recs[0].FromState)
	assert.Equal(t, "ACTIVE", recs[0].ToState)
	assert.Equal(t, "FILLED", recs[2].ToState)
	assert.Equal(t, "50", recs[1].FilledQty)
}

func TestTransitionsForUnknownOrderEmpty(t *testing.T) {
	store := testStore(t)

	recs, err := store.TransitionsFor(context.Background(), uuid.NewString())
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestRecordSnapshotSerializesPayload(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	payload := map[string]any{"alerts_raised": 2, "taken_at": time.Now().Format(time.RFC3339)}
	require.NoError(t, store.RecordSnapshot(ctx, payload))

	var rec MetricSnapshotRecord
	require.NoError(t, store.db.First(&rec).Error)
	assert.Contains(t, rec.Payload, "alerts_raised")
}
