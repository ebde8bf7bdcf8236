package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Constants for order types, sides, statuses, time in force and execution strategies.
const (
	// Order types
	OrderTypeMarket       = "MARKET"
	OrderTypeLimit        = "LIMIT"
	OrderTypeStop         = "STOP"
	OrderTypeStopLimit    = "STOP_LIMIT"
	OrderTypeTrailingStop = "TRAILING_STOP"

	// Order sides
	SideBuy  = "BUY"
	SideSell = "SELL"

	// Position directions
	DirectionLong  = "LONG"
	DirectionShort = "SHORT"

	// Time in force
	TimeInForceGTC = "GTC" // Good Till Cancelled
	TimeInForceIOC = "IOC" // Immediate Or Cancel
	TimeInForceFOK = "FOK" // Fill Or Kill
	TimeInForceDay = "DAY"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "PENDING"
	OrderStatusActive          OrderStatus = "ACTIVE"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
	OrderStatusRejected        OrderStatus = "REJECTED"
)

// Terminal reports whether the status admits no further transitions.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	}
	return false
}

// ExecutionStrategy is the closed set of execution styles the engine can run.
type ExecutionStrategy string

const (
	StrategyAggressive ExecutionStrategy = "AGGRESSIVE"
	StrategyPassive    ExecutionStrategy = "PASSIVE"
	StrategySmart      ExecutionStrategy = "SMART"
	StrategyVWAP       ExecutionStrategy = "VWAP"
	StrategyTWAP       ExecutionStrategy = "TWAP"
)

// Strategies lists every execution strategy in tie-break priority order:
// when scores are equal the earlier entry wins.
var Strategies = []ExecutionStrategy{
	StrategySmart,
	StrategyVWAP,
	StrategyTWAP,
	StrategyAggressive,
	StrategyPassive,
}

// RiskLevel classifies an approved trade by how much of the remaining risk
// budget it consumes.
type RiskLevel string

const (
	RiskLevelLow      RiskLevel = "LOW"
	RiskLevelMedium   RiskLevel = "MEDIUM"
	RiskLevelHigh     RiskLevel = "HIGH"
	RiskLevelCritical RiskLevel = "CRITICAL"
)

// TradingSignal is the inbound trade intent produced by upstream signal
// generators. Confidence scales position sizing; Strike is only set for
// options-derived signals.
type TradingSignal struct {
	Symbol     string           `json:"symbol" validate:"required"`
	Direction  string           `json:"direction" validate:"required,oneof=BUY SELL"`
	Confidence float64          `json:"confidence" validate:"gte=0,lte=1"`
	Source     string           `json:"source" validate:"required"`
	Expiry     time.Time        `json:"expiry"`
	Strike     *decimal.Decimal `json:"strike,omitempty"`

	// PreferredStrategy biases strategy selection toward the generator's
	// choice without overriding the scorer.
	PreferredStrategy ExecutionStrategy `json:"preferred_strategy,omitempty" validate:"omitempty,oneof=AGGRESSIVE PASSIVE SMART VWAP TWAP"`
}

// Expired reports whether the signal is past its expiry at the given time.
func (s *TradingSignal) Expired(now time.Time) bool {
	return !s.Expiry.IsZero() && now.After(s.Expiry)
}

// DirectionSign returns +1 for BUY and -1 for SELL.
func DirectionSign(direction string) decimal.Decimal {
	if direction == SideSell {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// OrderRequest describes an order to be placed. It is immutable once
// submitted; the lifecycle manager snapshots it into the Order it owns.
type OrderRequest struct {
	Symbol       string            `json:"symbol" validate:"required"`
	Type         string            `json:"type" validate:"required,oneof=MARKET LIMIT STOP STOP_LIMIT TRAILING_STOP"`
	Side         string            `json:"side" validate:"required,oneof=BUY SELL"`
	Quantity     decimal.Decimal   `json:"quantity"`
	Price        *decimal.Decimal  `json:"price,omitempty"`
	StopPrice    *decimal.Decimal  `json:"stop_price,omitempty"`
	TimeInForce  string            `json:"time_in_force" validate:"omitempty,oneof=GTC IOC FOK DAY"`
	StrategyHint ExecutionStrategy `json:"strategy_hint,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Order is the lifecycle manager's view of a placed order. It is mutated only
// by the manager in response to broker status events.
type Order struct {
	ID            uuid.UUID         `json:"id"`
	DecisionID    uuid.UUID         `json:"decision_id"`
	Request       OrderRequest      `json:"request"`
	Strategy      ExecutionStrategy `json:"strategy"`
	Status        OrderStatus       `json:"status"`
	FilledQty     decimal.Decimal   `json:"filled_quantity"`
	AvgFillPrice  decimal.Decimal   `json:"average_fill_price"`
	DecisionPrice decimal.Decimal   `json:"decision_price"`
	SubmittedAt   time.Time         `json:"submitted_at"`
	LastFillAt    time.Time         `json:"last_fill_at"`
}

// RemainingQty returns the unfilled portion of the order.
func (o *Order) RemainingQty() decimal.Decimal {
	return o.Request.Quantity.Sub(o.FilledQty)
}

// FillRate returns filled/requested in [0,1]; zero for a zero-quantity order.
func (o *Order) FillRate() float64 {
	if o.Request.Quantity.IsZero() {
		return 0
	}
	rate, _ := o.FilledQty.Div(o.Request.Quantity).Float64()
	return rate
}

// OrderUpdate is a broker status event for a single order.
type OrderUpdate struct {
	OrderID      uuid.UUID       `json:"order_id"`
	Status       OrderStatus     `json:"status"`
	FilledQty    decimal.Decimal `json:"filled_quantity"`
	AveragePrice decimal.Decimal `json:"average_price"`
	LastFillTime time.Time       `json:"last_fill_time"`
	RemainingQty decimal.Decimal `json:"remaining_quantity"`
	Reason       string          `json:"reason,omitempty"`
}

// Position is one open holding inside the portfolio.
type Position struct {
	Symbol        string          `json:"symbol"`
	Direction     string          `json:"direction"`
	Quantity      decimal.Decimal `json:"quantity"`
	EntryPrice    decimal.Decimal `json:"entry_price"`
	CurrentPrice  decimal.Decimal `json:"current_price"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	Sector        string          `json:"sector,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// MarketValue returns quantity x current price.
func (p *Position) MarketValue() decimal.Decimal {
	return p.Quantity.Mul(p.CurrentPrice)
}

// PortfolioState is a consistent snapshot of the portfolio. The risk
// evaluator owns the live state; everyone else sees copies.
type PortfolioState struct {
	TotalValue      decimal.Decimal     `json:"total_value"`
	Cash            decimal.Decimal     `json:"cash"`
	Positions       map[string]Position `json:"positions"`
	MarginUsed      decimal.Decimal     `json:"margin_used"`
	MarginAvailable decimal.Decimal     `json:"margin_available"`
	RiskExposure    decimal.Decimal     `json:"risk_exposure"`
	AsOf            time.Time           `json:"as_of"`
}

// MarketState is the per-symbol market snapshot used for sizing, strategy
// scoring and impact estimation.
type MarketState struct {
	Symbol        string          `json:"symbol"`
	LastPrice     decimal.Decimal `json:"last_price"`
	Volatility    float64         `json:"volatility"`
	AverageVolume decimal.Decimal `json:"average_volume"`
	Spread        float64         `json:"spread"`
	AsOf          time.Time       `json:"as_of"`
}

// CheckResult is the outcome of a single named risk check.
type CheckResult struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// RiskDecision is the durably logged result of one sizing/validation pass.
// No order may be placed without a preceding approved decision.
type RiskDecision struct {
	ID         uuid.UUID        `json:"id"`
	Signal     TradingSignal    `json:"signal"`
	Approved   bool             `json:"approved"`
	Size       decimal.Decimal  `json:"size"`
	RiskLevel  RiskLevel        `json:"risk_level"`
	StopLoss   *decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit *decimal.Decimal `json:"take_profit,omitempty"`
	Checks     []CheckResult    `json:"checks"`
	CreatedAt  time.Time        `json:"created_at"`
}

// FailedChecks returns the names of every check that did not pass.
func (d *RiskDecision) FailedChecks() []string {
	var failed []string
	for _, c := range d.Checks {
		if !c.Passed {
			failed = append(failed, c.Name)
		}
	}
	return failed
}
