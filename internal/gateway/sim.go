// Package gateway provides a simulated broker gateway. It implements the
// lifecycle.BrokerGateway contract against in-memory order books fed by the
// market data provider, for paper trading and integration testing.
package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meridian-hq/tradexec/internal/marketdata"
	"github.com/meridian-hq/tradexec/pkg/errors"
	"github.com/meridian-hq/tradexec/pkg/models"
)

type simOrder struct {
	order    models.Order
	price    decimal.Decimal
	quantity decimal.Decimal
	filled   decimal.Decimal
	avgPrice decimal.Decimal
	status   models.OrderStatus
	lastFill time.Time
	acked    bool
}

// Sim fills a configurable fraction of each order's remaining quantity per
// status poll, at the quoted price.
type Sim struct {
	mu           sync.Mutex
	orders       map[uuid.UUID]*simOrder
	provider     marketdata.Provider
	fillFraction decimal.Decimal
	logger       *zap.Logger
}

// NewSim builds a simulator that fills fillFraction (0..1] of the remaining
// quantity on every poll.
func NewSim(provider marketdata.Provider, fillFraction float64, logger *zap.Logger) *Sim {
	return &Sim{
		orders:       make(map[uuid.UUID]*simOrder),
		provider:     provider,
		fillFraction: decimal.NewFromFloat(fillFraction),
		logger:       logger,
	}
}

func (s *Sim) Place(ctx context.Context, order *models.Order) error {
	if !order.Request.Quantity.IsPositive() {
		return &errors.BrokerRejection{OrderID: order.ID.String(), Reason: "non-positive quantity"}
	}

	price := order.DecisionPrice
	if order.Request.Price != nil {
		price = *order.Request.Price
	}
	if !price.IsPositive() {
		md, err := s.provider.MarketState(ctx, order.Request.Symbol)
		if err != nil {
			return &errors.BrokerRejection{OrderID: order.ID.String(), Reason: "no reference price"}
		}
		price = md.LastPrice
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[order.ID] = &simOrder{
		order:    *order,
		price:    price,
		quantity: order.Request.Quantity,
		status:   models.OrderStatusPending,
	}
	return nil
}

func (s *Sim) Cancel(ctx context.Context, orderID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	so, ok := s.orders[orderID]
	if !ok {
		return errors.ErrOrderNotFound
	}
	if !so.status.Terminal() {
		so.status = models.OrderStatusCancelled
	}
	return nil
}

func (s *Sim) Amend(ctx context.Context, orderID uuid.UUID, price *decimal.Decimal, quantity decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	so, ok := s.orders[orderID]
	if !ok {
		return errors.ErrOrderNotFound
	}
	if so.status.Terminal() {
		return &errors.BrokerRejection{OrderID: orderID.String(), Reason: "amend on terminal order"}
	}
	if price != nil {
		so.price = *price
	}
	if quantity.IsPositive() {
		so.quantity = so.filled.Add(quantity)
	}
	return nil
}

// Status acknowledges pending orders and then advances the fill. Each call
// models one market interaction.
func (s *Sim) Status(ctx context.Context, orderID uuid.UUID) (models.OrderUpdate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	so, ok := s.orders[orderID]
	if !ok {
		return models.OrderUpdate{}, errors.ErrOrderNotFound
	}

	switch so.status {
	case models.OrderStatusPending:
		if !so.acked {
			so.acked = true
			so.status = models.OrderStatusActive
		}
	case models.OrderStatusActive, models.OrderStatusPartiallyFilled:
		remaining := so.quantity.Sub(so.filled)
		fill := remaining.Mul(s.fillFraction)
		if fill.GreaterThanOrEqual(remaining) || remaining.Sub(fill).LessThan(so.quantity.Mul(decimal.NewFromFloat(0.0001))) {
			fill = remaining
		}
		if fill.IsPositive() {
			prevNotional := so.avgPrice.Mul(so.filled)
			so.filled = so.filled.Add(fill)
			so.avgPrice = prevNotional.Add(fill.Mul(so.price)).Div(so.filled)
			so.lastFill = time.Now()
			if so.filled.GreaterThanOrEqual(so.quantity) {
				so.status = models.OrderStatusFilled
			} else {
				so.status = models.OrderStatusPartiallyFilled
			}
		}
	}

	return models.OrderUpdate{
		OrderID:      orderID,
		Status:       so.status,
		FilledQty:    so.filled,
		AveragePrice: so.avgPrice,
		LastFillTime: so.lastFill,
		RemainingQty: so.quantity.Sub(so.filled),
	}, nil
}
