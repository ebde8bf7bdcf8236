// Package lifecycle places orders, runs the order state machine and
// supervises every active order with adaptive intervention when execution
// quality degrades.
package lifecycle

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meridian-hq/tradexec/pkg/models"
)

// BrokerGateway is the outbound contract to the execution venue. The wire
// protocol behind it is out of scope; implementations adapt FIX, REST or a
// simulator.
type BrokerGateway interface {
	// Place submits the order. A returned error of type
	// *errors.BrokerRejection is terminal for the order.
	Place(ctx context.Context, order *models.Order) error

	// Cancel requests cancellation of a live order.
	Cancel(ctx context.Context, orderID uuid.UUID) error

	// Amend replaces price and/or quantity on a live order.
	Amend(ctx context.Context, orderID uuid.UUID, price *decimal.Decimal, quantity decimal.Decimal) error

	// Status polls the venue for the order's current state.
	Status(ctx context.Context, orderID uuid.UUID) (models.OrderUpdate, error)
}
