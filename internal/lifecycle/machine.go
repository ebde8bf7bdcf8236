package lifecycle

import (
	"github.com/meridian-hq/tradexec/pkg/errors"
	"github.com/meridian-hq/tradexec/pkg/models"
)

// validTransitions is the complete order state machine:
// Pending -> Active -> {PartiallyFilled <-> Active} -> Filled, with
// Cancelled reachable from any non-terminal state and Rejected only before
// the order goes Active.
var validTransitions = map[models.OrderStatus][]models.OrderStatus{
	models.OrderStatusPending: {
		models.OrderStatusActive,
		models.OrderStatusCancelled,
		models.OrderStatusRejected,
	},
	models.OrderStatusActive: {
		models.OrderStatusPartiallyFilled,
		models.OrderStatusFilled,
		models.OrderStatusCancelled,
	},
	models.OrderStatusPartiallyFilled: {
		models.OrderStatusActive,
		models.OrderStatusFilled,
		models.OrderStatusCancelled,
	},
	// Terminal states admit nothing.
	models.OrderStatusFilled:    {},
	models.OrderStatusCancelled: {},
	models.OrderStatusRejected:  {},
}

// CanTransition reports whether from -> to is inside the machine. A no-op
// transition to the same state is always allowed.
func CanTransition(from, to models.OrderStatus) bool {
	if from == to {
		return true
	}
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// checkTransition returns a typed error for transitions outside the machine.
func checkTransition(from, to models.OrderStatus) error {
	if !CanTransition(from, to) {
		return &errors.InvalidTransition{From: string(from), To: string(to)}
	}
	return nil
}
