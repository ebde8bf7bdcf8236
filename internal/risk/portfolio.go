package risk

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meridian-hq/tradexec/pkg/models"
)

// PortfolioStore is the single owner of mutable portfolio state. All sizing
// decisions read a consistent snapshot under its lock, and the
// check-and-reserve step runs as one critical section so two concurrent
// approvals can never jointly exceed the portfolio risk limit.
type PortfolioStore struct {
	mu       sync.RWMutex
	state    models.PortfolioState
	reserved map[uuid.UUID]decimal.Decimal // approved but not yet filled exposure
}

// NewPortfolioStore starts a portfolio with the given cash balance.
func NewPortfolioStore(cash decimal.Decimal) *PortfolioStore {
	return &PortfolioStore{
		state: models.PortfolioState{
			TotalValue:      cash,
			Cash:            cash,
			Positions:       make(map[string]models.Position),
			MarginAvailable: cash,
			AsOf:            time.Now(),
		},
		reserved: make(map[uuid.UUID]decimal.Decimal),
	}
}

// Snapshot returns a deep copy of the current portfolio state.
func (ps *PortfolioStore) Snapshot() models.PortfolioState {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.copyStateLocked()
}

func (ps *PortfolioStore) copyStateLocked() models.PortfolioState {
	out := ps.state
	out.Positions = make(map[string]models.Position, len(ps.state.Positions))
	for sym, pos := range ps.state.Positions {
		out.Positions[sym] = pos
	}
	return out
}

// ReservedExposure returns the total exposure approved but not yet committed.
func (ps *PortfolioStore) ReservedExposure() decimal.Decimal {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.reservedLocked()
}

func (ps *PortfolioStore) reservedLocked() decimal.Decimal {
	total := decimal.Zero
	for _, r := range ps.reserved {
		total = total.Add(r)
	}
	return total
}

// Approve runs fn as one atomic check-and-reserve section. fn receives a
// snapshot of the state plus the currently reserved exposure and returns the
// approved size; when approved is true the size is reserved under the given
// decision id before the lock is released. Market data must be gathered
// before calling Approve: no network work belongs inside fn.
func (ps *PortfolioStore) Approve(decisionID uuid.UUID, fn func(state models.PortfolioState, reserved decimal.Decimal) (size decimal.Decimal, approved bool)) (decimal.Decimal, bool) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	size, approved := fn(ps.copyStateLocked(), ps.reservedLocked())
	if approved {
		ps.reserved[decisionID] = size
	}
	return size, approved
}

// Release drops the reservation for a decision whose order terminated
// without (fully) consuming it.
func (ps *PortfolioStore) Release(decisionID uuid.UUID) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	delete(ps.reserved, decisionID)
}

// Commit drops the reservation once the order is done filling. The filled
// exposure is already held through the positions ApplyFill created, so the
// ledger entry simply retires.
func (ps *PortfolioStore) Commit(decisionID uuid.UUID) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	delete(ps.reserved, decisionID)
}

// ApplyFill mutates positions and cash for one fill and recomputes the
// total value so cash + market values always balances.
func (ps *PortfolioStore) ApplyFill(symbol, side string, qty, price decimal.Decimal, sector string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	notional := qty.Mul(price)
	pos, ok := ps.state.Positions[symbol]
	if !ok {
		direction := models.DirectionLong
		if side == models.SideSell {
			direction = models.DirectionShort
		}
		pos = models.Position{
			Symbol:     symbol,
			Direction:  direction,
			EntryPrice: price,
			Sector:     sector,
		}
	}

	sameSide := (pos.Direction == models.DirectionLong && side == models.SideBuy) ||
		(pos.Direction == models.DirectionShort && side == models.SideSell)

	if sameSide {
		// Average entry over the enlarged position.
		oldNotional := pos.Quantity.Mul(pos.EntryPrice)
		pos.Quantity = pos.Quantity.Add(qty)
		if !pos.Quantity.IsZero() {
			pos.EntryPrice = oldNotional.Add(notional).Div(pos.Quantity)
		}
	} else {
		closed := decimal.Min(qty, pos.Quantity)
		pnl := price.Sub(pos.EntryPrice).Mul(closed)
		if pos.Direction == models.DirectionShort {
			pnl = pnl.Neg()
		}
		pos.RealizedPnL = pos.RealizedPnL.Add(pnl)
		pos.Quantity = pos.Quantity.Sub(qty)
		if pos.Quantity.IsNegative() {
			// Position flipped direction.
			pos.Quantity = pos.Quantity.Abs()
			if pos.Direction == models.DirectionLong {
				pos.Direction = models.DirectionShort
			} else {
				pos.Direction = models.DirectionLong
			}
			pos.EntryPrice = price
		}
	}

	pos.CurrentPrice = price
	pos.UpdatedAt = time.Now()
	pos.UnrealizedPnL = unrealized(pos)

	if side == models.SideBuy {
		ps.state.Cash = ps.state.Cash.Sub(notional)
		ps.state.MarginUsed = ps.state.MarginUsed.Add(notional)
	} else {
		ps.state.Cash = ps.state.Cash.Add(notional)
		ps.state.MarginUsed = decimal.Max(decimal.Zero, ps.state.MarginUsed.Sub(notional))
	}

	if pos.Quantity.IsZero() {
		// Closed out; realized P&L stays in cash.
		delete(ps.state.Positions, symbol)
	} else {
		ps.state.Positions[symbol] = pos
	}
	ps.recomputeLocked()
}

// MarkPrice updates the current price of a position on a tick.
func (ps *PortfolioStore) MarkPrice(symbol string, price decimal.Decimal) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	pos, ok := ps.state.Positions[symbol]
	if !ok {
		return
	}
	pos.CurrentPrice = price
	pos.UnrealizedPnL = unrealized(pos)
	pos.UpdatedAt = time.Now()
	ps.state.Positions[symbol] = pos
	ps.recomputeLocked()
}

func (ps *PortfolioStore) recomputeLocked() {
	total := ps.state.Cash
	exposure := decimal.Zero
	for _, pos := range ps.state.Positions {
		mv := pos.MarketValue()
		if pos.Direction == models.DirectionShort {
			total = total.Add(pos.UnrealizedPnL)
		} else {
			total = total.Add(mv)
		}
		exposure = exposure.Add(mv.Abs())
	}
	ps.state.TotalValue = total
	ps.state.RiskExposure = exposure
	ps.state.MarginAvailable = decimal.Max(decimal.Zero, total.Sub(ps.state.MarginUsed))
	ps.state.AsOf = time.Now()
}

func unrealized(pos models.Position) decimal.Decimal {
	diff := pos.CurrentPrice.Sub(pos.EntryPrice).Mul(pos.Quantity)
	if pos.Direction == models.DirectionShort {
		return diff.Neg()
	}
	return diff
}
