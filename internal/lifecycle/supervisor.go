package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meridian-hq/tradexec/pkg/errors"
	"github.com/meridian-hq/tradexec/pkg/models"
)

// supervise is the long-lived watcher for one order. Each order has exactly
// one supervisor; every state mutation for the order happens here, under
// the handle lock. A panic in one supervisor is contained so the fault
// never stops monitoring of other orders.
func (m *Manager) supervise(ctx context.Context, h *orderHandle) {
	defer m.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("order supervisor panicked",
				zap.String("order_id", h.order.ID.String()),
				zap.Any("panic", r),
			)
			// The order may still be live at the venue with nobody left
			// watching it: pull it and give the exposure back.
			if err := m.gateway.Cancel(context.WithoutCancel(ctx), h.order.ID); err != nil {
				m.logger.Warn("cancel after supervisor panic failed",
					zap.String("order_id", h.order.ID.String()),
					zap.Error(err),
				)
			}
			m.releaseDecision(h.decision.ID, false)
			m.unregister(h)
		}
	}()

	ticker := time.NewTicker(m.cfg().Execution.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		update, err := m.gateway.Status(ctx, h.order.ID)
		if err != nil {
			m.logger.Warn("order status poll failed",
				zap.String("order_id", h.order.ID.String()),
				zap.Error(err),
			)
			continue
		}

		terminal := m.applyUpdate(ctx, h, update)
		if terminal {
			m.finish(ctx, h)
			return
		}
		m.intervene(ctx, h)
	}
}

// applyUpdate folds one broker status event into the order, records the
// transition and appends execution quality metrics. Returns true once the
// order reaches a terminal state.
func (m *Manager) applyUpdate(ctx context.Context, h *orderHandle, update models.OrderUpdate) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	order := h.order
	if order.Status.Terminal() {
		return true
	}

	// Filled quantity is monotonically non-decreasing until terminal.
	fillDelta := update.FilledQty.Sub(order.FilledQty)
	if fillDelta.IsNegative() {
		m.logger.Warn("ignoring regressive fill update",
			zap.String("order_id", order.ID.String()),
			zap.String("reported", update.FilledQty.String()),
			zap.String("held", order.FilledQty.String()),
		)
		return false
	}

	from := order.Status
	to := update.Status

	// A fill reported before the activation ack implies the venue accepted
	// the order; record the implied hop so the machine stays closed.
	if from == models.OrderStatusPending &&
		(to == models.OrderStatusPartiallyFilled || to == models.OrderStatusFilled) {
		m.transition(ctx, order, models.OrderStatusActive, "fill before activation ack")
		from = models.OrderStatusActive
	}

	if to != from {
		if err := checkTransition(from, to); err != nil {
			m.logger.Error("broker update outside state machine",
				zap.String("order_id", order.ID.String()),
				zap.Error(err),
			)
			return false
		}
	}

	if fillDelta.IsPositive() {
		order.FilledQty = update.FilledQty
		order.AvgFillPrice = update.AveragePrice
		order.LastFillAt = update.LastFillTime
		if order.LastFillAt.IsZero() {
			order.LastFillAt = time.Now()
		}
		m.riskSvc.ApplyFill(order.Request.Symbol, order.Request.Side, fillDelta, update.AveragePrice)
		m.recordQuality(order)
	}

	if to != from {
		m.transition(ctx, order, to, update.Reason)
		if h.intervening {
			// The pending cancel resolved; a new intervention may start on
			// the next cycle.
			h.intervening = false
		}
	}
	return to.Terminal()
}

// recordQuality recomputes slippage, fill rate and execution time after a
// fill and feeds the rolling metrics.
func (m *Manager) recordQuality(order *models.Order) {
	slippage := 0.0
	if order.AvgFillPrice.IsPositive() && order.DecisionPrice.IsPositive() {
		s, _ := order.AvgFillPrice.Sub(order.DecisionPrice).
			Div(order.DecisionPrice).
			Mul(models.DirectionSign(order.Request.Side)).
			Float64()
		slippage = s
	}
	execTime := order.LastFillAt.Sub(order.SubmittedAt)
	m.collector.Record(order.ID.String(), order.Strategy, slippage, order.FillRate(), execTime)
}

// intervene applies the adaptive policy: amend a lagging partial fill,
// cancel and resubmit a stale order. A cancel blocks further intervention
// until its ack arrives; the retry budget bounds total automatic action.
func (m *Manager) intervene(ctx context.Context, h *orderHandle) {
	h.mu.Lock()
	defer h.mu.Unlock()

	order := h.order
	if h.halted || h.intervening || order.Status.Terminal() {
		return
	}

	cfg := m.cfg().Execution
	now := time.Now()

	switch order.Status {
	case models.OrderStatusPartiallyFilled:
		if now.Sub(order.SubmittedAt) < cfg.FillRateBudget || order.FillRate() >= cfg.MinFillRate {
			return
		}
		if !m.consumeRetry(h, "fill rate below minimum") {
			return
		}
		m.amendLocked(ctx, h)

	case models.OrderStatusActive:
		staleness := cfg.StalenessFor(string(order.Strategy))
		reference := order.SubmittedAt
		if order.LastFillAt.After(reference) {
			reference = order.LastFillAt
		}
		if now.Sub(reference) < staleness {
			return
		}
		if !m.consumeRetry(h, "order stale") {
			return
		}
		m.resubmitLocked(ctx, h)
	}
}

// consumeRetry spends one unit of the order's intervention budget. On
// exhaustion it raises the alert and halts automation for the order; the
// supervisor keeps watching until the order terminates.
func (m *Manager) consumeRetry(h *orderHandle, reason string) bool {
	budget := m.cfg().Execution.RetryBudget
	if h.retries >= budget {
		if !h.halted {
			h.halted = true
			m.logger.Error("retry budget exhausted, halting automatic action",
				zap.String("order_id", h.order.ID.String()),
				zap.String("reason", reason),
				zap.Int("budget", budget),
			)
			m.alertFn(h.order.ID, fmt.Sprintf("%s: %s", errors.ErrRetryBudgetExhausted, reason))
		}
		return false
	}
	h.retries++
	return true
}

// amendLocked recomputes price and remaining quantity from fresh market
// data and amends the live order. Amend is synchronous, so it resolves when
// the call returns and the next cycle may intervene again, up to the retry
// budget. Called with the handle lock held.
func (m *Manager) amendLocked(ctx context.Context, h *orderHandle) {
	order := h.order
	md, ok := m.marketState(ctx, order.Request.Symbol)
	if !ok {
		m.logger.Warn("amend skipped, market data unavailable",
			zap.String("order_id", order.ID.String()))
		return
	}

	// Chase the market by half the quoted spread in the order's direction.
	chase := md.LastPrice.Mul(decimal.NewFromFloat(md.Spread / 2)).
		Mul(models.DirectionSign(order.Request.Side))
	newPrice := md.LastPrice.Add(chase)
	remaining := order.RemainingQty()

	if err := m.gateway.Amend(ctx, order.ID, &newPrice, remaining); err != nil {
		m.logger.Error("order amend failed",
			zap.String("order_id", order.ID.String()),
			zap.Error(err),
		)
		return
	}
	m.logger.Info("order amended",
		zap.String("order_id", order.ID.String()),
		zap.String("new_price", newPrice.String()),
		zap.String("remaining", remaining.String()),
		zap.Int("retries", h.retries),
	)
}

// resubmitLocked cancels a stale order and flags it for resubmission with
// refreshed parameters once the cancellation is acknowledged. Called with
// the handle lock held.
func (m *Manager) resubmitLocked(ctx context.Context, h *orderHandle) {
	h.intervening = true
	h.resubmit = true
	if err := m.gateway.Cancel(ctx, h.order.ID); err != nil {
		h.intervening = false
		h.resubmit = false
		m.logger.Error("stale order cancel failed",
			zap.String("order_id", h.order.ID.String()),
			zap.Error(err),
		)
		return
	}
	m.logger.Info("stale order cancelled for resubmission",
		zap.String("order_id", h.order.ID.String()),
		zap.Int("retries", h.retries),
	)
}

// finish settles a terminal order: reservation bookkeeping, unregistration
// and, when the order was cancelled for staleness, resubmission with a
// fresh risk and impact pass. Resubmission is never exempt from
// revalidation.
func (m *Manager) finish(ctx context.Context, h *orderHandle) {
	h.mu.Lock()
	order := *h.order
	decision := h.decision
	resubmit := h.resubmit
	retries := h.retries
	h.resubmit = false
	h.mu.Unlock()

	m.releaseDecision(decision.ID, order.Status == models.OrderStatusFilled)
	m.unregister(h)

	if !resubmit {
		return
	}

	fresh, err := m.riskSvc.ValidateTrade(ctx, decision.Signal)
	if err != nil {
		m.logger.Error("resubmission revalidation failed",
			zap.String("order_id", order.ID.String()),
			zap.Error(err),
		)
		return
	}
	if !fresh.Approved {
		m.logger.Info("resubmission rejected by risk",
			zap.String("order_id", order.ID.String()),
			zap.Strings("failed_checks", fresh.FailedChecks()),
		)
		return
	}

	md, mdOK := m.marketState(ctx, decision.Signal.Symbol)
	req := m.buildRequest(decision.Signal, fresh, md, mdOK)
	if req.Metadata == nil {
		req.Metadata = map[string]string{}
	}
	req.Metadata["resubmit_of"] = order.ID.String()

	orders, err := m.placeAdjusted(ctx, req, fresh, md, mdOK)
	if err != nil {
		m.logger.Error("resubmission placement failed",
			zap.String("order_id", order.ID.String()),
			zap.Error(err),
		)
		return
	}
	// Retry spend carries across the resubmission chain so one stubborn
	// order cannot loop forever.
	for _, child := range orders {
		m.mu.Lock()
		if ch, ok := m.handles[child.ID]; ok {
			ch.mu.Lock()
			ch.retries = retries
			ch.mu.Unlock()
		}
		m.mu.Unlock()
	}
}

// transition records a state change with the audit sink and the log. The
// order has already been validated against the machine.
func (m *Manager) transition(ctx context.Context, order *models.Order, to models.OrderStatus, reason string) {
	from := order.Status
	order.Status = to
	if err := m.sink.RecordTransition(ctx, order, from, to, reason); err != nil {
		m.logger.Error("transition audit write failed",
			zap.String("order_id", order.ID.String()),
			zap.Error(err),
		)
	}
	m.logger.Info("order transition",
		zap.String("order_id", order.ID.String()),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("reason", reason),
	)
}

func (m *Manager) unregister(h *orderHandle) {
	m.mu.Lock()
	delete(m.handles, h.order.ID)
	m.mu.Unlock()
	h.cancel()
}
