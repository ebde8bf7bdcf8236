package lifecycle

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/meridian-hq/tradexec/internal/config"
	"github.com/meridian-hq/tradexec/internal/execmetrics"
	"github.com/meridian-hq/tradexec/internal/execution"
	"github.com/meridian-hq/tradexec/internal/marketdata"
	"github.com/meridian-hq/tradexec/pkg/errors"
	"github.com/meridian-hq/tradexec/pkg/models"
)

// RiskService is the slice of the risk evaluator the lifecycle manager
// needs: validation for resubmission, reservation lifecycle and fill
// application.
type RiskService interface {
	ValidateTrade(ctx context.Context, signal models.TradingSignal) (*models.RiskDecision, error)
	Release(decisionID uuid.UUID)
	Commit(decisionID uuid.UUID)
	ApplyFill(symbol, side string, qty, price decimal.Decimal)
}

// TransitionSink durably records order state transitions and shutdown
// snapshots.
type TransitionSink interface {
	RecordTransition(ctx context.Context, order *models.Order, from, to models.OrderStatus, reason string) error
	RecordSnapshot(ctx context.Context, payload any) error
}

// AlertFunc is raised when an order's automatic intervention budget is
// exhausted.
type AlertFunc func(orderID uuid.UUID, reason string)

// orderHandle pairs an order with its supervision state. All mutation goes
// through the handle's mutex: one writer per order.
type orderHandle struct {
	mu          sync.Mutex
	order       *models.Order
	decision    *models.RiskDecision
	cancel      context.CancelFunc
	retries     int
	intervening bool // cancel issued, awaiting the Cancelled ack
	resubmit    bool // cancel issued, resubmission follows the Cancelled ack
	halted      bool // retry budget exhausted, automation off
}

// decisionRef counts the orders still outstanding under one approved
// decision. Split orders share a decision, so the exposure reservation
// retires exactly once, when the last child terminates.
type decisionRef struct {
	outstanding int
	unfilled    bool
}

// Manager owns every active order: placement, the state machine, supervision
// and adaptive intervention.
type Manager struct {
	gateway   BrokerGateway
	riskSvc   RiskService
	selector  *execution.Selector
	estimator *execution.Estimator
	collector *execmetrics.Collector
	sink      TransitionSink
	provider  marketdata.Provider
	cfg       func() *config.Config
	alertFn   AlertFunc
	logger    *zap.Logger

	mu        sync.Mutex
	handles   map[uuid.UUID]*orderHandle
	decisions map[uuid.UUID]*decisionRef
	limiters  map[string]*rate.Limiter
	closed    bool
	wg        sync.WaitGroup
}

func NewManager(gateway BrokerGateway, riskSvc RiskService, selector *execution.Selector, estimator *execution.Estimator, collector *execmetrics.Collector, sink TransitionSink, provider marketdata.Provider, cfg func() *config.Config, alertFn AlertFunc, logger *zap.Logger) *Manager {
	if alertFn == nil {
		alertFn = func(uuid.UUID, string) {}
	}
	return &Manager{
		gateway:   gateway,
		riskSvc:   riskSvc,
		selector:  selector,
		estimator: estimator,
		collector: collector,
		sink:      sink,
		provider:  provider,
		cfg:       cfg,
		alertFn:   alertFn,
		logger:    logger,
		handles:   make(map[uuid.UUID]*orderHandle),
		decisions: make(map[uuid.UUID]*decisionRef),
		limiters:  make(map[string]*rate.Limiter),
	}
}

// ExecuteSignal runs the full pipeline for one signal: risk gate and sizing,
// strategy selection, impact adjustment, placement and supervision. An
// unapproved decision returns with no orders and no error; rejection is a
// business outcome.
func (m *Manager) ExecuteSignal(ctx context.Context, signal models.TradingSignal) (*models.RiskDecision, []*models.Order, error) {
	decision, err := m.riskSvc.ValidateTrade(ctx, signal)
	if err != nil {
		return nil, nil, err
	}
	if !decision.Approved {
		return decision, nil, nil
	}

	md, mdOK := m.marketState(ctx, signal.Symbol)
	req := m.buildRequest(signal, decision, md, mdOK)

	orders, err := m.placeAdjusted(ctx, req, decision, md, mdOK)
	if err != nil {
		return decision, nil, err
	}
	return decision, orders, nil
}

// placeAdjusted selects a strategy, estimates impact, splits when needed and
// submits every slice. Slices after the first are paced by the plan
// interval.
func (m *Manager) placeAdjusted(ctx context.Context, req models.OrderRequest, decision *models.RiskDecision, md models.MarketState, mdOK bool) ([]*models.Order, error) {
	strategy := m.selector.Select(req, md, mdOK)
	impact := m.estimator.Estimate(req, md, mdOK)

	cfg := m.cfg()
	if !mdOK && impact > cfg.Impact.Threshold {
		// Fail closed: unknown impact blocks placement entirely.
		m.riskSvc.Release(decision.ID)
		return nil, fmt.Errorf("impact for %s unknown: %w", req.Symbol, errors.ErrDataUnavailable)
	}

	plan := m.estimator.AdjustForImpact(req, md, impact)

	// For a split order the guard reference keeps the shared reservation
	// alive while later slices are still on their way to the venue, even if
	// the first slice fills immediately.
	guarded := len(plan.Slices) > 1
	if guarded {
		m.retainDecision(decision.ID)
	}

	first := req
	first.Quantity = plan.Slices[0]
	order, err := m.Submit(ctx, first, decision, strategy, md.LastPrice)
	if err != nil {
		if guarded {
			m.releaseDecision(decision.ID, false)
		}
		return nil, err
	}
	orders := []*models.Order{order}

	if guarded {
		m.wg.Add(1)
		go m.placeSlices(ctx, req, decision, strategy, md.LastPrice, plan.Slices[1:], plan.Interval)
	}
	return orders, nil
}

// placeSlices paces the remaining slices of a split order and drops the
// guard reference once the last one is at the venue.
func (m *Manager) placeSlices(ctx context.Context, req models.OrderRequest, decision *models.RiskDecision, strategy models.ExecutionStrategy, decisionPrice decimal.Decimal, slices []decimal.Decimal, interval time.Duration) {
	defer m.wg.Done()
	for _, qty := range slices {
		select {
		case <-ctx.Done():
			m.releaseDecision(decision.ID, false)
			return
		case <-time.After(interval):
		}
		child := req
		child.Quantity = qty
		if _, err := m.Submit(ctx, child, decision, strategy, decisionPrice); err != nil {
			m.logger.Error("slice placement failed",
				zap.String("symbol", req.Symbol),
				zap.String("decision_id", decision.ID.String()),
				zap.Error(err),
			)
			// Unplaced quantity means the decision's exposure can never be
			// fully consumed.
			m.releaseDecision(decision.ID, false)
			return
		}
	}
	m.releaseDecision(decision.ID, true)
}

// Submit places one order under an approved decision and starts its
// supervisor. It refuses to place anything without an approved decision
// with positive size.
func (m *Manager) Submit(ctx context.Context, req models.OrderRequest, decision *models.RiskDecision, strategy models.ExecutionStrategy, decisionPrice decimal.Decimal) (*models.Order, error) {
	if decision == nil || !decision.Approved || !decision.Size.IsPositive() {
		return nil, &errors.ValidationError{Field: "decision", Reason: "order placement requires an approved risk decision with positive size"}
	}
	if !req.Quantity.IsPositive() {
		return nil, &errors.ValidationError{Field: "quantity", Reason: "must be positive"}
	}

	// The order holds a reference on its decision until it terminates; the
	// reservation retires when the last sibling lets go.
	m.retainDecision(decision.ID)

	// Placement throughput is governed per order type; a saturated limiter
	// delays submission, it never drops one.
	if err := m.limiterFor(req.Type).Wait(ctx); err != nil {
		m.releaseDecision(decision.ID, false)
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	order := &models.Order{
		ID:            uuid.New(),
		DecisionID:    decision.ID,
		Request:       req,
		Strategy:      strategy,
		Status:        models.OrderStatusPending,
		DecisionPrice: decisionPrice,
		SubmittedAt:   time.Now(),
	}

	if err := m.gateway.Place(ctx, order); err != nil {
		var rejection *errors.BrokerRejection
		if stderrors.As(err, &rejection) {
			m.transition(ctx, order, models.OrderStatusRejected, rejection.Reason)
			m.releaseDecision(decision.ID, false)
			return nil, err
		}
		m.releaseDecision(decision.ID, false)
		return nil, fmt.Errorf("place order %s: %w", order.ID, err)
	}

	supCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h := &orderHandle{order: order, decision: decision, cancel: cancel}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		_ = m.gateway.Cancel(ctx, order.ID)
		m.releaseDecision(decision.ID, false)
		return nil, fmt.Errorf("manager closed")
	}
	m.handles[order.ID] = h
	m.mu.Unlock()

	m.logger.Info("order placed",
		zap.String("order_id", order.ID.String()),
		zap.String("decision_id", decision.ID.String()),
		zap.String("symbol", req.Symbol),
		zap.String("strategy", string(strategy)),
		zap.String("quantity", req.Quantity.String()),
	)

	m.wg.Add(1)
	go m.supervise(supCtx, h)
	return order, nil
}

// Cancel requests cancellation of an order by id.
func (m *Manager) Cancel(ctx context.Context, orderID uuid.UUID) error {
	m.mu.Lock()
	_, ok := m.handles[orderID]
	m.mu.Unlock()
	if !ok {
		return errors.ErrOrderNotFound
	}
	return m.gateway.Cancel(ctx, orderID)
}

// Order returns a copy of the order's current state.
func (m *Manager) Order(orderID uuid.UUID) (models.Order, bool) {
	m.mu.Lock()
	h, ok := m.handles[orderID]
	m.mu.Unlock()
	if !ok {
		return models.Order{}, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return *h.order, true
}

// ActiveCount returns the number of supervised, non-terminal orders.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handles)
}

// Close shuts the manager down: cancellation goes out for every active
// order first, then supervision stops, then the metrics snapshot persists.
// No order is left unmonitored while still live at the venue.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	handles := make([]*orderHandle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	for _, h := range handles {
		h.mu.Lock()
		id := h.order.ID
		terminal := h.order.Status.Terminal()
		h.mu.Unlock()
		if terminal {
			continue
		}
		if err := m.gateway.Cancel(ctx, id); err != nil {
			m.logger.Warn("shutdown cancel failed",
				zap.String("order_id", id.String()),
				zap.Error(err),
			)
		}
	}

	// Give supervisors one last chance to observe the cancellations, then
	// stop them.
	deadline := time.Now().Add(m.cfg().Execution.PollInterval * 3)
	for time.Now().Before(deadline) && m.ActiveCount() > 0 {
		time.Sleep(m.cfg().Execution.PollInterval / 2)
	}
	for _, h := range handles {
		h.cancel()
	}
	m.wg.Wait()

	snap := m.collector.TakeSnapshot()
	if err := m.sink.RecordSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("persist metrics snapshot: %w", err)
	}
	m.logger.Info("lifecycle manager closed", zap.Int64("alerts_raised", snap.AlertsRaised))
	return nil
}

func (m *Manager) retainDecision(decisionID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref, ok := m.decisions[decisionID]
	if !ok {
		ref = &decisionRef{}
		m.decisions[decisionID] = ref
	}
	ref.outstanding++
}

// releaseDecision drops one reference on a decision. The reservation retires
// with the last reference: committed when every child filled, released when
// any approved exposure went unconsumed.
func (m *Manager) releaseDecision(decisionID uuid.UUID, filled bool) {
	m.mu.Lock()
	ref, ok := m.decisions[decisionID]
	if !ok {
		m.mu.Unlock()
		m.riskSvc.Release(decisionID)
		return
	}
	if !filled {
		ref.unfilled = true
	}
	ref.outstanding--
	done := ref.outstanding <= 0
	unfilled := ref.unfilled
	if done {
		delete(m.decisions, decisionID)
	}
	m.mu.Unlock()

	if !done {
		return
	}
	if unfilled {
		m.riskSvc.Release(decisionID)
	} else {
		m.riskSvc.Commit(decisionID)
	}
}

func (m *Manager) limiterFor(orderType string) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.limiters[orderType]
	if !ok {
		rl := m.cfg().Execution.RateLimitFor(orderType)
		l = rate.NewLimiter(rate.Limit(rl.PerSecond), rl.Burst)
		m.limiters[orderType] = l
	}
	return l
}

func (m *Manager) marketState(ctx context.Context, symbol string) (models.MarketState, bool) {
	md, err := m.provider.MarketState(ctx, symbol)
	if err != nil {
		return models.MarketState{}, false
	}
	return md, true
}

// buildRequest turns an approved decision into an order request. The
// approved size is currency notional; quantity comes from the last price.
func (m *Manager) buildRequest(signal models.TradingSignal, decision *models.RiskDecision, md models.MarketState, mdOK bool) models.OrderRequest {
	req := models.OrderRequest{
		Symbol:       signal.Symbol,
		Type:         models.OrderTypeLimit,
		Side:         signal.Direction,
		TimeInForce:  models.TimeInForceGTC,
		StrategyHint: signal.PreferredStrategy,
		Metadata:     map[string]string{"signal_source": signal.Source},
	}
	if mdOK && md.LastPrice.IsPositive() {
		price := md.LastPrice
		req.Price = &price
		req.Quantity = execution.QuantityFor(decision.Size, md.LastPrice)
	}
	return req
}
