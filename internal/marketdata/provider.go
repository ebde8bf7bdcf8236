// Package marketdata defines the contract to the external market state
// provider and a snapshot-backed implementation used by the engine loop and
// tests. Ingestion itself lives outside this repository.
package marketdata

import (
	"context"
	"sync"
	"time"

	"github.com/meridian-hq/tradexec/pkg/errors"
	"github.com/meridian-hq/tradexec/pkg/models"
)

// Provider supplies per-symbol market state. Implementations must return
// errors.ErrDataUnavailable when they hold nothing for the symbol; callers
// fail closed on that error.
type Provider interface {
	MarketState(ctx context.Context, symbol string) (models.MarketState, error)
	HistoricalReturns(ctx context.Context, symbol string, window int) ([]float64, error)
}

// SnapshotProvider is an in-memory Provider fed by an upstream ingestion
// process through Update calls.
type SnapshotProvider struct {
	mu      sync.RWMutex
	states  map[string]models.MarketState
	returns map[string][]float64
}

func NewSnapshotProvider() *SnapshotProvider {
	return &SnapshotProvider{
		states:  make(map[string]models.MarketState),
		returns: make(map[string][]float64),
	}
}

// Update replaces the stored state for the symbol.
func (p *SnapshotProvider) Update(state models.MarketState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if state.AsOf.IsZero() {
		state.AsOf = time.Now()
	}
	p.states[state.Symbol] = state
}

// UpdateReturns replaces the stored historical return series for the symbol.
func (p *SnapshotProvider) UpdateReturns(symbol string, returns []float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.returns[symbol] = append([]float64(nil), returns...)
}

func (p *SnapshotProvider) MarketState(ctx context.Context, symbol string) (models.MarketState, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	state, ok := p.states[symbol]
	if !ok {
		return models.MarketState{}, errors.ErrDataUnavailable
	}
	return state, nil
}

func (p *SnapshotProvider) HistoricalReturns(ctx context.Context, symbol string, window int) ([]float64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	series, ok := p.returns[symbol]
	if !ok || len(series) == 0 {
		return nil, errors.ErrDataUnavailable
	}
	if window > 0 && len(series) > window {
		series = series[len(series)-window:]
	}
	return append([]float64(nil), series...), nil
}
