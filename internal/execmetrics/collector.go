// Package execmetrics tracks rolling execution quality statistics: slippage,
// fill rate and execution time. The collector feeds slippage alerts, biases
// future strategy scoring and persists a snapshot at shutdown for audit.
package execmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/meridian-hq/tradexec/pkg/models"
)

// AlertFunc is invoked when a sample breaches its configured threshold.
type AlertFunc func(orderID string, strategy models.ExecutionStrategy, slippage float64)

// StrategySnapshot is the persisted rollup for one strategy.
type StrategySnapshot struct {
	Strategy      models.ExecutionStrategy `json:"strategy"`
	Samples       int                      `json:"samples"`
	MeanSlippage  float64                  `json:"mean_slippage"`
	MeanFillRate  float64                  `json:"mean_fill_rate"`
	MeanExecTime  float64                  `json:"mean_exec_time_seconds"`
}

// Snapshot is the full rollup persisted at shutdown for audit/replay.
type Snapshot struct {
	TakenAt      time.Time          `json:"taken_at"`
	Global       StrategySnapshot   `json:"global"`
	PerStrategy  []StrategySnapshot `json:"per_strategy"`
	AlertsRaised int64              `json:"alerts_raised"`
}

type strategyWindows struct {
	slippage *Window
	fillRate *Window
	execTime *Window
}

// Collector maintains fixed-capacity windows globally and per strategy.
type Collector struct {
	mu          sync.RWMutex
	capacity    int
	maxSlippage float64
	global      strategyWindows
	perStrategy map[models.ExecutionStrategy]*strategyWindows
	alertFn     AlertFunc
	alerts      int64
	logger      *zap.Logger

	slippageHist  prometheus.Histogram
	execTimeHist  prometheus.Histogram
	fillRateGauge prometheus.Gauge
	alertCounter  prometheus.Counter
}

// NewCollector builds a collector with the given window capacity and
// slippage alert threshold. Metrics register against reg; pass
// prometheus.NewRegistry() in tests.
func NewCollector(capacity int, maxSlippage float64, alertFn AlertFunc, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	c := &Collector{
		capacity:    capacity,
		maxSlippage: maxSlippage,
		global:      newStrategyWindows(capacity),
		perStrategy: make(map[models.ExecutionStrategy]*strategyWindows),
		alertFn:     alertFn,
		logger:      logger,
		slippageHist: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tradexec",
			Name:      "slippage",
			Help:      "Signed slippage per fill, in price units relative to decision price.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 12),
		}),
		execTimeHist: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tradexec",
			Name:      "execution_seconds",
			Help:      "Elapsed time from submission to last fill.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
		}),
		fillRateGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tradexec",
			Name:      "fill_rate_mean",
			Help:      "Rolling mean fill rate across all supervised orders.",
		}),
		alertCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tradexec",
			Name:      "slippage_alerts_total",
			Help:      "Slippage threshold breaches.",
		}),
	}
	if reg != nil {
		reg.MustRegister(c.slippageHist, c.execTimeHist, c.fillRateGauge, c.alertCounter)
	}
	return c
}

func newStrategyWindows(capacity int) strategyWindows {
	return strategyWindows{
		slippage: NewWindow(capacity),
		fillRate: NewWindow(capacity),
		execTime: NewWindow(capacity),
	}
}

func (c *Collector) windowsFor(strategy models.ExecutionStrategy) *strategyWindows {
	c.mu.Lock()
	defer c.mu.Unlock()
	sw, ok := c.perStrategy[strategy]
	if !ok {
		w := newStrategyWindows(c.capacity)
		sw = &w
		c.perStrategy[strategy] = sw
	}
	return sw
}

// Record appends one supervision observation for an order.
func (c *Collector) Record(orderID string, strategy models.ExecutionStrategy, slippage, fillRate float64, execTime time.Duration) {
	sw := c.windowsFor(strategy)
	secs := execTime.Seconds()

	c.global.slippage.Append(slippage)
	c.global.fillRate.Append(fillRate)
	c.global.execTime.Append(secs)
	sw.slippage.Append(slippage)
	sw.fillRate.Append(fillRate)
	sw.execTime.Append(secs)

	if slippage >= 0 {
		c.slippageHist.Observe(slippage)
	}
	c.execTimeHist.Observe(secs)
	if mean := c.global.fillRate.Mean(); mean == mean { // not NaN
		c.fillRateGauge.Set(mean)
	}

	if slippage > c.maxSlippage {
		c.mu.Lock()
		c.alerts++
		c.mu.Unlock()
		c.alertCounter.Inc()
		c.logger.Warn("high slippage detected",
			zap.String("order_id", orderID),
			zap.String("strategy", string(strategy)),
			zap.Float64("slippage", slippage),
			zap.Float64("threshold", c.maxSlippage),
		)
		if c.alertFn != nil {
			c.alertFn(orderID, strategy, slippage)
		}
	}
}

// StrategyBias returns a score adjustment in [-1, 1] reflecting historical
// fill quality for the strategy: good fills and low slippage bias future
// selection toward it. A strategy without history gets no bias.
func (c *Collector) StrategyBias(strategy models.ExecutionStrategy) float64 {
	c.mu.RLock()
	sw, ok := c.perStrategy[strategy]
	c.mu.RUnlock()
	if !ok || sw.fillRate.Len() == 0 {
		return 0
	}
	fillMean := sw.fillRate.Mean()
	slipMean := sw.slippage.Mean()

	bias := fillMean - 0.5
	if c.maxSlippage > 0 {
		bias -= slipMean / c.maxSlippage * 0.25
	}
	if bias > 1 {
		bias = 1
	}
	if bias < -1 {
		bias = -1
	}
	return bias
}

// TakeSnapshot returns the current rollup for persistence.
func (c *Collector) TakeSnapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := Snapshot{
		TakenAt:      time.Now(),
		Global:       rollup("", &c.global),
		AlertsRaised: c.alerts,
	}
	for strategy, sw := range c.perStrategy {
		snap.PerStrategy = append(snap.PerStrategy, rollup(strategy, sw))
	}
	return snap
}

func rollup(strategy models.ExecutionStrategy, sw *strategyWindows) StrategySnapshot {
	s := StrategySnapshot{Strategy: strategy, Samples: sw.slippage.Len()}
	if s.Samples > 0 {
		s.MeanSlippage = sw.slippage.Mean()
		s.MeanFillRate = sw.fillRate.Mean()
		s.MeanExecTime = sw.execTime.Mean()
	}
	return s
}
