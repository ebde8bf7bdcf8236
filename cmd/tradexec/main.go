// tradexec is the risk-gated order execution daemon. It reads trading
// signals as JSON lines on stdin, runs each through the risk gate, strategy
// selection and impact adjustment, and supervises the resulting orders
// until shutdown.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meridian-hq/tradexec/internal/audit"
	"github.com/meridian-hq/tradexec/internal/config"
	"github.com/meridian-hq/tradexec/internal/execmetrics"
	"github.com/meridian-hq/tradexec/internal/execution"
	"github.com/meridian-hq/tradexec/internal/gateway"
	"github.com/meridian-hq/tradexec/internal/lifecycle"
	"github.com/meridian-hq/tradexec/internal/marketdata"
	"github.com/meridian-hq/tradexec/internal/risk"
	"github.com/meridian-hq/tradexec/pkg/logger"
	"github.com/meridian-hq/tradexec/pkg/models"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "tradexec: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	configPath := flag.String("config", os.Getenv("TRADEXEC_CONFIG"), "path to config file")
	flag.Parse()

	bootLog, err := logger.New("info")
	if err != nil {
		return err
	}

	cfgMgr, err := config.NewManager(*configPath, bootLog)
	if err != nil {
		return err
	}
	cfg := cfgMgr.Snapshot()

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	cfgMgr.Watch(func(c *config.Config) {
		log.Info("configuration updated",
			zap.Float64("max_position_fraction", c.Risk.MaxPositionFraction),
			zap.Float64("max_portfolio_risk", c.Risk.MaxPortfolioRisk),
			zap.Float64("impact_threshold", c.Impact.Threshold),
		)
	})

	auditStore, err := audit.Open(cfg.AuditDSN, logger.Named(log, "audit"))
	if err != nil {
		return err
	}

	provider := marketdata.NewSnapshotProvider()
	store := risk.NewPortfolioStore(decimal.NewFromFloat(cfg.InitialCash))
	evaluator := risk.NewEvaluator(store, provider, cfgMgr.Snapshot, auditStore, nil, logger.Named(log, "risk"))

	collector := execmetrics.NewCollector(
		cfg.Execution.MetricWindowSize,
		cfg.Execution.MaxSlippage,
		nil,
		prometheus.DefaultRegisterer,
		logger.Named(log, "execmetrics"),
	)

	selector := execution.NewSelector(cfgMgr.Snapshot, collector.StrategyBias, logger.Named(log, "selector"))
	estimator := execution.NewEstimator(cfgMgr.Snapshot, logger.Named(log, "impact"))
	broker := gateway.NewSim(provider, 0.5, logger.Named(log, "gateway"))

	alert := func(orderID uuid.UUID, reason string) {
		log.Error("execution alert", zap.String("order_id", orderID.String()), zap.String("reason", reason))
	}
	manager := lifecycle.NewManager(broker, evaluator, selector, estimator, collector, auditStore, provider, cfgMgr.Snapshot, alert, logger.Named(log, "lifecycle"))

	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.Handler()}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server failed", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go consumeSignals(ctx, manager, log)

	log.Info("tradexec started",
		zap.String("metrics_addr", cfg.MetricsAddr),
		zap.String("audit_dsn", cfg.AuditDSN),
	)

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := manager.Close(shutdownCtx); err != nil {
		log.Error("lifecycle shutdown failed", zap.Error(err))
	}
	_ = metricsSrv.Shutdown(shutdownCtx)
	return nil
}

// consumeSignals feeds stdin JSON lines through the execution pipeline.
// Malformed lines are rejected and logged; rejected trades are a normal
// outcome and only logged at info level inside the evaluator.
func consumeSignals(ctx context.Context, manager *lifecycle.Manager, log *zap.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var sig models.TradingSignal
		if err := json.Unmarshal(line, &sig); err != nil {
			log.Warn("malformed signal line", zap.Error(err))
			continue
		}
		decision, orders, err := manager.ExecuteSignal(ctx, sig)
		if err != nil {
			log.Error("signal execution failed",
				zap.String("symbol", sig.Symbol),
				zap.Error(err),
			)
			continue
		}
		if decision != nil && decision.Approved {
			log.Info("signal executed",
				zap.String("symbol", sig.Symbol),
				zap.Int("orders", len(orders)),
			)
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}
