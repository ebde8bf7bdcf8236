// Package audit persists every risk decision, every order state transition
// and shutdown metric snapshots. The engine never places an order whose
// decision has not already been written here.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/meridian-hq/tradexec/pkg/models"
)

// RiskDecisionRecord is the durable form of one sizing/validation pass.
type RiskDecisionRecord struct {
	ID        string    `gorm:"primaryKey;type:uuid"`
	Symbol    string    `gorm:"index;not null"`
	Direction string    `gorm:"not null"`
	Approved  bool      `gorm:"not null"`
	Size      string    `gorm:"not null"`
	RiskLevel string    `gorm:"not null"`
	Checks    string    `gorm:"type:text"`
	CreatedAt time.Time `gorm:"index;not null"`
}

// OrderTransitionRecord is one order state machine transition.
type OrderTransitionRecord struct {
	ID         uint      `gorm:"primaryKey;autoIncrement"`
	OrderID    string    `gorm:"type:uuid;index;not null"`
	DecisionID string    `gorm:"type:uuid;index"`
	FromState  string    `gorm:"not null"`
	ToState    string    `gorm:"not null"`
	Reason     string    `gorm:"type:text"`
	FilledQty  string    ``
	Timestamp  time.Time `gorm:"index;not null"`
}

// MetricSnapshotRecord holds one serialized execution metrics rollup.
type MetricSnapshotRecord struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	Payload   string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"index;not null"`
}

// Store is the gorm-backed audit sink.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Open opens (or creates) the sqlite audit database and migrates its tables.
func Open(dsn string, logger *zap.Logger) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open audit db %s: %w", dsn, err)
	}
	if err := db.AutoMigrate(
		&RiskDecisionRecord{},
		&OrderTransitionRecord{},
		&MetricSnapshotRecord{},
	); err != nil {
		return nil, fmt.Errorf("migrate audit tables: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// RecordDecision writes one risk decision. Callers must not place the
// corresponding order until this returns nil.
func (s *Store) RecordDecision(ctx context.Context, d *models.RiskDecision) error {
	checks, err := json.Marshal(d.Checks)
	if err != nil {
		return fmt.Errorf("serialize checks: %w", err)
	}
	rec := &RiskDecisionRecord{
		ID:        d.ID.String(),
		Symbol:    d.Signal.Symbol,
		Direction: d.Signal.Direction,
		Approved:  d.Approved,
		Size:      d.Size.String(),
		RiskLevel: string(d.RiskLevel),
		Checks:    string(checks),
		CreatedAt: d.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("record decision %s: %w", d.ID, err)
	}
	return nil
}

// RecordTransition writes one order state transition.
func (s *Store) RecordTransition(ctx context.Context, order *models.Order, from, to models.OrderStatus, reason string) error {
	rec := &OrderTransitionRecord{
		OrderID:    order.ID.String(),
		DecisionID: order.DecisionID.String(),
		FromState:  string(from),
		ToState:    string(to),
		Reason:     reason,
		FilledQty:  order.FilledQty.String(),
		Timestamp:  time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("record transition %s %s->%s: %w", order.ID, from, to, err)
	}
	return nil
}

// RecordSnapshot persists a serialized metrics rollup.
func (s *Store) RecordSnapshot(ctx context.Context, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("serialize snapshot: %w", err)
	}
	rec := &MetricSnapshotRecord{Payload: string(raw), CreatedAt: time.Now()}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("record snapshot: %w", err)
	}
	return nil
}

// DecisionCount returns the number of stored decisions, used by replay
// tooling and tests.
func (s *Store) DecisionCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&RiskDecisionRecord{}).Count(&n).Error
	return n, err
}

// TransitionsFor returns the recorded transitions for an order, oldest first.
func (s *Store) TransitionsFor(ctx context.Context, orderID string) ([]OrderTransitionRecord, error) {
	var recs []OrderTransitionRecord
	err := s.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("id asc").
		Find(&recs).Error
	return recs, err
}
