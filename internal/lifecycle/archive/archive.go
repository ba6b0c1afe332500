// Package archive persists terminal trades to SQLite through gorm, giving
// the lifecycle tracker a durable record that survives restarts.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"vigil/internal/lifecycle"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type archivedTradeModel struct {
	ID                 int64          `gorm:"column:id;primaryKey"`
	TradeID            string         `gorm:"column:trade_id;uniqueIndex;size:64"`
	Symbol             string         `gorm:"column:symbol;index"`
	Direction          string         `gorm:"column:direction"`
	FinalState         string         `gorm:"column:final_state"`
	Entry              float64        `gorm:"column:entry"`
	StopLoss           float64        `gorm:"column:stop_loss"`
	Quantity           float64        `gorm:"column:quantity"`
	RealizedPnl        float64        `gorm:"column:realized_pnl"`
	RealizedPnlPercent float64        `gorm:"column:realized_pnl_percent"`
	OpenedAt           int64          `gorm:"column:opened_at"`
	ClosedAt           int64          `gorm:"column:closed_at"`
	Transitions        datatypes.JSON `gorm:"column:transitions"`
	Record             datatypes.JSON `gorm:"column:record"`
	CreatedAt          time.Time      `gorm:"column:created_at"`
}

func (archivedTradeModel) TableName() string { return "archived_trades" }

type tradeEventModel struct {
	ID            int64  `gorm:"column:id;primaryKey"`
	TradeID       string `gorm:"column:trade_id;index;size:64"`
	Symbol        string `gorm:"column:symbol;index"`
	Event         string `gorm:"column:event"`
	FromState     string `gorm:"column:from_state"`
	ToState       string `gorm:"column:to_state"`
	Detail        string `gorm:"column:detail"`
	CreatedAtUnix int64  `gorm:"column:created_at;index"`
}

func (tradeEventModel) TableName() string { return "event_log" }

// Store implements lifecycle.Archiver on SQLite.
type Store struct {
	db *gorm.DB
}

var (
	_ lifecycle.Archiver  = (*Store)(nil)
	_ lifecycle.EventSink = (*Store)(nil)
)

// Open creates (or opens) the archive database at path.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("archive: empty database path")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("archive: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("archive: open %s: %w", path, err)
	}
	if err := db.AutoMigrate(&archivedTradeModel{}, &tradeEventModel{}); err != nil {
		return nil, fmt.Errorf("archive: migrate: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Archive stores one terminal trade. Re-archiving the same trade ID is a
// no-op conflict, not an error.
func (s *Store) Archive(ctx context.Context, rec *lifecycle.TradeRecord) error {
	if s == nil || s.db == nil || rec == nil {
		return nil
	}
	transitions, err := json.Marshal(rec.Transitions)
	if err != nil {
		return fmt.Errorf("archive: encode transitions: %w", err)
	}
	full, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("archive: encode record: %w", err)
	}
	model := archivedTradeModel{
		TradeID:            rec.TradeID,
		Symbol:             rec.Symbol,
		Direction:          string(rec.Direction),
		FinalState:         string(rec.State),
		Entry:              rec.Entry,
		StopLoss:           rec.StopLoss,
		Quantity:           rec.Quantity,
		RealizedPnl:        rec.RealizedPnl,
		RealizedPnlPercent: rec.RealizedPnlPercent,
		ClosedAt:           rec.UpdatedAt.Unix(),
		Transitions:        datatypes.JSON(transitions),
		Record:             datatypes.JSON(full),
		CreatedAt:          time.Now(),
	}
	if rec.EntryFill != nil {
		model.OpenedAt = rec.EntryFill.At.Unix()
	}
	res := s.db.WithContext(ctx).
		Where("trade_id = ?", rec.TradeID).
		FirstOrCreate(&model)
	return res.Error
}

// AppendEvent mirrors one lifecycle event into the event_log table.
func (s *Store) AppendEvent(ctx context.Context, ev lifecycle.Event) error {
	if s == nil || s.db == nil {
		return nil
	}
	at := time.Now()
	if ts, err := time.Parse(time.RFC3339, ev.Timestamp); err == nil {
		at = ts
	}
	model := tradeEventModel{
		TradeID:       ev.TradeID,
		Symbol:        ev.Symbol,
		Event:         ev.Event,
		FromState:     string(ev.From),
		ToState:       string(ev.To),
		Detail:        ev.Detail,
		CreatedAtUnix: at.UnixMilli(),
	}
	return s.db.WithContext(ctx).Create(&model).Error
}

// Events returns the most recent mirrored lifecycle events, newest first.
func (s *Store) Events(ctx context.Context, limit int) ([]lifecycle.Event, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	var models []tradeEventModel
	if err := s.db.WithContext(ctx).
		Order("id DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]lifecycle.Event, 0, len(models))
	for _, m := range models {
		out = append(out, lifecycle.Event{
			Timestamp: time.UnixMilli(m.CreatedAtUnix).UTC().Format(time.RFC3339),
			TradeID:   m.TradeID,
			Symbol:    m.Symbol,
			Event:     m.Event,
			From:      lifecycle.State(m.FromState),
			To:        lifecycle.State(m.ToState),
			Detail:    m.Detail,
		})
	}
	return out, nil
}

// Recent returns the most recently archived trades, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]lifecycle.TradeRecord, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	var models []archivedTradeModel
	if err := s.db.WithContext(ctx).
		Order("id DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]lifecycle.TradeRecord, 0, len(models))
	for _, m := range models {
		var rec lifecycle.TradeRecord
		if err := json.Unmarshal(m.Record, &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// TotalPnl sums realized pnl across the whole archive.
func (s *Store) TotalPnl(ctx context.Context) (float64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	var total float64
	err := s.db.WithContext(ctx).
		Model(&archivedTradeModel{}).
		Select("COALESCE(SUM(realized_pnl), 0)").
		Scan(&total).Error
	return total, err
}
