package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/polyflip/tradestate/internal/model"
)

// GormStore implements Store on top of gorm. It backs single-operator
// deployments with a local SQLite file.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps an open gorm handle.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// OpenSQLite opens (or creates) the SQLite database at path.
func OpenSQLite(path string) (*GormStore, error) {
	gdb, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	return NewGormStore(gdb), nil
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqldb, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqldb.Close()
}

// Migrate creates or updates the trading-state tables.
func (s *GormStore) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(
		&eventStateRow{},
		&strategyConfigRow{},
		&tradeRow{},
		&positionRow{},
	)
}

func (s *GormStore) Ping(ctx context.Context) error {
	sqldb, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqldb.PingContext(ctx)
}

type eventStateRow struct {
	EventSlug   string              `gorm:"column:event_slug;primaryKey"`
	PriceToBeat decimal.NullDecimal `gorm:"column:price_to_beat;type:numeric"`
	LastPrice   decimal.NullDecimal `gorm:"column:last_price;type:numeric"`
	UpdatedAt   time.Time           `gorm:"column:updated_at;autoUpdateTime:false;index"`
}

func (eventStateRow) TableName() string { return "event_state" }

type strategyConfigRow struct {
	Scope     string         `gorm:"column:scope;primaryKey"`
	Config    datatypes.JSON `gorm:"column:config;not null"`
	UpdatedAt time.Time      `gorm:"column:updated_at;autoUpdateTime:false"`
}

func (strategyConfigRow) TableName() string { return "strategy_config" }

type tradeRow struct {
	Scope           string              `gorm:"column:scope;primaryKey"`
	ID              string              `gorm:"column:id;primaryKey"`
	EventSlug       string              `gorm:"column:event_slug;not null;default:''"`
	TokenID         string              `gorm:"column:token_id;not null;default:''"`
	Side            string              `gorm:"column:side;not null"`
	Size            decimal.NullDecimal `gorm:"column:size;type:numeric"`
	Price           decimal.NullDecimal `gorm:"column:price;type:numeric"`
	Timestamp       int64               `gorm:"column:timestamp;not null;index"`
	Status          string              `gorm:"column:status;not null"`
	Reason          string              `gorm:"column:reason;not null;default:''"`
	OrderType       string              `gorm:"column:order_type;not null"`
	TransactionHash *string             `gorm:"column:transaction_hash"`
	Profit          decimal.NullDecimal `gorm:"column:profit;type:numeric"`
	LimitPrice      decimal.NullDecimal `gorm:"column:limit_price;type:numeric"`
	Direction       *string             `gorm:"column:direction"`
}

func (tradeRow) TableName() string { return "trades" }

type positionRow struct {
	Scope            string              `gorm:"column:scope;primaryKey"`
	ID               string              `gorm:"column:id;primaryKey"`
	EventSlug        string              `gorm:"column:event_slug;not null;default:''"`
	TokenID          string              `gorm:"column:token_id;not null;default:''"`
	Side             string              `gorm:"column:side;not null"`
	EntryPrice       decimal.NullDecimal `gorm:"column:entry_price;type:numeric"`
	Size             decimal.NullDecimal `gorm:"column:size;type:numeric"`
	EntryTimestamp   int64               `gorm:"column:entry_timestamp;not null"`
	CurrentPrice     decimal.NullDecimal `gorm:"column:current_price;type:numeric"`
	UnrealizedProfit decimal.NullDecimal `gorm:"column:unrealized_profit;type:numeric"`
	Direction        *string             `gorm:"column:direction"`
	FilledOrders     *datatypes.JSON     `gorm:"column:filled_orders"`
}

func (positionRow) TableName() string { return "positions" }

// --- event_state ---

func (s *GormStore) GetEventState(ctx context.Context, slug string) (*model.EventState, error) {
	var row eventStateRow
	err := s.db.WithContext(ctx).Where("event_slug = ?", slug).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("event state %s: %w", slug, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get event state %s: %w", slug, err)
	}
	st := row.toModel()
	return &st, nil
}

func (s *GormStore) ListEventStates(ctx context.Context) ([]model.EventState, error) {
	var rows []eventStateRow
	if err := s.db.WithContext(ctx).Order("updated_at DESC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]model.EventState, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

func (s *GormStore) UpsertEventState(ctx context.Context, st *model.EventState) error {
	row := eventStateRow{
		EventSlug:   st.EventSlug,
		PriceToBeat: fromDecimalPtr(st.PriceToBeat),
		LastPrice:   fromDecimalPtr(st.LastPrice),
		UpdatedAt:   st.UpdatedAt,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "event_slug"}},
		DoUpdates: clause.AssignmentColumns([]string{"price_to_beat", "last_price", "updated_at"}),
	}).Create(&row).Error
}

func (r eventStateRow) toModel() model.EventState {
	return model.EventState{
		EventSlug:   r.EventSlug,
		PriceToBeat: toDecimalPtr(r.PriceToBeat),
		LastPrice:   toDecimalPtr(r.LastPrice),
		UpdatedAt:   r.UpdatedAt,
	}
}

// --- strategy_config ---

func (s *GormStore) GetStrategyConfig(ctx context.Context, scope string) (*model.StrategyConfig, error) {
	var row strategyConfigRow
	err := s.db.WithContext(ctx).Where("scope = ?", scope).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("strategy config %s: %w", scope, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get strategy config %s: %w", scope, err)
	}
	return &model.StrategyConfig{Scope: row.Scope, Config: []byte(row.Config), UpdatedAt: row.UpdatedAt}, nil
}

func (s *GormStore) ListStrategyConfigs(ctx context.Context) ([]model.StrategyConfig, error) {
	var rows []strategyConfigRow
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]model.StrategyConfig, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.StrategyConfig{Scope: r.Scope, Config: []byte(r.Config), UpdatedAt: r.UpdatedAt})
	}
	return out, nil
}

func (s *GormStore) UpsertStrategyConfig(ctx context.Context, cfg *model.StrategyConfig) error {
	row := strategyConfigRow{
		Scope:     cfg.Scope,
		Config:    datatypes.JSON(cfg.Config),
		UpdatedAt: cfg.UpdatedAt,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "scope"}},
		DoUpdates: clause.AssignmentColumns([]string{"config", "updated_at"}),
	}).Create(&row).Error
}

// --- trades ---

func (s *GormStore) ListTrades(ctx context.Context, scope string) ([]model.Trade, error) {
	var rows []tradeRow
	if err := s.db.WithContext(ctx).
		Where("scope = ?", scope).
		Order("timestamp DESC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]model.Trade, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.Trade{
			ID:              r.ID,
			EventSlug:       r.EventSlug,
			TokenID:         r.TokenID,
			Side:            model.ParseSide(r.Side),
			Size:            r.Size,
			Price:           r.Price,
			Timestamp:       r.Timestamp,
			Status:          model.ParseTradeStatus(r.Status),
			Reason:          r.Reason,
			OrderType:       model.ParseOrderType(r.OrderType),
			TransactionHash: r.TransactionHash,
			Profit:          toDecimalPtr(r.Profit),
			LimitPrice:      toDecimalPtr(r.LimitPrice),
			Direction:       parseDirection(r.Direction),
		})
	}
	return out, nil
}

func (s *GormStore) UpsertTrade(ctx context.Context, scope string, t *model.Trade) error {
	row := tradeRow{
		Scope:           scope,
		ID:              t.ID,
		EventSlug:       t.EventSlug,
		TokenID:         t.TokenID,
		Side:            string(t.Side),
		Size:            t.Size,
		Price:           t.Price,
		Timestamp:       t.Timestamp,
		Status:          string(t.Status),
		Reason:          t.Reason,
		OrderType:       string(t.OrderType),
		TransactionHash: t.TransactionHash,
		Profit:          fromDecimalPtr(t.Profit),
		LimitPrice:      fromDecimalPtr(t.LimitPrice),
		Direction:       directionPtr(t.Direction),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "scope"}, {Name: "id"}},
		UpdateAll: true,
	}).Create(&row).Error
}

// --- positions ---

func (s *GormStore) ListPositions(ctx context.Context, scope string) ([]model.Position, error) {
	var rows []positionRow
	if err := s.db.WithContext(ctx).Where("scope = ?", scope).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]model.Position, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.Position{
			ID:               r.ID,
			EventSlug:        r.EventSlug,
			TokenID:          r.TokenID,
			Side:             model.ParseSide(r.Side),
			EntryPrice:       r.EntryPrice,
			Size:             r.Size,
			EntryTimestamp:   r.EntryTimestamp,
			CurrentPrice:     toDecimalPtr(r.CurrentPrice),
			UnrealizedProfit: toDecimalPtr(r.UnrealizedProfit),
			Direction:        parseDirection(r.Direction),
			FilledOrders:     decodeFillsColumn(r.FilledOrders),
		})
	}
	return out, nil
}

func (s *GormStore) DeletePositions(ctx context.Context, scope string) error {
	return s.db.WithContext(ctx).Where("scope = ?", scope).Delete(&positionRow{}).Error
}

func (s *GormStore) InsertPositions(ctx context.Context, scope string, positions []model.Position) error {
	if len(positions) == 0 {
		return nil
	}
	rows := make([]positionRow, 0, len(positions))
	for _, p := range positions {
		rows = append(rows, positionRow{
			Scope:            scope,
			ID:               p.ID,
			EventSlug:        p.EventSlug,
			TokenID:          p.TokenID,
			Side:             string(p.Side),
			EntryPrice:       p.EntryPrice,
			Size:             p.Size,
			EntryTimestamp:   p.EntryTimestamp,
			CurrentPrice:     fromDecimalPtr(p.CurrentPrice),
			UnrealizedProfit: fromDecimalPtr(p.UnrealizedProfit),
			Direction:        directionPtr(p.Direction),
			FilledOrders:     encodeFillsColumn(p.FilledOrders),
		})
	}
	return s.db.WithContext(ctx).Create(&rows).Error
}

func encodeFillsColumn(fills []model.FilledOrder) *datatypes.JSON {
	data := model.EncodeFilledOrders(fills)
	if data == nil {
		return nil
	}
	j := datatypes.JSON(data)
	return &j
}

func decodeFillsColumn(j *datatypes.JSON) []model.FilledOrder {
	if j == nil {
		return nil
	}
	return model.DecodeFilledOrders(*j)
}

func fromDecimalPtr(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func toDecimalPtr(d decimal.NullDecimal) *decimal.Decimal {
	if !d.Valid {
		return nil
	}
	v := d.Decimal
	return &v
}

func directionPtr(d model.Direction) *string {
	if d == "" {
		return nil
	}
	s := string(d)
	return &s
}
