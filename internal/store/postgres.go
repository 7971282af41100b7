package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/polyflip/tradestate/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS event_state (
		event_slug    TEXT PRIMARY KEY,
		price_to_beat NUMERIC,
		last_price    NUMERIC,
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS strategy_config (
		scope      TEXT PRIMARY KEY,
		config     JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS trades (
		scope            TEXT NOT NULL,
		id               TEXT NOT NULL,
		event_slug       TEXT NOT NULL DEFAULT '',
		token_id         TEXT NOT NULL DEFAULT '',
		side             TEXT NOT NULL DEFAULT 'BUY',
		size             NUMERIC,
		price            NUMERIC,
		timestamp        BIGINT NOT NULL DEFAULT 0,
		status           TEXT NOT NULL DEFAULT 'pending',
		reason           TEXT NOT NULL DEFAULT '',
		order_type       TEXT NOT NULL DEFAULT 'MARKET',
		transaction_hash TEXT,
		profit           NUMERIC,
		limit_price      NUMERIC,
		direction        TEXT,
		PRIMARY KEY (scope, id)
	)`,
	`CREATE INDEX IF NOT EXISTS trades_scope_timestamp_idx ON trades (scope, timestamp DESC)`,
	`CREATE TABLE IF NOT EXISTS positions (
		scope             TEXT NOT NULL,
		id                TEXT NOT NULL,
		event_slug        TEXT NOT NULL DEFAULT '',
		token_id          TEXT NOT NULL DEFAULT '',
		side              TEXT NOT NULL DEFAULT 'BUY',
		entry_price       NUMERIC,
		size              NUMERIC,
		entry_timestamp   BIGINT NOT NULL DEFAULT 0,
		current_price     NUMERIC,
		unrealized_profit NUMERIC,
		direction         TEXT,
		filled_orders     JSONB,
		PRIMARY KEY (scope, id)
	)`,
}

// Migrate creates the trading-state tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	for _, stmt := range postgresSchema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- event_state ---

func (s *PostgresStore) GetEventState(ctx context.Context, slug string) (*model.EventState, error) {
	var st model.EventState
	var priceToBeat, lastPrice *string

	err := s.pool.QueryRow(ctx,
		`SELECT event_slug, price_to_beat::TEXT, last_price::TEXT, updated_at
		 FROM event_state WHERE event_slug = $1`, slug).
		Scan(&st.EventSlug, &priceToBeat, &lastPrice, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("event state %s: %w", slug, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get event state %s: %w", slug, err)
	}

	st.PriceToBeat = parseDecimalPtr(priceToBeat)
	st.LastPrice = parseDecimalPtr(lastPrice)
	return &st, nil
}

func (s *PostgresStore) ListEventStates(ctx context.Context) ([]model.EventState, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT event_slug, price_to_beat::TEXT, last_price::TEXT, updated_at
		 FROM event_state ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []model.EventState
	for rows.Next() {
		var st model.EventState
		var priceToBeat, lastPrice *string
		if err := rows.Scan(&st.EventSlug, &priceToBeat, &lastPrice, &st.UpdatedAt); err != nil {
			return nil, err
		}
		st.PriceToBeat = parseDecimalPtr(priceToBeat)
		st.LastPrice = parseDecimalPtr(lastPrice)
		states = append(states, st)
	}
	return states, rows.Err()
}

func (s *PostgresStore) UpsertEventState(ctx context.Context, st *model.EventState) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO event_state (event_slug, price_to_beat, last_price, updated_at)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4)
		 ON CONFLICT (event_slug) DO UPDATE
		 SET price_to_beat = EXCLUDED.price_to_beat,
		     last_price    = EXCLUDED.last_price,
		     updated_at    = EXCLUDED.updated_at`,
		st.EventSlug, decimalPtrArg(st.PriceToBeat), decimalPtrArg(st.LastPrice), st.UpdatedAt,
	)
	return err
}

// --- strategy_config ---

func (s *PostgresStore) GetStrategyConfig(ctx context.Context, scope string) (*model.StrategyConfig, error) {
	var cfg model.StrategyConfig
	err := s.pool.QueryRow(ctx,
		`SELECT scope, config, updated_at FROM strategy_config WHERE scope = $1`, scope).
		Scan(&cfg.Scope, &cfg.Config, &cfg.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("strategy config %s: %w", scope, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get strategy config %s: %w", scope, err)
	}
	return &cfg, nil
}

func (s *PostgresStore) ListStrategyConfigs(ctx context.Context) ([]model.StrategyConfig, error) {
	rows, err := s.pool.Query(ctx, `SELECT scope, config, updated_at FROM strategy_config`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []model.StrategyConfig
	for rows.Next() {
		var cfg model.StrategyConfig
		if err := rows.Scan(&cfg.Scope, &cfg.Config, &cfg.UpdatedAt); err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}
	return configs, rows.Err()
}

func (s *PostgresStore) UpsertStrategyConfig(ctx context.Context, cfg *model.StrategyConfig) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO strategy_config (scope, config, updated_at)
		 VALUES ($1, $2::JSONB, $3)
		 ON CONFLICT (scope) DO UPDATE
		 SET config = EXCLUDED.config, updated_at = EXCLUDED.updated_at`,
		cfg.Scope, []byte(cfg.Config), cfg.UpdatedAt,
	)
	return err
}

// --- trades ---

func (s *PostgresStore) ListTrades(ctx context.Context, scope string) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, event_slug, token_id, side, size::TEXT, price::TEXT, timestamp,
		        status, reason, order_type, transaction_hash, profit::TEXT,
		        limit_price::TEXT, direction
		 FROM trades WHERE scope = $1 ORDER BY timestamp DESC`, scope)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}

func (s *PostgresStore) UpsertTrade(ctx context.Context, scope string, t *model.Trade) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO trades (scope, id, event_slug, token_id, side, size, price, timestamp,
		                     status, reason, order_type, transaction_hash, profit, limit_price, direction)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8, $9, $10, $11, $12,
		         $13::NUMERIC, $14::NUMERIC, $15)
		 ON CONFLICT (scope, id) DO UPDATE
		 SET event_slug = EXCLUDED.event_slug, token_id = EXCLUDED.token_id,
		     side = EXCLUDED.side, size = EXCLUDED.size, price = EXCLUDED.price,
		     timestamp = EXCLUDED.timestamp, status = EXCLUDED.status,
		     reason = EXCLUDED.reason, order_type = EXCLUDED.order_type,
		     transaction_hash = EXCLUDED.transaction_hash, profit = EXCLUDED.profit,
		     limit_price = EXCLUDED.limit_price, direction = EXCLUDED.direction`,
		scope, t.ID, t.EventSlug, t.TokenID, string(t.Side),
		nullDecimalArg(t.Size), nullDecimalArg(t.Price), t.Timestamp,
		string(t.Status), t.Reason, string(t.OrderType), t.TransactionHash,
		decimalPtrArg(t.Profit), decimalPtrArg(t.LimitPrice), directionArg(t.Direction),
	)
	return err
}

// --- positions ---

func (s *PostgresStore) ListPositions(ctx context.Context, scope string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, event_slug, token_id, side, entry_price::TEXT, size::TEXT, entry_timestamp,
		        current_price::TEXT, unrealized_profit::TEXT, direction, filled_orders
		 FROM positions WHERE scope = $1`, scope)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	positions := []model.Position{}
	for rows.Next() {
		var p model.Position
		var side string
		var entryPrice, size, currentPrice, unrealized, direction *string
		var fills []byte
		if err := rows.Scan(&p.ID, &p.EventSlug, &p.TokenID, &side, &entryPrice, &size,
			&p.EntryTimestamp, &currentPrice, &unrealized, &direction, &fills); err != nil {
			return nil, err
		}
		p.Side = model.ParseSide(side)
		p.EntryPrice = parseNullDecimal(entryPrice)
		p.Size = parseNullDecimal(size)
		p.CurrentPrice = parseDecimalPtr(currentPrice)
		p.UnrealizedProfit = parseDecimalPtr(unrealized)
		p.Direction = parseDirection(direction)
		p.FilledOrders = model.DecodeFilledOrders(fills)
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) DeletePositions(ctx context.Context, scope string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM positions WHERE scope = $1`, scope)
	return err
}

// InsertPositions sends all rows as one batch; the batch runs as a single
// implicit transaction, so either every row lands or none does.
func (s *PostgresStore) InsertPositions(ctx context.Context, scope string, positions []model.Position) error {
	if len(positions) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, p := range positions {
		batch.Queue(
			`INSERT INTO positions (scope, id, event_slug, token_id, side, entry_price, size,
			                        entry_timestamp, current_price, unrealized_profit, direction, filled_orders)
			 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8, $9::NUMERIC, $10::NUMERIC, $11, $12::JSONB)`,
			scope, p.ID, p.EventSlug, p.TokenID, string(p.Side),
			nullDecimalArg(p.EntryPrice), nullDecimalArg(p.Size), p.EntryTimestamp,
			decimalPtrArg(p.CurrentPrice), decimalPtrArg(p.UnrealizedProfit),
			directionArg(p.Direction), model.EncodeFilledOrders(p.FilledOrders),
		)
	}
	return s.pool.SendBatch(ctx, batch).Close()
}

// pgxRows is the subset of pgx.Rows used by the scan helpers.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanTrades(rows pgxRows) ([]model.Trade, error) {
	trades := []model.Trade{}
	for rows.Next() {
		var t model.Trade
		var side, status, orderType string
		var size, price, profit, limitPrice, direction *string

		if err := rows.Scan(&t.ID, &t.EventSlug, &t.TokenID, &side, &size, &price, &t.Timestamp,
			&status, &t.Reason, &orderType, &t.TransactionHash, &profit, &limitPrice, &direction); err != nil {
			return nil, err
		}

		t.Side = model.ParseSide(side)
		t.Status = model.ParseTradeStatus(status)
		t.OrderType = model.ParseOrderType(orderType)
		t.Size = parseNullDecimal(size)
		t.Price = parseNullDecimal(price)
		t.Profit = parseDecimalPtr(profit)
		t.LimitPrice = parseDecimalPtr(limitPrice)
		t.Direction = parseDirection(direction)

		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// --- column helpers ---

func nullDecimalArg(d decimal.NullDecimal) any {
	if !d.Valid {
		return nil
	}
	return d.Decimal.String()
}

func decimalPtrArg(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func directionArg(d model.Direction) any {
	if d == "" {
		return nil
	}
	return string(d)
}

func parseNullDecimal(s *string) decimal.NullDecimal {
	if s == nil {
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: d, Valid: true}
}

func parseDecimalPtr(s *string) *decimal.Decimal {
	nd := parseNullDecimal(s)
	if !nd.Valid {
		return nil
	}
	return &nd.Decimal
}

func parseDirection(s *string) model.Direction {
	if s == nil {
		return ""
	}
	return model.ParseDirection(*s)
}
