// Package store provides the durable persistence layer: a sqlite-backed
// database for positions, orders, trades and account history, plus the
// file-cache layer the execution loop reads on startup before the
// database round-trip completes.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/eddiefleurent/kistrend/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// upsert inserts v, or replaces every column on conflict with its primary
// key. Plain Save() only performs an UPDATE for a struct whose primary key
// is already set, which silently does nothing for a row that doesn't
// exist yet — every primary key in this schema is caller-assigned
// (position_id, idempotency_key, trade_date, ...), so Save() can never be
// used for a first write.
func upsert(db *gorm.DB, v interface{}) error {
	return db.Clauses(clause.OnConflict{UpdateAll: true}).Create(v).Error
}

// Store is the durable persistence contract for the engine. Every write
// that must be consistent with an order submission goes through
// RunInTransaction so a crash mid-decision never leaves order_state,
// trades and positions disagreeing about a fill.
type Store struct {
	db *gorm.DB
}

// Open connects to the sqlite database at path and runs AutoMigrate
// across every table the data model names. A bounded pool keeps sqlite,
// which serializes writers internally, from queuing more concurrent
// connections than it can use.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("store: underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(5)

	if err := db.AutoMigrate(
		&models.Position{},
		&models.OrderState{},
		&models.Trade{},
		&models.AccountSnapshot{},
		&models.SymbolCache{},
		&models.DailySummary{},
		&models.UniverseRecord{},
	); err != nil {
		return nil, fmt.Errorf("store: automigrate: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// RunInTransaction wraps fn in a single database transaction so the
// order_state transition, the resulting trade insert and the position
// upsert a decision cycle produces are committed atomically.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}

// UpsertPosition inserts or replaces a position row keyed by position_id.
func (s *Store) UpsertPosition(ctx context.Context, pos *models.Position) error {
	return upsert(s.db.WithContext(ctx), pos)
}

// GetOpenPositions returns every position currently in StateEntered,
// across all modes, for the reconciler's broker-side comparison.
func (s *Store) GetOpenPositions(ctx context.Context) ([]models.Position, error) {
	var positions []models.Position
	err := s.db.WithContext(ctx).Where("state = ?", models.StateEntered).Find(&positions).Error
	return positions, err
}

// GetOpenPositionBySymbol looks up the live (ENTERED) position for a
// symbol in a given mode, returning nil if the symbol is flat.
func (s *Store) GetOpenPositionBySymbol(ctx context.Context, symbol string, mode models.Mode) (*models.Position, error) {
	var pos models.Position
	err := s.db.WithContext(ctx).
		Where("symbol = ? AND mode = ? AND state = ?", symbol, mode, models.StateEntered).
		First(&pos).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &pos, nil
}

// GetPositionByID looks up a position row by its primary key, regardless
// of state, for the order synchronizer's post-fill update.
func (s *Store) GetPositionByID(ctx context.Context, id string) (*models.Position, error) {
	var pos models.Position
	err := s.db.WithContext(ctx).Where("position_id = ?", id).First(&pos).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &pos, nil
}

// GetPendingPositions returns positions still awaiting their buy fill,
// the set the order synchronizer's stale-PENDING sweep walks.
func (s *Store) GetPendingPositions(ctx context.Context) ([]models.Position, error) {
	var positions []models.Position
	err := s.db.WithContext(ctx).Where("state = ?", models.StatePending).Find(&positions).Error
	return positions, err
}

// UpsertOrderState inserts or replaces an order row keyed by idempotency_key.
func (s *Store) UpsertOrderState(ctx context.Context, order *models.OrderState) error {
	return upsert(s.db.WithContext(ctx), order)
}

// GetOrderState looks up an order by its idempotency key, the lookup the
// synchronizer performs before ever calling the broker.
func (s *Store) GetOrderState(ctx context.Context, idempotencyKey string) (*models.OrderState, error) {
	var order models.OrderState
	err := s.db.WithContext(ctx).Where("idempotency_key = ?", idempotencyKey).First(&order).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetNonTerminalOrders returns every order still in flight, the recovery
// set walked on startup and by the stale-order sweep.
func (s *Store) GetNonTerminalOrders(ctx context.Context) ([]models.OrderState, error) {
	var orders []models.OrderState
	err := s.db.WithContext(ctx).
		Where("status NOT IN ?", []models.OrderStatus{models.OrderFilled, models.OrderCancelled, models.OrderFailed}).
		Find(&orders).Error
	return orders, err
}

// InsertTrade records a terminal fill. The idempotency_key unique index
// makes a repeated insert for the same fill a no-op rather than a
// duplicate trade row.
func (s *Store) InsertTrade(ctx context.Context, trade *models.Trade) error {
	return s.db.WithContext(ctx).
		Where("idempotency_key = ?", trade.IdempotencyKey).
		FirstOrCreate(trade).Error
}

// InsertAccountSnapshot records a point-in-time account capture.
func (s *Store) InsertAccountSnapshot(ctx context.Context, snap *models.AccountSnapshot) error {
	return s.db.WithContext(ctx).Create(snap).Error
}

// GetLatestAccountSnapshot returns the most recently persisted snapshot
// for a mode, or nil if none exists yet.
func (s *Store) GetLatestAccountSnapshot(ctx context.Context, mode models.Mode) (*models.AccountSnapshot, error) {
	var snap models.AccountSnapshot
	err := s.db.WithContext(ctx).
		Where("mode = ?", mode).
		Order("snapshot_time DESC").
		First(&snap).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// GetEarliestAccountSnapshot returns the first snapshot ever persisted for
// a mode, the baseline the risk controller's drawdown gate measures
// against, or nil if no snapshot has been persisted yet.
func (s *Store) GetEarliestAccountSnapshot(ctx context.Context, mode models.Mode) (*models.AccountSnapshot, error) {
	var snap models.AccountSnapshot
	err := s.db.WithContext(ctx).
		Where("mode = ?", mode).
		Order("snapshot_time ASC").
		First(&snap).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// GetLastClosedTrade returns the most recently executed SELL trade for a
// mode, the source of the risk controller's per-trade loss cap, or nil if
// no trade has closed yet.
func (s *Store) GetLastClosedTrade(ctx context.Context, mode models.Mode) (*models.Trade, error) {
	var trade models.Trade
	err := s.db.WithContext(ctx).
		Where("mode = ? AND side = ?", mode, models.SideSell).
		Order("executed_at DESC").
		First(&trade).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &trade, nil
}

// GetUniverseRecord returns the universe decision already made for a
// trade date, or nil if the day hasn't been decided yet.
func (s *Store) GetUniverseRecord(ctx context.Context, tradeDate string) (*models.UniverseRecord, error) {
	var rec models.UniverseRecord
	err := s.db.WithContext(ctx).Where("trade_date = ?", tradeDate).First(&rec).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.Decode()
	return &rec, nil
}

// UpsertUniverseRecord persists today's universe decision, serializing
// the symbol slices into their raw columns first.
func (s *Store) UpsertUniverseRecord(ctx context.Context, rec *models.UniverseRecord) error {
	rec.Encode()
	return upsert(s.db.WithContext(ctx), rec)
}

// GetSymbolCache looks up a cached stock name, returning nil on a miss.
func (s *Store) GetSymbolCache(ctx context.Context, stockCode string) (*models.SymbolCache, error) {
	var cache models.SymbolCache
	err := s.db.WithContext(ctx).Where("stock_code = ?", stockCode).First(&cache).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cache, nil
}

// UpsertSymbolCache records a freshly-resolved stock name.
func (s *Store) UpsertSymbolCache(ctx context.Context, cache *models.SymbolCache) error {
	cache.UpdatedAt = time.Now().UTC()
	return upsert(s.db.WithContext(ctx), cache)
}

// GetDailySummary returns today's running P&L/trade-count figures for a
// mode, or a freshly-zeroed summary if nothing has traded yet today.
func (s *Store) GetDailySummary(ctx context.Context, tradeDate string, mode models.Mode) (*models.DailySummary, error) {
	var summary models.DailySummary
	err := s.db.WithContext(ctx).
		Where("trade_date = ? AND mode = ?", tradeDate, mode).
		First(&summary).Error
	if err == gorm.ErrRecordNotFound {
		return &models.DailySummary{TradeDate: tradeDate, Mode: mode}, nil
	}
	if err != nil {
		return nil, err
	}
	return &summary, nil
}

// UpsertDailySummary persists the day's updated running figures.
func (s *Store) UpsertDailySummary(ctx context.Context, summary *models.DailySummary) error {
	return upsert(s.db.WithContext(ctx), summary)
}
