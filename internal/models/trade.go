package models

import (
	"strings"
	"time"
)

// Trade is the durable fill record for a terminal order, linking back to
// the Position it affected and the OrderState it closes out.
type Trade struct {
	ID             uint       `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	IdempotencyKey string     `gorm:"column:idempotency_key;uniqueIndex" json:"idempotency_key"`
	Symbol         string     `gorm:"column:symbol" json:"symbol"`
	Side           Side       `gorm:"column:side" json:"side"`
	ExecutedPrice  float64    `gorm:"column:executed_price" json:"executed_price"`
	Qty            int        `gorm:"column:qty" json:"qty"`
	ExecutedAt     time.Time  `gorm:"column:executed_at" json:"executed_at"`
	Reason         ExitReason `gorm:"column:reason" json:"reason,omitempty"`
	PnL            float64    `gorm:"column:pnl" json:"pnl,omitempty"`
	PnLPct         float64    `gorm:"column:pnl_pct" json:"pnl_pct,omitempty"`
	EntryReference float64    `gorm:"column:entry_reference" json:"entry_reference,omitempty"`
	HoldingDays    int        `gorm:"column:holding_days" json:"holding_days,omitempty"`
	BrokerOrderNo  string     `gorm:"column:broker_order_no" json:"broker_order_no"`
	Mode           Mode       `gorm:"column:mode" json:"mode"`
	PositionID     string     `gorm:"column:position_id" json:"position_id,omitempty"`
}

func (Trade) TableName() string { return "trades" }

// AccountSnapshot is a point-in-time capture of the broker account,
// persisted at most once per minute by the execution loop.
type AccountSnapshot struct {
	SnapshotTime  time.Time `gorm:"column:snapshot_time;primaryKey" json:"snapshot_time"`
	Mode          Mode      `gorm:"column:mode;primaryKey" json:"mode"`
	TotalEquity   float64   `gorm:"column:total_equity" json:"total_equity"`
	Cash          float64   `gorm:"column:cash" json:"cash"`
	UnrealizedPnL float64   `gorm:"column:unrealized_pnl" json:"unrealized_pnl"`
	RealizedPnL   float64   `gorm:"column:realized_pnl" json:"realized_pnl"`
	PositionCount int       `gorm:"column:position_count" json:"position_count"`
}

func (AccountSnapshot) TableName() string { return "account_snapshots" }

// UniverseRecord is the single daily symbol-selection decision, reused
// verbatim for intraday restarts.
type UniverseRecord struct {
	TradeDate        string   `gorm:"column:trade_date;primaryKey" json:"trade_date"`
	SelectionMethod  string   `gorm:"column:selection_method" json:"selection_method"`
	SelectedSymbols  []string `gorm:"-" json:"selected_symbols"`
	SelectedSymbolsRaw string `gorm:"column:selected_symbols" json:"-"`
	HoldingsSymbols  []string `gorm:"-" json:"holdings_symbols"`
	HoldingsSymbolsRaw string `gorm:"column:holdings_symbols" json:"-"`
	CacheKey         string   `gorm:"column:cache_key" json:"cache_key"`
}

func (UniverseRecord) TableName() string { return "universe_record" }

// symbolListSep joins/splits the Go-side string slices against their raw
// comma-separated gorm columns; symbol codes never contain a comma.
const symbolListSep = ","

// Encode flattens SelectedSymbols/HoldingsSymbols into their raw columns
// before a write. Callers must call this before Save.
func (u *UniverseRecord) Encode() {
	u.SelectedSymbolsRaw = strings.Join(u.SelectedSymbols, symbolListSep)
	u.HoldingsSymbolsRaw = strings.Join(u.HoldingsSymbols, symbolListSep)
}

// Decode inflates the raw columns back into SelectedSymbols/HoldingsSymbols
// after a read. Callers must call this after loading a row.
func (u *UniverseRecord) Decode() {
	u.SelectedSymbols = splitNonEmpty(u.SelectedSymbolsRaw)
	u.HoldingsSymbols = splitNonEmpty(u.HoldingsSymbolsRaw)
}

func splitNonEmpty(raw string) []string {
	if raw == "" {
		return nil
	}
	return strings.Split(raw, symbolListSep)
}

// SymbolCache holds a resolved stock name for a code, refreshed on a
// best-effort basis every 30 days without ever blocking trading.
type SymbolCache struct {
	StockCode string    `gorm:"column:stock_code;primaryKey" json:"stock_code"`
	StockName string    `gorm:"column:stock_name" json:"stock_name"`
	UpdatedAt time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (SymbolCache) TableName() string { return "symbol_cache" }

// SymbolCacheTTL is the refresh window named by the data model.
const SymbolCacheTTL = 30 * 24 * time.Hour

// IsStale reports whether the cached name is due for a best-effort refresh.
func (s SymbolCache) IsStale(now time.Time) bool {
	return now.Sub(s.UpdatedAt) > SymbolCacheTTL
}

// DailySummary accumulates the realized-pnl-today and trade-count figures
// the risk controller reads every cycle (see SPEC_FULL.md §4).
type DailySummary struct {
	TradeDate       string  `gorm:"column:trade_date;primaryKey" json:"trade_date"`
	Mode            Mode    `gorm:"column:mode;primaryKey" json:"mode"`
	RealizedPnLToday float64 `gorm:"column:realized_pnl_today" json:"realized_pnl_today"`
	ClosedTradeCount int     `gorm:"column:closed_trade_count" json:"closed_trade_count"`
	WinCount         int     `gorm:"column:win_count" json:"win_count"`
	LossCount        int     `gorm:"column:loss_count" json:"loss_count"`
	ConsecutiveLosses int    `gorm:"column:consecutive_losses" json:"consecutive_losses"`
}

func (DailySummary) TableName() string { return "daily_summary" }
