// Package universe selects and caches the set of symbols the execution
// loop trades each day: a fixed list, a volume-ranked pool, an ATR-band
// filter, or all three combined, with a same-day cache and a fallback
// chain when a selection attempt fails outright.
package universe

import (
	"context"
	"fmt"
	"log"
	"math"
	"os"
	"sort"

	"github.com/eddiefleurent/kistrend/internal/broker"
	"github.com/eddiefleurent/kistrend/internal/models"
	"github.com/eddiefleurent/kistrend/internal/store"
)

// Method is a selection strategy name, matching the configuration value
// verbatim so it round-trips through UniverseRecord.SelectionMethod.
type Method string

const (
	MethodFixed     Method = "fixed"
	MethodVolumeTop Method = "volume_top"
	MethodATRFilter Method = "atr_filter"
	MethodCombined  Method = "combined"
)

// Config carries the sizing and filter thresholds a selection run needs.
type Config struct {
	Method        Method
	FixedList     []string
	CandidatePool []string
	MaxStocks     int
	MinVolume     int64
	// MinMarketCap is accepted for configuration parity but never enforced:
	// the Broker surface has no market-cap endpoint, so this filter is a
	// no-op until a data source for it exists.
	MinMarketCap         float64
	MaxSessionChangePct  float64
	MinATRPct            float64
	MaxATRPct            float64
	ATRPeriod            int
	HaltOnFallbackInReal bool
}

// DefaultConfig is a conservative baseline; callers override from loaded
// configuration.
var DefaultConfig = Config{
	Method:              MethodFixed,
	MaxStocks:           5,
	MinVolume:           100_000,
	MaxSessionChangePct: 28.0,
	MinATRPct:           1.0,
	MaxATRPct:           8.0,
	ATRPeriod:           14,
}

// ErrSelectionHalted is returned when REAL mode with HaltOnFallbackInReal
// would otherwise silently trade a fallback universe.
var ErrSelectionHalted = fmt.Errorf("universe: selection fell back and halting is required in REAL mode")

// cacheDocument mirrors the day's selection to data/universe_cache.json,
// the on-disk companion to the UniverseRecord table an intraday restart
// can read before the database round-trip completes.
type cacheDocument struct {
	TradeDate       string   `json:"trade_date"`
	SelectionMethod string   `json:"selection_method"`
	Stocks          []string `json:"stocks"`
}

// Selector runs the configured selection method and caches the result.
type Selector struct {
	broker    broker.Broker
	store     *store.Store
	fileCache *store.FileCache
	config    Config
	mode      models.Mode
	logger    *log.Logger
}

// New builds a Selector. fileCache may be nil to skip the on-disk mirror
// (tests commonly do). A nil logger defaults to stderr.
func New(brk broker.Broker, st *store.Store, fileCache *store.FileCache, config Config, mode models.Mode, logger *log.Logger) *Selector {
	if logger == nil {
		logger = log.New(os.Stderr, "universe: ", log.LstdFlags)
	}
	return &Selector{broker: brk, store: st, fileCache: fileCache, config: config, mode: mode, logger: logger}
}

// Select returns today's universe, reusing the cached record verbatim if
// one already exists for tradeDate under the same method, otherwise
// running the configured method and persisting the result. A selection
// failure falls back to the cache, then the fixed list, then an empty set;
// REAL mode with HaltOnFallbackInReal turns a fallback into an error.
func (s *Selector) Select(ctx context.Context, tradeDate string, holdingsSymbols []string) ([]string, error) {
	cached, err := s.store.GetUniverseRecord(ctx, tradeDate)
	if err != nil {
		s.logger.Printf("universe: reading cached record failed: %v", err)
	}
	if cached != nil && cached.SelectionMethod == string(s.config.Method) {
		return cached.SelectedSymbols, nil
	}

	symbols, selErr := s.runMethod(ctx, s.config.Method)
	if selErr == nil && len(symbols) > 0 {
		rec := &models.UniverseRecord{
			TradeDate:       tradeDate,
			SelectionMethod: string(s.config.Method),
			SelectedSymbols: symbols,
			HoldingsSymbols: holdingsSymbols,
			CacheKey:        tradeDate + ":" + string(s.config.Method),
		}
		if err := s.store.UpsertUniverseRecord(ctx, rec); err != nil {
			s.logger.Printf("universe: caching selection failed: %v", err)
		}
		if s.fileCache != nil {
			doc := cacheDocument{TradeDate: tradeDate, SelectionMethod: string(s.config.Method), Stocks: symbols}
			if err := s.fileCache.Save(doc); err != nil {
				s.logger.Printf("universe: writing file cache failed: %v", err)
			}
		}
		return symbols, nil
	}

	if selErr == nil {
		selErr = fmt.Errorf("no candidates survived filtering")
	}
	s.logger.Printf("universe: selection method %s failed, falling back: %v", s.config.Method, selErr)
	if cached != nil && len(cached.SelectedSymbols) > 0 {
		return s.haltOrReturn(cached.SelectedSymbols)
	}
	if len(s.config.FixedList) > 0 {
		fixed := truncate(dedupeNumeric(s.config.FixedList), s.config.MaxStocks)
		return s.haltOrReturn(fixed)
	}
	return s.haltOrReturn(nil)
}

func (s *Selector) haltOrReturn(symbols []string) ([]string, error) {
	if s.mode == models.ModeReal && s.config.HaltOnFallbackInReal {
		return nil, ErrSelectionHalted
	}
	return symbols, nil
}

func (s *Selector) runMethod(ctx context.Context, method Method) ([]string, error) {
	switch method {
	case MethodFixed:
		return s.selectFixed()
	case MethodVolumeTop:
		return s.selectVolumeTop(ctx, s.config.MaxStocks)
	case MethodATRFilter:
		return s.selectATRFilter(ctx, s.config.CandidatePool)
	case MethodCombined:
		return s.selectCombined(ctx)
	default:
		return nil, fmt.Errorf("universe: unknown selection method %q", method)
	}
}

func (s *Selector) selectFixed() ([]string, error) {
	available := dedupeNumeric(s.config.FixedList)
	if len(available) == 0 {
		return nil, fmt.Errorf("universe: fixed list has no valid 6-digit symbols")
	}
	return truncate(available, s.config.MaxStocks), nil
}

// candidate is one symbol's ranking/filter inputs, derived from the
// broker's quote and OHLCV surface rather than a separate market-data
// dependency.
type candidate struct {
	symbol           string
	tradedValue      float64
	sessionChangePct float64
	atrPct           float64
	bars             []broker.OHLCVBar
}

func (s *Selector) loadCandidates(ctx context.Context) ([]candidate, error) {
	pool := dedupeNumeric(s.config.CandidatePool)
	if len(pool) == 0 {
		pool = dedupeNumeric(s.config.FixedList)
	}
	candidates := make([]candidate, 0, len(pool))
	for _, symbol := range pool {
		bars, err := s.broker.GetDailyOHLCV(ctx, symbol, s.config.ATRPeriod+1)
		if err != nil {
			s.logger.Printf("universe: fetching bars for %s failed, skipping: %v", symbol, err)
			continue
		}
		if len(bars) == 0 {
			continue
		}
		latest := bars[0]
		var prevClose float64
		if len(bars) > 1 {
			prevClose = bars[1].Close
		} else {
			prevClose = latest.Open
		}
		var sessionChangePct float64
		if prevClose > 0 {
			sessionChangePct = (latest.Close - prevClose) / prevClose * 100
		}
		candidates = append(candidates, candidate{
			symbol:           symbol,
			tradedValue:      latest.Close * float64(latest.Volume),
			sessionChangePct: sessionChangePct,
			atrPct:           atrPercent(bars, s.config.ATRPeriod),
			bars:             bars,
		})
	}
	return candidates, nil
}

func (s *Selector) selectVolumeTop(ctx context.Context, limit int) ([]string, error) {
	candidates, err := s.loadCandidates(ctx)
	if err != nil {
		return nil, err
	}
	candidates = filterVolumeTop(candidates, s.config.MinVolume, s.config.MaxSessionChangePct)

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].tradedValue > candidates[j].tradedValue
	})
	if limit > len(candidates) {
		limit = len(candidates)
	}
	symbols := make([]string, 0, limit)
	for _, c := range candidates[:limit] {
		symbols = append(symbols, c.symbol)
	}
	return symbols, nil
}

func filterVolumeTop(candidates []candidate, minVolume int64, maxSessionChangePct float64) []candidate {
	out := candidates[:0]
	for _, c := range candidates {
		if len(c.bars) == 0 {
			continue
		}
		if c.bars[0].Volume < minVolume {
			continue
		}
		if math.Abs(c.sessionChangePct) >= maxSessionChangePct {
			continue
		}
		out = append(out, c)
	}
	return out
}

func (s *Selector) selectATRFilter(ctx context.Context, pool []string) ([]string, error) {
	saved := s.config.CandidatePool
	if pool != nil {
		s.config.CandidatePool = pool
	}
	candidates, err := s.loadCandidates(ctx)
	s.config.CandidatePool = saved
	if err != nil {
		return nil, err
	}

	symbols := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if len(c.bars) < 20 || c.bars[0].Close <= 0 {
			continue
		}
		if c.atrPct >= s.config.MinATRPct && c.atrPct <= s.config.MaxATRPct {
			symbols = append(symbols, c.symbol)
		}
	}
	return symbols, nil
}

func (s *Selector) selectCombined(ctx context.Context) ([]string, error) {
	top, err := s.selectVolumeTop(ctx, 3*s.config.MaxStocks)
	if err != nil {
		return nil, err
	}
	filtered, err := s.selectATRFilter(ctx, top)
	if err != nil {
		return nil, err
	}
	return truncate(filtered, s.config.MaxStocks), nil
}

// atrPercent computes ATR over period bars (Wilder's true-range average,
// most recent bars first) expressed as a percentage of the latest close.
func atrPercent(bars []broker.OHLCVBar, period int) float64 {
	if len(bars) < 2 || bars[0].Close <= 0 {
		return 0
	}
	n := period
	if n > len(bars)-1 {
		n = len(bars) - 1
	}
	if n <= 0 {
		return 0
	}
	var total float64
	for i := 0; i < n; i++ {
		curr := bars[i]
		prev := bars[i+1]
		tr := math.Max(curr.High-curr.Low, math.Max(math.Abs(curr.High-prev.Close), math.Abs(curr.Low-prev.Close)))
		total += tr
	}
	atr := total / float64(n)
	return atr / bars[0].Close * 100
}

// dedupeNumeric keeps only well-formed 6-digit numeric symbols, in
// first-seen order with duplicates removed.
func dedupeNumeric(symbols []string) []string {
	seen := make(map[string]bool, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if !isSixDigitNumeric(s) || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func isSixDigitNumeric(s string) bool {
	if len(s) != 6 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func truncate(symbols []string, max int) []string {
	if max <= 0 || max >= len(symbols) {
		return symbols
	}
	return symbols[:max]
}

