// Package main provides the entry point for the trend/ATR equities
// trading engine.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/eddiefleurent/kistrend/internal/broker"
	"github.com/eddiefleurent/kistrend/internal/config"
	"github.com/eddiefleurent/kistrend/internal/dashboard"
	"github.com/eddiefleurent/kistrend/internal/models"
	"github.com/eddiefleurent/kistrend/internal/notifier"
	"github.com/eddiefleurent/kistrend/internal/orders"
	"github.com/eddiefleurent/kistrend/internal/reconcile"
	"github.com/eddiefleurent/kistrend/internal/retry"
	"github.com/eddiefleurent/kistrend/internal/risk"
	"github.com/eddiefleurent/kistrend/internal/store"
	"github.com/eddiefleurent/kistrend/internal/strategy"
	"github.com/eddiefleurent/kistrend/internal/universe"
	"github.com/sirupsen/logrus"
)

// Exit codes named by the runtime's external interface: 0 normal, 2
// configuration/mode mismatch, 3 lock held, 4 reconciliation critical,
// 5 kill-switch engaged.
const (
	exitOK                   = 0
	exitGeneralError         = 1
	exitConfigError          = 2
	exitLockHeld             = 3
	exitReconciliationFailed = 4
	exitKillSwitchEngaged    = 5
)

// generateCorrelationID creates a short identifier for tying one cycle's
// log lines and notifications together.
func generateCorrelationID(logger *log.Logger) string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		logger.Printf("crypto/rand.Read failed (%v), falling back to a time-based id", err)
		return fmt.Sprintf("%x", time.Now().UnixNano())[:8]
	}
	return hex.EncodeToString(buf)
}

// Bot wires every collaborator package into the single execution loop.
type Bot struct {
	config   *config.Config
	logger   *log.Logger
	mode     models.Mode
	stock    string
	orderQty int

	broker        broker.Broker
	feed          broker.QuoteFeed
	retryClient   *retry.Client
	store         *store.Store
	fileCache     *store.FileCache
	risk          *risk.Controller
	universe      *universe.Selector
	strategy      strategy.Strategy
	trendStrategy *strategy.TrendATRStrategy
	synchronizer  *orders.Synchronizer
	reconciler    *reconcile.Reconciler
	notifier      *notifier.Manager
	dashServer    *dashboard.Server

	stop chan struct{}

	lastSnapshotAt time.Time
	initialEquity  float64
	outageSeen     bool
	nearStopBand   bool

	priceMu     sync.Mutex
	livePrices  map[string]float64
}

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath   string
		runMode      string
		feedFlag     string
		intervalFlag int
		maxRuns      int
		stockFlag    string
		orderQtyFlag int
		confirmReal  bool
	)
	flag.StringVar(&configPath, "config", "config.yaml", "path to configuration file")
	flag.StringVar(&runMode, "mode", "trade", "trade|cbt")
	flag.StringVar(&feedFlag, "feed", "", "rest|ws (overrides config when set)")
	flag.IntVar(&intervalFlag, "interval", 0, "cycle interval seconds (overrides config when > 0)")
	flag.IntVar(&maxRuns, "max-runs", 0, "stop after N cycles (0 = unbounded, for cbt mode)")
	flag.StringVar(&stockFlag, "stock", "", "restrict the universe to a single stock code")
	flag.IntVar(&orderQtyFlag, "order-quantity", 0, "fixed order quantity override")
	flag.BoolVar(&confirmReal, "confirm-real-trading", false, "required to run in REAL mode")
	flag.Parse()

	logger := log.New(os.Stdout, "[BOT] ", log.LstdFlags|log.Lshortfile)

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Printf("loading configuration: %v", err)
		return exitConfigError
	}
	if intervalFlag > 0 {
		cfg.Schedule.IntervalSeconds = intervalFlag
	}
	if feedFlag != "" {
		cfg.Broker.Feed = feedFlag
	}

	if err := config.CheckEnvMode(".env", cfg.Environment.Mode); err != nil {
		logger.Printf("mode mismatch between config and .env: %v", err)
		return exitConfigError
	}

	mode := cfg.Mode()
	if mode == models.ModeReal && !confirmReal {
		logger.Println("REAL mode requires --confirm-real-trading")
		return exitConfigError
	}

	logger.Printf("starting in %s mode (run=%s, feed=%s)", mode, runMode, cfg.Broker.Feed)
	if mode == models.ModeReal {
		logger.Println("LIVE TRADING - real money at risk")
		if os.Getenv("BOT_SKIP_LIVE_WAIT") != "1" {
			logger.Println("waiting 10s to confirm... set BOT_SKIP_LIVE_WAIT=1 to skip")
			time.Sleep(10 * time.Second)
		}
	}

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		logger.Printf("creating data dir: %v", err)
		return exitGeneralError
	}

	if cfg.Risk.EnforceSingleInstance {
		lockPath := filepath.Join(cfg.Storage.DataDir, "instance.lock")
		lock, err := risk.AcquireLock(lockPath, time.Duration(cfg.Risk.LockStaleSeconds)*time.Second)
		if err != nil {
			logger.Printf("acquiring single-instance lock: %v", err)
			return exitLockHeld
		}
		defer lock.Release()
	}

	bot, err := newBot(cfg, mode, logger, stockFlag, orderQtyFlag)
	if err != nil {
		logger.Printf("initializing bot: %v", err)
		return exitGeneralError
	}
	defer bot.store.Close()

	if bot.risk.KillSwitchEngaged() {
		logger.Println("kill-switch is engaged; refusing to start")
		return exitKillSwitchEngaged
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Println("shutdown signal received")
		close(bot.stop)
		cancel()
	}()

	if bot.dashServer != nil {
		go func() {
			if err := bot.dashServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Printf("dashboard server error: %v", err)
			}
		}()
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = bot.dashServer.Shutdown(shutdownCtx)
		}()
	}

	if err := bot.Run(ctx, maxRuns); err != nil {
		if errors.Is(err, errReconciliationCritical) {
			logger.Printf("aborting on critical reconciliation mismatch: %v", err)
			return exitReconciliationFailed
		}
		logger.Printf("bot exited with error: %v", err)
		return exitGeneralError
	}

	logger.Println("bot stopped cleanly")
	return exitOK
}

func newBot(cfg *config.Config, mode models.Mode, logger *log.Logger, stockFlag string, orderQtyFlag int) (*Bot, error) {
	st, err := store.Open(filepath.Join(cfg.Storage.DataDir, cfg.Storage.DatabasePath))
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	fileCache, err := store.NewFileCache(filepath.Join(cfg.Storage.DataDir, "positions.json"))
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("opening position file cache: %w", err)
	}

	var brk broker.Broker
	if mode == models.ModeDryRun {
		brk = broker.NewFakeBroker()
	} else {
		kisLogger := log.New(logger.Writer(), "[KIS] ", log.LstdFlags)
		client := broker.NewKISClient(cfg.Broker.BaseURL, cfg.Broker.AppKey, cfg.Broker.AppSecret, cfg.Broker.AccountID, 2.0, kisLogger)
		brk = broker.NewCircuitBreakerBroker(client, "kis")
	}

	var feed broker.QuoteFeed
	if cfg.Broker.Feed == "ws" {
		wsURL := strings.Replace(strings.Replace(cfg.Broker.BaseURL, "https://", "wss://", 1), ":9443", ":21000", 1)
		feed = broker.NewWSFeed(wsURL, cfg.Broker.AppKey, log.New(logger.Writer(), "[WS] ", log.LstdFlags))
	}

	notifyMgr := notifier.New(nil)
	notifyMgr.AddChannel(notifier.NewLogChannel(nil))
	if cfg.Notifier.TelegramBotToken != "" {
		notifyMgr.AddChannel(notifier.NewTelegramChannel(cfg.Notifier.TelegramBotToken, cfg.Notifier.TelegramChatID))
	}
	if cfg.Notifier.WebhookURL != "" {
		notifyMgr.AddChannel(notifier.NewWebhookChannel(cfg.Notifier.WebhookURL))
	}

	riskController := risk.New(cfg.ToRiskConfig(), logger)

	universeCfg := cfg.ToUniverseConfig()
	if stockFlag != "" {
		universeCfg.Method = universe.MethodFixed
		universeCfg.FixedList = []string{stockFlag}
		universeCfg.MaxStocks = 1
	}
	universeSelector := universe.New(brk, st, fileCache, universeCfg, mode, logger)

	strat := strategy.New(strategy.DefaultConfig)

	retryClient := retry.NewClient(logger)

	synchronizer := orders.NewSynchronizer(st, brk, logger, orders.Config{
		OrderTimeout:        cfg.Schedule.OrderExecutionTimeout,
		StalePendingAge:     orders.DefaultConfig.StalePendingAge,
		StaleNonTerminalAge: orders.DefaultConfig.StaleNonTerminalAge,
		PendingExitBackoff:  orders.DefaultConfig.PendingExitBackoff,
	})

	reconciler := reconcile.New(brk, st, fileCache, notifyMgr, logger, mode)

	var dashServer *dashboard.Server
	if cfg.Dashboard.Enabled {
		dashLogger := logrus.New()
		dashLogger.SetOutput(os.Stdout)
		if mode == models.ModeReal {
			dashLogger.SetFormatter(&logrus.JSONFormatter{})
		} else {
			dashLogger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		}
		if lvl, err := logrus.ParseLevel(cfg.Environment.LogLevel); err == nil {
			dashLogger.SetLevel(lvl)
		}
		dashServer = dashboard.New(dashboard.Config{Port: cfg.Dashboard.Port, AuthToken: cfg.Dashboard.AuthToken}, st, riskController, mode, dashLogger)
	}

	orderQty := orderQtyFlag

	return &Bot{
		config:       cfg,
		logger:       logger,
		mode:         mode,
		stock:        stockFlag,
		orderQty:     orderQty,
		broker:       brk,
		feed:         feed,
		retryClient:  retryClient,
		store:        st,
		fileCache:    fileCache,
		risk:         riskController,
		universe:      universeSelector,
		strategy:      strat,
		trendStrategy: strat,
		synchronizer:  synchronizer,
		reconciler:   reconciler,
		notifier:     notifyMgr,
		dashServer:   dashServer,
		stop:         make(chan struct{}),
		livePrices:   make(map[string]float64),
	}, nil
}

// runQuoteFeed subscribes to the current universe plus any open holdings
// and keeps livePrices fresh for --feed ws, so a configured cycle reads
// pushed quotes instead of polling GetCurrentPrice per symbol.
func (b *Bot) runQuoteFeed(ctx context.Context) {
	tradeDate := time.Now().Format("2006-01-02")
	openPositions, err := b.store.GetOpenPositions(ctx)
	if err != nil {
		b.logger.Printf("quote feed: loading open positions: %v", err)
		return
	}
	symbols := make([]string, 0, len(openPositions))
	for _, p := range openPositions {
		symbols = append(symbols, p.Symbol)
	}
	universeSymbols, err := b.universe.Select(ctx, tradeDate, symbols)
	if err != nil {
		b.logger.Printf("quote feed: selecting universe: %v", err)
	}
	symbols = append(symbols, universeSymbols...)
	if len(symbols) == 0 {
		return
	}

	ticks, err := b.feed.Subscribe(ctx, symbols)
	if err != nil {
		b.logger.Printf("quote feed: subscribe failed: %v", err)
		return
	}
	for {
		select {
		case <-ctx.Done():
			_ = b.feed.Close()
			return
		case tick, ok := <-ticks:
			if !ok {
				return
			}
			b.priceMu.Lock()
			b.livePrices[tick.Symbol] = tick.Price
			b.priceMu.Unlock()
		}
	}
}

// livePrice returns a push-fed price for symbol, if the websocket feed
// has seen one yet.
func (b *Bot) livePrice(symbol string) (float64, bool) {
	b.priceMu.Lock()
	defer b.priceMu.Unlock()
	price, ok := b.livePrices[symbol]
	return price, ok
}

// errReconciliationCritical marks a startup reconciliation report
// containing an untracked holding or a critical mismatch; callers treat
// it as fatal per the reconciliation-critical exit code.
var errReconciliationCritical = errors.New("reconciliation: critical mismatch")

// Run executes startup reconciliation and then the dynamic-cadence
// trading loop until ctx is cancelled, the stop channel closes, or
// maxRuns cycles have completed (maxRuns <= 0 means unbounded).
func (b *Bot) Run(ctx context.Context, maxRuns int) error {
	b.logger.Println("running startup reconciliation")
	report, err := b.reconciler.Reconcile(ctx)
	if err != nil {
		b.logger.Printf("startup reconciliation failed, continuing with existing state: %v", err)
	} else if len(report.CriticalMismatch) > 0 || len(report.UntrackedHoldings) > 0 {
		b.notifier.Notify(ctx, "ERROR", "RECONCILIATION_CRITICAL", fmt.Sprintf("untracked=%v mismatched=%v", report.UntrackedHoldings, report.CriticalMismatch))
		return errReconciliationCritical
	}

	if b.feed != nil {
		go b.runQuoteFeed(ctx)
	}

	interval := b.config.CheckInterval()
	cycles := 0

	runOnce := func() {
		correlationID := generateCorrelationID(b.logger)
		if err := b.runCycle(ctx, correlationID); err != nil {
			b.logger.Printf("[%s] cycle error: %v", correlationID, err)
			b.notifier.Notify(ctx, "ERROR", "LOOP_EXCEPTION", fmt.Sprintf("cycle %s: %v", correlationID, err))
		}
		cycles++
	}

	runOnce()
	if maxRuns > 0 && cycles >= maxRuns {
		b.persistFinalSnapshot()
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.persistFinalSnapshot()
			return nil
		case <-b.stop:
			b.persistFinalSnapshot()
			return nil
		case <-ticker.C:
			runOnce()
			if maxRuns > 0 && cycles >= maxRuns {
				b.persistFinalSnapshot()
				return nil
			}
			ticker.Reset(b.nextInterval())
		}
	}
}

// persistFinalSnapshot captures a last AccountSnapshot on the way out of
// Run, bypassing the normal once-per-minute throttle. It runs against a
// fresh bounded context since the Run context may already be cancelled.
func (b *Bot) persistFinalSnapshot() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.maybePersistSnapshot(shutdownCtx, true); err != nil {
		b.logger.Printf("persisting final account snapshot: %v", err)
	}
}
