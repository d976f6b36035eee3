// reconcile runs a single broker/file/store reconciliation pass and
// prints the resulting diff, without starting the trading loop.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/eddiefleurent/kistrend/internal/broker"
	"github.com/eddiefleurent/kistrend/internal/config"
	"github.com/eddiefleurent/kistrend/internal/models"
	"github.com/eddiefleurent/kistrend/internal/reconcile"
	"github.com/eddiefleurent/kistrend/internal/store"
)

// maskAccountID masks all but the last 4 characters of an account ID so
// it is safe to print in verbose/log output.
func maskAccountID(id string) string {
	if len(id) > 4 {
		return strings.Repeat("*", len(id)-4) + id[len(id)-4:]
	}
	return id
}

func main() {
	var (
		configPath = flag.String("config", "config.yaml", "path to configuration file")
		jsonOutput = flag.Bool("json", false, "print the report as JSON")
		verbose    = flag.Bool("v", false, "verbose output")
	)
	flag.Parse()

	logger := log.New(os.Stderr, "[RECONCILE] ", log.LstdFlags)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	mode := cfg.Mode()

	if *verbose {
		fmt.Printf("config: %s\n", *configPath)
		fmt.Printf("mode: %s\n", mode)
		fmt.Printf("account: %s\n\n", maskAccountID(cfg.Broker.AccountID))
	}

	var brk broker.Broker
	if mode == models.ModeDryRun {
		brk = broker.NewFakeBroker()
	} else {
		client := broker.NewKISClient(cfg.Broker.BaseURL, cfg.Broker.AppKey, cfg.Broker.AppSecret, cfg.Broker.AccountID, 2.0, logger)
		brk = broker.NewCircuitBreakerBroker(client, "kis")
	}

	st, err := store.Open(filepath.Join(cfg.Storage.DataDir, cfg.Storage.DatabasePath))
	if err != nil {
		log.Fatalf("opening store: %v", err)
	}
	defer st.Close()

	fileCache, err := store.NewFileCache(filepath.Join(cfg.Storage.DataDir, "positions.json"))
	if err != nil {
		log.Fatalf("opening position file cache: %v", err)
	}

	reconciler := reconcile.New(brk, st, fileCache, nil, logger, mode)

	report, err := reconciler.Reconcile(context.Background())
	if err != nil {
		log.Fatalf("reconciliation failed: %v", err)
	}

	if *jsonOutput {
		out, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			log.Fatalf("marshaling report: %v", err)
		}
		fmt.Println(string(out))
		if len(report.CriticalMismatch) > 0 || len(report.UntrackedHoldings) > 0 {
			os.Exit(1)
		}
		return
	}

	printReport(report)
}

func printReport(report *reconcile.Report) {
	fmt.Println("=== RECONCILIATION REPORT ===")
	printSymbolList("OK (broker and store agree)", report.OK)
	printSymbolList("Untracked broker holdings (no local record)", report.UntrackedHoldings)
	printSymbolList("Closed locally (absent at broker)", report.RecoveredMissing)
	printSymbolList("Adopted into the store", report.Adopted)
	printSymbolList("Critical mismatch", report.CriticalMismatch)

	if len(report.SoftErrors) > 0 {
		fmt.Printf("\nSoft errors (%d):\n", len(report.SoftErrors))
		for _, err := range report.SoftErrors {
			fmt.Printf("  - %v\n", err)
		}
	}

	fmt.Println()
	if len(report.CriticalMismatch) > 0 || len(report.UntrackedHoldings) > 0 {
		fmt.Println("ACTION REQUIRED: critical mismatches or untracked holdings found above.")
		os.Exit(1)
	}
	fmt.Println("No action required.")
}

func printSymbolList(title string, symbols []string) {
	fmt.Printf("\n%s (%d):\n", title, len(symbols))
	if len(symbols) == 0 {
		fmt.Println("  (none)")
		return
	}
	for _, s := range symbols {
		fmt.Printf("  - %s\n", s)
	}
}
