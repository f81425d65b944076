// testworker starts a shopagent worker and API over an in-memory ledger and
// a canned seller center page, for local and E2E testing without a browser.
// Usage: go run ./cmd/testworker
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/seantiz/shopagent/internal/action"
	"github.com/seantiz/shopagent/internal/api"
	"github.com/seantiz/shopagent/internal/browser"
	"github.com/seantiz/shopagent/internal/engine"
	"github.com/seantiz/shopagent/internal/evidence"
	"github.com/seantiz/shopagent/internal/store"
)

// cannedPage fills the default site's locators with plausible values.
func cannedPage(loc *action.Locators, delay time.Duration) browser.StubPage {
	page := browser.StubPage{Delay: delay}
	texts := map[string]string{
		"ads_center.total_spend":       "Rp1.250.000",
		"ads_center.total_impressions": "48.210",
		"ads_center.total_clicks":      "1.930",
		"ads_center.total_orders":      "87",
		"ads_center.roas":              "4,35",
		"product_list.product_name":    "Kaos Polos Cotton Combed 30s",
	}
	for key, text := range texts {
		if sel, ok := loc.Selector(key); ok {
			page.SetText(sel, text)
		}
	}
	idAttr := loc.Value("product_list.product_id")
	for _, p := range []struct{ id, name, sku, price, stock string }{
		{"1001", "Kaos Polos Cotton Combed 30s", "KP-30S-BLK", "Rp45.000", "120"},
		{"1002", "Kemeja Flanel Pria", "KF-M-RED", "Rp129.000", "34"},
		{"1003", "Celana Chino Slim Fit", "CC-SF-NVY", "Rp159.000", "0"},
	} {
		page.Rows = append(page.Rows, browser.Row{
			Fields: map[string]string{"name": p.name, "sku": p.sku, "price": p.price, "stock": p.stock},
			Attrs:  map[string]string{idAttr: p.id},
		})
	}
	return page
}

func main() {
	addr := ":8080"
	if v := os.Getenv("SHOPAGENT_LISTEN_ADDR"); v != "" {
		addr = v
	}
	delay := 500 * time.Millisecond
	if v := os.Getenv("SHOPAGENT_STUB_DELAY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			log.Fatalf("SHOPAGENT_STUB_DELAY: %v", err)
		}
		delay = d
	}

	db, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	evidenceRoot, err := os.MkdirTemp("", "shopagent-evidence-*")
	if err != nil {
		log.Fatalf("failed to create evidence dir: %v", err)
	}
	defer os.RemoveAll(evidenceRoot)
	dir, err := evidence.NewDir(evidenceRoot)
	if err != nil {
		log.Fatalf("failed to open evidence dir: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	catalog := action.NewCatalog()
	provider := browser.NewStubProvider(cannedPage(catalog.For(action.DefaultSite), delay))
	sessions := browser.NewManager(provider, logger)
	defer sessions.Close()

	reg := action.NewRegistry(action.DefaultHandlers()...)
	eng := engine.NewEngine(db, reg, sessions, dir, engine.Config{
		WorkerID:     "testworker",
		PollInterval: 100 * time.Millisecond,
		Catalog:      catalog,
	}, logger)
	srv := api.NewServer(addr, db, reg, eng.Broker(), dir, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Go(func() {
		if err := eng.Run(ctx); err != nil {
			logger.Error("engine stopped", "error", err)
		}
	})

	logger.Info("testworker: starting", "addr", addr, "evidence_dir", evidenceRoot)
	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
	}
	stop()
	wg.Wait()
}
