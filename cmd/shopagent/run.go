package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/seantiz/shopagent/internal/action"
	"github.com/seantiz/shopagent/internal/api"
	"github.com/seantiz/shopagent/internal/browser"
	"github.com/seantiz/shopagent/internal/config"
	"github.com/seantiz/shopagent/internal/engine"
	"github.com/seantiz/shopagent/internal/evidence"
	"github.com/seantiz/shopagent/internal/model"
	"github.com/seantiz/shopagent/internal/retry"
	"github.com/seantiz/shopagent/internal/telemetry"
)

func newRunCommand() *cobra.Command {
	var noAPI bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the worker loop, the HTTP API, the retry policy and the watchdog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, !noAPI, logger)
		},
	}
	cmd.Flags().BoolVar(&noAPI, "no-api", false, "run the worker without the HTTP API")
	return cmd
}

func run(ctx context.Context, cfg config.Config, serveAPI bool, logger *slog.Logger) error {
	if cfg.WorkerID == "" {
		cfg.WorkerID = model.NewWorkerID()
	}
	logger.Info("shopagent: starting",
		"version", version,
		"listen_addr", cfg.ListenAddr,
		"db_driver", cfg.DBDriver,
		"session_provider", cfg.SessionProvider,
	)

	var traceOut io.Writer
	if cfg.Trace {
		traceOut = os.Stderr
	}
	shutdownTracing, err := telemetry.Setup(traceOut, "shopagent", version)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	db, err := openStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	catalog, err := action.LoadCatalog(cfg.LocatorsFile)
	if err != nil {
		return err
	}
	shops, err := loadShops(cfg)
	if err != nil {
		return err
	}

	provider, cleanup, err := newProvider(ctx, cfg, shops, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	sessions := browser.NewManager(provider, logger)
	defer sessions.Close()

	dir, err := evidence.NewDir(cfg.EvidenceDir)
	if err != nil {
		return fmt.Errorf("evidence dir: %w", err)
	}
	logger.Info("evidence dir ready", "root", dir.Root())

	sites := make(map[string]string, len(shops))
	for id, s := range shops {
		if s.Site != "" {
			sites[id] = s.Site
		}
	}

	reg := action.NewRegistry(action.DefaultHandlers()...)
	if err := cfg.CheckStuckAfter(reg.LongestTimeout()); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	eng := engine.NewEngine(db, reg, sessions, dir, engine.Config{
		WorkerID:       cfg.WorkerID,
		PollInterval:   cfg.PollInterval,
		ActionTimeout:  cfg.ActionTimeout,
		SessionTimeout: cfg.SessionTimeout,
		Catalog:        catalog,
		Sites:          sites,
		DefaultSite:    cfg.Site,
	}, logger)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Go(func() { sessions.RunReaper(ctx, cfg.SessionIdleTimeout) })

	policy := retry.NewPolicy(db, cfg.RetryMaxAttempts, retry.DefaultBackoff(), logger)
	if policy.Enabled() {
		wg.Go(func() { policy.Run(ctx, cfg.RetryInterval) })
	} else {
		logger.Info("retry policy disabled")
	}
	if cfg.StuckAfter > 0 {
		watchdog := retry.NewWatchdog(db, cfg.StuckAfter, logger)
		wg.Go(func() { watchdog.Run(ctx, cfg.StuckAfter/2) })
	}

	errCh := make(chan error, 2)
	wg.Go(func() {
		errCh <- eng.Run(ctx)
		cancel()
	})
	if serveAPI {
		srv := api.NewServer(cfg.ListenAddr, db, reg, eng.Broker(), dir, logger)
		wg.Go(func() {
			errCh <- srv.Run(ctx)
			cancel()
		})
	}

	<-ctx.Done()
	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		if err != nil {
			errs = append(errs, err)
		}
	}
	logger.Info("shopagent: stopped", "worker_id", eng.WorkerID())
	return errors.Join(errs...)
}

// loadShops reads the shops file. It is required for remote sessions; the
// other providers only use it for overrides and it may be absent.
func loadShops(cfg config.Config) (map[string]browser.ShopConfig, error) {
	shops, err := browser.LoadShops(cfg.ShopsFile)
	if errors.Is(err, fs.ErrNotExist) && cfg.SessionProvider != config.ProviderRemote {
		return map[string]browser.ShopConfig{}, nil
	}
	return shops, err
}

func newProvider(ctx context.Context, cfg config.Config, shops map[string]browser.ShopConfig, logger *slog.Logger) (browser.Provider, func(), error) {
	switch cfg.SessionProvider {
	case config.ProviderRemote:
		return browser.NewRemoteProvider(shops, nil), func() {}, nil
	case config.ProviderZiniao:
		p := browser.NewZiniaoProvider(browser.ZiniaoConfig{
			ClientURL:       cfg.ZiniaoURL,
			Company:         cfg.ZiniaoCompany,
			Username:        cfg.ZiniaoUsername,
			Password:        cfg.ZiniaoPassword,
			ChromeDriverURL: cfg.ChromeDriverURL,
			Headless:        cfg.Headless,
		}, shops, nil, logger)
		return p, p.Shutdown, nil
	}

	dcfg := browser.DefaultDockerConfig()
	dcfg.Image = cfg.DockerImage
	dcfg.Owner = cfg.WorkerID
	p, err := browser.NewDockerProvider(dcfg, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("docker provider: %w", err)
	}
	if err := p.Prepare(ctx); err != nil {
		return nil, nil, fmt.Errorf("prepare docker provider: %w", err)
	}
	return p, p.Shutdown, nil
}
