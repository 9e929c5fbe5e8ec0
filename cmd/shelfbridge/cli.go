package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/rohit-purandare/shelfbridge/internal/api/audiobookshelf"
	"github.com/rohit-purandare/shelfbridge/internal/api/hardcover"
	"github.com/rohit-purandare/shelfbridge/internal/cache"
	"github.com/rohit-purandare/shelfbridge/internal/config"
	"github.com/rohit-purandare/shelfbridge/internal/logger"
	"github.com/rohit-purandare/shelfbridge/internal/server"
	syncengine "github.com/rohit-purandare/shelfbridge/internal/sync"
)

func newApp() *cli.App {
	return &cli.App{
		Name:    "shelfbridge",
		Usage:   "sync reading progress from your library server to your book tracker",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to YAML config file",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "log level (trace, debug, info, warn, error)",
			},
			&cli.BoolFlag{
				Name:  "dry-run",
				Usage: "log decisions without mutating remote state",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "sync",
				Usage: "run a single sync and exit",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "filter", Usage: "only process books whose title or author contains this string"},
					&cli.IntFlag{Name: "limit", Usage: "limit the number of books processed"},
				},
				Action: runSync,
			},
			{
				Name:   "serve",
				Usage:  "run as a service with periodic syncs and HTTP endpoints",
				Action: runServe,
			},
			{
				Name:   "validate",
				Usage:  "validate configuration and test both service connections",
				Action: runValidate,
			},
			{
				Name:  "cache",
				Usage: "inspect or clear the book cache",
				Subcommands: []*cli.Command{
					{Name: "stats", Usage: "show cache counters", Action: runCacheStats},
					{Name: "clear", Usage: "remove all cached rows for the configured user", Action: runCacheClear},
				},
			},
		},
	}
}

// setup loads config, initializes logging, and opens the cache.
func setup(c *cli.Context) (*config.Config, *cache.Store, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, nil, err
	}
	if level := c.String("log-level"); level != "" {
		cfg.Logging.Level = level
	}
	if c.Bool("dry-run") {
		cfg.Sync.DryRun = true
	}

	logger.ForceSetup(logger.Config{
		Level:  cfg.Logging.Level,
		Format: logger.ParseLogFormat(cfg.Logging.Format),
	})

	store, err := cache.Open(cfg.Sync.CachePath, logger.Get())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open book cache: %w", err)
	}
	return cfg, store, nil
}

func buildService(cfg *config.Config, store *cache.Store) (*syncengine.Service, error) {
	log := logger.Get()
	source := audiobookshelf.NewClient(cfg.Audiobookshelf.URL, cfg.Audiobookshelf.Token, log)
	remote := hardcover.NewClient(cfg.Hardcover.URL, cfg.Hardcover.Token, log)
	return syncengine.NewService(source, remote, store, cfg)
}

func runSync(c *cli.Context) error {
	cfg, store, err := setup(c)
	if err != nil {
		return err
	}
	defer store.Close()

	if filter := c.String("filter"); filter != "" {
		cfg.Sync.TestBookFilter = filter
	}
	if limit := c.Int("limit"); limit > 0 {
		cfg.Sync.TestBookLimit = limit
	}

	svc, err := buildService(cfg, store)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	summary, err := svc.Sync(ctx)
	if err != nil {
		return err
	}
	printSummary(summary)
	return nil
}

func runServe(c *cli.Context) error {
	cfg, store, err := setup(c)
	if err != nil {
		return err
	}
	defer store.Close()

	svc, err := buildService(cfg, store)
	if err != nil {
		return err
	}

	log := logger.Get()
	srv := server.New(":"+cfg.Server.Port, svc, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	if cfg.Sync.SyncInterval > 0 {
		go func() {
			ticker := time.NewTicker(cfg.Sync.SyncInterval.Std())
			defer ticker.Stop()

			// run once at startup, then on every tick
			for {
				if summary, err := svc.Sync(ctx); err != nil {
					log.Error().Err(err).Msg("Periodic sync failed")
				} else {
					printSummary(summary)
				}
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}
			}
		}()
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
	defer cancel()
	log.Info().Msg("Shutting down")
	return srv.Shutdown(shutdownCtx)
}

func runValidate(c *cli.Context) error {
	cfg, store, err := setup(c)
	if err != nil {
		return err
	}
	defer store.Close()

	log := logger.Get()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	source := audiobookshelf.NewClient(cfg.Audiobookshelf.URL, cfg.Audiobookshelf.Token, log)
	if ok, err := source.TestConnection(ctx); err != nil || !ok {
		return fmt.Errorf("source library connection failed: %w", err)
	}
	fmt.Println("source library: ok")

	remote := hardcover.NewClient(cfg.Hardcover.URL, cfg.Hardcover.Token, log)
	if ok, err := remote.TestConnection(ctx); err != nil || !ok {
		return fmt.Errorf("remote service connection failed: %w", err)
	}
	fmt.Println("remote service: ok")
	return nil
}

func runCacheStats(c *cli.Context) error {
	cfg, store, err := setup(c)
	if err != nil {
		return err
	}
	defer store.Close()

	stats, err := store.LibraryStats(cfg.Sync.UserID)
	if err != nil {
		return err
	}
	fmt.Printf("books:            %d\n", stats.TotalBooks)
	fmt.Printf("in progress:      %d\n", stats.InProgress)
	fmt.Printf("completed:        %d\n", stats.Completed)
	fmt.Printf("pending sessions: %d\n", stats.PendingSessions)
	return nil
}

func runCacheClear(c *cli.Context) error {
	cfg, store, err := setup(c)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Clear(cfg.Sync.UserID); err != nil {
		return err
	}
	fmt.Println("cache cleared for user", cfg.Sync.UserID)
	return nil
}

func printSummary(summary *syncengine.Summary) {
	fmt.Println("sync complete")
	fmt.Printf("  processed:  %d\n", summary.BooksProcessed)
	fmt.Printf("  synced:     %d\n", summary.BooksSynced)
	fmt.Printf("  completed:  %d\n", summary.BooksCompleted)
	fmt.Printf("  auto-added: %d\n", summary.BooksAutoAdded)
	fmt.Printf("  skipped:    %d\n", summary.BooksSkipped)
	fmt.Printf("  errors:     %d\n", summary.BooksWithError)
	fmt.Printf("  duration:   %s\n", summary.Duration.Round(10*time.Millisecond))
	if len(summary.Errors) > 0 {
		fmt.Println("errors:")
		for _, e := range summary.Errors {
			fmt.Println("  -", e)
		}
	}
	_ = os.Stdout.Sync()
}
