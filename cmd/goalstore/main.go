// Command goalstore is the operator CLI for a local goalstore database:
// it runs the sync daemon and exposes maintenance commands for the
// derived state and the sync cursor.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	_ "gocloud.dev/secrets/localsecrets"

	"github.com/plaenen/goalstore/pkg/codec"
	"github.com/plaenen/goalstore/pkg/crypto"
	"github.com/plaenen/goalstore/pkg/observability"
	"github.com/plaenen/goalstore/pkg/projection"
	"github.com/plaenen/goalstore/pkg/runner"
	"github.com/plaenen/goalstore/pkg/security/keyring"
	"github.com/plaenen/goalstore/pkg/store"
	goalsqlite "github.com/plaenen/goalstore/pkg/store/sqlite"
	goalsync "github.com/plaenen/goalstore/pkg/sync"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

const usage = `Usage: goalstore [-config FILE] COMMAND

Commands:
  run      start the projection processor and sync engine
  status   print log head, projection cursor and sync state
  rebuild  clear derived state and replay the full event log
  reseed   zero the sync cursor record (store must be quiescent)
  prune    delete folded log rows below the cursor safety window
`

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "goalstore: %v\n", err)
		os.Exit(1)
	}
	logger := buildLogger(cfg.Log)
	slog.SetDefault(logger)

	ctx := context.Background()
	switch flag.Arg(0) {
	case "run":
		err = runDaemon(ctx, cfg, logger)
	case "status":
		err = printStatus(ctx, cfg)
	case "rebuild":
		err = rebuild(ctx, cfg, logger)
	case "reseed":
		err = reseed(ctx, cfg)
	case "prune":
		err = prune(ctx, cfg, logger)
	default:
		flag.Usage()
		os.Exit(2)
	}

	if err != nil {
		logger.Error("command failed", "command", flag.Arg(0), "error", err)
		os.Exit(1)
	}
}

func buildLogger(cfg LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func openEventLog(cfg *Config, extra ...goalsqlite.EventLogOption) (*goalsqlite.EventLog, error) {
	opts := []goalsqlite.EventLogOption{
		goalsqlite.WithDSN(cfg.Database.DSN),
		goalsqlite.WithWALMode(cfg.Database.WALMode),
		goalsqlite.WithAutoMigrate(cfg.Database.AutoMigrate),
		goalsqlite.WithMaxOpenConns(cfg.Database.MaxOpenConns),
		goalsqlite.WithMaxIdleConns(cfg.Database.MaxIdleConns),
	}
	return goalsqlite.NewEventLog(append(opts, extra...)...)
}

func openKeyring(ctx context.Context, cfg *Config) (*keyring.Keyring, error) {
	if cfg.Keyring.KeeperURL == "" {
		return nil, fmt.Errorf("keyring.keeper_url is required")
	}
	var sealed []byte
	if cfg.Keyring.MasterFile != "" {
		var err error
		sealed, err = os.ReadFile(cfg.Keyring.MasterFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read master secret file: %w", err)
		}
	}
	return keyring.Open(ctx, cfg.Keyring.KeeperURL, sealed)
}

func buildProcessor(log *goalsqlite.EventLog, keys crypto.KeyProvider, cfg *Config, logger *slog.Logger) *projection.Processor {
	derived := goalsqlite.NewDerivedStore(log.DB())
	return projection.NewProcessor(log, derived, keys, codec.NewJSONCodec(),
		projection.WithLogger(logger),
		projection.WithPruneWindow(cfg.Projection.PruneWindow),
	)
}

func runDaemon(ctx context.Context, cfg *Config, logger *slog.Logger) error {
	tel, err := observability.Init(ctx, observability.Config{
		ServiceName:    "goalstore",
		ServiceVersion: version,
		Environment:    cfg.Log.Environment,
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	defer tel.Shutdown(context.WithoutCancel(ctx))

	log, err := openEventLog(cfg, goalsqlite.WithMetrics(tel.Metrics))
	if err != nil {
		return err
	}
	defer log.Close()

	keys, err := openKeyring(ctx, cfg)
	if err != nil {
		return err
	}
	defer keys.Close()

	derived := goalsqlite.NewDerivedStore(log.DB())
	processor := projection.NewProcessor(log, derived, keys, codec.NewJSONCodec(),
		projection.WithLogger(logger),
		projection.WithMetrics(tel.Metrics),
		projection.WithPruneWindow(cfg.Projection.PruneWindow),
	)
	services := []runner.Service{processor}

	if cfg.Sync.Enabled() {
		syncInterval, err := time.ParseDuration(cfg.Sync.SyncInterval)
		if err != nil {
			return fmt.Errorf("invalid sync.sync_interval: %w", err)
		}
		pingInterval, err := time.ParseDuration(cfg.Sync.PingInterval)
		if err != nil {
			return fmt.Errorf("invalid sync.ping_interval: %w", err)
		}

		backend := goalsync.NewHTTPBackend(cfg.Sync.Endpoint,
			goalsync.WithBearerToken(cfg.Sync.Token),
		)
		engine := goalsync.NewEngine(log, goalsqlite.NewSyncStatusStore(log.DB()), backend, cfg.Sync.StoreID,
			goalsync.WithLogger(logger),
			goalsync.WithMetrics(tel.Metrics),
			goalsync.WithPageLimit(cfg.Sync.PageLimit),
			goalsync.WithSyncInterval(syncInterval),
			goalsync.WithPingInterval(pingInterval),
		)
		engine.OnRebaseRequired(func() {
			rebuildCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			if err := processor.ResetAndRebuild(rebuildCtx); err != nil {
				logger.Error("rebase rebuild failed", "error", err)
			}
		})
		services = append(services, engine)
	}

	return runner.New(services,
		runner.WithLogger(runner.NewSlogLogger(logger)),
	).Run(ctx)
}

func printStatus(ctx context.Context, cfg *Config) error {
	log, err := openEventLog(cfg)
	if err != nil {
		return err
	}
	defer log.Close()

	head, err := log.HeadSequence(ctx)
	if err != nil {
		return err
	}
	derived := goalsqlite.NewDerivedStore(log.DB())
	cursor, err := derived.LoadCursor(ctx)
	if err != nil {
		return err
	}
	count, err := derived.SnapshotCount(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("log head:       %d\n", head)
	fmt.Printf("cursor:         %d (lag %d)\n", cursor, head-cursor)
	fmt.Printf("snapshots:      %d\n", count)

	if cfg.Sync.Enabled() {
		status, err := goalsqlite.NewSyncStatusStore(log.DB()).Load(ctx, cfg.Sync.StoreID)
		if errors.Is(err, store.ErrSyncStatusNotFound) {
			fmt.Println("sync:           never synced")
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Printf("sync head:      %d\n", status.Head)
		fmt.Printf("last pushed:    %d\n", status.LastPushedSeq)
	}
	return nil
}

func rebuild(ctx context.Context, cfg *Config, logger *slog.Logger) error {
	log, err := openEventLog(cfg)
	if err != nil {
		return err
	}
	defer log.Close()

	keys, err := openKeyring(ctx, cfg)
	if err != nil {
		return err
	}
	defer keys.Close()

	processor := buildProcessor(log, keys, cfg, logger)
	if err := processor.ResetAndRebuild(ctx); err != nil {
		return err
	}
	logger.Info("derived state rebuilt", "cursor", processor.Cursor())
	return nil
}

func reseed(ctx context.Context, cfg *Config) error {
	if !cfg.Sync.Enabled() {
		return fmt.Errorf("sync is not configured")
	}
	log, err := openEventLog(cfg)
	if err != nil {
		return err
	}
	defer log.Close()

	return goalsqlite.NewSyncStatusStore(log.DB()).Reseed(ctx, cfg.Sync.StoreID)
}

func prune(ctx context.Context, cfg *Config, logger *slog.Logger) error {
	log, err := openEventLog(cfg)
	if err != nil {
		return err
	}
	defer log.Close()

	cursor, err := goalsqlite.NewDerivedStore(log.DB()).LoadCursor(ctx)
	if err != nil {
		return err
	}
	cutoff := cursor - cfg.Projection.PruneWindow
	if cutoff <= 0 {
		logger.Info("nothing to prune", "cursor", cursor)
		return nil
	}
	pruned, err := log.Prune(ctx, cutoff)
	if err != nil {
		return err
	}
	logger.Info("pruned folded events", "count", pruned, "at_or_below", cutoff)
	return nil
}
