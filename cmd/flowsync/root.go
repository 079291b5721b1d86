package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/flowsync/internal/breaker"
	"github.com/hyperengineering/flowsync/internal/cache"
	"github.com/hyperengineering/flowsync/internal/clock"
	"github.com/hyperengineering/flowsync/internal/config"
	"github.com/hyperengineering/flowsync/internal/engine"
	"github.com/hyperengineering/flowsync/internal/fieldlock"
	"github.com/hyperengineering/flowsync/internal/merge"
	"github.com/hyperengineering/flowsync/internal/queue"
	"github.com/hyperengineering/flowsync/internal/remote"
	"github.com/hyperengineering/flowsync/internal/tombstone"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "flowsync",
	Short: "FlowSync - offline-first board sync agent",
	Long:  "Run the sync agent: a local cache, retry queue, and push/pull pipeline against a remote FlowSync store.",
	RunE:  runAgent,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(onceCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
}

// agentRuntime bundles everything the agent commands wire up.
type agentRuntime struct {
	cfg    *config.Config
	logger *slog.Logger
	cache  *cache.Cache
	locks  *fieldlock.Manager
	guard  *breaker.Breaker
	skew   *clock.SkewMonitor
	remote *remote.Client
	coord  *engine.Coordinator
}

// buildAgent wires the full sync pipeline from configuration. The
// caller owns rt.cache and must Close it.
func buildAgent() (*agentRuntime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	if cfg.Remote.URL == "" {
		return nil, errors.New("no remote configured: set FLOWSYNC_REMOTE_URL or remote.url")
	}

	identity := cfg.Agent.Identity
	if identity == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("derive identity from hostname: %w", err)
		}
		identity = host
	}

	local, err := cache.Open(cfg.Agent.DataRoot, identity, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("cache opened", "identity", identity, "data_root", cfg.Agent.DataRoot)

	client := remote.NewClient(cfg.Remote.URL, cfg.Remote.APIKey, identity, logger)
	skew := clock.NewSkewMonitor(client, time.Duration(cfg.Clock.RefreshInterval), logger)
	locks := fieldlock.NewManager(time.Duration(cfg.Locks.GraceWindow), logger)
	resolver := merge.NewResolver(skew, locks, logger)

	stones, err := tombstone.NewRegistry(local, logger)
	if err != nil {
		local.Close()
		return nil, err
	}

	retryQueue := queue.New(local,
		time.Duration(cfg.Sync.BackoffBase),
		time.Duration(cfg.Sync.BackoffCap),
		logger)

	guard := breaker.New(breaker.Config{
		MaxDeleteCount:    cfg.Breaker.MaxDeleteCount,
		MaxDeleteFraction: cfg.Breaker.MaxDeleteFraction,
		FlapThreshold:     cfg.Breaker.FlapThreshold,
		FlapWindow:        time.Duration(cfg.Breaker.FlapWindow),
		Cooldown:          time.Duration(cfg.Breaker.Cooldown),
		AuditSize:         cfg.Breaker.AuditSize,
	}, logger)

	coord := engine.NewCoordinator(engine.Options{
		Local:        local,
		Resolver:     resolver,
		Tombstones:   stones,
		Queue:        retryQueue,
		Remote:       client,
		Guard:        guard,
		CollectionID: cfg.Agent.CollectionID,
		Interval:     time.Duration(cfg.Sync.Interval),
		DeltaLimit:   cfg.Sync.DeltaLimit,
		Logger:       logger,
	})

	return &agentRuntime{
		cfg:    cfg,
		logger: logger,
		cache:  local,
		locks:  locks,
		guard:  guard,
		skew:   skew,
		remote: client,
		coord:  coord,
	}, nil
}

func runAgent(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	rt, err := buildAgent()
	if err != nil {
		return err
	}
	defer rt.cache.Close()

	var wg sync.WaitGroup
	startWorker(ctx, &wg, "coordinator", rt.coord.Run)
	startWorker(ctx, &wg, "clock-skew", rt.skew.Run)
	startWorker(ctx, &wg, "feed", func(ctx context.Context) {
		consumeFeed(ctx, rt)
	})

	// Local status endpoint for the editor UI.
	addr := fmt.Sprintf("127.0.0.1:%d", rt.cfg.Agent.StatusPort)
	srv := &http.Server{
		Addr:         addr,
		Handler:      newStatusRouter(rt),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		rt.logger.Info("status server starting", "address", addr)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			rt.logger.Error("status server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	rt.logger.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		time.Duration(rt.cfg.Server.ShutdownTimeout))
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		rt.logger.Error("status server shutdown error", "error", err)
	}

	wg.Wait()

	rt.logger.Info("shutdown complete")
	return nil
}

// consumeFeed keeps a realtime feed subscription alive and folds its
// events into the local cache. Reconnects with a flat delay; a full
// cycle on reconnect covers anything missed while disconnected.
func consumeFeed(ctx context.Context, rt *agentRuntime) {
	const reconnectDelay = 5 * time.Second

	for {
		events, err := rt.remote.Feed(ctx, rt.cfg.Agent.CollectionID)
		if err != nil {
			rt.logger.Warn("feed connect failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(reconnectDelay):
				continue
			}
		}

		rt.logger.Info("feed connected", "collection", rt.cfg.Agent.CollectionID)
		rt.onFeedConnect(ctx)

		for event := range events {
			if err := rt.coord.ApplyFeedEvent(event); err != nil {
				rt.logger.Error("feed event apply failed", "error", err)
			}
		}
		if ctx.Err() != nil {
			return
		}
		rt.logger.Warn("feed disconnected, reconnecting")
	}
}

// onFeedConnect runs after every feed (re)connect: re-measure clock
// skew first so the catch-up cycle merges on a fresh offset, then
// request the cycle.
func (rt *agentRuntime) onFeedConnect(ctx context.Context) {
	if err := rt.skew.Refresh(ctx); err != nil {
		rt.logger.Warn("clock skew refresh failed", "error", err)
	}
	rt.coord.TriggerSync()
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// startWorker launches a background worker goroutine that respects context cancellation.
// Workers are tracked via WaitGroup for graceful shutdown.
func startWorker(ctx context.Context, wg *sync.WaitGroup, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("worker started", "worker", name)
		fn(ctx)
		slog.Info("worker stopped", "worker", name)
	}()
}
