package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/fetchq/fetchq/internal/api"
	"github.com/fetchq/fetchq/internal/cache"
	"github.com/fetchq/fetchq/internal/config"
	"github.com/fetchq/fetchq/internal/database"
	"github.com/fetchq/fetchq/internal/engine"
	"github.com/fetchq/fetchq/internal/logger"
	"github.com/fetchq/fetchq/internal/queue"
	"github.com/fetchq/fetchq/internal/quota"
	"github.com/fetchq/fetchq/internal/store"
	"github.com/fetchq/fetchq/internal/task"
	"github.com/fetchq/fetchq/pkg/extractor"
	"github.com/fetchq/fetchq/pkg/extractor/direct"
	"github.com/fetchq/fetchq/pkg/extractor/gallery"
	"github.com/fetchq/fetchq/pkg/extractor/longvideo"
	"github.com/fetchq/fetchq/pkg/extractor/shortclip"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the download orchestration service",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	flags := serveCmd.Flags()
	flags.String("listen", "", "HTTP listen address")
	flags.String("data-dir", "", "directory for the SQLite database")
	flags.String("redis", "", "Redis address for the shared cache level (empty disables it)")
	flags.IntP("workers", "w", 0, "worker pool size")

	_ = viper.BindPFlag("listen_addr", flags.Lookup("listen"))
	_ = viper.BindPFlag("data_dir", flags.Lookup("data-dir"))
	_ = viper.BindPFlag("redis_addr", flags.Lookup("redis"))
	_ = viper.BindPFlag("queue.workers", flags.Lookup("workers"))
}

func runServe(cmd *cobra.Command, args []string) error {
	logger.Init(logger.Options{
		Debug: viper.GetBool("debug"),
		Quiet: viper.GetBool("quiet"),
		JSON:  viper.GetBool("log_json"),
	})

	cfg := config.Load()

	db, err := database.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	blobs, err := store.NewFS(cfg.ObjectDir)
	if err != nil {
		return fmt.Errorf("open object store: %w", err)
	}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			logger.Warn("redis unreachable, shared cache level disabled", "addr", cfg.RedisAddr, "error", err)
			rdb = nil
		}
		cancel()
	}

	results, err := cache.New(cfg.CacheConfig(), rdb, db, blobs)
	if err != nil {
		return fmt.Errorf("create cache: %w", err)
	}
	tiers, err := cfg.QuotaTiers()
	if err != nil {
		return fmt.Errorf("load quota tiers: %w", err)
	}
	ledger, err := quota.NewLedger(tiers, db)
	if err != nil {
		return fmt.Errorf("create quota ledger: %w", err)
	}
	tracker, err := task.NewTracker(cfg.TaskConfig(), db)
	if err != nil {
		return fmt.Errorf("create task tracker: %w", err)
	}

	registry := extractor.NewRegistry()
	short := shortclip.New(shortclip.DefaultConfig())
	long := longvideo.New(longvideo.DefaultConfig())
	gal := gallery.New(gallery.DefaultConfig())
	dir := direct.New(direct.DefaultConfig())
	registry.Register(short.Name(), shortclip.DefaultPriority, short)
	registry.Register(long.Name(), longvideo.DefaultPriority, long)
	registry.Register(gal.Name(), gallery.DefaultPriority, gal)
	registry.Register(dir.Name(), direct.DefaultPriority, dir)

	blocklist := extractor.NewBlocklist(cfg.Blocklist)
	q := queue.New(cfg.QueueConfig(), tracker, registry, results, ledger, blocklist)
	eng := engine.New(registry, results, ledger, tracker, q)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	eng.Start(ctx)

	server := api.NewServer(cfg.ListenAddr, eng)
	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	eng.Close()
	return nil
}
