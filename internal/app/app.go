package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/octbase/internal/auth"
	"github.com/hitoshi/octbase/internal/config"
	"github.com/hitoshi/octbase/internal/database"
	"github.com/hitoshi/octbase/internal/gitsync"
	"github.com/hitoshi/octbase/internal/handler"
	"github.com/hitoshi/octbase/internal/logger"
	"github.com/hitoshi/octbase/internal/metadata"
	"github.com/hitoshi/octbase/internal/metrics"
	"github.com/hitoshi/octbase/internal/middleware"
	"github.com/hitoshi/octbase/internal/registry"
	"github.com/hitoshi/octbase/internal/security"
	"github.com/hitoshi/octbase/internal/store"
	"github.com/hitoshi/octbase/internal/worker/cleanup"
	"github.com/hitoshi/octbase/internal/worker/syncd"
	"github.com/prometheus/client_golang/prometheus"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("meta_api_url", cfg.MetaAPIURL),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// engine はserve/workerモードが共有する依存関係一式。
type engine struct {
	store    store.RecordStore
	gateway  metadata.Gateway
	registry *registry.Registry
	syncer   *gitsync.Syncer
	metrics  *metrics.Collector
	gatherer prometheus.Gatherer
}

// buildEngine は共通依存関係をワイヤリングし、登録済みアプリを復元する。
func buildEngine(ctx context.Context, cfg *config.Config, recordStore store.RecordStore) (*engine, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	gateway := metadata.NewClient(
		&http.Client{Timeout: 10 * time.Second},
		slog.Default(),
		cfg.MetaAPIURL,
	)
	guard := security.NewRemoteGuard(cfg.AllowLocalGit)

	promReg := prometheus.NewRegistry()
	collector := metrics.NewCollector(promReg)

	syncer := gitsync.NewSyncer(
		cfg.DataDir, gateway, recordStore, guard, collector,
		slog.Default(), cfg.GitCloneTimeout,
		gitsync.RemovedCollectionPolicy(cfg.RemovedCollectionPolicy),
	)

	reg := registry.New()
	if err := syncer.Recover(ctx, reg); err != nil {
		return nil, fmt.Errorf("failed to recover apps: %w", err)
	}

	return &engine{
		store:    recordStore,
		gateway:  gateway,
		registry: reg,
		syncer:   syncer,
		metrics:  collector,
		gatherer: promReg,
	}, nil
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	// 2. 共通依存関係のワイヤリングとアプリの復元
	eng, err := buildEngine(context.Background(), cfg, store.NewPostgresStore(db))
	if err != nil {
		return err
	}

	slog.Info("app registry recovered",
		slog.Int("app_count", len(eng.registry.All())),
	)

	// 3. レート制限の設定（configのRate Limit値はreq/min単位）
	rateLimiterCfg := middleware.RateLimiterConfig{
		GeneralRate:     rate.Limit(float64(cfg.RateLimitGeneral) / 60.0),
		GeneralBurst:    cfg.RateLimitGeneral,
		SyncRate:        rate.Limit(float64(cfg.RateLimitSync) / 60.0),
		SyncBurst:       cfg.RateLimitSync,
		CleanupInterval: 5 * time.Minute,
	}

	// 4. ルーターの構築
	router := handler.NewRouter(&handler.RouterDeps{
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       middleware.NewRateLimiter(rateLimiterCfg),

		Gateway: eng.gateway,
		Syncer:  eng.syncer,

		Registry: eng.registry,
		Store:    eng.store,
		Resolver: auth.NewResolver(eng.store),

		Metrics:  eng.metrics,
		Gatherer: eng.gatherer,
		Logger:   slog.Default(),
	})

	// 5. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      middleware.NewLoggingMiddleware(slog.Default())(router),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// git_repoが設定されたアプリを定期syncするスケジューラを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established (worker)")

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	// 2. 共通依存関係のワイヤリングとアプリの復元
	eng, err := buildEngine(ctx, cfg, store.NewPostgresStore(db))
	if err != nil {
		return err
	}

	// 3. 孤児レコードクリーンアップジョブの起動（日次）
	cleanupJob := cleanup.NewCleanupJob(db, eng.gateway, slog.Default())
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := cleanupJob.Run(ctx); err != nil {
					slog.Error("cleanup job failed", slog.String("error", err.Error()))
				}
			}
		}
	}()

	// 4. スケジューラの起動
	scheduler := syncd.NewScheduler(
		eng.gateway, eng.registry, eng.syncer,
		slog.Default(), cfg.SyncMaxConcurrent,
	)

	slog.Info("worker starting",
		slog.Duration("sync_interval", cfg.SyncInterval),
		slog.Int("max_concurrent", cfg.SyncMaxConcurrent),
	)

	// syncスケジューラをメインgoroutineで実行（ブロッキング）
	scheduler.Start(ctx, cfg.SyncInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /status エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/status", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
