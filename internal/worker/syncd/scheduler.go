// Package syncd はアプリ定義の定期syncを提供する。
// ティッカー駆動でgit_repoが設定されたアプリを巡回し、semaphoreパターンで
// 並列数を制御しながらsyncを実行する。
package syncd

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/octbase/internal/metadata"
	"github.com/hitoshi/octbase/internal/registry"
)

// SyncService はスケジューラが必要とするsync操作のインターフェース。
type SyncService interface {
	// Sync はアプリ定義のclone・コンパイル・公開を実行する。
	Sync(ctx context.Context, st *registry.AppState) error
}

// Scheduler はアプリsyncのスケジューリングと並列制御を行う。
// 各サイクルでゲートウェイからアプリ一覧を取得し、git_repoが設定された
// アプリのみを対象にsyncする。
type Scheduler struct {
	gateway        metadata.Gateway
	registry       *registry.Registry
	syncer         SyncService
	logger         *slog.Logger
	maxConcurrency int
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// maxConcurrencyが0以下の場合はデフォルト値4を使用する。
func NewScheduler(
	gateway metadata.Gateway,
	reg *registry.Registry,
	syncer SyncService,
	logger *slog.Logger,
	maxConcurrency int,
) *Scheduler {
	if maxConcurrency <= 0 {
		maxConcurrency = 4
	}
	return &Scheduler{
		gateway:        gateway,
		registry:       reg,
		syncer:         syncer,
		logger:         logger,
		maxConcurrency: maxConcurrency,
	}
}

// Start は指定間隔のティッカーでスケジューラを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("syncスケジューラを開始しました",
		slog.Duration("interval", interval),
		slog.Int("max_concurrency", s.maxConcurrency),
	)

	// 起動直後に1回実行
	if err := s.RunOnce(ctx); err != nil {
		s.logger.Error("syncサイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("syncスケジューラを停止しました")
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logger.Error("syncサイクルの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce はsync対象アプリを1回取得し、並列でsyncを実行する。
// semaphoreパターンで最大並列数を制御する。
func (s *Scheduler) RunOnce(ctx context.Context) error {
	start := time.Now()

	apps, err := s.gateway.Apps(ctx, 0)
	if err != nil {
		return err
	}

	// git_repoが設定されたアプリのみが対象
	targets := make([]*registry.AppState, 0, len(apps))
	for _, app := range apps {
		if app.GitRepo == "" {
			continue
		}
		targets = append(targets, s.registry.Register(app))
	}

	if len(targets) == 0 {
		s.logger.Info("sync対象のアプリはありません")
		return nil
	}

	s.logger.Info("syncサイクルを開始します",
		slog.Int("app_count", len(targets)),
	)

	// semaphoreパターンで並列数を制御
	sem := make(chan struct{}, s.maxConcurrency)
	var wg sync.WaitGroup

	for _, st := range targets {
		wg.Add(1)
		sem <- struct{}{} // semaphore取得（ブロック）

		go func(st *registry.AppState) {
			defer wg.Done()
			defer func() { <-sem }() // semaphore解放

			if err := s.syncer.Sync(ctx, st); err != nil {
				s.logger.Error("アプリのsyncに失敗しました",
					slog.String("handle", st.App().Handle),
					slog.String("error", err.Error()),
				)
			}
		}(st)
	}

	wg.Wait()

	duration := time.Since(start)
	s.logger.Info("syncサイクルが完了しました",
		slog.Int("app_count", len(targets)),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}
