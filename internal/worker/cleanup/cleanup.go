// Package cleanup は孤児レコードの自動削除ジョブを提供する。
// メタデータストアから削除されたアプリのレコードがrecordsテーブルに
// 残留することがあるため、日次バッチで生存アプリ一覧と突き合わせて削除する。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/octbase/internal/metadata"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// CleanupJob は所属アプリが存在しなくなったレコードの自動削除ジョブ。
// 日次実行のバッチジョブとして設計されており、冪等な削除処理を保証する。
type CleanupJob struct {
	db      Executor
	gateway metadata.Gateway
	logger  *slog.Logger
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(db Executor, gateway metadata.Gateway, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		db:      db,
		gateway: gateway,
		logger:  logger,
	}
}

// Run は生存アプリのhandle一覧に含まれないレコードを削除する。
// メタデータストアが空の一覧を返した場合は、障害時の全件削除を避けるため
// 何も削除せずにスキップする。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()

	apps, err := j.gateway.Apps(ctx, 0)
	if err != nil {
		j.logger.Error("クリーンアップ用のアプリ一覧取得に失敗しました",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to list apps for cleanup: %w", err)
	}

	handles := make([]string, 0, len(apps))
	for _, app := range apps {
		handles = append(handles, app.Handle)
	}

	if len(handles) == 0 {
		j.logger.Info("生存アプリが0件のためクリーンアップをスキップします")
		return nil
	}

	query := `DELETE FROM records WHERE app_handle <> ALL($1)`
	result, err := j.db.ExecContext(ctx, query, pq.Array(handles))
	if err != nil {
		j.logger.Error("孤児レコードクリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("live_apps", len(handles)),
		)
		return fmt.Errorf("failed to delete orphaned records: %w", err)
	}

	deletedCount, err := result.RowsAffected()
	if err != nil {
		j.logger.Error("削除件数の取得に失敗しました",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to read deleted count: %w", err)
	}

	duration := time.Since(start)
	j.logger.Info("孤児レコードクリーンアップジョブが完了しました",
		slog.Int64("deleted_count", deletedCount),
		slog.Int("live_apps", len(handles)),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}
