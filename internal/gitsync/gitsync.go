// Package gitsync はgitリポジトリからのアプリ定義の取得と公開を提供する。
// cloneは作業ディレクトリに行い、スキーマのコンパイルに成功した場合のみ
// 稼働ディレクトリへ差し替える。途中で失敗したsyncは公開済み定義に影響しない。
package gitsync

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/hitoshi/octbase/internal/metadata"
	"github.com/hitoshi/octbase/internal/metrics"
	"github.com/hitoshi/octbase/internal/model"
	"github.com/hitoshi/octbase/internal/registry"
	"github.com/hitoshi/octbase/internal/schema"
	"github.com/hitoshi/octbase/internal/security"
	"github.com/hitoshi/octbase/internal/store"
)

// DefinitionFile はリポジトリ直下のアプリ定義ファイル名。
const DefinitionFile = "app.yml"

// RemovedCollectionPolicy は定義から消えたコレクションのレコードの扱い。
type RemovedCollectionPolicy string

const (
	// PolicyRetain はレコードを保持する（既定）。
	PolicyRetain RemovedCollectionPolicy = "retain"
	// PolicyDelete はレコードを破棄する。
	PolicyDelete RemovedCollectionPolicy = "delete"
)

// runGitFunc はgitサブプロセスの実行を抽象化する。テストで差し替える。
type runGitFunc func(ctx context.Context, args ...string) error

// Syncer はアプリ定義のsyncを実行する。
type Syncer struct {
	dataDir       string
	gateway       metadata.Gateway
	store         store.RecordStore
	guard         security.RemoteGuardService
	metrics       metrics.MetricsCollector
	logger        *slog.Logger
	cloneTimeout  time.Duration
	removedPolicy RemovedCollectionPolicy
	runGit        runGitFunc
}

// NewSyncer はSyncerを生成する。
func NewSyncer(
	dataDir string,
	gateway metadata.Gateway,
	recordStore store.RecordStore,
	guard security.RemoteGuardService,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	cloneTimeout time.Duration,
	removedPolicy RemovedCollectionPolicy,
) *Syncer {
	s := &Syncer{
		dataDir:       dataDir,
		gateway:       gateway,
		store:         recordStore,
		guard:         guard,
		metrics:       collector,
		logger:        logger,
		cloneTimeout:  cloneTimeout,
		removedPolicy: removedPolicy,
	}
	s.runGit = s.execGit
	return s
}

// appDir はアプリの稼働ディレクトリを返す。
func (s *Syncer) appDir(handle string) string {
	return filepath.Join(s.dataDir, handle)
}

// wipDir はsync作業用ディレクトリを返す。
func (s *Syncer) wipDir(handle string) string {
	return filepath.Join(s.dataDir, handle+"-wip")
}

// Sync はアプリのgitリポジトリをcloneし、定義をコンパイルして公開する。
// アプリ単位で直列化され、失敗時は状態をERRORにしてイベントログに記録する。
func (s *Syncer) Sync(ctx context.Context, st *registry.AppState) error {
	st.LockSync()
	defer st.UnlockSync()

	app := st.App()
	start := time.Now()

	sch, err := s.sync(ctx, app)
	s.metrics.RecordSyncLatency(time.Since(start))
	if err != nil {
		st.MarkError()
		s.metrics.RecordSyncFailure(app.Handle)
		s.addEvent(ctx, app, fmt.Sprintf("Error: %s", err))
		s.logger.Error("アプリのsyncに失敗しました",
			slog.String("handle", app.Handle),
			slog.String("error", err.Error()),
		)
		return model.NewSyncFailedError(err.Error())
	}

	// 定義から消えたコレクションの後始末
	s.reconcileRemoved(ctx, app, st.Schema(), sch)

	st.Publish(sch)
	s.metrics.RecordSyncSuccess(app.Handle)
	s.addEvent(ctx, app, "Done, app is up!")
	s.logger.Info("アプリのsyncが完了しました",
		slog.String("handle", app.Handle),
		slog.Duration("elapsed", time.Since(start)),
	)
	return nil
}

// sync はclone・コンパイル・差し替えの本体。失敗時は稼働ディレクトリを変更しない。
func (s *Syncer) sync(ctx context.Context, app *model.App) (*schema.Schema, error) {
	if app.GitRepo == "" {
		return nil, fmt.Errorf("git_repo is not configured")
	}
	if err := s.guard.ValidateRemote(app.GitRepo); err != nil {
		return nil, fmt.Errorf("git remote rejected: %w", err)
	}

	s.addEvent(ctx, app, fmt.Sprintf("Cloning %s...", app.GitRepo))

	wip := s.wipDir(app.Handle)
	if err := os.RemoveAll(wip); err != nil {
		return nil, fmt.Errorf("failed to clean work dir: %w", err)
	}

	cloneCtx, cancel := context.WithTimeout(ctx, s.cloneTimeout)
	defer cancel()

	args := []string{"clone", "--depth", "1"}
	if app.GitRef != "" {
		args = append(args, "--branch", app.GitRef)
	}
	args = append(args, app.GitRepo, wip)
	if err := s.runGit(cloneCtx, args...); err != nil {
		return nil, fmt.Errorf("git clone failed: %w", err)
	}

	s.addEvent(ctx, app, "Checking schema...")

	text, err := s.readDefinition(wip)
	if err != nil {
		return nil, err
	}
	sch, err := schema.Compile(text)
	if err != nil {
		return nil, err
	}

	s.addEvent(ctx, app, "Activating...")

	active := s.appDir(app.Handle)
	if err := os.RemoveAll(active); err != nil {
		return nil, fmt.Errorf("failed to remove previous app dir: %w", err)
	}
	if err := os.Rename(wip, active); err != nil {
		return nil, fmt.Errorf("failed to activate app dir: %w", err)
	}
	return sch, nil
}

// readDefinition は稼働候補ディレクトリからアプリ定義を読む。
func (s *Syncer) readDefinition(dir string) (string, error) {
	path := filepath.Join(dir, DefinitionFile)
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("%s not found in repository", DefinitionFile)
	}
	if info.Size() > schema.MaxDefinitionSize {
		return "", fmt.Errorf("%s exceeds the size limit", DefinitionFile)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", DefinitionFile, err)
	}
	return string(data), nil
}

// reconcileRemoved は旧スキーマにあって新スキーマにないコレクションを処理する。
// ポリシーがdeleteの場合のみレコードを破棄する。失敗はsync全体を止めない。
func (s *Syncer) reconcileRemoved(ctx context.Context, app *model.App, prev, next *schema.Schema) {
	if prev == nil || s.removedPolicy != PolicyDelete {
		return
	}
	for _, col := range prev.Collections {
		if strings.HasPrefix(col.Name, schema.ReservedPrefix) {
			continue
		}
		if next.Collection(col.Name) != nil {
			continue
		}
		if err := s.store.DropCollection(ctx, app.Handle, col.Name); err != nil {
			s.logger.Error("削除されたコレクションの破棄に失敗しました",
				slog.String("handle", app.Handle),
				slog.String("collection", col.Name),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Recover は起動時に登録済みアプリを復元する。
// 稼働ディレクトリに定義が残っているアプリはcloneなしで再公開し、
// それ以外はPENDINGのまま登録する。
func (s *Syncer) Recover(ctx context.Context, reg *registry.Registry) error {
	apps, err := s.gateway.Apps(ctx, 0)
	if err != nil {
		return fmt.Errorf("failed to load apps from metadata service: %w", err)
	}

	for _, app := range apps {
		st := reg.Register(app)
		text, err := s.readDefinition(s.appDir(app.Handle))
		if err != nil {
			continue
		}
		sch, err := schema.Compile(text)
		if err != nil {
			s.logger.Error("保存済みアプリ定義のコンパイルに失敗しました",
				slog.String("handle", app.Handle),
				slog.String("error", err.Error()),
			)
			st.MarkError()
			continue
		}
		st.Publish(sch)
		s.logger.Info("アプリを復元しました", slog.String("handle", app.Handle))
	}
	return nil
}

// RemoveData はアプリの稼働・作業ディレクトリを破棄する。
func (s *Syncer) RemoveData(handle string) error {
	if err := os.RemoveAll(s.wipDir(handle)); err != nil {
		return fmt.Errorf("failed to remove work dir: %w", err)
	}
	if err := os.RemoveAll(s.appDir(handle)); err != nil {
		return fmt.Errorf("failed to remove app dir: %w", err)
	}
	return nil
}

// addEvent はイベントログに追記する。記録失敗はsyncを止めずログのみ残す。
func (s *Syncer) addEvent(ctx context.Context, app *model.App, content string) {
	err := s.gateway.AddEvent(ctx, &model.AppEvent{App: app.ID, Content: content})
	if err != nil {
		s.logger.Error("イベントの記録に失敗しました",
			slog.String("handle", app.Handle),
			slog.String("content", content),
			slog.String("error", err.Error()),
		)
	}
}

// execGit はgitサブプロセスを実行する。失敗時は標準エラー出力を含めて返す。
func (s *Syncer) execGit(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg == "" {
			return fmt.Errorf("git %s: %w", args[0], err)
		}
		return fmt.Errorf("git %s: %s", args[0], msg)
	}
	return nil
}
