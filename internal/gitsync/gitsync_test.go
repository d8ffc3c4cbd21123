package gitsync

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/octbase/internal/metadata"
	"github.com/hitoshi/octbase/internal/metrics"
	"github.com/hitoshi/octbase/internal/model"
	"github.com/hitoshi/octbase/internal/registry"
	"github.com/hitoshi/octbase/internal/schema"
	"github.com/hitoshi/octbase/internal/security"
	"github.com/hitoshi/octbase/internal/store"
)

func memoCollection() *schema.Collection {
	return &schema.Collection{
		Name:   "memo",
		Fields: []schema.Field{{Name: "body", Kind: schema.FieldString}},
	}
}

const validDefinition = `meta:
  schema: v0.0.1
name: todo
collections:
  - name: todo
    fields:
      - name: subject
        type: string
`

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEnv struct {
	syncer  *Syncer
	gateway *metadata.MemGateway
	store   *store.MemStore
	reg     *registry.Registry
	dataDir string
}

func newTestEnv(t *testing.T, policy RemovedCollectionPolicy) *testEnv {
	t.Helper()
	dataDir := t.TempDir()
	gateway := metadata.NewMemGateway()
	recordStore := store.NewMemStore()
	collector := metrics.NewCollector(prometheus.NewRegistry())

	s := NewSyncer(
		dataDir,
		gateway,
		recordStore,
		security.NewRemoteGuard(true),
		collector,
		testLogger(),
		30*time.Second,
		policy,
	)
	return &testEnv{
		syncer:  s,
		gateway: gateway,
		store:   recordStore,
		reg:     registry.New(),
		dataDir: dataDir,
	}
}

// stubClone はgit cloneの代わりに作業ディレクトリへ定義を書き込む。
func stubClone(t *testing.T, definition string) runGitFunc {
	t.Helper()
	return func(ctx context.Context, args ...string) error {
		dir := args[len(args)-1]
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		if definition == "" {
			return nil
		}
		return os.WriteFile(filepath.Join(dir, DefinitionFile), []byte(definition), 0o644)
	}
}

func registerApp(env *testEnv, t *testing.T) *registry.AppState {
	t.Helper()
	app, err := env.gateway.CreateApp(context.Background(), &model.App{
		Handle:  "AbCdE",
		Name:    "todo",
		GitRepo: "https://example.com/todo.git",
	})
	if err != nil {
		t.Fatalf("CreateApp() error = %v", err)
	}
	return env.reg.Register(app)
}

// sync成功時の状態遷移・定義の永続化・イベント記録を検証
func TestSyncer_SyncSuccess(t *testing.T) {
	env := newTestEnv(t, PolicyRetain)
	env.syncer.runGit = stubClone(t, validDefinition)
	st := registerApp(env, t)

	if err := env.syncer.Sync(context.Background(), st); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	if st.Status() != model.StatusRunning {
		t.Errorf("Status = %q, want RUNNING", st.Status())
	}
	sch := st.Schema()
	if sch == nil || sch.Collection("todo") == nil {
		t.Fatal("published schema should contain the todo collection")
	}

	// 稼働ディレクトリに定義が残る（作業ディレクトリは消える）
	if _, err := os.Stat(filepath.Join(env.dataDir, "AbCdE", DefinitionFile)); err != nil {
		t.Errorf("app dir should contain the definition: %v", err)
	}
	if _, err := os.Stat(filepath.Join(env.dataDir, "AbCdE-wip")); !os.IsNotExist(err) {
		t.Error("work dir should be gone after activation")
	}

	// イベントは新しい順で返る
	events, err := env.gateway.Events(context.Background(), st.App().ID)
	if err != nil {
		t.Fatalf("Events() error = %v", err)
	}
	want := []string{
		"Done, app is up!",
		"Activating...",
		"Checking schema...",
		"Cloning https://example.com/todo.git...",
	}
	if len(events) != len(want) {
		t.Fatalf("len(events) = %d, want %d", len(events), len(want))
	}
	for i, w := range want {
		if events[i].Content != w {
			t.Errorf("events[%d] = %q, want %q", i, events[i].Content, w)
		}
	}
}

// 不正な定義でのsync失敗時、ERRORになり前回スキーマが残ることを検証
func TestSyncer_SyncFailureKeepsPreviousSchema(t *testing.T) {
	env := newTestEnv(t, PolicyRetain)
	st := registerApp(env, t)

	env.syncer.runGit = stubClone(t, validDefinition)
	if err := env.syncer.Sync(context.Background(), st); err != nil {
		t.Fatalf("first Sync() error = %v", err)
	}
	previous := st.Schema()

	env.syncer.runGit = stubClone(t, "meta:\n  schema: v9.9.9\n")
	err := env.syncer.Sync(context.Background(), st)
	if err == nil {
		t.Fatal("expected error for unsupported schema version")
	}
	apiErr, ok := err.(*model.APIError)
	if !ok || apiErr.Code != model.ErrCodeSyncFailed {
		t.Errorf("error = %v, want SYNC_FAILED", err)
	}

	if st.Status() != model.StatusError {
		t.Errorf("Status = %q, want ERROR", st.Status())
	}
	if st.Schema() != previous {
		t.Error("previous schema should be retained on failure")
	}

	// 失敗イベントが先頭に記録される
	events, _ := env.gateway.Events(context.Background(), st.App().ID)
	if len(events) == 0 || !strings.HasPrefix(events[0].Content, "Error:") {
		t.Errorf("latest event = %+v, want Error event", events)
	}
}

// 定義ファイルが無いリポジトリの拒否を検証
func TestSyncer_SyncMissingDefinition(t *testing.T) {
	env := newTestEnv(t, PolicyRetain)
	env.syncer.runGit = stubClone(t, "")
	st := registerApp(env, t)

	if err := env.syncer.Sync(context.Background(), st); err == nil {
		t.Fatal("expected error for missing app.yml")
	}
	if st.Status() != model.StatusError {
		t.Errorf("Status = %q, want ERROR", st.Status())
	}
}

// git_repo未設定のアプリはcloneなしで失敗することを検証
func TestSyncer_SyncWithoutRepo(t *testing.T) {
	env := newTestEnv(t, PolicyRetain)
	cloned := false
	env.syncer.runGit = func(ctx context.Context, args ...string) error {
		cloned = true
		return nil
	}
	st := env.reg.Register(&model.App{ID: 1, Handle: "AbCdE"})

	if err := env.syncer.Sync(context.Background(), st); err == nil {
		t.Fatal("expected error for missing git_repo")
	}
	if cloned {
		t.Error("clone should not run without git_repo")
	}
}

// 削除されたコレクションのレコードがポリシーに従って扱われることを検証
func TestSyncer_RemovedCollectionPolicy(t *testing.T) {
	withExtra := validDefinition + `  - name: memo
    fields:
      - name: body
        type: string
`

	run := func(t *testing.T, policy RemovedCollectionPolicy) (*testEnv, *registry.AppState) {
		env := newTestEnv(t, policy)
		st := registerApp(env, t)

		env.syncer.runGit = stubClone(t, withExtra)
		if err := env.syncer.Sync(context.Background(), st); err != nil {
			t.Fatalf("first Sync() error = %v", err)
		}

		memo := st.Schema().Collection("memo")
		if _, err := env.store.Create(context.Background(), "AbCdE", memo, map[string]any{"body": "x"}, ""); err != nil {
			t.Fatalf("Create() error = %v", err)
		}

		// memoコレクションを落とした定義で再sync
		env.syncer.runGit = stubClone(t, validDefinition)
		if err := env.syncer.Sync(context.Background(), st); err != nil {
			t.Fatalf("second Sync() error = %v", err)
		}
		return env, st
	}

	t.Run("retainは保持する", func(t *testing.T) {
		env, _ := run(t, PolicyRetain)
		memoCol := memoCollection()
		recs, err := env.store.List(context.Background(), "AbCdE", memoCol, store.Filter{})
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if len(recs) != 1 {
			t.Errorf("len = %d, want 1 (retained)", len(recs))
		}
	})

	t.Run("deleteは破棄する", func(t *testing.T) {
		env, _ := run(t, PolicyDelete)
		memoCol := memoCollection()
		recs, err := env.store.List(context.Background(), "AbCdE", memoCol, store.Filter{})
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if len(recs) != 0 {
			t.Errorf("len = %d, want 0 (deleted)", len(recs))
		}
	})
}

// 起動時復元: 稼働ディレクトリの定義から再公開されることを検証
func TestSyncer_Recover(t *testing.T) {
	env := newTestEnv(t, PolicyRetain)

	recovered, err := env.gateway.CreateApp(context.Background(), &model.App{Handle: "AbCdE", GitRepo: "https://example.com/a.git"})
	if err != nil {
		t.Fatalf("CreateApp() error = %v", err)
	}
	if _, err := env.gateway.CreateApp(context.Background(), &model.App{Handle: "fghij", GitRepo: "https://example.com/b.git"}); err != nil {
		t.Fatalf("CreateApp() error = %v", err)
	}

	// AbCdEのみ稼働ディレクトリに定義が残っている
	appDir := filepath.Join(env.dataDir, "AbCdE")
	if err := os.MkdirAll(appDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(appDir, DefinitionFile), []byte(validDefinition), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := env.syncer.Recover(context.Background(), env.reg); err != nil {
		t.Fatalf("Recover() error = %v", err)
	}

	st := env.reg.Get("AbCdE")
	if st == nil || st.Status() != model.StatusRunning {
		t.Errorf("recovered app should be RUNNING, got %+v", st)
	}
	if st.App().ID != recovered.ID {
		t.Errorf("App().ID = %d, want %d", st.App().ID, recovered.ID)
	}

	st2 := env.reg.Get("fghij")
	if st2 == nil || st2.Status() != model.StatusPending {
		t.Errorf("app without saved definition should stay PENDING, got %+v", st2)
	}
}

// RemoveDataが稼働・作業ディレクトリを消すことを検証
func TestSyncer_RemoveData(t *testing.T) {
	env := newTestEnv(t, PolicyRetain)
	for _, dir := range []string{"AbCdE", "AbCdE-wip"} {
		if err := os.MkdirAll(filepath.Join(env.dataDir, dir), 0o755); err != nil {
			t.Fatal(err)
		}
	}

	if err := env.syncer.RemoveData("AbCdE"); err != nil {
		t.Fatalf("RemoveData() error = %v", err)
	}
	for _, dir := range []string{"AbCdE", "AbCdE-wip"} {
		if _, err := os.Stat(filepath.Join(env.dataDir, dir)); !os.IsNotExist(err) {
			t.Errorf("%s should be removed", dir)
		}
	}
}

// 実際のgitバイナリを使ったローカルリポジトリからのsyncを検証
func TestSyncer_SyncWithRealGit(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("gitが見つからないためスキップ")
	}

	repoDir := t.TempDir()
	mustGit := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", args...)
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}
	mustGit("init", repoDir)
	if err := os.WriteFile(filepath.Join(repoDir, DefinitionFile), []byte(validDefinition), 0o644); err != nil {
		t.Fatal(err)
	}
	mustGit("-C", repoDir, "add", DefinitionFile)
	mustGit("-C", repoDir, "-c", "user.email=test@example.com", "-c", "user.name=test", "commit", "-m", "add app definition")

	env := newTestEnv(t, PolicyRetain)
	app, err := env.gateway.CreateApp(context.Background(), &model.App{
		Handle:  "AbCdE",
		GitRepo: repoDir,
	})
	if err != nil {
		t.Fatalf("CreateApp() error = %v", err)
	}
	st := env.reg.Register(app)

	if err := env.syncer.Sync(context.Background(), st); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if st.Status() != model.StatusRunning {
		t.Errorf("Status = %q, want RUNNING", st.Status())
	}
}

// clone失敗の扱いを検証
func TestSyncer_CloneFailure(t *testing.T) {
	env := newTestEnv(t, PolicyRetain)
	env.syncer.runGit = func(ctx context.Context, args ...string) error {
		return fmt.Errorf("git clone: repository not found")
	}
	st := registerApp(env, t)

	err := env.syncer.Sync(context.Background(), st)
	if err == nil {
		t.Fatal("expected error for failed clone")
	}
	if st.Status() != model.StatusError {
		t.Errorf("Status = %q, want ERROR", st.Status())
	}
}
