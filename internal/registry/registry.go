// Package registry は稼働中アプリのインメモリ状態を管理する。
// リクエスト処理はここからスキーマのスナップショットを取得し、syncは
// コンパイル成功時に新しいスキーマを原子的に差し替える。
package registry

import (
	"sync"
	"sync/atomic"

	"github.com/hitoshi/octbase/internal/model"
	"github.com/hitoshi/octbase/internal/schema"
)

// AppState は1アプリの実行時状態を保持する。
// スキーマと状態はアトミックに読み書きされ、リクエスト処理は取得した
// スナップショットをリクエスト終端まで使い続ける。
type AppState struct {
	// syncMu はアプリ単位のsyncを直列化する。
	syncMu sync.Mutex

	app    atomic.Pointer[model.App]
	status atomic.Value
	schema atomic.Pointer[schema.Schema]
}

func newAppState(app *model.App) *AppState {
	s := &AppState{}
	s.app.Store(app)
	s.status.Store(model.StatusPending)
	return s
}

// App はアプリのメタデータを返す。
func (s *AppState) App() *model.App {
	return s.app.Load()
}

// SetApp はアプリのメタデータを差し替える。
func (s *AppState) SetApp(app *model.App) {
	s.app.Store(app)
}

// Status は現在のライフサイクル状態を返す。
func (s *AppState) Status() model.Status {
	return s.status.Load().(model.Status)
}

// Schema は現在公開中のスキーマを返す。未公開の場合はnilを返す。
func (s *AppState) Schema() *schema.Schema {
	return s.schema.Load()
}

// Publish は新しいスキーマを公開し、状態をRUNNINGにする。
// 進行中のリクエストは古いスナップショットのまま完了する。
func (s *AppState) Publish(sch *schema.Schema) {
	s.schema.Store(sch)
	s.status.Store(model.StatusRunning)
}

// MarkError は状態をERRORにする。公開済みスキーマは保持したままとし、
// 既存APIは前回成功時の定義で応答し続ける。
func (s *AppState) MarkError() {
	s.status.Store(model.StatusError)
}

// LockSync はアプリ単位のsyncロックを取得する。
func (s *AppState) LockSync() {
	s.syncMu.Lock()
}

// UnlockSync はsyncロックを解放する。
func (s *AppState) UnlockSync() {
	s.syncMu.Unlock()
}

// Registry はハンドルからAppStateへの索引。
type Registry struct {
	mu       sync.RWMutex
	byHandle map[string]*AppState
}

// New はRegistryを生成する。
func New() *Registry {
	return &Registry{
		byHandle: make(map[string]*AppState),
	}
}

// Register はアプリを登録してAppStateを返す。登録済みの場合は
// メタデータを更新して既存のAppStateを返す。
func (r *Registry) Register(app *model.App) *AppState {
	r.mu.Lock()
	defer r.mu.Unlock()

	if st, ok := r.byHandle[app.Handle]; ok {
		st.SetApp(app)
		return st
	}
	st := newAppState(app)
	r.byHandle[app.Handle] = st
	return st
}

// Get はハンドルに対応するAppStateを返す。未登録の場合はnilを返す。
func (r *Registry) Get(handle string) *AppState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byHandle[handle]
}

// Remove はアプリの登録を解除する。
func (r *Registry) Remove(handle string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byHandle, handle)
}

// All は登録中の全AppStateを返す。順序は不定。
func (r *Registry) All() []*AppState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ret := make([]*AppState, 0, len(r.byHandle))
	for _, st := range r.byHandle {
		ret = append(ret, st)
	}
	return ret
}
