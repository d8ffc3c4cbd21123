package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/octbase/internal/model"
	"github.com/hitoshi/octbase/internal/schema"
)

// MemStore はインメモリのRecordStore実装。
// テストと開発用であり、プロセス終了でデータは失われる。
// 単一ミューテックスで全操作を直列化するため、レコード単位の線形化は自明に
// 成立する。挿入順はコレクションごとのスライスで保持する。
type MemStore struct {
	mu   sync.Mutex
	apps map[string]*memApp
}

type memApp struct {
	// collections はコレクション名→挿入順レコード列。
	collections map[string][]*model.Record
}

// NewMemStore はMemStoreを生成する。
func NewMemStore() *MemStore {
	return &MemStore{
		apps: make(map[string]*memApp),
	}
}

func (s *MemStore) app(handle string) *memApp {
	a, ok := s.apps[handle]
	if !ok {
		a = &memApp{collections: make(map[string][]*model.Record)}
		s.apps[handle] = a
	}
	return a
}

// relationExists はロック保持中に参照先レコードの存在を判定する。
func (s *MemStore) relationExists(appHandle string) relationExistsFunc {
	return func(_ context.Context, target, id string) (bool, error) {
		for _, rec := range s.app(appHandle).collections[target] {
			if rec.ID == id {
				return true, nil
			}
		}
		return false, nil
	}
}

// Create はフィールドを検証してレコードを作成する。
func (s *MemStore) Create(ctx context.Context, appHandle string, col *schema.Collection, fields map[string]any, owner string) (*model.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	normalized, err := validateFields(ctx, col, fields, false, s.relationExists(appHandle))
	if err != nil {
		return nil, err
	}

	now := time.Now()
	rec := &model.Record{
		ID:        uuid.New().String(),
		Owner:     owner,
		Fields:    normalized,
		CreatedAt: now,
		UpdatedAt: now,
	}
	a := s.app(appHandle)
	a.collections[col.Name] = append(a.collections[col.Name], rec)
	return copyRecord(rec), nil
}

// Get は指定IDのレコードを返す。見つからない場合はnilを返す。
func (s *MemStore) Get(ctx context.Context, appHandle string, col *schema.Collection, id string, owner string) (*model.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range s.app(appHandle).collections[col.Name] {
		if rec.ID == id && ownerMatches(rec, owner) {
			return copyRecord(rec), nil
		}
	}
	return nil, nil
}

// List は挿入順のレコード列を返す。
func (s *MemStore) List(ctx context.Context, appHandle string, col *schema.Collection, f Filter) ([]*model.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ret := make([]*model.Record, 0)
	for _, rec := range s.app(appHandle).collections[col.Name] {
		if matchesFilter(rec, f) {
			ret = append(ret, copyRecord(rec))
		}
	}
	return ret, nil
}

// Update は部分更新を適用し、更新後のレコードを返す。
func (s *MemStore) Update(ctx context.Context, appHandle string, col *schema.Collection, id string, fields map[string]any, owner string) (*model.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	normalized, err := validateFields(ctx, col, fields, true, s.relationExists(appHandle))
	if err != nil {
		return nil, err
	}

	for _, rec := range s.app(appHandle).collections[col.Name] {
		if rec.ID != id || !ownerMatches(rec, owner) {
			continue
		}
		for k, v := range normalized {
			rec.Fields[k] = v
		}
		rec.UpdatedAt = time.Now()
		return copyRecord(rec), nil
	}
	return nil, model.NewRecordNotFoundError(id)
}

// Delete は指定IDのレコード群を削除し、削除件数を返す。
func (s *MemStore) Delete(ctx context.Context, appHandle string, col *schema.Collection, ids []string, owner string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	targets := make(map[string]bool, len(ids))
	for _, id := range ids {
		targets[id] = true
	}

	a := s.app(appHandle)
	kept := a.collections[col.Name][:0]
	deleted := 0
	for _, rec := range a.collections[col.Name] {
		if targets[rec.ID] && ownerMatches(rec, owner) {
			deleted++
			continue
		}
		kept = append(kept, rec)
	}
	a.collections[col.Name] = kept
	return deleted, nil
}

// DropCollection はコレクションの全レコードを破棄する。
func (s *MemStore) DropCollection(ctx context.Context, appHandle, collection string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.app(appHandle).collections, collection)
	return nil
}

// DropApp はアプリの全レコードを破棄する。
func (s *MemStore) DropApp(ctx context.Context, appHandle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.apps, appHandle)
	return nil
}

// copyRecord は内部状態の漏洩を防ぐためレコードを複製して返す。
func copyRecord(rec *model.Record) *model.Record {
	fields := make(map[string]any, len(rec.Fields))
	for k, v := range rec.Fields {
		fields[k] = v
	}
	cp := *rec
	cp.Fields = fields
	return &cp
}

// compile-time interface check
var _ RecordStore = (*MemStore)(nil)
