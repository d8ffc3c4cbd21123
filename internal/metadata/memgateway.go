package metadata

import (
	"context"
	"sync"
	"time"

	"github.com/hitoshi/octbase/internal/model"
)

// MemGateway はインメモリのGateway実装。テストとローカル開発用。
type MemGateway struct {
	mu     sync.Mutex
	nextID int64
	users  []*model.User
	apps   []*model.App
	events []*model.AppEvent
}

// NewMemGateway はMemGatewayを生成する。
func NewMemGateway() *MemGateway {
	return &MemGateway{nextID: 1}
}

// AddUser はテスト用にプラットフォームユーザーを登録する。
func (g *MemGateway) AddUser(u *model.User) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if u.ID == 0 {
		u.ID = g.nextID
		g.nextID++
	}
	g.users = append(g.users, u)
}

// UserByToken はプラットフォームトークンに対応するユーザーを返す。
func (g *MemGateway) UserByToken(ctx context.Context, token string) (*model.User, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, u := range g.users {
		if u.Token == token {
			cp := *u
			return &cp, nil
		}
	}
	return nil, nil
}

// Apps は全アプリ、userIDが正の場合はそのユーザーのアプリのみを返す。
func (g *MemGateway) Apps(ctx context.Context, userID int64) ([]*model.App, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ret := make([]*model.App, 0)
	for _, a := range g.apps {
		if userID > 0 && a.User != userID {
			continue
		}
		cp := *a
		ret = append(ret, &cp)
	}
	return ret, nil
}

// AppByHandle はハンドルに対応するアプリを返す。
func (g *MemGateway) AppByHandle(ctx context.Context, handle string) (*model.App, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, a := range g.apps {
		if a.Handle == handle {
			cp := *a
			return &cp, nil
		}
	}
	return nil, nil
}

// CreateApp はアプリを登録し、採番済みのアプリを返す。
func (g *MemGateway) CreateApp(ctx context.Context, app *model.App) (*model.App, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	cp := *app
	cp.ID = g.nextID
	g.nextID++
	g.apps = append(g.apps, &cp)
	ret := cp
	return &ret, nil
}

// UpdateApp はアプリの属性を更新する。
func (g *MemGateway) UpdateApp(ctx context.Context, app *model.App) (*model.App, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, a := range g.apps {
		if a.ID == app.ID {
			cp := *app
			g.apps[i] = &cp
			ret := cp
			return &ret, nil
		}
	}
	return nil, nil
}

// DeleteApp はアプリの登録を削除する。
func (g *MemGateway) DeleteApp(ctx context.Context, appID int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	kept := g.apps[:0]
	for _, a := range g.apps {
		if a.ID != appID {
			kept = append(kept, a)
		}
	}
	g.apps = kept
	return nil
}

// Events はアプリのイベントログを新しい順で返す。
func (g *MemGateway) Events(ctx context.Context, appID int64) ([]*model.AppEvent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ret := make([]*model.AppEvent, 0)
	// 追記順の逆順＝新しい順
	for i := len(g.events) - 1; i >= 0; i-- {
		if g.events[i].App == appID {
			cp := *g.events[i]
			ret = append(ret, &cp)
		}
	}
	return ret, nil
}

// AddEvent はイベントログに1件追記する。
func (g *MemGateway) AddEvent(ctx context.Context, event *model.AppEvent) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	cp := *event
	if cp.Datetime == nil {
		now := time.Now()
		cp.Datetime = &now
	}
	g.events = append(g.events, &cp)
	return nil
}

// compile-time interface check
var _ Gateway = (*MemGateway)(nil)
