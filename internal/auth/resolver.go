// Package auth はアプリAPIのアイデンティティ解決と認可判定を提供する。
package auth

import (
	"context"
	"fmt"

	"github.com/hitoshi/octbase/internal/model"
	"github.com/hitoshi/octbase/internal/schema"
	"github.com/hitoshi/octbase/internal/store"
)

// Operation はレコードAPIの操作種別を表す。
type Operation string

const (
	OpList   Operation = "list"
	OpGet    Operation = "get"
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// requiresWrite は操作がwriteアクセスレベルを要求するかを返す。
func (op Operation) requiresWrite() bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// IdentityKind はアイデンティティの種別を表す。
type IdentityKind string

const (
	// KindAdmin はアプリ管理者トークンによるアイデンティティ。
	KindAdmin IdentityKind = "admin"
	// KindAppUser は__oct_userレコードのトークンによるアイデンティティ。
	KindAppUser IdentityKind = "app_user"
	// KindAnonymous はトークンなしのアイデンティティ。
	KindAnonymous IdentityKind = "anonymous"
)

// Identity は1リクエストの解決済みアイデンティティを表す。
type Identity struct {
	Kind IdentityKind
	// UserID はKindAppUserのとき、対応する__oct_userレコードのID。
	UserID string
}

// OwnerRef は作成レコードに付与するオーナー参照を返す。
func (id *Identity) OwnerRef() string {
	switch id.Kind {
	case KindAdmin:
		return model.OwnerAdmin
	case KindAppUser:
		return id.UserID
	}
	return ""
}

// Resolver はトークンからアイデンティティを解決する。
type Resolver struct {
	store store.RecordStore
}

// NewResolver はResolverを生成する。
func NewResolver(s store.RecordStore) *Resolver {
	return &Resolver{store: s}
}

// Resolve はリクエストのトークンをアイデンティティに解決する。
// 優先順位: 管理者トークン > __oct_userトークン。トークンが空の場合も
// どちらにも一致しない場合も匿名に解決し、アクセス可否の判定は
// コレクションのポリシー（Authorize）に委ねる。
func (r *Resolver) Resolve(ctx context.Context, app *model.App, sch *schema.Schema, token string) (*Identity, error) {
	if token == "" {
		return &Identity{Kind: KindAnonymous}, nil
	}
	if token == app.AdminToken {
		return &Identity{Kind: KindAdmin}, nil
	}

	col := sch.Collection(schema.UserCollection)
	if col == nil {
		return nil, fmt.Errorf("schema is missing the %s collection", schema.UserCollection)
	}
	users, err := r.store.List(ctx, app.Handle, col, store.Filter{
		Equals: map[string]any{"token": token},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to look up app user token: %w", err)
	}
	if len(users) == 0 {
		// 失効済み・無関係なトークンは匿名に降格する
		return &Identity{Kind: KindAnonymous}, nil
	}
	// トークンはアプリ内で一意に運用される。重複時は先勝ち。
	return &Identity{Kind: KindAppUser, UserID: users[0].ID}, nil
}

// Authorize は操作がコレクションのポリシーで許可されるか判定する。
// 管理者はすべての判定をバイパスする。
func Authorize(id *Identity, policy schema.AuthPolicy, op Operation) error {
	if id.Kind == KindAdmin {
		return nil
	}

	level := policy.Read
	if op.requiresWrite() {
		level = policy.Write
	}
	if level == schema.AccessAuthenticated && id.Kind == KindAnonymous {
		return model.NewUnauthorizedError()
	}
	// ownerスコープは匿名アイデンティティに所有権を紐付けられない
	if policy.Scope == schema.ScopeOwner && id.Kind == KindAnonymous {
		return model.NewUnauthorizedError()
	}
	return nil
}

// FilterOwner はlist/get/update/deleteに適用するオーナー制限を返す。
// 空文字列は無制限を意味する。管理者とeveryoneスコープでは制限しない。
func FilterOwner(id *Identity, policy schema.AuthPolicy) string {
	if id.Kind == KindAdmin || policy.Scope != schema.ScopeOwner {
		return ""
	}
	return id.OwnerRef()
}
