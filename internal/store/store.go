// Package store はアプリごとに分離されたコレクション単位のレコード永続化を
// 提供する。全操作はコンパイル済みスキーマのスナップショットに対して
// フィールド検証を行い、違反はValidationErrorとして呼び出し元に返す。
package store

import (
	"context"

	"github.com/hitoshi/octbase/internal/model"
	"github.com/hitoshi/octbase/internal/schema"
)

// Filter はlist操作の絞り込み条件を表す。
type Filter struct {
	// ID は指定時に単一レコードへ絞り込む。
	ID string
	// Equals は宣言済みフィールドの等価一致条件。
	Equals map[string]any
	// Owner は指定時にオーナー参照で絞り込む（owner-scopedコレクション用）。
	Owner string
}

// RecordStore はアプリ＋コレクション＋スキーマスナップショットに対する
// レコード操作のインターフェース。
// 実装はアプリ間の完全な分離と、同一レコードに対する操作の線形化を保証する。
// owner引数は空文字列のとき無制限（admin、またはスコープ制限なし）を意味する。
type RecordStore interface {
	// Create はフィールドを検証してレコードを作成し、作成結果を返す。
	Create(ctx context.Context, appHandle string, col *schema.Collection, fields map[string]any, owner string) (*model.Record, error)

	// Get は指定IDのレコードを返す。見つからない場合はnilを返す。
	Get(ctx context.Context, appHandle string, col *schema.Collection, id string, owner string) (*model.Record, error)

	// List は挿入順のレコード列を返す。
	List(ctx context.Context, appHandle string, col *schema.Collection, f Filter) ([]*model.Record, error)

	// Update は指定IDのレコードへ部分更新を適用し、更新後の状態を返す。
	Update(ctx context.Context, appHandle string, col *schema.Collection, id string, fields map[string]any, owner string) (*model.Record, error)

	// Delete は指定IDのレコード群を削除し、削除件数を返す。
	Delete(ctx context.Context, appHandle string, col *schema.Collection, ids []string, owner string) (int, error)

	// DropCollection はコレクションの全レコードを破棄する。
	DropCollection(ctx context.Context, appHandle, collection string) error

	// DropApp はアプリの全レコードを破棄する。アプリ削除時に使用する。
	DropApp(ctx context.Context, appHandle string) error
}

// matchesFilter はレコードがフィルタ条件を満たすか判定する。
// 等価一致スキャンであり、二次インデックスは要求しない。
func matchesFilter(rec *model.Record, f Filter) bool {
	if f.ID != "" && rec.ID != f.ID {
		return false
	}
	if f.Owner != "" && rec.Owner != f.Owner {
		return false
	}
	for k, v := range f.Equals {
		if rec.Fields[k] != v {
			return false
		}
	}
	return true
}

// ownerMatches はowner制限付き操作の対象判定を行う。
func ownerMatches(rec *model.Record, owner string) bool {
	return owner == "" || rec.Owner == owner
}
