// Package metadata はプラットフォームメタデータAPIへのアクセスを提供する。
// アプリ・プラットフォームユーザー・イベントのsystem-of-recordは外部の
// メタデータサービスであり、エンジン本体は本パッケージ経由でのみ参照する。
package metadata

import (
	"context"

	"github.com/hitoshi/octbase/internal/model"
)

// Gateway はメタデータサービスへの操作を定義する。
// 単一リソースの取得は、見つからない場合にエラーではなくnilを返す。
type Gateway interface {
	// UserByToken はプラットフォームトークンに対応するユーザーを返す。
	UserByToken(ctx context.Context, token string) (*model.User, error)

	// Apps は全アプリ、userIDが正の場合はそのユーザーのアプリのみを返す。
	Apps(ctx context.Context, userID int64) ([]*model.App, error)

	// AppByHandle はハンドルに対応するアプリを返す。
	AppByHandle(ctx context.Context, handle string) (*model.App, error)

	// CreateApp はアプリを登録し、採番済みのアプリを返す。
	CreateApp(ctx context.Context, app *model.App) (*model.App, error)

	// UpdateApp はアプリの属性を更新する。
	UpdateApp(ctx context.Context, app *model.App) (*model.App, error)

	// DeleteApp はアプリの登録を削除する。
	DeleteApp(ctx context.Context, appID int64) error

	// Events はアプリのイベントログを新しい順で返す。
	Events(ctx context.Context, appID int64) ([]*model.AppEvent, error)

	// AddEvent はイベントログに1件追記する。
	AddEvent(ctx context.Context, event *model.AppEvent) error
}
