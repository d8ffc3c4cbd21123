package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hitoshi/octbase/internal/metadata"
	"github.com/hitoshi/octbase/internal/model"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// platformUserContextKey はリクエストコンテキストにプラットフォームユーザーを
// 格納するためのキー。
var platformUserContextKey = contextKey("platform_user")

// NewPlatformAuthMiddleware はAuthorizationヘッダーのトークンを
// メタデータサービスで検証し、プラットフォームユーザーをコンテキストに
// 注入するミドルウェアを返す。コントロールプレーン（/meta）専用であり、
// 未認証リクエストには401 Unauthorizedを返す。
func NewPlatformAuthMiddleware(gateway metadata.Gateway) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := AuthToken(r)
			if token == "" {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			user, err := gateway.UserByToken(r.Context(), token)
			if err != nil {
				slog.Error("プラットフォームユーザーの照会に失敗しました",
					slog.String("error", err.Error()),
				)
				WriteInternalServerError(w)
				return
			}
			if user == nil {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			ctx := context.WithValue(r.Context(), platformUserContextKey, user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// PlatformUserFromContext はリクエストコンテキストからプラットフォーム
// ユーザーを取得する。認証ミドルウェアを通過したリクエストでのみ有効。
func PlatformUserFromContext(ctx context.Context) (*model.User, error) {
	user, ok := ctx.Value(platformUserContextKey).(*model.User)
	if !ok || user == nil {
		return nil, fmt.Errorf("platform user not found in context")
	}
	return user, nil
}

// ContextWithPlatformUser はコンテキストにプラットフォームユーザーを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithPlatformUser(ctx context.Context, user *model.User) context.Context {
	return context.WithValue(ctx, platformUserContextKey, user)
}

// UserIDFromContext はリクエストコンテキストからユーザーIDの文字列表現を
// 取得する。ロギングとレート制限のキーとして使用する。
func UserIDFromContext(ctx context.Context) (string, error) {
	user, err := PlatformUserFromContext(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d", user.ID), nil
}
