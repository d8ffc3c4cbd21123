package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"
)

// NewRecoveryMiddleware はpanic発生時に500レスポンスを返すミドルウェアを生成する。
// 1つのアプリのリクエスト処理で発生したpanicがエンジンプロセス全体を
// 道連れにしないための防波堤。他アプリへの配信は継続する。
func NewRecoveryMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					attrs := []any{
						slog.Any("panic", rec),
						slog.String("method", r.Method),
						slog.String("path", r.URL.Path),
						slog.String("stack", string(debug.Stack())),
					}
					if handle := appHandleFromPath(r.URL.Path); handle != "" {
						attrs = append(attrs, slog.String("app_handle", handle))
					}
					slog.Error("panic recovered", attrs...)
					http.Error(w, "internal server error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
