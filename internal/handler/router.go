package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/octbase/internal/auth"
	"github.com/hitoshi/octbase/internal/metadata"
	"github.com/hitoshi/octbase/internal/metrics"
	"github.com/hitoshi/octbase/internal/middleware"
	"github.com/hitoshi/octbase/internal/registry"
	"github.com/hitoshi/octbase/internal/store"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter

	// コントロールプレーン
	Gateway metadata.Gateway
	Syncer  SyncService

	// 動的API
	Registry *registry.Registry
	Store    store.RecordStore
	Resolver *auth.Resolver

	// 観測
	Metrics  metrics.MetricsCollector
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	CORSMiddleware → PlatformAuthMiddleware → RateLimitMiddleware（/metaのみ）
//
// 動的API（/a/{handle}）はアプリ自身のトークンモデルで認証するため、
// プラットフォーム認証チェーンの外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	// panic回復を最上位に、CORSを全ルートに適用
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	metaHandler := NewMetaHandler(deps.Gateway, deps.Registry, deps.Store, deps.Syncer, deps.Logger)
	apiHandler := NewAPIHandler(deps.Registry, deps.Store, deps.Resolver, deps.Metrics)

	// --- 認証不要のルート ---

	// 死活確認
	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "RUNNING"})
	})

	// Prometheusメトリクス
	r.Handle("/metrics", metrics.Handler(deps.Gatherer))

	// --- コントロールプレーン（プラットフォームトークン認証） ---
	// ミドルウェアスタック: PlatformAuth → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewPlatformAuthMiddleware(deps.Gateway))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Get("/auth/info", metaHandler.AuthInfo)

		r.Route("/meta", func(r chi.Router) {
			r.Get("/app", metaHandler.ListApps)
			r.Post("/app", metaHandler.CreateApp)
			r.Put("/app", metaHandler.UpdateApp)
			r.Delete("/app", metaHandler.DeleteApp)

			// POST /meta/sync - git cloneを伴うためsync専用レート制限を追加
			r.With(deps.RateLimiter.SyncMiddleware()).Post("/sync", metaHandler.SyncApp)
		})
	})

	// --- 動的API（アプリごとのトークンモデル） ---
	r.Route("/a/{handle}", func(r chi.Router) {
		r.Use(newAPIMetricsMiddleware(deps.Metrics))

		r.Get("/__oct_status", apiHandler.Status)

		r.Route("/auth/user", func(r chi.Router) {
			r.Get("/", apiHandler.ListAppUsers)
			r.Post("/", apiHandler.CreateAppUser)
		})

		r.Route("/{collection}", func(r chi.Router) {
			r.Get("/", apiHandler.ListRecords)
			r.Post("/", apiHandler.CreateRecord)
			r.Put("/", apiHandler.UpdateRecord)
			r.Delete("/", apiHandler.DeleteRecord)
			r.Get("/{id}", apiHandler.GetRecord)
		})
	})

	return r
}

// metricsRecorder はhttp.ResponseWriterをラップし、ステータスコードを記録する。
type metricsRecorder struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (mr *metricsRecorder) WriteHeader(code int) {
	if !mr.written {
		mr.statusCode = code
		mr.written = true
	}
	mr.ResponseWriter.WriteHeader(code)
}

func (mr *metricsRecorder) Write(b []byte) (int, error) {
	if !mr.written {
		mr.statusCode = http.StatusOK
		mr.written = true
	}
	return mr.ResponseWriter.Write(b)
}

// newAPIMetricsMiddleware は動的APIのリクエスト数とレイテンシを記録する
// ミドルウェアを返す。
func newAPIMetricsMiddleware(collector metrics.MetricsCollector) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &metricsRecorder{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rec, r)

			handle := chi.URLParam(r, "handle")
			collector.RecordAPIRequest(handle, r.Method, rec.statusCode)
			collector.RecordAPILatency(time.Since(start))
		})
	}
}
