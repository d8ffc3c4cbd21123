package handler

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/octbase/internal/metadata"
	"github.com/hitoshi/octbase/internal/middleware"
	"github.com/hitoshi/octbase/internal/model"
	"github.com/hitoshi/octbase/internal/registry"
	"github.com/hitoshi/octbase/internal/store"
)

// handleLength は新規アプリに採番するハンドルの長さ。
const handleLength = 5

// adminTokenLength は新規アプリの管理者トークンの長さ。
const adminTokenLength = 20

// maxRecordsPerApp はアプリごとのストレージ上限（レコード件数）。
const maxRecordsPerApp = 10000

// SyncService はコントロールプレーンが必要とするsync操作のインターフェース。
type SyncService interface {
	// Sync はアプリ定義のclone・コンパイル・公開を実行する。
	Sync(ctx context.Context, st *registry.AppState) error
	// RemoveData はアプリのcheckoutディレクトリを破棄する。
	RemoveData(handle string) error
}

// MetaHandler はコントロールプレーン（/meta）のHTTPハンドラー。
// アプリ構成のsystem-of-recordはメタデータサービスであり、ここでは
// レジストリとの整合を保ちながらゲートウェイ越しに読み書きする。
type MetaHandler struct {
	gateway  metadata.Gateway
	registry *registry.Registry
	store    store.RecordStore
	syncer   SyncService
	logger   *slog.Logger
}

// NewMetaHandler はMetaHandlerを生成する。
func NewMetaHandler(gateway metadata.Gateway, reg *registry.Registry, recordStore store.RecordStore, syncer SyncService, logger *slog.Logger) *MetaHandler {
	return &MetaHandler{
		gateway:  gateway,
		registry: reg,
		store:    recordStore,
		syncer:   syncer,
		logger:   logger,
	}
}

// storageResponse はアプリのストレージ使用状況。
type storageResponse struct {
	Usage int `json:"usage"`
	Limit int `json:"limit"`
}

// eventResponse はアプリのイベントログエントリ。
type eventResponse struct {
	Datetime *time.Time `json:"datetime"`
	Content  string     `json:"content"`
}

// appResponse はコントロールプレーンのアプリ情報レスポンス。
type appResponse struct {
	ID         int64           `json:"id"`
	Name       string          `json:"name"`
	Handle     string          `json:"handle"`
	GitRepo    string          `json:"git_repo"`
	GitRef     string          `json:"git_ref"`
	AdminToken string          `json:"admin_token"`
	BaseURI    string          `json:"base_uri"`
	Status     string          `json:"status"`
	Storage    storageResponse `json:"storage"`
	Events     []eventResponse `json:"events"`
}

// ListApps は認証ユーザーのアプリ一覧を返す。
// GET /meta/app
func (h *MetaHandler) ListApps(w http.ResponseWriter, r *http.Request) {
	user, err := middleware.PlatformUserFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	apps, err := h.gateway.Apps(r.Context(), user.ID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	body := make([]appResponse, 0, len(apps))
	for _, app := range apps {
		body = append(body, h.toAppResponse(r.Context(), app))
	}
	writeJSON(w, http.StatusOK, body)
}

// createAppRequest はアプリ作成リクエストのボディ。
type createAppRequest struct {
	Name string `json:"name"`
}

// CreateApp はアプリを作成する。ハンドルと管理者トークンはここで採番し、
// 状態はPENDINGで登録する。
// POST /meta/app
func (h *MetaHandler) CreateApp(w http.ResponseWriter, r *http.Request) {
	user, err := middleware.PlatformUserFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	var req createAppRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError())
		return
	}

	// 同一ユーザー内でのアプリ名の重複は拒否する
	if existing, err := h.findOwnApp(r.Context(), user.ID, req.Name); err != nil {
		handleServiceError(w, err)
		return
	} else if existing != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest,
			model.NewValidationError(fmt.Sprintf("app %s already exists", req.Name)))
		return
	}

	handle, err := h.newHandle(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	token, err := randomString(adminTokenLength)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	app, err := h.gateway.CreateApp(r.Context(), &model.App{
		User:       user.ID,
		Name:       req.Name,
		Handle:     handle,
		AdminToken: token,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	h.registry.Register(app)
	h.logger.Info("アプリを作成しました",
		slog.String("handle", app.Handle),
		slog.String("name", app.Name),
	)

	writeJSON(w, http.StatusCreated, h.toAppResponse(r.Context(), app))
}

// updateAppRequest はアプリ更新リクエストのボディ。
// 更新できるのはgit_repoとgit_refのみ。name/handle/admin_tokenは不変。
type updateAppRequest struct {
	Name    string `json:"name"`
	GitRepo string `json:"git_repo"`
	GitRef  string `json:"git_ref"`
}

// UpdateApp はアプリのgitリポジトリ設定を更新する。
// PUT /meta/app
func (h *MetaHandler) UpdateApp(w http.ResponseWriter, r *http.Request) {
	user, err := middleware.PlatformUserFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	var req updateAppRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError())
		return
	}

	app, err := h.findOwnApp(r.Context(), user.ID, req.Name)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if app == nil {
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewAppNotFoundError(req.Name))
		return
	}

	app.GitRepo = req.GitRepo
	app.GitRef = req.GitRef
	updated, err := h.gateway.UpdateApp(r.Context(), app)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	h.registry.Register(updated)
	writeJSON(w, http.StatusOK, h.toAppResponse(r.Context(), updated))
}

// deleteAppRequest はアプリ削除リクエストのボディ。
type deleteAppRequest struct {
	Name string `json:"name"`
}

// DeleteApp はアプリを削除する。レコードとcheckoutも破棄する。
// DELETE /meta/app
func (h *MetaHandler) DeleteApp(w http.ResponseWriter, r *http.Request) {
	user, err := middleware.PlatformUserFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	var req deleteAppRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError())
		return
	}

	app, err := h.findOwnApp(r.Context(), user.ID, req.Name)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if app == nil {
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewAppNotFoundError(req.Name))
		return
	}

	if err := h.gateway.DeleteApp(r.Context(), app.ID); err != nil {
		handleServiceError(w, err)
		return
	}
	if err := h.store.DropApp(r.Context(), app.Handle); err != nil {
		handleServiceError(w, err)
		return
	}
	if err := h.syncer.RemoveData(app.Handle); err != nil {
		h.logger.Error("checkoutの破棄に失敗しました",
			slog.String("handle", app.Handle),
			slog.String("error", err.Error()),
		)
	}
	h.registry.Remove(app.Handle)

	h.logger.Info("アプリを削除しました", slog.String("handle", app.Handle))
	w.WriteHeader(http.StatusNoContent)
}

// syncAppRequest はsync要求のボディ。
type syncAppRequest struct {
	Name string `json:"name"`
}

// SyncApp は指定アプリのsyncを実行する。
// git_repoが未設定の場合は400を返す。
// POST /meta/sync
func (h *MetaHandler) SyncApp(w http.ResponseWriter, r *http.Request) {
	user, err := middleware.PlatformUserFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	var req syncAppRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError())
		return
	}

	app, err := h.findOwnApp(r.Context(), user.ID, req.Name)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if app == nil {
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewAppNotFoundError(req.Name))
		return
	}
	if app.GitRepo == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest,
			model.NewValidationError("git_repo is not configured"))
		return
	}

	st := h.registry.Register(app)
	if err := h.syncer.Sync(r.Context(), st); err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": string(st.Status())})
}

// authInfoResponse はプラットフォームユーザー情報のレスポンス。
type authInfoResponse struct {
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
}

// AuthInfo は認証済みプラットフォームユーザーの情報を返す。
// GET /auth/info
func (h *MetaHandler) AuthInfo(w http.ResponseWriter, r *http.Request) {
	user, err := middleware.PlatformUserFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	writeJSON(w, http.StatusOK, authInfoResponse{
		Username:    user.Username,
		DisplayName: user.DisplayName,
	})
}

// --- ヘルパー ---

// findOwnApp は認証ユーザーのアプリを名前で検索する。見つからない場合はnilを返す。
func (h *MetaHandler) findOwnApp(ctx context.Context, userID int64, name string) (*model.App, error) {
	apps, err := h.gateway.Apps(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list apps: %w", err)
	}
	for _, app := range apps {
		if app.Name == name {
			return app, nil
		}
	}
	return nil, nil
}

// toAppResponse はアプリ情報・状態・ストレージ使用量・イベントログを集約する。
func (h *MetaHandler) toAppResponse(ctx context.Context, app *model.App) appResponse {
	status := model.StatusPending
	usage := 0
	if st := h.registry.Get(app.Handle); st != nil {
		status = st.Status()
		usage = h.storageUsage(ctx, app.Handle, st)
	}

	events := make([]eventResponse, 0)
	appEvents, err := h.gateway.Events(ctx, app.ID)
	if err != nil {
		h.logger.Error("イベントログの取得に失敗しました",
			slog.String("handle", app.Handle),
			slog.String("error", err.Error()),
		)
	} else {
		for _, ev := range appEvents {
			events = append(events, eventResponse{Datetime: ev.Datetime, Content: ev.Content})
		}
	}

	return appResponse{
		ID:         app.ID,
		Name:       app.Name,
		Handle:     app.Handle,
		GitRepo:    app.GitRepo,
		GitRef:     app.GitRef,
		AdminToken: app.AdminToken,
		BaseURI:    app.BaseURI(),
		Status:     string(status),
		Storage:    storageResponse{Usage: usage, Limit: maxRecordsPerApp},
		Events:     events,
	}
}

// storageUsage は公開中スキーマの全コレクションのレコード件数を合算する。
// スキーマ未公開のアプリは0を返す。
func (h *MetaHandler) storageUsage(ctx context.Context, handle string, st *registry.AppState) int {
	sch := st.Schema()
	if sch == nil {
		return 0
	}

	total := 0
	for i := range sch.Collections {
		records, err := h.store.List(ctx, handle, &sch.Collections[i], store.Filter{})
		if err != nil {
			h.logger.Error("ストレージ使用量の集計に失敗しました",
				slog.String("handle", handle),
				slog.String("collection", sch.Collections[i].Name),
				slog.String("error", err.Error()),
			)
			continue
		}
		total += len(records)
	}
	return total
}

// newHandle は未使用のハンドルを採番する。
func (h *MetaHandler) newHandle(ctx context.Context) (string, error) {
	for attempt := 0; attempt < 10; attempt++ {
		handle, err := randomString(handleLength)
		if err != nil {
			return "", err
		}
		existing, err := h.gateway.AppByHandle(ctx, handle)
		if err != nil {
			return "", fmt.Errorf("failed to check handle: %w", err)
		}
		if existing == nil {
			return handle, nil
		}
	}
	return "", fmt.Errorf("failed to allocate a unique handle")
}

// handleAlphabet はハンドルと管理者トークンに使う文字集合。
const handleAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// randomString は暗号学的乱数によるランダム文字列を返す。
func randomString(length int) (string, error) {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	for i := range buf {
		buf[i] = handleAlphabet[int(buf[i])%len(handleAlphabet)]
	}
	return string(buf), nil
}
