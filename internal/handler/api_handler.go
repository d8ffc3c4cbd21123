package handler

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/octbase/internal/auth"
	"github.com/hitoshi/octbase/internal/metrics"
	"github.com/hitoshi/octbase/internal/middleware"
	"github.com/hitoshi/octbase/internal/model"
	"github.com/hitoshi/octbase/internal/registry"
	"github.com/hitoshi/octbase/internal/schema"
	"github.com/hitoshi/octbase/internal/store"
)

// APIHandler はアプリごとの動的API（/a/{handle}）のHTTPハンドラー。
// スキーマのスナップショットをリクエスト冒頭で1度だけ取得し、リクエスト
// 終端まで同じスナップショットで検証・応答する。
type APIHandler struct {
	registry *registry.Registry
	store    store.RecordStore
	resolver *auth.Resolver
	metrics  metrics.MetricsCollector
}

// NewAPIHandler はAPIHandlerを生成する。
func NewAPIHandler(reg *registry.Registry, recordStore store.RecordStore, resolver *auth.Resolver, collector metrics.MetricsCollector) *APIHandler {
	return &APIHandler{
		registry: reg,
		store:    recordStore,
		resolver: resolver,
		metrics:  collector,
	}
}

// requestScope は1リクエスト分の解決済みコンテキスト。
type requestScope struct {
	app      *model.App
	schema   *schema.Schema
	identity *auth.Identity
}

// Status はアプリのライフサイクル状態を返す。認証不要で、どの状態でも応答する。
// GET /a/{handle}/__oct_status
func (h *APIHandler) Status(w http.ResponseWriter, r *http.Request) {
	handle := chi.URLParam(r, "handle")

	st := h.registry.Get(handle)
	if st == nil {
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewAppNotFoundError(handle))
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": string(st.Status())})
}

// resolveScope はハンドルからアプリ・公開中スキーマ・アイデンティティを解決する。
// スキーマが未公開のアプリにはPENDINGなら404、ERRORなら503を返す。
// ERRORでも公開済みスキーマが残っていれば前回成功時の定義で応答を続ける。
func (h *APIHandler) resolveScope(w http.ResponseWriter, r *http.Request) (*requestScope, bool) {
	handle := chi.URLParam(r, "handle")

	st := h.registry.Get(handle)
	if st == nil {
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewAppNotFoundError(handle))
		return nil, false
	}

	sch := st.Schema()
	if sch == nil {
		status := st.Status()
		code := http.StatusNotFound
		if status == model.StatusError {
			code = http.StatusServiceUnavailable
		}
		writeAPIErrorResponse(w, code, model.NewAppNotRunningError(status))
		return nil, false
	}

	app := st.App()
	identity, err := h.resolver.Resolve(r.Context(), app, sch, middleware.AuthToken(r))
	if err != nil {
		handleServiceError(w, err)
		return nil, false
	}

	return &requestScope{app: app, schema: sch, identity: identity}, true
}

// collection はリクエストが対象とするコレクション定義を返す。
// 予約プレフィックスを持つコレクションは動的ルートから直接は触れない。
func (sc *requestScope) collection(w http.ResponseWriter, r *http.Request) (*schema.Collection, bool) {
	name := chi.URLParam(r, "collection")

	if strings.HasPrefix(name, schema.ReservedPrefix) {
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewCollectionNotFoundError(name))
		return nil, false
	}
	col := sc.schema.Collection(name)
	if col == nil {
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewCollectionNotFoundError(name))
		return nil, false
	}
	return col, true
}

// recordJSON はレコードをAPIレスポンス形式（idとフィールドのフラットなオブジェクト）に変換する。
func recordJSON(rec *model.Record) map[string]any {
	m := make(map[string]any, len(rec.Fields)+1)
	for k, v := range rec.Fields {
		m[k] = v
	}
	m["id"] = rec.ID
	return m
}

// ListRecords はコレクションのレコード一覧を返す。
// クエリパラメータidおよび宣言済みフィールド名による等価フィルタを受け付ける。
// GET /a/{handle}/{collection}
func (h *APIHandler) ListRecords(w http.ResponseWriter, r *http.Request) {
	sc, ok := h.resolveScope(w, r)
	if !ok {
		return
	}
	col, ok := sc.collection(w, r)
	if !ok {
		return
	}
	if err := auth.Authorize(sc.identity, col.Auth, auth.OpList); err != nil {
		handleServiceError(w, err)
		return
	}

	filter := store.Filter{Owner: auth.FilterOwner(sc.identity, col.Auth)}
	for key, values := range r.URL.Query() {
		if len(values) == 0 {
			continue
		}
		if key == "id" {
			filter.ID = values[0]
			continue
		}
		field := col.Field(key)
		if field == nil {
			writeAPIErrorResponse(w, http.StatusBadRequest,
				model.NewValidationError("unknown filter field: "+key))
			return
		}
		value, err := store.ParseFilterValue(field, values[0])
		if err != nil {
			handleServiceError(w, err)
			return
		}
		if filter.Equals == nil {
			filter.Equals = make(map[string]any)
		}
		filter.Equals[key] = value
	}

	records, err := h.store.List(r.Context(), sc.app.Handle, col, filter)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	body := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		body = append(body, recordJSON(rec))
	}
	writeJSON(w, http.StatusOK, body)
}

// GetRecord は単一レコードを返す。
// GET /a/{handle}/{collection}/{id}
func (h *APIHandler) GetRecord(w http.ResponseWriter, r *http.Request) {
	sc, ok := h.resolveScope(w, r)
	if !ok {
		return
	}
	col, ok := sc.collection(w, r)
	if !ok {
		return
	}
	if err := auth.Authorize(sc.identity, col.Auth, auth.OpGet); err != nil {
		handleServiceError(w, err)
		return
	}

	id := chi.URLParam(r, "id")
	rec, err := h.store.Get(r.Context(), sc.app.Handle, col, id, auth.FilterOwner(sc.identity, col.Auth))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if rec == nil {
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewRecordNotFoundError(id))
		return
	}

	writeJSON(w, http.StatusOK, recordJSON(rec))
}

// CreateRecord はレコードを作成し、作成結果を返す。
// POST /a/{handle}/{collection}
func (h *APIHandler) CreateRecord(w http.ResponseWriter, r *http.Request) {
	sc, ok := h.resolveScope(w, r)
	if !ok {
		return
	}
	col, ok := sc.collection(w, r)
	if !ok {
		return
	}
	if err := auth.Authorize(sc.identity, col.Auth, auth.OpCreate); err != nil {
		handleServiceError(w, err)
		return
	}

	var fields map[string]any
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError())
		return
	}

	rec, err := h.store.Create(r.Context(), sc.app.Handle, col, fields, sc.identity.OwnerRef())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	h.metrics.RecordRecordsWritten(1)
	writeJSON(w, http.StatusCreated, recordJSON(rec))
}

// updateRecordRequest はレコード更新リクエストのボディ。
// idを除く残りのキーが部分更新されるフィールド。
type updateRecordRequest map[string]any

// UpdateRecord は部分更新を適用し、更新後のレコードを返す。
// PUT /a/{handle}/{collection}
func (h *APIHandler) UpdateRecord(w http.ResponseWriter, r *http.Request) {
	sc, ok := h.resolveScope(w, r)
	if !ok {
		return
	}
	col, ok := sc.collection(w, r)
	if !ok {
		return
	}
	if err := auth.Authorize(sc.identity, col.Auth, auth.OpUpdate); err != nil {
		handleServiceError(w, err)
		return
	}

	var req updateRecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError())
		return
	}
	id, _ := req["id"].(string)
	if id == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError())
		return
	}
	delete(req, "id")

	rec, err := h.store.Update(r.Context(), sc.app.Handle, col, id, req, auth.FilterOwner(sc.identity, col.Auth))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if rec == nil {
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewRecordNotFoundError(id))
		return
	}

	h.metrics.RecordRecordsWritten(1)
	writeJSON(w, http.StatusOK, recordJSON(rec))
}

// deleteRecordRequest はレコード削除リクエストのボディ。
// idまたはidsのどちらか一方を指定する。
type deleteRecordRequest struct {
	ID  string   `json:"id"`
	IDs []string `json:"ids"`
}

// DeleteRecord は指定レコードを削除し、削除件数を返す。
// DELETE /a/{handle}/{collection}
func (h *APIHandler) DeleteRecord(w http.ResponseWriter, r *http.Request) {
	sc, ok := h.resolveScope(w, r)
	if !ok {
		return
	}
	col, ok := sc.collection(w, r)
	if !ok {
		return
	}
	if err := auth.Authorize(sc.identity, col.Auth, auth.OpDelete); err != nil {
		handleServiceError(w, err)
		return
	}

	var req deleteRecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError())
		return
	}
	ids := req.IDs
	if req.ID != "" {
		ids = append(ids, req.ID)
	}
	if len(ids) == 0 {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError())
		return
	}

	count, err := h.store.Delete(r.Context(), sc.app.Handle, col, ids, auth.FilterOwner(sc.identity, col.Auth))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	h.metrics.RecordRecordsWritten(count)
	writeJSON(w, http.StatusOK, map[string]int{"deleted": count})
}

// appUserResponse はアプリ内ユーザー一覧のレスポンス。
// pass・tokenは管理者にも露出しない。
type appUserResponse struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// ListAppUsers はアプリ内ユーザーの一覧を返す。管理者トークン専用。
// GET /a/{handle}/auth/user
func (h *APIHandler) ListAppUsers(w http.ResponseWriter, r *http.Request) {
	sc, ok := h.resolveScope(w, r)
	if !ok {
		return
	}
	if !h.requireAdmin(w, sc) {
		return
	}

	col := sc.schema.Collection(schema.UserCollection)
	records, err := h.store.List(r.Context(), sc.app.Handle, col, store.Filter{})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	body := make([]appUserResponse, 0, len(records))
	for _, rec := range records {
		name, _ := rec.Fields["name"].(string)
		email, _ := rec.Fields["email"].(string)
		body = append(body, appUserResponse{ID: rec.ID, Name: name, Email: email})
	}
	writeJSON(w, http.StatusOK, body)
}

// createAppUserRequest はアプリ内ユーザー作成リクエストのボディ。
type createAppUserRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Pass  string `json:"pass"`
	Token string `json:"token"`
}

// CreateAppUser はアプリ内ユーザーを作成する。管理者トークン専用。
// POST /a/{handle}/auth/user
func (h *APIHandler) CreateAppUser(w http.ResponseWriter, r *http.Request) {
	sc, ok := h.resolveScope(w, r)
	if !ok {
		return
	}
	if !h.requireAdmin(w, sc) {
		return
	}

	var req createAppUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError())
		return
	}
	if req.Name == "" || req.Token == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest,
			model.NewValidationError("name and token are required"))
		return
	}

	col := sc.schema.Collection(schema.UserCollection)
	rec, err := h.store.Create(r.Context(), sc.app.Handle, col, map[string]any{
		"name":  req.Name,
		"email": req.Email,
		"pass":  req.Pass,
		"token": req.Token,
	}, sc.identity.OwnerRef())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	h.metrics.RecordRecordsWritten(1)
	name, _ := rec.Fields["name"].(string)
	email, _ := rec.Fields["email"].(string)
	writeJSON(w, http.StatusCreated, appUserResponse{ID: rec.ID, Name: name, Email: email})
}

// requireAdmin は管理者アイデンティティを要求する。
// 匿名には401、認証済み非管理者には403を返す。
func (h *APIHandler) requireAdmin(w http.ResponseWriter, sc *requestScope) bool {
	if sc.identity.Kind == auth.KindAdmin {
		return true
	}
	if sc.identity.Kind == auth.KindAnonymous {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return false
	}
	writeAPIErrorResponse(w, http.StatusForbidden, model.NewForbiddenError())
	return false
}
