package metadata

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/hitoshi/octbase/internal/model"
)

// Client はメタデータサービスのHTTPクライアント。
// リスト系エンドポイントはクエリパラメータによる絞り込みに対応し、
// 単一リソースの取得は0件ならnil、2件以上なら不整合としてエラーを返す。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	baseURL    string
}

// NewClient はClient の新しいインスタンスを生成する。
// baseURLは末尾スラッシュなしで指定する（例: "http://localhost:8000"）。
func NewClient(httpClient *http.Client, logger *slog.Logger, baseURL string) *Client {
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		baseURL:    baseURL,
	}
}

// UserByToken はプラットフォームトークンに対応するユーザーを返す。
func (c *Client) UserByToken(ctx context.Context, token string) (*model.User, error) {
	var users []*model.User
	q := url.Values{"token": {token}}
	if err := c.getJSON(ctx, "/user/", q, &users); err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, nil
	}
	if len(users) > 1 {
		return nil, fmt.Errorf("metadata service returned %d users for one token", len(users))
	}
	return users[0], nil
}

// Apps は全アプリ、userIDが正の場合はそのユーザーのアプリのみを返す。
func (c *Client) Apps(ctx context.Context, userID int64) ([]*model.App, error) {
	q := url.Values{}
	if userID > 0 {
		q.Set("user__id", fmt.Sprintf("%d", userID))
	}
	var apps []*model.App
	if err := c.getJSON(ctx, "/app/", q, &apps); err != nil {
		return nil, err
	}
	return apps, nil
}

// AppByHandle はハンドルに対応するアプリを返す。
func (c *Client) AppByHandle(ctx context.Context, handle string) (*model.App, error) {
	var apps []*model.App
	q := url.Values{"handle": {handle}}
	if err := c.getJSON(ctx, "/app/", q, &apps); err != nil {
		return nil, err
	}
	if len(apps) == 0 {
		return nil, nil
	}
	if len(apps) > 1 {
		return nil, fmt.Errorf("metadata service returned %d apps for handle %s", len(apps), handle)
	}
	return apps[0], nil
}

// CreateApp はアプリを登録し、採番済みのアプリを返す。
func (c *Client) CreateApp(ctx context.Context, app *model.App) (*model.App, error) {
	created := &model.App{}
	if err := c.sendJSON(ctx, http.MethodPost, "/app/", app, created); err != nil {
		return nil, err
	}
	return created, nil
}

// UpdateApp はアプリの属性を更新する。
func (c *Client) UpdateApp(ctx context.Context, app *model.App) (*model.App, error) {
	updated := &model.App{}
	path := fmt.Sprintf("/app/%d/", app.ID)
	if err := c.sendJSON(ctx, http.MethodPut, path, app, updated); err != nil {
		return nil, err
	}
	return updated, nil
}

// DeleteApp はアプリの登録を削除する。
func (c *Client) DeleteApp(ctx context.Context, appID int64) error {
	path := fmt.Sprintf("/app/%d/", appID)
	return c.sendJSON(ctx, http.MethodDelete, path, nil, nil)
}

// Events はアプリのイベントログを新しい順で返す。
func (c *Client) Events(ctx context.Context, appID int64) ([]*model.AppEvent, error) {
	q := url.Values{
		"app__id":  {fmt.Sprintf("%d", appID)},
		"ordering": {"-datetime"},
	}
	var events []*model.AppEvent
	if err := c.getJSON(ctx, "/event/", q, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// AddEvent はイベントログに1件追記する。
func (c *Client) AddEvent(ctx context.Context, event *model.AppEvent) error {
	return c.sendJSON(ctx, http.MethodPost, "/event/", event, nil)
}

// getJSON はGETリクエストを実行してレスポンスJSONをoutにデコードする。
func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("メタデータAPIの呼び出しに失敗しました",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to call metadata service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Error("メタデータAPIがエラーステータスを返しました",
			slog.String("path", path),
			slog.Int("http_status", resp.StatusCode),
		)
		return fmt.Errorf("metadata service returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode metadata response: %w", err)
	}
	return nil
}

// sendJSON はボディ付きリクエストを実行する。outがnilでなければ
// レスポンスJSONをデコードする。
func (c *Client) sendJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("メタデータAPIの呼び出しに失敗しました",
			slog.String("path", path),
			slog.String("method", method),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to call metadata service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Error("メタデータAPIがエラーステータスを返しました",
			slog.String("path", path),
			slog.String("method", method),
			slog.Int("http_status", resp.StatusCode),
		)
		return fmt.Errorf("metadata service returned status %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to decode metadata response: %w", err)
	}
	return nil
}

// compile-time interface check
var _ Gateway = (*Client)(nil)
