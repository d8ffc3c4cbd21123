// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// 原因カテゴリとユーザー向け対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, schema, sync, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeValidationFailed   = "VALIDATION_FAILED"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeForbidden          = "FORBIDDEN"
	ErrCodeAppNotFound        = "APP_NOT_FOUND"
	ErrCodeCollectionNotFound = "COLLECTION_NOT_FOUND"
	ErrCodeRecordNotFound     = "RECORD_NOT_FOUND"
	ErrCodeAppNotRunning      = "APP_NOT_RUNNING"
	ErrCodeSyncFailed         = "SYNC_FAILED"
	ErrCodeInvalidRequest     = "INVALID_REQUEST"
)

// NewValidationError はスキーマ検証エラーを生成する。
// detailにはフィールド単位の理由を含める。
func NewValidationError(detail string) *APIError {
	return &APIError{
		Code:     ErrCodeValidationFailed,
		Message:  fmt.Sprintf("リクエストがコレクションのスキーマに違反しています: %s", detail),
		Category: "validation",
		Action:   "コレクションのフィールド定義を確認してください。",
	}
}

// NewUnauthorizedError はトークン未指定・無効エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "トークンが未指定、または無効です。",
		Category: "auth",
		Action:   "Authorization: token <値> ヘッダーを確認してください。",
	}
}

// NewForbiddenError は権限不足エラーを生成する。
func NewForbiddenError() *APIError {
	return &APIError{
		Code:     ErrCodeForbidden,
		Message:  "この操作を行う権限がありません。",
		Category: "auth",
		Action:   "コレクションのアクセスポリシーを確認してください。",
	}
}

// NewAppNotFoundError はアプリ未検出エラーを生成する。
func NewAppNotFoundError(handle string) *APIError {
	return &APIError{
		Code:     ErrCodeAppNotFound,
		Message:  fmt.Sprintf("指定されたアプリが見つかりません: %s", handle),
		Category: "validation",
		Action:   "アプリのハンドルを確認してください。",
	}
}

// NewCollectionNotFoundError はコレクション未検出エラーを生成する。
func NewCollectionNotFoundError(name string) *APIError {
	return &APIError{
		Code:     ErrCodeCollectionNotFound,
		Message:  fmt.Sprintf("指定されたコレクションが見つかりません: %s", name),
		Category: "validation",
		Action:   "アプリ定義に宣言されたコレクション名を確認してください。",
	}
}

// NewRecordNotFoundError はレコード未検出エラーを生成する。
func NewRecordNotFoundError(id string) *APIError {
	return &APIError{
		Code:     ErrCodeRecordNotFound,
		Message:  fmt.Sprintf("指定されたレコードが見つかりません: %s", id),
		Category: "validation",
		Action:   "レコードIDを確認してください。",
	}
}

// NewAppNotRunningError は未稼働アプリへのアクセスエラーを生成する。
func NewAppNotRunningError(status Status) *APIError {
	return &APIError{
		Code:     ErrCodeAppNotRunning,
		Message:  fmt.Sprintf("アプリは稼働していません（状態: %s）。", status),
		Category: "sync",
		Action:   "アプリをsyncして状態をRUNNINGにしてください。",
	}
}

// NewSyncFailedError はsync失敗エラーを生成する。
func NewSyncFailedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeSyncFailed,
		Message:  fmt.Sprintf("アプリのsyncに失敗しました: %s", reason),
		Category: "sync",
		Action:   "アプリのイベントログとapp.ymlの内容を確認してください。",
	}
}

// NewInvalidRequestError は不正なリクエストボディのエラーを生成する。
func NewInvalidRequestError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  "リクエストボディを解釈できません。",
		Category: "validation",
		Action:   "JSONの形式と必須パラメータを確認してください。",
	}
}
