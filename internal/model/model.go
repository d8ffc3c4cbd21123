// Package model はドメインモデルを定義する。
package model

import "time"

// Status はアプリのライフサイクル状態を表す。
type Status string

const (
	// StatusPending は初回sync前の状態。
	StatusPending Status = "PENDING"
	// StatusRunning はスキーマが公開済みでAPIが稼働中の状態。
	StatusRunning Status = "RUNNING"
	// StatusError は直近のsyncが失敗した状態。
	StatusError Status = "ERROR"
)

// App はエンジンにホストされるテナントアプリを表す。
// メタデータストアがsystem-of-recordであり、エンジンは設定の読み手に徹する。
type App struct {
	ID         int64  `json:"id"`
	User       int64  `json:"user"`
	Name       string `json:"name"`
	Handle     string `json:"handle"`
	GitRepo    string `json:"git_repo"`
	GitRef     string `json:"git_ref"`
	AdminToken string `json:"admin_token"`
}

// BaseURI はアプリの動的APIのベースパスを返す。
func (a *App) BaseURI() string {
	return "/a/" + a.Handle
}

// User はプラットフォームユーザーを表す。
// アプリ内ユーザー（__oct_userコレクション）とは別の概念。
type User struct {
	ID          int64  `json:"id"`
	Username    string `json:"username"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	Token       string `json:"token"`
}

// AppEvent はsync等の監査ログエントリを表す。追記のみで不変。
type AppEvent struct {
	App      int64      `json:"app"`
	Datetime *time.Time `json:"datetime,omitempty"`
	Content  string     `json:"content"`
}

// Record はコレクション内の1行を表す。
// Fieldsはスキーマ検証済みの正規化値のみを保持する。
type Record struct {
	ID        string
	Owner     string
	Fields    map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

// OwnerAdmin は管理者トークンで作成されたレコードのオーナー参照。
const OwnerAdmin = "admin"
