// Package schema はアプリ定義（YAML）のコンパイルと、コンパイル済みスキーマの
// 型を提供する。コンパイル済みSchemaはイミュータブルであり、sync成功時に
// 丸ごと差し替えられる。
package schema

import "fmt"

// SupportedVersion はサポートするアプリ定義のスキーマバージョン。
const SupportedVersion = "v0.0.1"

// MaxDefinitionSize はapp.ymlの最大サイズ（バイト）。
const MaxDefinitionSize = 64 << 10

// UserCollection はアプリ内ユーザーを保持する予約コレクション名。
const UserCollection = "__oct_user"

// ReservedPrefix はエンジン予約のコレクション名プレフィックス。
const ReservedPrefix = "__oct"

// FieldKind はフィールド型を表す閉じたバリアント。
// 検証・シリアライズはこの型に対する網羅的なswitchで行う。
type FieldKind string

const (
	FieldString   FieldKind = "string"
	FieldInteger  FieldKind = "integer"
	FieldFloat    FieldKind = "float"
	FieldBoolean  FieldKind = "boolean"
	FieldDateTime FieldKind = "datetime"
	FieldRelation FieldKind = "relation"
)

// Field はコレクションの1フィールド定義を表す。
type Field struct {
	Name        string
	Kind        FieldKind
	Description string
	Optional    bool
	// Target はrelationフィールドの参照先コレクション名。
	Target string
	// DefaultNow はdatetimeフィールドで作成時刻を既定値とするか。
	DefaultNow bool
}

// AccessLevel は読み書き操作に要求される認証レベルを表す。
type AccessLevel string

const (
	// AccessPublic は匿名アクセスを許可する。
	AccessPublic AccessLevel = "public"
	// AccessAuthenticated は認証済みアイデンティティを要求する。
	AccessAuthenticated AccessLevel = "authenticated"
)

// Scope はレコードの可視範囲を表す。
type Scope string

const (
	// ScopeEveryone は全レコードを全アイデンティティに可視とする。
	ScopeEveryone Scope = "everyone"
	// ScopeOwner は非管理者の可視範囲を自身のレコードに限定する。
	ScopeOwner Scope = "owner"
)

// AuthPolicy はコレクション単位のアクセスポリシー。
type AuthPolicy struct {
	Read  AccessLevel
	Write AccessLevel
	Scope Scope
}

// Collection はスキーマ内の1コレクション定義を表す。
type Collection struct {
	Name        string
	Description string
	Fields      []Field
	Auth        AuthPolicy
}

// Field は指定名のフィールド定義を返す。見つからない場合はnilを返す。
func (c *Collection) Field(name string) *Field {
	for i := range c.Fields {
		if c.Fields[i].Name == name {
			return &c.Fields[i]
		}
	}
	return nil
}

// Schema はコンパイル済みのアプリスキーマを表す。
// 生成後に変更してはならない。
type Schema struct {
	Name        string
	Collections []Collection
}

// Collection は指定名のコレクションを返す。見つからない場合はnilを返す。
func (s *Schema) Collection(name string) *Collection {
	for i := range s.Collections {
		if s.Collections[i].Name == name {
			return &s.Collections[i]
		}
	}
	return nil
}

// CompileError はアプリ定義のコンパイル失敗を表す。
type CompileError struct {
	Reason   string
	Location string
}

// Error はerrorインターフェースを実装する。
func (e *CompileError) Error() string {
	if e.Location == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s (%s)", e.Reason, e.Location)
}

// NewUserCollection は予約済みアプリ内ユーザーコレクションの定義を返す。
// すべてのコンパイル済みスキーマに自動的に付与される。
func NewUserCollection() Collection {
	return Collection{
		Name:        UserCollection,
		Description: "アプリ内ユーザー",
		Fields: []Field{
			{Name: "name", Kind: FieldString},
			{Name: "email", Kind: FieldString},
			{Name: "pass", Kind: FieldString},
			{Name: "token", Kind: FieldString},
		},
		Auth: AuthPolicy{
			Read:  AccessAuthenticated,
			Write: AccessAuthenticated,
			Scope: ScopeEveryone,
		},
	}
}
