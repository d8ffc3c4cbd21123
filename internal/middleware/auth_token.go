// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"net/http"
	"strings"
)

// authScheme はAuthorizationヘッダーのスキーム名。
const authScheme = "token"

// AuthToken はAuthorizationヘッダーからトークン値を取り出す。
// 形式は "Authorization: token <値>"。ヘッダーがない、または形式が
// 異なる場合は空文字列を返す。
func AuthToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], authScheme) {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
