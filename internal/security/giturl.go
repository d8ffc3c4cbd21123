// Package security はアプリケーションのセキュリティ機能を提供する。
package security

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// RemoteGuardService はgitリモートURLの事前検証インターフェースを定義する。
// cloneはgitサブプロセスで実行されるため、プロセス起動前の静的検証が
// 内部ネットワークへの到達を防ぐ唯一の関門になる。
type RemoteGuardService interface {
	// ValidateRemote はgit_repoとして受け入れ可能なURLか検証する。
	ValidateRemote(rawURL string) error
}

// allowedSchemes はgitリモートとして許可されるURLスキーム。
var allowedSchemes = []string{"http", "https", "ssh", "git"}

// blockedNetworks はブロックされるネットワーク範囲。
// パッケージ初期化時に1回だけパースし、ValidateRemoteでの検証に使用する。
var blockedNetworks []net.IPNet

func init() {
	cidrs := []string{
		// プライベートIPアドレス (RFC 1918)
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		// ループバック (RFC 1122)
		"127.0.0.0/8",
		// リンクローカル (RFC 3927) - クラウドメタデータIP (169.254.169.254) を含む
		"169.254.0.0/16",
		// カレントネットワーク
		"0.0.0.0/8",
		// IPv6ループバック
		"::1/128",
		// IPv6リンクローカル
		"fe80::/10",
		// IPv6ユニークローカル
		"fc00::/7",
	}
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR in blockedNetworks: %s: %v", cidr, err))
		}
		blockedNetworks = append(blockedNetworks, *network)
	}
}

// remoteGuard はRemoteGuardServiceの実装。
type remoteGuard struct {
	// allowLocal はローカルパスとプライベートアドレスを許可する。
	// テストとローカル開発環境でのみ有効化する。
	allowLocal bool
}

// NewRemoteGuard はRemoteGuardServiceの新しいインスタンスを生成する。
func NewRemoteGuard(allowLocal bool) RemoteGuardService {
	return &remoteGuard{allowLocal: allowLocal}
}

// ValidateRemote はgit_repoとして受け入れ可能なURLか検証する。
// DNS解決を伴わない静的な検証のみを行う。ホスト名で登録された内部サービスは
// この検証を通過しうるため、本番環境ではネットワークポリシー側の遮断も前提とする。
func (g *remoteGuard) ValidateRemote(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("empty git remote URL")
	}

	// scp風のSSH形式 (git@host:path) はURLとしてパースできないため先に判定する
	if isSCPLike(rawURL) {
		return nil
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid git remote URL: %w", err)
	}

	// スキームなしはローカルパスとして扱う
	if parsed.Scheme == "" || parsed.Scheme == "file" {
		if !g.allowLocal {
			return fmt.Errorf("local git remote is not allowed: %s", rawURL)
		}
		return nil
	}

	scheme := strings.ToLower(parsed.Scheme)
	if !isAllowedScheme(scheme) {
		return fmt.Errorf("disallowed git remote scheme: %s (allowed: %v)", scheme, allowedSchemes)
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("empty host in git remote URL: %s", rawURL)
	}

	if g.allowLocal {
		return nil
	}

	// IPアドレスの場合: ブロック対象CIDRとの照合
	ip := net.ParseIP(host)
	if ip != nil {
		if isBlockedIP(ip) {
			return fmt.Errorf("blocked IP address: %s", ip.String())
		}
		return nil
	}

	if isBlockedHostname(host) {
		return fmt.Errorf("blocked host: %s", host)
	}

	return nil
}

// isSCPLike はgit@host:path形式のSSHリモート指定かを判定する。
func isSCPLike(raw string) bool {
	if strings.Contains(raw, "://") {
		return false
	}
	at := strings.Index(raw, "@")
	colon := strings.Index(raw, ":")
	return at > 0 && colon > at
}

// isAllowedScheme はURLスキームが許可リストに含まれるかを検証する。
func isAllowedScheme(scheme string) bool {
	for _, allowed := range allowedSchemes {
		if strings.EqualFold(scheme, allowed) {
			return true
		}
	}
	return false
}

// isBlockedIP はIPアドレスがブロック対象のネットワーク範囲に含まれるかを検証する。
func isBlockedIP(ip net.IP) bool {
	for _, network := range blockedNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// blockedHostnames はブロック対象のホスト名。
var blockedHostnames = []string{
	"localhost",
}

// isBlockedHostname はホスト名がブロック対象かを検証する。
func isBlockedHostname(host string) bool {
	lower := strings.ToLower(host)
	for _, blocked := range blockedHostnames {
		if lower == blocked {
			return true
		}
	}
	return false
}
