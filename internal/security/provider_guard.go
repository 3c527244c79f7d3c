// Package security はアプリケーションのセキュリティ機能を提供する。
package security

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// ProviderGuard はIdPエンドポイントへの通信を保護する。
// トークン交換、JWKS取得、userinfo取得のHTTPクライアントはすべてここで生成する。
type ProviderGuard interface {
	// NewProviderClient はIdP通信用のHTTPクライアントを生成する。
	// プライベートエンドポイントを許可しない場合、safeurlにより
	// プライベートIP、ループバック、リンクローカル、メタデータIPへの接続がブロックされる。
	NewProviderClient(timeout time.Duration) *http.Client

	// ValidateEndpoint は設定されたIdPエンドポイントURLを起動時に静的検証する。
	ValidateEndpoint(rawURL string) error
}

// blockedNetworks はプライベートエンドポイント不許可時にブロックされるネットワーク範囲。
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
		"0.0.0.0/8",
		"::1/128",
		"fe80::/10",
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

// providerGuard はProviderGuardの実装。
type providerGuard struct {
	allowPrivate bool
}

// NewProviderGuard はProviderGuardを生成する。
// allowPrivateはローカル開発用のIdP（コンテナ内のモックなど）に接続する場合のみtrueにする。
func NewProviderGuard(allowPrivate bool) *providerGuard {
	return &providerGuard{allowPrivate: allowPrivate}
}

// NewProviderClient はIdP通信用のHTTPクライアントを生成する。
// リトライは行わない。交換に失敗した認可コードは再利用できないため。
func (g *providerGuard) NewProviderClient(timeout time.Duration) *http.Client {
	if g.allowPrivate {
		return &http.Client{Timeout: timeout}
	}

	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes("https").
		SetAllowedPorts(443).
		Build()

	return safeurl.Client(config).Client
}

// ValidateEndpoint はIdPエンドポイントURLを静的に検証する。
// DNS解決後の検証はNewProviderClientのDialer側で行われる。
func (g *providerGuard) ValidateEndpoint(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("empty URL")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	switch {
	case scheme == "https":
	case scheme == "http" && g.allowPrivate:
	default:
		return fmt.Errorf("disallowed scheme: %s", scheme)
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("empty host in URL")
	}
	if g.allowPrivate {
		return nil
	}

	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return fmt.Errorf("blocked IP address: %s", ip.String())
		}
		return nil
	}
	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("blocked host: %s", host)
	}
	return nil
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
