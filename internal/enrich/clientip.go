package enrich

import (
	"fmt"
	"net"
	"net/http"
	"strings"
)

// defaultTrustedProxies はTRUSTED_PROXIES未設定時に転送ヘッダーを信頼する接続元。
// リバースプロキシは同一ホストかプライベートネットワークに置く前提。
var defaultTrustedProxies = []string{
	"127.0.0.0/8",
	"::1/128",
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"fc00::/7",
}

var defaultClientIPResolver = mustClientIPResolver(defaultTrustedProxies)

// ClientIPResolver は信頼するプロキシの範囲に基づいてリクエスト元のIPアドレスを決める。
//
// X-Forwarded-ForとX-Real-IPはRemoteAddrが信頼するプロキシの場合だけ参照する。
// X-Forwarded-Forは末尾から辿り、信頼するプロキシと非グローバルアドレスを読み飛ばした
// 最初のグローバルIPを採用する。先頭側はクライアントが自由に書けるため優先しない。
type ClientIPResolver struct {
	trusted []*net.IPNet
}

// NewClientIPResolver はClientIPResolverを生成する。
// trustedにはCIDRまたは単一のIPアドレスを指定する。空の場合はループバックとプライベート範囲を信頼する。
func NewClientIPResolver(trusted []string) (*ClientIPResolver, error) {
	if len(trusted) == 0 {
		trusted = defaultTrustedProxies
	}
	r := &ClientIPResolver{}
	for _, raw := range trusted {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !strings.Contains(raw, "/") {
			ip := net.ParseIP(raw)
			if ip == nil {
				return nil, fmt.Errorf("信頼するプロキシのアドレスが不正です: %q", raw)
			}
			bits := 128
			if ip.To4() != nil {
				ip = ip.To4()
				bits = 32
			}
			r.trusted = append(r.trusted, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, network, err := net.ParseCIDR(raw)
		if err != nil {
			return nil, fmt.Errorf("信頼するプロキシの範囲が不正です: %q: %w", raw, err)
		}
		r.trusted = append(r.trusted, network)
	}
	return r, nil
}

func mustClientIPResolver(trusted []string) *ClientIPResolver {
	r, err := NewClientIPResolver(trusted)
	if err != nil {
		panic(err)
	}
	return r
}

// ClientIP はループバックとプライベート範囲をプロキシとして信頼し、リクエスト元のIPアドレスを返す。
func ClientIP(r *http.Request) string {
	return defaultClientIPResolver.ClientIP(r)
}

// ClientIP はリクエスト元のIPアドレスを返す。
// 転送ヘッダーから採用できるアドレスがなければRemoteAddrのホスト部を返す。
func (c *ClientIPResolver) ClientIP(r *http.Request) string {
	remote := remoteHost(r.RemoteAddr)
	peer := net.ParseIP(remote)
	if peer == nil || !c.isTrusted(peer) {
		return remote
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		hops := strings.Split(xff, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			ip := net.ParseIP(strings.TrimSpace(hops[i]))
			if ip == nil || c.isTrusted(ip) || !isPublic(ip) {
				continue
			}
			return ip.String()
		}
	}

	if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil && isPublic(ip) {
		return ip.String()
	}
	return remote
}

func (c *ClientIPResolver) isTrusted(ip net.IP) bool {
	for _, network := range c.trusted {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

func remoteHost(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// isPublicIP はジオロケーション対象となるグローバルIPかを返す。
func isPublicIP(raw string) bool {
	ip := net.ParseIP(raw)
	if ip == nil {
		return false
	}
	return isPublic(ip)
}

func isPublic(ip net.IP) bool {
	return !(ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsMulticast())
}
