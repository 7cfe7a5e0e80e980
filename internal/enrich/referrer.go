package enrich

import (
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// ReferrerDomain はReferer URLの登録可能ドメイン（eTLD+1）を返す。
// 例: "https://news.example.co.uk/a" → "example.co.uk"。解釈できない場合は空文字列。
func ReferrerDomain(referrer string) string {
	referrer = strings.TrimSpace(referrer)
	if referrer == "" {
		return ""
	}

	u, err := url.Parse(referrer)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	if net.ParseIP(host) != nil {
		return host
	}

	domain, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		// localhostなど公開サフィックスしか持たないホスト
		return host
	}
	return domain
}
