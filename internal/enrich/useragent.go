// Package enrich はスキャンリクエストから端末情報・地域・参照元を導出する。
// いずれの処理もエラーを返さず、判定できない項目は既定値またはnilとする。
package enrich

import (
	"regexp"
	"strings"

	"github.com/awilliams-2020/theqrcode-sub000/internal/model"
)

// DeviceInfo はUser-Agentから導出した端末情報。
type DeviceInfo struct {
	DeviceType model.DeviceType
	OS         string
	Browser    string
}

// uaRule はUser-Agentの判定ルール。matchに一致し、excludeに一致しない場合に採用する。
type uaRule struct {
	name    string
	match   *regexp.Regexp
	exclude *regexp.Regexp
}

func (r uaRule) matches(ua string) bool {
	if !r.match.MatchString(ua) {
		return false
	}
	return r.exclude == nil || !r.exclude.MatchString(ua)
}

// 端末種別はモバイル、タブレットの順に判定し、どちらでもなければデスクトップとする。
// iPadのUser-Agentは "Mobile/15E148" を含むが "Mobile Safari" は含まないため、
// モバイル側のパターンは裸の "Mobile" を使わない。
var (
	mobilePattern = regexp.MustCompile(`(?i)iphone|ipod|android.+mobile|windows phone|blackberry|bb10|iemobile|opera mini|mobile safari|webos`)
	tabletPattern = regexp.MustCompile(`(?i)ipad|tablet|kindle|silk/|playbook|nexus (7|9|10)|android`)
)

var osRules = []uaRule{
	{name: "Windows Phone", match: regexp.MustCompile(`(?i)windows phone`)},
	{name: "iOS", match: regexp.MustCompile(`(?i)iphone|ipad|ipod`)},
	{name: "Android", match: regexp.MustCompile(`(?i)android`)},
	{name: "Chrome OS", match: regexp.MustCompile(`CrOS`)},
	{name: "macOS", match: regexp.MustCompile(`(?i)mac os x|macintosh`)},
	{name: "Windows", match: regexp.MustCompile(`(?i)windows`)},
	{name: "Linux", match: regexp.MustCompile(`(?i)linux|x11`)},
}

var browserRules = []uaRule{
	{name: "Edge", match: regexp.MustCompile(`Edg(e|A|iOS)?/`)},
	{name: "Opera", match: regexp.MustCompile(`OPR/|Opera|OPT/`)},
	{name: "Samsung Internet", match: regexp.MustCompile(`SamsungBrowser/`)},
	{name: "Firefox", match: regexp.MustCompile(`Firefox/|FxiOS/`)},
	{
		name:    "Chrome",
		match:   regexp.MustCompile(`Chrome/|CriOS/`),
		exclude: regexp.MustCompile(`Edg(e|A|iOS)?/|OPR/|Opera`),
	},
	{
		name:    "Safari",
		match:   regexp.MustCompile(`Safari/`),
		exclude: regexp.MustCompile(`Chrome/|CriOS/|Chromium/|Android`),
	},
	{name: "Internet Explorer", match: regexp.MustCompile(`MSIE |Trident/`)},
}

// ParseUserAgent はUser-Agent文字列から端末種別・OS・ブラウザを判定する。
// 空文字列や判定できない場合は desktop / unknown / unknown を返す。
func ParseUserAgent(ua string) DeviceInfo {
	info := DeviceInfo{
		DeviceType: model.DeviceDesktop,
		OS:         model.Unknown,
		Browser:    model.Unknown,
	}

	ua = strings.TrimSpace(ua)
	if ua == "" {
		return info
	}

	switch {
	case mobilePattern.MatchString(ua):
		info.DeviceType = model.DeviceMobile
	case tabletPattern.MatchString(ua):
		info.DeviceType = model.DeviceTablet
	}

	info.OS = firstMatch(osRules, ua)
	info.Browser = firstMatch(browserRules, ua)
	return info
}

func firstMatch(rules []uaRule, ua string) string {
	for _, r := range rules {
		if r.matches(ua) {
			return r.name
		}
	}
	return model.Unknown
}
