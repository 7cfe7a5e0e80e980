package security

import (
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizer は通知の本文など、外部由来の値を含むテキストを無害化する。
type TextSanitizer interface {
	// Sanitize はHTMLタグをすべて除去し、特殊文字をエスケープした文字列を返す。
	// 前後の空白は取り除く。同一入力に対して常に同一出力を返す。
	Sanitize(text string) string
}

// textSanitizer はbluemondayのStrictPolicyによるTextSanitizerの実装。
// ポリシーは並行に利用できる。
type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerを生成する。
// 地名や参照元などはIP位置情報サービスやクライアントから届くため、
// 通知として保存する前にタグを取り除く。
func NewTextSanitizer() *textSanitizer {
	return &textSanitizer{policy: bluemonday.StrictPolicy()}
}

// Sanitize はテキストを無害化する。
func (s *textSanitizer) Sanitize(text string) string {
	return strings.TrimSpace(s.policy.Sanitize(text))
}
