// Package webhook はWebhookの署名付き配信・再試行・購読管理と、受信側の署名検証を提供する。
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// 配信リクエストのヘッダー
const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderTimestamp = "X-Webhook-Timestamp"
	HeaderEvent     = "X-Webhook-Event"
	HeaderDelivery  = "X-Webhook-Delivery"
)

const signaturePrefix = "sha256="

// Sign はペイロードのバイト列に対するHMAC-SHA256を16進文字列で返す。
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignatureHeader はX-Webhook-Signatureヘッダーの値を返す。
func SignatureHeader(secret string, payload []byte) string {
	return signaturePrefix + Sign(secret, payload)
}

// Verify は受信したペイロードと署名が一致するかを定数時間で比較する。
// 署名は "sha256=" 接頭辞の有無どちらも受け付ける。
func Verify(secret string, payload []byte, signature string) bool {
	signature = strings.TrimPrefix(strings.TrimSpace(signature), signaturePrefix)
	if signature == "" {
		return false
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hmac.Equal(got, mac.Sum(nil))
}
