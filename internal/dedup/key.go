// Package dedup はスキャン信号の重複判定を提供する。
//
// サーバー側のGuardが正とし、クライアント側のAdvisorは送信抑制の目安にすぎない。
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// DefaultWindow はサーバー側で同一スキャンとみなす期間。
const DefaultWindow = 2 * time.Minute

// Bucket は時刻をwindow幅の区間番号に変換する。
func Bucket(t time.Time, window time.Duration) int64 {
	w := int64(window / time.Second)
	if w <= 0 {
		w = 1
	}
	return t.Unix() / w
}

// Key は(QRコードID, IP, User-Agent, 区間番号)から決定的な重複判定キーを返す。
// 同じ入力に対して常に同じ値を返し、scans.dedup_keyの一意制約に使われる。
func Key(qrCodeID, ipAddress, userAgent string, bucket int64) string {
	h := sha256.New()
	for _, part := range []string{qrCodeID, ipAddress, userAgent, strconv.FormatInt(bucket, 10)} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// clientKey はQRコード単位でIPとUser-Agentを識別するキーを返す。区間番号は含まない。
func clientKey(qrCodeID, ipAddress, userAgent string) string {
	sum := sha256.Sum256([]byte(ipAddress + "\x00" + userAgent))
	return "dedup:" + qrCodeID + ":" + hex.EncodeToString(sum[:])
}
