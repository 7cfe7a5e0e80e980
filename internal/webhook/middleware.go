package webhook

import (
	"bytes"
	"io"
	"net/http"

	"github.com/awilliams-2020/theqrcode-sub000/internal/middleware"
	"github.com/awilliams-2020/theqrcode-sub000/internal/model"
)

// maxVerifyBody は署名検証のために読み込むリクエストボディの上限（1MB）。
const maxVerifyBody = 1 << 20

// VerifyMiddleware は受信側でX-Webhook-Signatureを検証するミドルウェアを返す。
// 署名がない、または一致しない場合はボディを解釈する前に401を返す。
// 検証に成功した場合はボディを読み直せる状態に戻して次のハンドラーに渡す。
func VerifyMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			signature := r.Header.Get(HeaderSignature)
			if signature == "" {
				middleware.WriteErrorResponse(w, http.StatusUnauthorized,
					model.NewUnauthorizedError("署名ヘッダーがありません"))
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxVerifyBody))
			if err != nil {
				middleware.WriteErrorResponse(w, http.StatusBadRequest,
					model.NewInvalidRequestError("ボディの読み込みに失敗しました"))
				return
			}
			r.Body.Close()

			if !Verify(secret, body, signature) {
				middleware.WriteErrorResponse(w, http.StatusUnauthorized,
					model.NewUnauthorizedError("署名が一致しません"))
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r)
		})
	}
}
