// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/awilliams-2020/theqrcode-sub000/internal/middleware"
	"github.com/awilliams-2020/theqrcode-sub000/internal/model"
)

// quotaExceededResponse はスキャン上限超過時のレスポンスボディ。
// クライアントが残量を表示できるよう現在値と上限値を含める。
type quotaExceededResponse struct {
	Success      bool   `json:"success"`
	Code         string `json:"code"`
	Message      string `json:"message"`
	CurrentCount int64  `json:"currentCount"`
	Limit        int64  `json:"limit"`
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	middleware.WriteJSON(w, statusCode, body)
}

// writeAPIErrorResponse はAPIErrorをJSONレスポンスとして書き込む。
func writeAPIErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	middleware.WriteErrorResponse(w, statusCode, apiErr)
}

// writeUnauthorized は未認証レスポンスを書き込む。
func writeUnauthorized(w http.ResponseWriter) {
	writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError("認証が必要です"))
}

// writeInvalidBody はリクエストボディの解析失敗レスポンスを書き込む。
func writeInvalidBody(w http.ResponseWriter) {
	writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("リクエストボディの解析に失敗しました"))
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var quotaErr *model.QuotaExceededError
	if errors.As(err, &quotaErr) {
		writeJSON(w, http.StatusForbidden, quotaExceededResponse{
			Success:      false,
			Code:         quotaErr.Code,
			Message:      quotaErr.Message,
			CurrentCount: quotaErr.CurrentCount,
			Limit:        quotaErr.Limit,
		})
		return
	}

	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		writeAPIErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeInvalidRequest, model.ErrCodeInvalidWebhookURL, model.ErrCodeInvalidWebhookEvents:
		return http.StatusBadRequest
	case model.ErrCodeQRCodeNotFound, model.ErrCodeNotificationNotFound, model.ErrCodeWebhookNotFound:
		return http.StatusNotFound
	case model.ErrCodeQuotaExceeded, model.ErrCodeQRCodeLimit, model.ErrCodeCSRF:
		return http.StatusForbidden
	case model.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case model.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
