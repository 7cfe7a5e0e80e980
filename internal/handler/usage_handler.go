package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/awilliams-2020/theqrcode-sub000/internal/middleware"
	"github.com/awilliams-2020/theqrcode-sub000/internal/quota"
)

// UsageServiceInterface は利用状況ハンドラーが必要とするサービスインターフェース。
type UsageServiceInterface interface {
	Usage(ctx context.Context, userID string) (*quota.Usage, error)
}

// UsageHandler はプラン上限に対する利用状況を返すHTTPハンドラー。
type UsageHandler struct {
	service UsageServiceInterface
}

// NewUsageHandler はUsageHandlerを生成する。
func NewUsageHandler(service UsageServiceInterface) *UsageHandler {
	return &UsageHandler{service: service}
}

// usageCounter は上限付きカウンタのレスポンス。limitが-1の場合は上限なし。
type usageCounter struct {
	Current int64 `json:"current"`
	Limit   int64 `json:"limit"`
	Allowed bool  `json:"allowed"`
}

type usageResponse struct {
	Plan       string       `json:"plan"`
	CycleStart time.Time    `json:"cycle_start"`
	Scans      usageCounter `json:"scans"`
	QRCodes    usageCounter `json:"qr_codes"`
}

// Get は利用状況を返す。
// GET /api/usage
func (h *UsageHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	usage, err := h.service.Usage(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, usageResponse{
		Plan:       string(usage.Plan),
		CycleStart: usage.CycleStart,
		Scans: usageCounter{
			Current: usage.Scans.CurrentCount,
			Limit:   usage.Scans.Limit,
			Allowed: usage.Scans.Allowed,
		},
		QRCodes: usageCounter{
			Current: usage.QRCodes.CurrentCount,
			Limit:   usage.QRCodes.Limit,
			Allowed: usage.QRCodes.Allowed,
		},
	})
}
