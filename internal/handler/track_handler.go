package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/awilliams-2020/theqrcode-sub000/internal/enrich"
	"github.com/awilliams-2020/theqrcode-sub000/internal/model"
	"github.com/awilliams-2020/theqrcode-sub000/internal/scan"
)

// maxTrackBodyBytes はスキャン信号のリクエストボディの上限。
const maxTrackBodyBytes = 4 << 10

// TrackServiceInterface はスキャン取り込みハンドラーが必要とするサービスインターフェース。
type TrackServiceInterface interface {
	Ingest(ctx context.Context, sig scan.Signal) (*scan.Result, error)
}

// TrackHandler はQRコードのスキャン信号を受け付けるHTTPハンドラー。
// 認証を要求しない公開エンドポイント。
type TrackHandler struct {
	service  TrackServiceInterface
	validate *validator.Validate
	clientIP func(r *http.Request) string
}

// NewTrackHandler はTrackHandlerを生成する。
// ipResolverがnilの場合はループバックとプライベート範囲をプロキシとして信頼する。
func NewTrackHandler(service TrackServiceInterface, validate *validator.Validate, ipResolver *enrich.ClientIPResolver) *TrackHandler {
	if validate == nil {
		validate = validator.New()
	}
	clientIP := enrich.ClientIP
	if ipResolver != nil {
		clientIP = ipResolver.ClientIP
	}
	return &TrackHandler{
		service:  service,
		validate: validate,
		clientIP: clientIP,
	}
}

// trackRequest はスキャン信号のリクエストボディ。ボディ自体を省略してもよい。
type trackRequest struct {
	Fingerprint string `json:"fingerprint" validate:"max=128"`
	Timestamp   int64  `json:"timestamp" validate:"gte=0"`
}

// trackResponse はスキャン信号の受付結果。
type trackResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// Track はスキャン信号を取り込む。
// POST /api/track/{shortCode}
func (h *TrackHandler) Track(w http.ResponseWriter, r *http.Request) {
	var req trackRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxTrackBodyBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeInvalidBody(w)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError(err.Error()))
		return
	}

	result, err := h.service.Ingest(r.Context(), scan.Signal{
		ShortCode:   chi.URLParam(r, "shortCode"),
		IPAddress:   h.clientIP(r),
		UserAgent:   r.UserAgent(),
		Referrer:    r.Referer(),
		Fingerprint: req.Fingerprint,
		Timestamp:   req.Timestamp,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	if result.Duplicate {
		writeJSON(w, http.StatusOK, trackResponse{Success: true, Message: "duplicate scan ignored"})
		return
	}
	writeJSON(w, http.StatusOK, trackResponse{Success: true})
}
