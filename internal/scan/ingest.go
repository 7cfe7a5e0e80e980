package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/awilliams-2020/theqrcode-sub000/internal/dedup"
	"github.com/awilliams-2020/theqrcode-sub000/internal/enrich"
	"github.com/awilliams-2020/theqrcode-sub000/internal/metrics"
	"github.com/awilliams-2020/theqrcode-sub000/internal/model"
	"github.com/awilliams-2020/theqrcode-sub000/internal/quota"
	"github.com/awilliams-2020/theqrcode-sub000/internal/worker/fanout"
)

// QRCodeFinder は公開ロケータからQRコードを引くインターフェース。
type QRCodeFinder interface {
	FindByShortCode(ctx context.Context, shortCode string) (*model.QRCode, error)
}

// DuplicateGuard はサーバー側の重複判定のインターフェース。
type DuplicateGuard interface {
	Check(ctx context.Context, sig dedup.Signal) (dedup.Verdict, error)
	Release(ctx context.Context, v dedup.Verdict)
}

// QuotaChecker はスキャン上限の判定インターフェース。
type QuotaChecker interface {
	CheckScan(ctx context.Context, userID string) (quota.Decision, error)
}

// Enricher はリクエスト情報から端末・地域・参照元を導出するインターフェース。
type Enricher interface {
	Resolve(ctx context.Context, ip, userAgent, referrer string) enrich.Enrichment
}

// TaskSubmitter はバックグラウンド処理の投入先。
type TaskSubmitter interface {
	Submit(name string, task fanout.Task) bool
}

// FollowUp はスキャン記録後にバックグラウンドで実行する処理。
type FollowUp func(ctx context.Context, qr *model.QRCode, ev *model.ScanEvent) error

type namedFollowUp struct {
	name string
	fn   FollowUp
}

// Signal はHTTPリクエスト1件分のスキャン信号。
type Signal struct {
	ShortCode   string
	IPAddress   string
	UserAgent   string
	Referrer    string
	Fingerprint string
	Timestamp   int64
}

// Result は取り込み結果。Duplicateがtrueの場合、Scanはnil。
type Result struct {
	Duplicate bool
	Scan      *model.ScanEvent
}

// IngestService はスキャン信号を重複判定・上限判定・導出・記録の順に処理する。
// 記録後の検知・通知・Webhook配信はTaskSubmitterに投入し、応答を待たせない。
type IngestService struct {
	qrCodes   QRCodeFinder
	guard     DuplicateGuard
	quota     QuotaChecker
	enricher  Enricher
	recorder  *Recorder
	tasks     TaskSubmitter
	followUps []namedFollowUp
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
	now       func() time.Time
}

// NewIngestService はIngestServiceを生成する。
func NewIngestService(
	qrCodes QRCodeFinder,
	guard DuplicateGuard,
	quotaChecker QuotaChecker,
	enricher Enricher,
	recorder *Recorder,
	tasks TaskSubmitter,
	m metrics.MetricsCollector,
	logger *slog.Logger,
) *IngestService {
	if m == nil {
		m = metrics.Nop{}
	}
	return &IngestService{
		qrCodes:  qrCodes,
		guard:    guard,
		quota:    quotaChecker,
		enricher: enricher,
		recorder: recorder,
		tasks:    tasks,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
	}
}

// OnRecorded は記録後に実行する処理を登録する。起動時に呼ぶこと。
func (s *IngestService) OnRecorded(name string, fn FollowUp) {
	s.followUps = append(s.followUps, namedFollowUp{name: name, fn: fn})
}

// Ingest はスキャン信号を取り込む。
//
// 重複と判定された信号はエラーにせずResult.Duplicateで返す。
// QRコードが存在しない・削除済みの場合は*model.APIError、
// 上限超過の場合は*model.QuotaExceededErrorを返し、いずれも記録しない。
func (s *IngestService) Ingest(ctx context.Context, sig Signal) (*Result, error) {
	start := s.now()
	defer func() {
		s.metrics.RecordIngestLatency(s.now().Sub(start))
	}()

	if sig.ShortCode == "" {
		return nil, model.NewInvalidRequestError("QRコードが指定されていません")
	}

	qr, err := s.qrCodes.FindByShortCode(ctx, sig.ShortCode)
	if err != nil {
		s.metrics.RecordScan(metrics.OutcomeError)
		return nil, fmt.Errorf("QRコードの取得に失敗しました: %w", err)
	}
	if qr == nil || qr.IsDeleted() {
		s.metrics.RecordScan(metrics.OutcomeNotFound)
		return nil, model.NewQRCodeNotFoundError(sig.ShortCode)
	}

	verdict, err := s.guard.Check(ctx, dedup.Signal{
		QRCodeID:    qr.ID,
		IPAddress:   sig.IPAddress,
		UserAgent:   sig.UserAgent,
		Fingerprint: sig.Fingerprint,
		Timestamp:   sig.Timestamp,
	})
	if err != nil {
		s.metrics.RecordScan(metrics.OutcomeError)
		return nil, err
	}
	if verdict.Duplicate {
		s.metrics.RecordScan(metrics.OutcomeDuplicate)
		s.logger.Debug("重複スキャンを無視しました", slog.String("qr_code_id", qr.ID))
		return &Result{Duplicate: true}, nil
	}

	decision, err := s.quota.CheckScan(ctx, qr.UserID)
	if err != nil {
		s.guard.Release(ctx, verdict)
		s.metrics.RecordScan(metrics.OutcomeError)
		return nil, err
	}
	if !decision.Allowed {
		s.guard.Release(ctx, verdict)
		s.metrics.RecordScan(metrics.OutcomeQuotaExceeded)
		s.logger.Info("スキャン上限に達したため記録しませんでした",
			slog.String("user_id", qr.UserID),
			slog.Int64("current_count", decision.CurrentCount),
			slog.Int64("limit", decision.Limit),
		)
		return nil, model.NewQuotaExceededError(decision.CurrentCount, decision.Limit)
	}

	enrichment := s.enricher.Resolve(ctx, sig.IPAddress, sig.UserAgent, sig.Referrer)

	ev, err := s.recorder.Record(ctx, RecordInput{
		QRCodeID:   qr.ID,
		IPAddress:  sig.IPAddress,
		UserAgent:  sig.UserAgent,
		Referrer:   sig.Referrer,
		Enrichment: enrichment,
		DedupKey:   verdict.DedupKey,
		ScannedAt:  s.now(),
	})
	if errors.Is(err, ErrDuplicate) {
		// 並行する同一信号が先に記録した
		s.metrics.RecordScan(metrics.OutcomeDuplicate)
		return &Result{Duplicate: true}, nil
	}
	if err != nil {
		s.guard.Release(ctx, verdict)
		s.metrics.RecordScan(metrics.OutcomeError)
		return nil, err
	}

	s.metrics.RecordScan(metrics.OutcomeRecorded)
	s.dispatchFollowUps(qr, ev)

	return &Result{Scan: ev}, nil
}

func (s *IngestService) dispatchFollowUps(qr *model.QRCode, ev *model.ScanEvent) {
	if s.tasks == nil {
		return
	}
	for _, f := range s.followUps {
		fn := f.fn
		s.tasks.Submit(f.name, func(ctx context.Context) error {
			return fn(ctx, qr, ev)
		})
	}
}
