package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/awilliams-2020/theqrcode-sub000/internal/model"
)

// PlanProvider はユーザーのプラン契約を返すインターフェース。
// 契約がない場合は(nil, nil)を返す。
type PlanProvider interface {
	FindByUserID(ctx context.Context, userID string) (*model.PlanSubscription, error)
}

// ScanCounter はユーザーのスキャン数を数えるインターフェース。
type ScanCounter interface {
	CountByUserSince(ctx context.Context, userID string, since time.Time) (int64, error)
}

// QRCodeCounter はユーザーの有効なQRコード数を数えるインターフェース。
type QRCodeCounter interface {
	CountActiveByUserID(ctx context.Context, userID string) (int64, error)
}

// Decision は上限チェックの結果。
type Decision struct {
	Allowed      bool
	CurrentCount int64
	Limit        int64
}

// Usage はユーザーの現在の利用状況。
type Usage struct {
	Plan       Plan
	CycleStart time.Time
	Scans      Decision
	QRCodes    Decision
}

// activeStatuses はプランの上限を適用する契約ステータス。
// それ以外のステータスはfreeとして扱う。
var activeStatuses = map[string]bool{
	"active":   true,
	"trialing": true,
}

// Enforcer はプラン上限に基づいてスキャン・QRコード作成の可否を判定する。
//
// 判定は「数えてから許可する」楽観的な方式で、同一ユーザーへの並行リクエストが
// 上限付近に集中した場合は、同時に判定を通過したリクエスト数だけ上限を超えうる。
type Enforcer struct {
	plans   PlanProvider
	scans   ScanCounter
	qrCodes QRCodeCounter
	now     func() time.Time
}

// NewEnforcer はEnforcerを生成する。
func NewEnforcer(plans PlanProvider, scans ScanCounter, qrCodes QRCodeCounter) *Enforcer {
	return &Enforcer{
		plans:   plans,
		scans:   scans,
		qrCodes: qrCodes,
		now:     time.Now,
	}
}

// ResolvePlan はユーザーの有効なプランと課金サイクルの開始時刻を返す。
func (e *Enforcer) ResolvePlan(ctx context.Context, userID string) (Plan, time.Time, error) {
	now := e.now()
	sub, err := e.plans.FindByUserID(ctx, userID)
	if err != nil {
		return PlanFree, time.Time{}, fmt.Errorf("プラン契約の取得に失敗しました: %w", err)
	}

	plan := PlanFree
	if sub != nil && activeStatuses[sub.Status] {
		plan = NormalizePlan(sub.Plan)
	}
	return plan, CycleStart(sub, now), nil
}

// CheckScan はスキャンを1件記録してよいかを判定する。記録の前に呼ぶこと。
func (e *Enforcer) CheckScan(ctx context.Context, userID string) (Decision, error) {
	plan, cycleStart, err := e.ResolvePlan(ctx, userID)
	if err != nil {
		return Decision{}, err
	}
	return e.checkScans(ctx, userID, plan, cycleStart)
}

func (e *Enforcer) checkScans(ctx context.Context, userID string, plan Plan, cycleStart time.Time) (Decision, error) {
	limit := LimitFor(plan).MaxScans
	if limit == Unlimited {
		return Decision{Allowed: true, Limit: Unlimited}, nil
	}

	count, err := e.scans.CountByUserSince(ctx, userID, cycleStart)
	if err != nil {
		return Decision{}, fmt.Errorf("スキャン数の取得に失敗しました: %w", err)
	}
	return Decision{Allowed: allows(count, limit), CurrentCount: count, Limit: limit}, nil
}

// CheckQRCodeCreation はQRコードを新たに1件作成してよいかを判定する。
func (e *Enforcer) CheckQRCodeCreation(ctx context.Context, userID string) (Decision, error) {
	plan, _, err := e.ResolvePlan(ctx, userID)
	if err != nil {
		return Decision{}, err
	}
	return e.checkQRCodes(ctx, userID, plan)
}

func (e *Enforcer) checkQRCodes(ctx context.Context, userID string, plan Plan) (Decision, error) {
	limit := LimitFor(plan).MaxQRCodes
	count, err := e.qrCodes.CountActiveByUserID(ctx, userID)
	if err != nil {
		return Decision{}, fmt.Errorf("QRコード数の取得に失敗しました: %w", err)
	}
	return Decision{Allowed: allows(count, limit), CurrentCount: count, Limit: limit}, nil
}

// Usage はユーザーの現在の利用状況を返す。上限なしの場合もスキャン数は実数を返す。
func (e *Enforcer) Usage(ctx context.Context, userID string) (*Usage, error) {
	plan, cycleStart, err := e.ResolvePlan(ctx, userID)
	if err != nil {
		return nil, err
	}

	scanCount, err := e.scans.CountByUserSince(ctx, userID, cycleStart)
	if err != nil {
		return nil, fmt.Errorf("スキャン数の取得に失敗しました: %w", err)
	}
	scanLimit := LimitFor(plan).MaxScans

	qrDecision, err := e.checkQRCodes(ctx, userID, plan)
	if err != nil {
		return nil, err
	}

	return &Usage{
		Plan:       plan,
		CycleStart: cycleStart,
		Scans:      Decision{Allowed: allows(scanCount, scanLimit), CurrentCount: scanCount, Limit: scanLimit},
		QRCodes:    qrDecision,
	}, nil
}

// CycleStart は課金サイクルの開始時刻を返す。
// 契約のcurrent_period_startがあればそれを起点に1か月単位で現在のサイクルまで進め、
// なければ当月1日0時（UTC）を返す。
func CycleStart(sub *model.PlanSubscription, now time.Time) time.Time {
	now = now.UTC()
	if sub == nil || sub.CurrentPeriodStart == nil || sub.CurrentPeriodStart.After(now) {
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	}

	anchor := sub.CurrentPeriodStart.UTC()
	start := anchor
	for months := 1; ; months++ {
		next := anchor.AddDate(0, months, 0)
		if next.After(now) {
			return start
		}
		start = next
	}
}
