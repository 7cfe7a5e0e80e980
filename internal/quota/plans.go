// Package quota はプラン別の利用上限とスキャン前の上限チェックを提供する。
package quota

import "strings"

// Plan は契約プランの種別。
type Plan string

const (
	PlanFree     Plan = "free"
	PlanStarter  Plan = "starter"
	PlanPro      Plan = "pro"
	PlanBusiness Plan = "business"
)

// Unlimited は上限なしを表す番兵値。大きな数値ではなく、比較の前に必ず判定すること。
const Unlimited int64 = -1

// PlanLimit はプランごとの上限値。
type PlanLimit struct {
	MaxQRCodes int64
	MaxScans   int64 // 課金サイクルあたり
}

// Limits はプラン別の上限表。
var Limits = map[Plan]PlanLimit{
	PlanFree:     {MaxQRCodes: 10, MaxScans: 1_000},
	PlanStarter:  {MaxQRCodes: 100, MaxScans: 10_000},
	PlanPro:      {MaxQRCodes: 500, MaxScans: 100_000},
	PlanBusiness: {MaxQRCodes: Unlimited, MaxScans: Unlimited},
}

// NormalizePlan は文字列をPlanに変換する。未知の値は最も制限の厳しいfreeとする。
func NormalizePlan(plan string) Plan {
	switch p := Plan(strings.ToLower(strings.TrimSpace(plan))); p {
	case PlanStarter, PlanPro, PlanBusiness:
		return p
	default:
		return PlanFree
	}
}

// IsPaid は有料プランかを返す。
func (p Plan) IsPaid() bool {
	return NormalizePlan(string(p)) != PlanFree
}

// LimitFor はプランの上限を返す。
func LimitFor(p Plan) PlanLimit {
	return Limits[NormalizePlan(string(p))]
}

// allows はcountが上限未満か、上限なしであるかを返す。
func allows(count, limit int64) bool {
	return limit == Unlimited || count < limit
}
