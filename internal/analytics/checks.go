package analytics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/awilliams-2020/theqrcode-sub000/internal/model"
)

// checkMilestone はこのスキャンが節目の件数ちょうどであれば通知する。
// 件数はseq以下のスキャン数で数えるため、同じ順位を2つのスキャンが得ることはない。
// seqの小さい行のコミットが遅れると節目ちょうどの順位が誰にも付かないことがあり、
// その取りこぼしはReconcileMilestonesが拾う。
func (d *Detector) checkMilestone(ctx context.Context, t Trigger, _ time.Time) error {
	rank, err := d.stats.CountThroughSeq(ctx, t.QRCode.ID, t.Scan.Seq)
	if err != nil {
		return err
	}

	for _, threshold := range d.cfg.MilestoneThresholds {
		if rank == threshold {
			return d.fireMilestone(ctx, t.QRCode, threshold)
		}
	}
	return nil
}

// ReconcileMilestones はsinceからnowまでに跨いだ節目のうち、まだ通知していないものを通知する。
// 通知済みマークを共有するため、スキャンごとの検知で通知済みの節目は二重に送らない。
func (d *Detector) ReconcileMilestones(ctx context.Context, qr *model.QRCode, since, now time.Time) error {
	before, err := d.stats.CountByQRCodeBetween(ctx, qr.ID, time.Time{}, since)
	if err != nil {
		return err
	}
	total, err := d.stats.CountByQRCodeBetween(ctx, qr.ID, time.Time{}, windowEnd(now))
	if err != nil {
		return err
	}

	var errs []error
	for _, threshold := range d.cfg.MilestoneThresholds {
		if before < threshold && threshold <= total {
			if err := d.fireMilestone(ctx, qr, threshold); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (d *Detector) fireMilestone(ctx context.Context, qr *model.QRCode, threshold int64) error {
	priority := model.PriorityNormal
	if threshold >= 10000 {
		priority = model.PriorityHigh
	}
	return d.fire(ctx, fmt.Sprintf("milestone:%s:%d", qr.ID, threshold), model.Alert{
		UserID:   qr.UserID,
		QRCodeID: qr.ID,
		Category: model.CategoryMilestone,
		Priority: priority,
		Title:    fmt.Sprintf("%d回スキャンを達成しました", threshold),
		Message:  fmt.Sprintf("「%s」のスキャン数が%d回に到達しました。", qrName(qr), threshold),
		Data: map[string]any{
			"qr_code_id": qr.ID,
			"threshold":  threshold,
		},
	})
}

// checkSpike は直近の短い期間のスキャン数が、過去の同じ長さの期間の平均を大きく上回った場合に通知する。
// 過去にスキャンがない場合は平均を1件として扱う。
func (d *Detector) checkSpike(ctx context.Context, t Trigger, now time.Time) error {
	end := windowEnd(now)
	from := end.Add(-d.cfg.SpikeWindow)

	recent, err := d.stats.CountByQRCodeBetween(ctx, t.QRCode.ID, from, end)
	if err != nil {
		return err
	}
	if recent < d.cfg.SpikeMinScans {
		return nil
	}

	baseline, err := d.stats.CountByQRCodeBetween(ctx, t.QRCode.ID, from.Add(-d.cfg.SpikeBaseline), from)
	if err != nil {
		return err
	}
	windows := float64(d.cfg.SpikeBaseline) / float64(d.cfg.SpikeWindow)
	avg := float64(baseline) / windows
	if avg < 1 {
		avg = 1
	}
	ratio := float64(recent) / avg
	if ratio < d.cfg.SpikeRatio {
		return nil
	}

	return d.fire(ctx, fmt.Sprintf("spike:%s:%s", t.QRCode.ID, hourKey(now)), model.Alert{
		UserID:   t.QRCode.UserID,
		QRCodeID: t.QRCode.ID,
		Category: model.CategorySpike,
		Priority: model.PriorityHigh,
		Title:    "スキャン数が急増しています",
		Message: fmt.Sprintf("「%s」の直近%d分のスキャン数は%d回で、通常の%.1f倍です。",
			qrName(t.QRCode), int(d.cfg.SpikeWindow.Minutes()), recent, ratio),
		Data: map[string]any{
			"qr_code_id":     t.QRCode.ID,
			"recent_count":   recent,
			"baseline_avg":   avg,
			"ratio":          ratio,
			"window_minutes": int(d.cfg.SpikeWindow.Minutes()),
		},
	})
}

// checkLocation はQRコードで初めて観測された国・都市の組を通知する。
func (d *Detector) checkLocation(ctx context.Context, t Trigger, _ time.Time) error {
	if t.Scan.Country == nil || *t.Scan.Country == "" {
		return nil
	}
	loc := model.Location{Country: *t.Scan.Country}
	if t.Scan.City != nil {
		loc.City = *t.Scan.City
	}

	prior, err := d.stats.CountByLocationBefore(ctx, t.QRCode.ID, loc, t.Scan.Seq)
	if err != nil {
		return err
	}
	if prior > 0 {
		return nil
	}

	place := loc.Country
	if loc.City != "" {
		place = loc.City + ", " + loc.Country
	}
	return d.fire(ctx, fmt.Sprintf("location:%s:%s|%s", t.QRCode.ID, loc.Country, loc.City), model.Alert{
		UserID:   t.QRCode.UserID,
		QRCodeID: t.QRCode.ID,
		Category: model.CategoryLocation,
		Priority: model.PriorityLow,
		Title:    "新しい地域からスキャンされました",
		Message:  fmt.Sprintf("「%s」が%sから初めてスキャンされました。", qrName(t.QRCode), place),
		Data: map[string]any{
			"qr_code_id": t.QRCode.ID,
			"country":    loc.Country,
			"city":       loc.City,
		},
	})
}

// checkTrend は直近の端末種別の割合が閾値を超え、過去の期間では超えていなかった場合に通知する。
// 過去の期間のスキャンが少なすぎる場合は比較しない。
func (d *Detector) checkTrend(ctx context.Context, t Trigger, now time.Time) error {
	end := windowEnd(now)
	from := end.Add(-d.cfg.TrendWindow)

	recent, err := d.stats.DeviceCountsBetween(ctx, t.QRCode.ID, from, end)
	if err != nil {
		return err
	}
	recentTotal := total(recent)
	if recentTotal < d.cfg.TrendMinScans {
		return nil
	}

	history, err := d.stats.DeviceCountsBetween(ctx, t.QRCode.ID, from.Add(-d.cfg.TrendHistory), from)
	if err != nil {
		return err
	}
	historyTotal := total(history)
	if historyTotal < d.cfg.TrendMinScans {
		return nil
	}

	for _, dc := range recent {
		share := float64(dc.Count) / float64(recentTotal)
		if share < d.cfg.TrendShare {
			continue
		}
		prevShare := float64(countOf(history, dc.DeviceType)) / float64(historyTotal)
		if prevShare >= d.cfg.TrendShare {
			continue
		}

		return d.fire(ctx, fmt.Sprintf("trend:%s:%s:%s", t.QRCode.ID, dc.DeviceType, dayKey(now)), model.Alert{
			UserID:   t.QRCode.UserID,
			QRCodeID: t.QRCode.ID,
			Category: model.CategoryTrend,
			Priority: model.PriorityNormal,
			Title:    "端末の傾向が変化しました",
			Message: fmt.Sprintf("「%s」の直近のスキャンの%.0f%%が%sからです（以前は%.0f%%）。",
				qrName(t.QRCode), share*100, dc.DeviceType, prevShare*100),
			Data: map[string]any{
				"qr_code_id":     t.QRCode.ID,
				"device_type":    string(dc.DeviceType),
				"share":          share,
				"previous_share": prevShare,
			},
		})
	}
	return nil
}

// checkVelocity はユーザー全体の分単位のスキャン数が、基準値を継続して上回った場合に通知する。
// 単発の急増を拾うcheckSpikeと異なり、連続した分数で判定する。
func (d *Detector) checkVelocity(ctx context.Context, t Trigger, now time.Time) error {
	minutes := d.cfg.VelocityMinutes
	currentMinute := now.Truncate(time.Minute)
	from := currentMinute.Add(-time.Duration(minutes-1) * time.Minute)
	to := currentMinute.Add(time.Minute)

	buckets, err := d.stats.MinuteCountsByUser(ctx, t.QRCode.UserID, from, to)
	if err != nil {
		return err
	}
	perMinute := make([]int64, minutes)
	for _, b := range buckets {
		idx := int(b.Bucket.Sub(from) / time.Minute)
		if idx >= 0 && idx < minutes {
			perMinute[idx] += b.Count
		}
	}

	baselineCount, err := d.stats.CountByUserBetween(ctx, t.QRCode.UserID, from.Add(-d.cfg.VelocityBaseline), from)
	if err != nil {
		return err
	}
	baseline := float64(baselineCount) / d.cfg.VelocityBaseline.Minutes()
	threshold := baseline * d.cfg.VelocityMultiplier
	if threshold < d.cfg.VelocityFloor {
		threshold = d.cfg.VelocityFloor
	}

	run, longest := 0, 0
	for _, c := range perMinute {
		if float64(c) > threshold {
			run++
			if run > longest {
				longest = run
			}
		} else {
			run = 0
		}
	}
	if longest < d.cfg.VelocitySustained {
		return nil
	}

	return d.fire(ctx, fmt.Sprintf("velocity:%s:%s", t.QRCode.UserID, hourKey(now)), model.Alert{
		UserID:   t.QRCode.UserID,
		Category: model.CategoryVelocity,
		Priority: model.PriorityHigh,
		Title:    "スキャンの勢いが続いています",
		Message: fmt.Sprintf("%d分間連続で毎分%.0f回を超えるスキャンがありました。",
			longest, threshold),
		Data: map[string]any{
			"minutes":      longest,
			"threshold":    threshold,
			"per_minute":   perMinute,
			"baseline_avg": baseline,
		},
	})
}

// checkSummary は直近1時間のスキャン数が一定以上の場合に、時間ごとに1回だけ集計を通知する。
func (d *Detector) checkSummary(ctx context.Context, t Trigger, now time.Time) error {
	return d.Summarize(ctx, t.QRCode.UserID, now)
}

// checkRecord は本日のスキャン数が過去の最多日を超えた場合に、1日1回通知する。
func (d *Detector) checkRecord(ctx context.Context, t Trigger, now time.Time) error {
	day := now.Truncate(24 * time.Hour)

	today, err := d.stats.CountByQRCodeBetween(ctx, t.QRCode.ID, day, windowEnd(now))
	if err != nil {
		return err
	}
	best, err := d.stats.MaxDailyCountBefore(ctx, t.QRCode.ID, day)
	if err != nil {
		return err
	}
	if best == 0 || today <= best {
		return nil
	}

	return d.fire(ctx, fmt.Sprintf("record:%s:%s", t.QRCode.ID, dayKey(now)), model.Alert{
		UserID:   t.QRCode.UserID,
		QRCodeID: t.QRCode.ID,
		Category: model.CategoryRecord,
		Priority: model.PriorityNormal,
		Title:    "1日のスキャン数の記録を更新しました",
		Message:  fmt.Sprintf("「%s」の本日のスキャン数が%d回になり、これまでの最多（%d回）を超えました。", qrName(t.QRCode), today, best),
		Data: map[string]any{
			"qr_code_id":    t.QRCode.ID,
			"today_count":   today,
			"previous_best": best,
		},
	})
}

func total(counts []model.DeviceCount) int64 {
	var n int64
	for _, c := range counts {
		n += c.Count
	}
	return n
}

func countOf(counts []model.DeviceCount, device model.DeviceType) int64 {
	for _, c := range counts {
		if c.DeviceType == device {
			return c.Count
		}
	}
	return 0
}
