package analytics

import "time"

// Config は各検知の閾値。
type Config struct {
	// MilestoneThresholds はQRコードごとの累計スキャン数の節目。
	MilestoneThresholds []int64

	SpikeWindow   time.Duration
	SpikeBaseline time.Duration
	SpikeRatio    float64
	SpikeMinScans int64

	TrendWindow   time.Duration
	TrendHistory  time.Duration
	TrendShare    float64
	TrendMinScans int64

	VelocityMinutes    int
	VelocitySustained  int
	VelocityMultiplier float64
	VelocityFloor      float64
	VelocityBaseline   time.Duration

	SummaryWindow   time.Duration
	SummaryMinScans int64

	// MilestoneCatchUpWindow は定期ジョブで節目の取りこぼしを確認する期間。
	// ジョブの実行間隔より長くして、実行の合間に跨いだ節目を漏らさないようにする。
	MilestoneCatchUpWindow time.Duration
}

// DefaultConfig は既定の閾値を返す。
func DefaultConfig() Config {
	return Config{
		MilestoneThresholds: []int64{100, 500, 1000, 5000, 10000, 50000},

		SpikeWindow:   10 * time.Minute,
		SpikeBaseline: 24 * time.Hour,
		SpikeRatio:    3.0,
		SpikeMinScans: 10,

		TrendWindow:   24 * time.Hour,
		TrendHistory:  30 * 24 * time.Hour,
		TrendShare:    0.5,
		TrendMinScans: 20,

		VelocityMinutes:    5,
		VelocitySustained:  3,
		VelocityMultiplier: 4.0,
		VelocityFloor:      5,
		VelocityBaseline:   24 * time.Hour,

		SummaryWindow:   time.Hour,
		SummaryMinScans: 25,

		MilestoneCatchUpWindow: 2 * time.Hour,
	}
}
