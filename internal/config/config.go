// Package config は環境変数からアプリケーション設定を読み込む。
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Redis（未設定の場合はプロセス内メモリで代替する）
	RedisURL string

	// Geo
	GeoAPIURL   string
	GeoTimeout  time.Duration
	GeoCacheTTL time.Duration

	// Ingest
	DedupWindow         time.Duration
	ScanRateLimitPerMin int

	// Fan-out
	FanoutWorkers     int
	FanoutQueueSize   int
	FanoutTaskTimeout time.Duration

	// Webhook
	WebhookTimeout             time.Duration
	WebhookMaxAttempts         int
	WebhookDeactivateThreshold int
	WebhookRetryInterval       time.Duration
	WebhookRetryConcurrency    int

	// Analytics
	MilestoneThresholds []int64
	SpikeRatio          float64
	SpikeMinScans       int64
	TrendMinScans       int64
	VelocityMultiplier  float64
	SummaryMinScans     int64
	SummaryInterval     time.Duration

	// Retention
	ScanRetentionDays            int
	NotificationRetentionDays    int
	WebhookDeliveryRetentionDays int
	CleanupInterval              time.Duration

	// Server
	ServerPort string
	BaseURL    string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	CORSAllowedOrigins []string

	// TrustedProxies は転送ヘッダーを信頼する接続元（CIDRまたはIP）。空の場合はプライベート範囲。
	TrustedProxies []string
}

// Load は環境変数からConfigを読み込む。
// カレントディレクトリに.envがあれば先に読み込むが、既に設定済みの環境変数は上書きしない。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}

	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.BaseURL = strings.TrimRight(os.Getenv("BASE_URL"), "/")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	cfg.RedisURL = os.Getenv("REDIS_URL")

	cfg.GeoAPIURL = getEnvString("GEO_API_URL", "")
	cfg.GeoTimeout = getEnvDuration("GEO_TIMEOUT", 2*time.Second)
	cfg.GeoCacheTTL = getEnvDuration("GEO_CACHE_TTL", 24*time.Hour)

	cfg.DedupWindow = getEnvDuration("DEDUP_WINDOW", 2*time.Minute)
	cfg.ScanRateLimitPerMin = getEnvInt("SCAN_RATE_LIMIT_PER_MIN", 60)

	cfg.FanoutWorkers = getEnvInt("FANOUT_WORKERS", 8)
	cfg.FanoutQueueSize = getEnvInt("FANOUT_QUEUE_SIZE", 1024)
	cfg.FanoutTaskTimeout = getEnvDuration("FANOUT_TASK_TIMEOUT", 30*time.Second)

	cfg.WebhookTimeout = getEnvDuration("WEBHOOK_TIMEOUT", 10*time.Second)
	cfg.WebhookMaxAttempts = getEnvInt("WEBHOOK_MAX_ATTEMPTS", 5)
	cfg.WebhookDeactivateThreshold = getEnvInt("WEBHOOK_DEACTIVATE_THRESHOLD", 10)
	cfg.WebhookRetryInterval = getEnvDuration("WEBHOOK_RETRY_INTERVAL", 30*time.Second)
	cfg.WebhookRetryConcurrency = getEnvInt("WEBHOOK_RETRY_CONCURRENCY", 10)

	cfg.MilestoneThresholds = getEnvInt64List("ANALYTICS_MILESTONES", []int64{100, 500, 1000, 5000, 10000, 50000})
	cfg.SpikeRatio = getEnvFloat("ANALYTICS_SPIKE_RATIO", 3.0)
	cfg.SpikeMinScans = getEnvInt64("ANALYTICS_SPIKE_MIN_SCANS", 10)
	cfg.TrendMinScans = getEnvInt64("ANALYTICS_TREND_MIN_SCANS", 20)
	cfg.VelocityMultiplier = getEnvFloat("ANALYTICS_VELOCITY_MULTIPLIER", 4.0)
	cfg.SummaryMinScans = getEnvInt64("ANALYTICS_SUMMARY_MIN_SCANS", 25)
	cfg.SummaryInterval = getEnvDuration("ANALYTICS_SUMMARY_INTERVAL", time.Hour)

	cfg.ScanRetentionDays = getEnvInt("SCAN_RETENTION_DAYS", 730)
	cfg.NotificationRetentionDays = getEnvInt("NOTIFICATION_RETENTION_DAYS", 90)
	cfg.WebhookDeliveryRetentionDays = getEnvInt("WEBHOOK_DELIVERY_RETENTION_DAYS", 30)
	cfg.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", 24*time.Hour)

	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigins = getEnvList("CORS_ALLOWED_ORIGIN", []string{"http://localhost:3000"})
	cfg.TrustedProxies = getEnvList("TRUSTED_PROXIES", nil)

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return defaultVal
	}
	return f
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

// getEnvList はカンマ区切りの値を分割して返す。空要素は除く。
func getEnvList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}

// getEnvInt64List はカンマ区切りの整数列を返す。1つでも解釈できない場合はデフォルト値を返す。
func getEnvInt64List(key string, defaultVal []int64) []int64 {
	parts := getEnvList(key, nil)
	if len(parts) == 0 {
		return defaultVal
	}
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil || n <= 0 {
			return defaultVal
		}
		out = append(out, n)
	}
	return out
}
