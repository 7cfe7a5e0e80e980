package enrich

import (
	"context"
	"log/slog"
	"time"

	"github.com/awilliams-2020/theqrcode-sub000/internal/model"
)

// Enrichment はスキャン1件分の導出結果。Location・ReferrerDomainは解決できない場合nil/空。
type Enrichment struct {
	Device         DeviceInfo
	Location       *model.Location
	ReferrerDomain string
}

// Resolver は端末判定・位置情報・参照元ドメインをまとめて解決する。
type Resolver struct {
	geo        GeoLocator
	geoTimeout time.Duration
	logger     *slog.Logger
}

// NewResolver はResolverを生成する。geoがnilの場合は位置情報を解決しない。
func NewResolver(geo GeoLocator, geoTimeout time.Duration, logger *slog.Logger) *Resolver {
	if geoTimeout <= 0 {
		geoTimeout = 2 * time.Second
	}
	return &Resolver{geo: geo, geoTimeout: geoTimeout, logger: logger}
}

// Resolve はリクエスト情報から導出結果を返す。エラーは返さず、位置情報の障害はログに記録して無視する。
func (r *Resolver) Resolve(ctx context.Context, ip, userAgent, referrer string) Enrichment {
	e := Enrichment{
		Device:         ParseUserAgent(userAgent),
		ReferrerDomain: ReferrerDomain(referrer),
	}

	if r.geo == nil || ip == "" {
		return e
	}

	geoCtx, cancel := context.WithTimeout(ctx, r.geoTimeout)
	defer cancel()

	loc, err := r.geo.Lookup(geoCtx, ip)
	if err != nil {
		r.logger.Warn("位置情報の解決に失敗しました",
			slog.String("ip", ip),
			slog.String("error", err.Error()),
		)
		return e
	}
	e.Location = loc
	return e
}
