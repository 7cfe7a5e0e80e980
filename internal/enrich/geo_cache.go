package enrich

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/awilliams-2020/theqrcode-sub000/internal/cache"
	"github.com/awilliams-2020/theqrcode-sub000/internal/model"
)

// DefaultGeoCacheTTL は位置情報キャッシュの保持期間。
const DefaultGeoCacheTTL = 24 * time.Hour

// CachedGeoLocator は別のGeoLocatorの結果をキャッシュするGeoLocator。
// 解決できなかったIPも空の結果としてキャッシュし、外部APIへの再問い合わせを抑える。
// キャッシュの障害は警告ログのみで、常に下位のGeoLocatorにフォールバックする。
type CachedGeoLocator struct {
	next   GeoLocator
	store  cache.Store
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachedGeoLocator はCachedGeoLocatorを生成する。
func NewCachedGeoLocator(next GeoLocator, store cache.Store, ttl time.Duration, logger *slog.Logger) *CachedGeoLocator {
	if ttl <= 0 {
		ttl = DefaultGeoCacheTTL
	}
	return &CachedGeoLocator{next: next, store: store, ttl: ttl, logger: logger}
}

func geoCacheKey(ip string) string {
	return "geo:" + ip
}

// Lookup はキャッシュを参照し、なければ下位のGeoLocatorに問い合わせて結果を保存する。
func (c *CachedGeoLocator) Lookup(ctx context.Context, ip string) (*model.Location, error) {
	key := geoCacheKey(ip)

	raw, found, err := c.store.Get(ctx, key)
	if err != nil {
		c.logger.Warn("位置情報キャッシュの取得に失敗しました", slog.String("error", err.Error()))
	} else if found {
		if raw == "" {
			return nil, nil
		}
		var loc model.Location
		if err := json.Unmarshal([]byte(raw), &loc); err == nil {
			return &loc, nil
		}
	}

	loc, err := c.next.Lookup(ctx, ip)
	if err != nil {
		// 一時的な障害の結果はキャッシュしない
		return nil, err
	}

	value := ""
	if loc != nil {
		b, _ := json.Marshal(loc)
		value = string(b)
	}
	if err := c.store.Set(ctx, key, value, c.ttl); err != nil {
		c.logger.Warn("位置情報キャッシュの保存に失敗しました", slog.String("error", err.Error()))
	}
	return loc, nil
}

// compile-time interface check
var _ GeoLocator = (*CachedGeoLocator)(nil)
