package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/awilliams-2020/theqrcode-sub000/internal/model"
)

// DefaultGeoEndpoint はip-api互換のIP位置情報APIのエンドポイント。
// "{ip}" がIPアドレスに置換される。
const DefaultGeoEndpoint = "http://ip-api.com/json/{ip}?fields=status,country,city"

// maxGeoResponseBytes は位置情報APIのレスポンスとして読み込む最大バイト数。
const maxGeoResponseBytes = 64 << 10

// GeoLocator はIPアドレスから大まかな地域を解決するインターフェース。
// 解決できない場合は(nil, nil)を返してよい。
type GeoLocator interface {
	Lookup(ctx context.Context, ip string) (*model.Location, error)
}

// HTTPGeoClient はip-api互換のJSON APIを呼び出すGeoLocatorの実装。
type HTTPGeoClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	endpoint   string
}

// NewHTTPGeoClient はHTTPGeoClientを生成する。endpointが空の場合はDefaultGeoEndpointを使用する。
func NewHTTPGeoClient(httpClient *http.Client, endpoint string, logger *slog.Logger) *HTTPGeoClient {
	if endpoint == "" {
		endpoint = DefaultGeoEndpoint
	}
	return &HTTPGeoClient{
		httpClient: httpClient,
		logger:     logger,
		endpoint:   endpoint,
	}
}

type geoResponse struct {
	Status  string `json:"status"`
	Country string `json:"country"`
	City    string `json:"city"`
}

// Lookup はIPアドレスの国・都市を取得する。
// プライベートアドレスやループバックは問い合わせずに(nil, nil)を返す。
func (c *HTTPGeoClient) Lookup(ctx context.Context, ip string) (*model.Location, error) {
	if !isPublicIP(ip) {
		return nil, nil
	}

	reqURL := strings.ReplaceAll(c.endpoint, "{ip}", url.PathEscape(ip))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("位置情報APIの呼び出しに失敗しました: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("位置情報APIがステータス %d を返しました", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxGeoResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}

	var result geoResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("レスポンスJSONのパースに失敗しました: %w", err)
	}

	if result.Status != "" && result.Status != "success" {
		c.logger.Debug("位置情報を解決できませんでした", slog.String("ip", ip), slog.String("status", result.Status))
		return nil, nil
	}
	if result.Country == "" {
		return nil, nil
	}

	return &model.Location{Country: result.Country, City: result.City}, nil
}

// compile-time interface check
var _ GeoLocator = (*HTTPGeoClient)(nil)
