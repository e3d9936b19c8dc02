package timezone

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"
	_ "time/tzdata" // 运行环境可能没有系统时区库

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// ErrLookupFailed 时区查询失败
var ErrLookupFailed = errors.New("timezone lookup failed")

// Resolver 根据坐标解析本地时区
type Resolver interface {
	Location(ctx context.Context, lat, lon float64) (*time.Location, error)
}

// FixedResolver 始终返回固定时区
type FixedResolver struct {
	loc *time.Location
}

// NewFixedResolver 创建固定时区解析器
func NewFixedResolver(name string) (*FixedResolver, error) {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", name, err)
	}
	return &FixedResolver{loc: loc}, nil
}

// Location 忽略坐标
func (r *FixedResolver) Location(_ context.Context, _, _ float64) (*time.Location, error) {
	return r.loc, nil
}

// geoNamesResponse /timezoneJSON 响应
type geoNamesResponse struct {
	TimezoneID string          `json:"timezoneId"`
	Status     *geoNamesStatus `json:"status,omitempty"`
}

type geoNamesStatus struct {
	Message string `json:"message"`
	Value   int    `json:"value"`
}

// cell 0.1 度网格
type cell struct {
	lat int
	lon int
}

func cellOf(lat, lon float64) cell {
	return cell{lat: int(math.Round(lat * 10)), lon: int(math.Round(lon * 10))}
}

// GeoNamesResolver 通过 GeoNames 服务按坐标查询时区
type GeoNamesResolver struct {
	httpClient *resty.Client
	username   string
	logger     *zap.Logger

	mu    sync.RWMutex
	cache map[cell]*time.Location
}

// NewGeoNamesResolver 创建 GeoNames 时区解析器
func NewGeoNamesResolver(baseURL, username string, timeout time.Duration, logger *zap.Logger) *GeoNamesResolver {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(1).
		SetRetryWaitTime(200 * time.Millisecond).
		SetHeader("Accept", "application/json")

	return &GeoNamesResolver{
		httpClient: client,
		username:   username,
		logger:     logger,
		cache:      make(map[cell]*time.Location),
	}
}

// Location 查询坐标所在时区，同一网格内的结果会被缓存
func (r *GeoNamesResolver) Location(ctx context.Context, lat, lon float64) (*time.Location, error) {
	key := cellOf(lat, lon)

	r.mu.RLock()
	loc, ok := r.cache[key]
	r.mu.RUnlock()
	if ok {
		return loc, nil
	}

	var result geoNamesResponse
	resp, err := r.httpClient.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"lat":      strconv.FormatFloat(lat, 'f', 6, 64),
			"lng":      strconv.FormatFloat(lon, 'f', 6, 64),
			"username": r.username,
		}).
		SetResult(&result).
		Get("/timezoneJSON")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLookupFailed, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("%w: unexpected status %d", ErrLookupFailed, resp.StatusCode())
	}
	if result.Status != nil {
		return nil, fmt.Errorf("%w: %s (status: %d)", ErrLookupFailed, result.Status.Message, result.Status.Value)
	}
	if result.TimezoneID == "" {
		return nil, fmt.Errorf("%w: empty timezone id", ErrLookupFailed)
	}

	loc, err = time.LoadLocation(result.TimezoneID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLookupFailed, err)
	}

	r.mu.Lock()
	r.cache[key] = loc
	r.mu.Unlock()

	r.logger.Debug("Resolved timezone",
		zap.Float64("lat", lat),
		zap.Float64("lon", lon),
		zap.String("timezone", result.TimezoneID),
	)

	return loc, nil
}
