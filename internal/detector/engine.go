package detector

import (
	"context"
	"fmt"
	"sort"
	"time"
	"trip-sync/internal/geo"
	"trip-sync/internal/models"

	"github.com/paulmach/orb"
	"go.uber.org/zap"
)

// Config 行程检测阈值
type Config struct {
	MinSpeed              float64       // 低于该速度（m/s）视为静止
	MaxStopDuration       time.Duration // 静止或数据间隔超过该时长则结束行程
	MinTripDistance       float64       // 米
	MinTripDuration       time.Duration
	MaxStationaryDistance float64       // 米，位移低于该值时忽略速度读数（GPS 漂移）
	StationaryGap         time.Duration // 漂移判断仅在采样间隔大于该值时生效
}

// DefaultConfig 默认阈值
func DefaultConfig() Config {
	return Config{
		MinSpeed:              1.0,
		MaxStopDuration:       300 * time.Second,
		MinTripDistance:       200,
		MinTripDuration:       60 * time.Second,
		MaxStationaryDistance: 10,
		StationaryGap:         5 * time.Second,
	}
}

// SampleSource 遥测样本来源（按时间升序返回）
// 零值时间表示该端不设边界
type SampleSource interface {
	SamplesAfter(ctx context.Context, after, until time.Time) ([]*models.TelemetrySample, error)
	SamplesBetween(ctx context.Context, from, until time.Time) ([]*models.TelemetrySample, error)
}

// DetectOptions 检测参数
type DetectOptions struct {
	Start    time.Time
	End      time.Time
	UseCache bool
}

// DetectResult 检测结果
type DetectResult struct {
	Trips      []models.Trip // 窗口内的行程
	NewTrips   []models.Trip // 本次调用新完成的行程
	Travelling bool
}

// scanState 扫描过程中的可变状态
type scanState struct {
	candidate *Candidate
	last      *models.TelemetrySample // 上一个有效定位样本
}

// Engine 增量行程检测器
// 状态仅由持有它的单个 goroutine 访问，不加锁
type Engine struct {
	cfg    Config
	source SampleSource
	logger *zap.Logger

	trips      []models.Trip
	watermark  time.Time
	state      scanState
	travelling bool
}

// NewEngine 创建行程检测器
func NewEngine(cfg Config, source SampleSource, logger *zap.Logger) *Engine {
	return &Engine{
		cfg:    cfg,
		source: source,
		logger: logger,
	}
}

// Config 当前阈值
func (e *Engine) Config() Config {
	return e.cfg
}

// Detect 从样本来源加载数据并检测行程
// UseCache 时从水位线之后继续；否则对 [Start, End] 做一次独立扫描，不修改引擎状态
func (e *Engine) Detect(ctx context.Context, opts DetectOptions) (DetectResult, error) {
	if e.source == nil {
		return DetectResult{}, fmt.Errorf("detector has no sample source")
	}

	if !opts.UseCache {
		samples, err := e.source.SamplesBetween(ctx, opts.Start, opts.End)
		if err != nil {
			return DetectResult{}, fmt.Errorf("failed to load telemetry samples: %w", err)
		}
		trips := e.ScanWindow(samples)
		return DetectResult{Trips: trips, NewTrips: trips}, nil
	}

	var (
		samples []*models.TelemetrySample
		err     error
	)
	if !e.watermark.IsZero() {
		samples, err = e.source.SamplesAfter(ctx, e.watermark, opts.End)
	} else {
		samples, err = e.source.SamplesBetween(ctx, opts.Start, opts.End)
	}
	if err != nil {
		return DetectResult{}, fmt.Errorf("failed to load telemetry samples: %w", err)
	}

	known := len(e.trips)
	newTrips := e.Process(samples)

	var trips []models.Trip
	for i, trip := range e.trips {
		if i >= known || inWindow(trip.StartTime, opts.Start, opts.End) {
			trips = append(trips, trip)
		}
	}

	return DetectResult{
		Trips:      trips,
		NewTrips:   newTrips,
		Travelling: e.travelling,
	}, nil
}

// TodaysTrips 检测 loc 时区下 now 所在自然日的行程（复用缓存）
func (e *Engine) TodaysTrips(ctx context.Context, loc *time.Location, now time.Time) (DetectResult, error) {
	start, end := DayBounds(now, loc)
	return e.Detect(ctx, DetectOptions{Start: start, End: end, UseCache: true})
}

// Process 增量处理一批样本，返回本次新完成的行程
// 早于或等于水位线的样本会被跳过
func (e *Engine) Process(samples []*models.TelemetrySample) []models.Trip {
	var fresh []*models.TelemetrySample
	for _, s := range sortSamples(samples) {
		if !e.watermark.IsZero() && !s.Timestamp.After(e.watermark) {
			continue
		}
		fresh = append(fresh, s)
	}
	if len(fresh) == 0 {
		return nil
	}

	var newTrips []models.Trip
	e.scan(fresh, &e.state, func(c *Candidate) {
		if trip := e.finalize(c, len(e.trips)+1); trip != nil {
			e.trips = append(e.trips, *trip)
			newTrips = append(newTrips, *trip)
		}
	})

	if last := fresh[len(fresh)-1].Timestamp; last.After(e.watermark) {
		e.watermark = last
	}
	e.travelling = e.qualifies(e.state.candidate)

	return newTrips
}

// ScanWindow 对一批样本做独立扫描，末尾未结束的行程也会尝试完成
func (e *Engine) ScanWindow(samples []*models.TelemetrySample) []models.Trip {
	st := &scanState{}
	var trips []models.Trip

	emit := func(c *Candidate) {
		if trip := e.finalize(c, len(trips)+1); trip != nil {
			trips = append(trips, *trip)
		}
	}

	e.scan(sortSamples(samples), st, emit)
	if st.candidate != nil {
		emit(st.candidate)
	}

	return trips
}

func (e *Engine) scan(samples []*models.TelemetrySample, st *scanState, emit func(*Candidate)) {
	for _, s := range samples {
		if !s.HasValidPosition() {
			continue
		}
		lat, lon := *s.Latitude, *s.Longitude
		speed := s.SpeedValue()

		var (
			distance float64
			elapsed  time.Duration
		)
		if st.last != nil {
			distance = geo.HaversineMeters(*st.last.Latitude, *st.last.Longitude, lat, lon)
			elapsed = s.Timestamp.Sub(st.last.Timestamp)
		}

		// 数据中断本身视为一次长时间停车
		if st.candidate != nil && st.last != nil && elapsed > e.cfg.MaxStopDuration {
			e.logger.Debug("Closing trip on data gap",
				zap.Time("last_sample", st.last.Timestamp),
				zap.Duration("gap", elapsed),
			)
			emit(st.candidate)
			st.candidate = nil
		}

		moving := speed >= e.cfg.MinSpeed
		if moving && st.last != nil && distance < e.cfg.MaxStationaryDistance && elapsed > e.cfg.StationaryGap {
			moving = false
		}

		if moving {
			if st.candidate == nil {
				st.candidate = newCandidate(s)
			} else {
				st.candidate.extend(s, distance)
			}
		} else if st.candidate != nil {
			c := st.candidate
			if c.StoppedSince == nil {
				ts := s.Timestamp
				c.StoppedSince = &ts
			}
			if s.Timestamp.Sub(*c.StoppedSince) > e.cfg.MaxStopDuration {
				emit(c)
				st.candidate = nil
			}
		}

		st.last = s
	}
}

// finalize 候选行程满足最小距离与时长时转换为 Trip，否则丢弃
func (e *Engine) finalize(c *Candidate, tripID int) *models.Trip {
	duration := c.Duration()
	if c.DistanceMeters < e.cfg.MinTripDistance || duration < e.cfg.MinTripDuration || duration <= 0 {
		e.logger.Debug("Discarding trip candidate",
			zap.Time("start_time", c.StartTime),
			zap.Float64("distance_meters", c.DistanceMeters),
			zap.Duration("duration", duration),
		)
		return nil
	}

	path := make(orb.LineString, 0, len(c.Points))
	for _, p := range c.Points {
		path = append(path, orb.Point{*p.Longitude, *p.Latitude})
	}

	trip := &models.Trip{
		TripID:         tripID,
		StartTime:      c.StartTime,
		EndTime:        c.EndTime,
		Duration:       duration,
		StartLocation:  models.Location{Lat: c.StartLat, Lon: c.StartLon},
		EndLocation:    models.Location{Lat: c.EndLat, Lon: c.EndLon},
		DistanceMeters: c.DistanceMeters,
		MaxSpeed:       c.MaxSpeed,
		AvgSpeed:       c.DistanceMeters / duration.Seconds(),
		PointCount:     len(c.Points),
		Path:           path,
	}

	e.logger.Info("Trip finalized",
		zap.Int("trip_id", trip.TripID),
		zap.Time("start_time", trip.StartTime),
		zap.Time("end_time", trip.EndTime),
		zap.Float64("distance_meters", trip.DistanceMeters),
	)

	return trip
}

// qualifies 候选行程此刻结束是否已能成为有效行程
func (e *Engine) qualifies(c *Candidate) bool {
	if c == nil {
		return false
	}
	return c.DistanceMeters > e.cfg.MinTripDistance && c.Duration() > e.cfg.MinTripDuration
}

// ClearCache 重置全部状态
func (e *Engine) ClearCache() {
	e.trips = nil
	e.watermark = time.Time{}
	e.state = scanState{}
	e.travelling = false
}

// CurrentlyTravelling 是否正在行驶
func (e *Engine) CurrentlyTravelling() bool {
	return e.travelling
}

// AllTrips 本进程生命周期内完成的全部行程
func (e *Engine) AllTrips() []models.Trip {
	out := make([]models.Trip, len(e.trips))
	copy(out, e.trips)
	return out
}

// Watermark 最后处理的样本时间
func (e *Engine) Watermark() time.Time {
	return e.watermark
}

// ActiveCandidate 当前未结束的候选行程副本
func (e *Engine) ActiveCandidate() (Candidate, bool) {
	if e.state.candidate == nil {
		return Candidate{}, false
	}
	return e.state.candidate.clone(), true
}

// CurrentTripPoints 当前候选行程的轨迹点
func (e *Engine) CurrentTripPoints() []models.Location {
	c := e.state.candidate
	if c == nil {
		return nil
	}
	points := make([]models.Location, 0, len(c.Points))
	for _, p := range c.Points {
		points = append(points, models.Location{Lat: *p.Latitude, Lon: *p.Longitude})
	}
	return points
}

// DayBounds 返回 now 在 loc 时区下所在自然日的起止时间（闭区间）
func DayBounds(now time.Time, loc *time.Location) (time.Time, time.Time) {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	end := start.AddDate(0, 0, 1).Add(-time.Nanosecond)
	return start, end
}

func inWindow(t, start, end time.Time) bool {
	if !start.IsZero() && t.Before(start) {
		return false
	}
	if !end.IsZero() && t.After(end) {
		return false
	}
	return true
}

func sortSamples(samples []*models.TelemetrySample) []*models.TelemetrySample {
	sorted := make([]*models.TelemetrySample, 0, len(samples))
	for _, s := range samples {
		if s != nil {
			sorted = append(sorted, s)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})
	return sorted
}
