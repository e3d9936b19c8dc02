package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"trip-sync/internal/broadcast"
	"trip-sync/internal/config"
	"trip-sync/internal/detector"
	"trip-sync/internal/models"
	"trip-sync/internal/timezone"

	"go.uber.org/zap"
)

// SampleStore 遥测样本持久化
type SampleStore interface {
	Upsert(ctx context.Context, sample *models.TelemetrySample) (int64, error)
}

// TripStore 行程持久化
type TripStore interface {
	Save(ctx context.Context, trip models.Trip) (bool, error)
	CountBetween(ctx context.Context, from, until time.Time) (int, error)
}

// Pipeline 消息入库、行程检测与快照广播
// 由消费者 goroutine 串行调用，不加锁
type Pipeline struct {
	config      *config.Config
	samples     SampleStore
	trips       TripStore
	engine      *detector.Engine
	resolver    timezone.Resolver
	broadcaster broadcast.Broadcaster
	defaultLoc  *time.Location
	logger      *zap.Logger
	now         func() time.Time

	wasTravelling bool
	knownTrips    int
}

// NewPipeline 创建处理管道
func NewPipeline(
	cfg *config.Config,
	samples SampleStore,
	trips TripStore,
	engine *detector.Engine,
	resolver timezone.Resolver,
	broadcaster broadcast.Broadcaster,
	logger *zap.Logger,
) (*Pipeline, error) {
	loc, err := time.LoadLocation(cfg.Timezone.Default)
	if err != nil {
		return nil, fmt.Errorf("invalid default timezone %q: %w", cfg.Timezone.Default, err)
	}

	return &Pipeline{
		config:      cfg,
		samples:     samples,
		trips:       trips,
		engine:      engine,
		resolver:    resolver,
		broadcaster: broadcaster,
		defaultLoc:  loc,
		logger:      logger,
		now:         time.Now,
	}, nil
}

// SetClock 替换时钟（测试用）
func (p *Pipeline) SetClock(now func() time.Time) {
	p.now = now
}

// HandleMessage 处理一条队列消息
// 只有消息解析失败或样本入库失败会返回错误（消息将重新入队）
func (p *Pipeline) HandleMessage(ctx context.Context, body []byte) error {
	env, err := models.ParseEnvelope(body)
	if err != nil {
		return err
	}

	switch env.Collection {
	case models.CollectionLogs:
		return p.handleLog(ctx, env.Document)
	default:
		p.logger.Warn("Ignoring message for unsupported collection",
			zap.String("collection", env.Collection),
		)
		return nil
	}
}

func (p *Pipeline) handleLog(ctx context.Context, doc map[string]interface{}) error {
	externalID := models.ParseDocumentID(doc[models.FieldID])

	ts, err := models.ParseTimestamp(doc[models.FieldTimestamp])
	if err != nil {
		ts = p.now()
		p.logger.Warn("Unparseable timestamp, using current time",
			zap.String("external_id", externalID),
			zap.Any("timestamp", doc[models.FieldTimestamp]),
			zap.Error(err),
		)
	}

	fields := make(map[string]interface{}, len(doc))
	for k, v := range doc {
		if k == models.FieldID || k == models.FieldTimestamp {
			continue
		}
		fields[k] = v
	}
	sample := models.NewTelemetrySample(externalID, ts, fields)

	id, err := p.samples.Upsert(ctx, sample)
	if err != nil {
		return fmt.Errorf("failed to store telemetry log: %w", err)
	}

	p.logger.Debug("Telemetry log stored",
		zap.String("external_id", externalID),
		zap.Int64("id", id),
		zap.Time("timestamp", ts),
	)

	if !sample.HasGPS() {
		return nil
	}
	if age := p.now().Sub(ts); age > p.config.Sync.FreshnessWindow {
		p.logger.Debug("Skipping broadcast for stale sample",
			zap.String("external_id", externalID),
			zap.Duration("age", age),
		)
		return nil
	}

	p.syncAndBroadcast(ctx, sample)
	return nil
}

// syncAndBroadcast 更新行程状态、按需保存行程并广播快照，失败只记录日志
func (p *Pipeline) syncAndBroadcast(ctx context.Context, sample *models.TelemetrySample) {
	now := p.now()
	loc := p.location(ctx, sample)

	result, err := p.engine.TodaysTrips(ctx, loc, now)
	if err != nil {
		p.logger.Error("Trip detection failed", zap.Error(err))
		return
	}

	start, end := detector.DayBounds(now, loc)
	p.persistTrips(ctx, result, start, end)

	snapshot := p.buildSnapshot(sample, result, loc, start, end)
	payload, err := json.Marshal(snapshot)
	if err != nil {
		p.logger.Error("Failed to marshal snapshot", zap.Error(err))
		return
	}

	if err := p.broadcaster.Broadcast(ctx, p.config.Sync.BroadcastTopic, payload); err != nil {
		p.logger.Warn("Failed to broadcast snapshot",
			zap.String("topic", p.config.Sync.BroadcastTopic),
			zap.Error(err),
		)
	}
}

func (p *Pipeline) location(ctx context.Context, sample *models.TelemetrySample) *time.Location {
	if p.resolver == nil || !sample.HasValidPosition() {
		return p.defaultLoc
	}
	loc, err := p.resolver.Location(ctx, *sample.Latitude, *sample.Longitude)
	if err != nil {
		p.logger.Warn("Timezone lookup failed, using default",
			zap.String("default", p.defaultLoc.String()),
			zap.Error(err),
		)
		return p.defaultLoc
	}
	return loc
}

// persistTrips 行程结束或新增行程时，保存与今日有交集的全部行程
// Save 对已存在的行程不做任何事，所以重复保存是安全的；
// 计数或任一保存失败时保留转换状态，下一条消息会再次尝试
func (p *Pipeline) persistTrips(ctx context.Context, result detector.DetectResult, start, end time.Time) {
	all := p.engine.AllTrips()
	stopped := p.wasTravelling && !result.Travelling
	added := len(all) > p.knownTrips

	if !stopped && !added {
		p.wasTravelling = result.Travelling
		return
	}

	persisted, countErr := p.trips.CountBetween(ctx, start, end)
	if countErr != nil {
		p.logger.Error("Failed to count persisted trips", zap.Error(countErr))
	}

	pending := tripsOverlapping(all, start, end)
	p.logger.Debug("Saving trips after transition",
		zap.Bool("stopped", stopped),
		zap.Bool("added", added),
		zap.Int("pending", len(pending)),
		zap.Int("persisted_today", persisted),
	)

	failed := 0
	for _, trip := range pending {
		if _, err := p.trips.Save(ctx, trip); err != nil {
			failed++
			p.logger.Error("Failed to save trip",
				zap.Int("trip_id", trip.TripID),
				zap.Time("start_time", trip.StartTime),
				zap.Error(err),
			)
		}
	}

	if countErr != nil || failed > 0 {
		return
	}
	p.wasTravelling = result.Travelling
	p.knownTrips = len(all)
}

func (p *Pipeline) buildSnapshot(sample *models.TelemetrySample, result detector.DetectResult, loc *time.Location, start, end time.Time) models.Snapshot {
	var meters float64
	for _, trip := range tripsStartedBetween(result.Trips, start, end) {
		meters += trip.DistanceMeters
	}
	if c, ok := p.engine.ActiveCandidate(); ok {
		meters += c.DistanceMeters
	}

	return models.Snapshot{
		Travelling: result.Travelling,
		DistanceKm: models.Round1(meters / 1000),
		SpeedKmh:   models.Round1(sample.SpeedValue() * 3.6),
		GPS: models.GPSInfo{
			Lat:        sample.Latitude,
			Lon:        sample.Longitude,
			Altitude:   sample.Altitude,
			Heading:    sample.Heading,
			Climb:      sample.Climb,
			Satellites: sample.Satellites,
		},
		Temperature: models.Round1Ptr(sample.Temperature),
		Weather: models.WeatherInfo{
			Temperature: models.Round1Ptr(sample.Temperature),
			Humidity:    models.Round1Ptr(sample.Humidity),
			Pressure:    models.Round1Ptr(sample.Pressure),
			Dewpoint:    models.Round1Ptr(sample.Dewpoint),
		},
		Timestamp: sample.Timestamp.In(loc).Format(time.RFC3339),
	}
}

// tripsOverlapping 返回与 [start, end] 有交集的行程，包括跨零点开始的行程
func tripsOverlapping(trips []models.Trip, start, end time.Time) []models.Trip {
	var out []models.Trip
	for _, trip := range trips {
		if !trip.EndTime.Before(start) && !trip.StartTime.After(end) {
			out = append(out, trip)
		}
	}
	return out
}

func tripsStartedBetween(trips []models.Trip, start, end time.Time) []models.Trip {
	var out []models.Trip
	for _, trip := range trips {
		if !trip.StartTime.Before(start) && !trip.StartTime.After(end) {
			out = append(out, trip)
		}
	}
	return out
}
