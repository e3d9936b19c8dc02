package service

import (
	"context"
	"database/sql"
	"fmt"
	"trip-sync/common/database"
	commonmqtt "trip-sync/common/mqtt"
	commonredis "trip-sync/common/redis"
	"trip-sync/internal/broadcast"
	"trip-sync/internal/config"
	"trip-sync/internal/consumer"
	"trip-sync/internal/detector"
	"trip-sync/internal/ingest"
	"trip-sync/internal/repository"
	"trip-sync/internal/timezone"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// SyncService 遥测同步服务
type SyncService struct {
	config        *config.Config
	logger        *zap.Logger
	db            *sql.DB
	redisClient   *redis.Client
	mqttClient    *commonmqtt.Client
	telemetryRepo *repository.TelemetryRepository
	tripRepo      *repository.TripRepository
	engine        *detector.Engine
	pipeline      *ingest.Pipeline
	consumer      *consumer.QueueConsumer
}

// NewSyncService 创建同步服务
func NewSyncService(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*SyncService, error) {
	// 初始化数据库
	db, err := database.Open(ctx, &cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// 初始化Redis
	redisClient, err := commonredis.Connect(ctx, &cfg.Redis)
	if err != nil {
		_ = database.Close(db)
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	// 创建Repository
	telemetryRepo := repository.NewTelemetryRepository(db, logger)
	tripRepo := repository.NewTripRepository(db, logger)

	// 广播通道：Redis 必选，MQTT 可选
	broadcasters := broadcast.Multi{
		broadcast.NewRedisBroadcaster(redisClient, cfg.Sync.LatestKeyPrefix, cfg.Sync.LatestTTL, logger),
	}
	var mqttClient *commonmqtt.Client
	if cfg.MQTT.Broker != "" {
		mqttClient, err = commonmqtt.NewClient(&cfg.MQTT, logger)
		if err != nil {
			logger.Warn("MQTT broadcast disabled", zap.String("broker", cfg.MQTT.Broker), zap.Error(err))
		} else {
			broadcasters = append(broadcasters, broadcast.NewMQTTBroadcaster(mqttClient, cfg.Sync.MQTTTopicPrefix, logger))
		}
	}

	resolver, err := NewResolver(cfg, logger)
	if err != nil {
		_ = redisClient.Close()
		_ = database.Close(db)
		return nil, err
	}

	engine := detector.NewEngine(DetectorConfig(cfg), telemetryRepo, logger)

	pipeline, err := ingest.NewPipeline(cfg, telemetryRepo, tripRepo, engine, resolver, broadcasters, logger)
	if err != nil {
		_ = redisClient.Close()
		_ = database.Close(db)
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	queueConsumer := consumer.NewQueueConsumer(cfg, consumer.NewAMQPDialer(&cfg.AMQP), logger)

	return &SyncService{
		config:        cfg,
		logger:        logger,
		db:            db,
		redisClient:   redisClient,
		mqttClient:    mqttClient,
		telemetryRepo: telemetryRepo,
		tripRepo:      tripRepo,
		engine:        engine,
		pipeline:      pipeline,
		consumer:      queueConsumer,
	}, nil
}

// Start 启动服务（阻塞直到停止）
func (s *SyncService) Start(ctx context.Context) error {
	s.logger.Info("Starting trip sync service components",
		zap.String("queue", s.config.Consumer.Queue),
		zap.String("broadcast_topic", s.config.Sync.BroadcastTopic),
	)

	if err := s.consumer.Run(ctx, s.pipeline.HandleMessage); err != nil {
		return fmt.Errorf("queue consumer failed: %w", err)
	}
	return nil
}

// Stop 停止服务：先等正在处理的消息完成，再关闭外部连接
func (s *SyncService) Stop(ctx context.Context) error {
	s.logger.Info("Stopping trip sync service")

	if err := s.consumer.Shutdown(ctx); err != nil {
		s.logger.Warn("Queue consumer did not drain before deadline", zap.Error(err))
	}

	if s.mqttClient != nil {
		s.mqttClient.Disconnect()
	}

	// 关闭Redis
	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			s.logger.Error("Error closing Redis client", zap.Error(err))
		}
	}

	// 关闭数据库
	if err := database.Close(s.db); err != nil {
		s.logger.Error("Error closing database connection", zap.Error(err))
	}

	s.logger.Info("Trip sync service stopped")
	return nil
}

// DetectorConfig 由服务配置生成检测阈值
func DetectorConfig(cfg *config.Config) detector.Config {
	return detector.Config{
		MinSpeed:              cfg.Detector.MinSpeed,
		MaxStopDuration:       cfg.Detector.MaxStopDuration,
		MinTripDistance:       cfg.Detector.MinTripDistance,
		MinTripDuration:       cfg.Detector.MinTripDuration,
		MaxStationaryDistance: cfg.Detector.MaxStationaryDistance,
		StationaryGap:         cfg.Detector.StationaryGap,
	}
}

// NewResolver 配置了 GeoNames 用户名时按坐标查询，否则使用默认时区
func NewResolver(cfg *config.Config, logger *zap.Logger) (timezone.Resolver, error) {
	if cfg.Timezone.GeoNamesUsername == "" {
		resolver, err := timezone.NewFixedResolver(cfg.Timezone.Default)
		if err != nil {
			return nil, err
		}
		return resolver, nil
	}
	return timezone.NewGeoNamesResolver(
		cfg.Timezone.GeoNamesURL,
		cfg.Timezone.GeoNamesUsername,
		cfg.Timezone.LookupTimeout,
		logger,
	), nil
}
