package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
	"trip-sync/common/config"

	"github.com/go-playground/validator/v10"
)

// Config 行程同步服务配置
type Config struct {
	Database config.DatabaseConfig
	Redis    config.RedisConfig
	MQTT     config.MQTTConfig
	AMQP     config.AMQPConfig

	// 队列消费配置
	Consumer struct {
		Queue                string        `validate:"required"` // 固定队列名 "telemetry_sync"
		PrefetchCount        int           `validate:"gte=1"`    // 每个消费者的未确认消息上限，固定为 1
		RetryDelay           time.Duration `validate:"gt=0"`     // 重连间隔，默认 5 秒
		MaxReconnectAttempts int           `validate:"gte=0"`    // 连续重连失败上限，0 表示无限重试
	}

	// 行程检测阈值
	Detector struct {
		MinSpeed              float64       `validate:"gte=0"` // m/s
		MaxStopDuration       time.Duration `validate:"gt=0"`  // 停车超过该时长则结束行程
		MinTripDistance       float64       `validate:"gte=0"` // 米
		MinTripDuration       time.Duration `validate:"gte=0"`
		MaxStationaryDistance float64       `validate:"gte=0"` // 米，GPS 漂移阈值
		StationaryGap         time.Duration `validate:"gte=0"` // 漂移判断仅在采样间隔大于该值时生效
	}

	// 入库与广播配置
	Sync struct {
		FreshnessWindow time.Duration `validate:"gt=0"` // 只有足够新的样本才触发检测与广播
		BroadcastTopic  string        `validate:"required"`
		LatestKeyPrefix string        // Redis 中最新快照的键前缀
		LatestTTL       time.Duration
		MQTTTopicPrefix string
	}

	// 时区解析配置
	Timezone struct {
		Default          string        `validate:"required"` // 默认时区（IANA 名称）
		GeoNamesURL      string        `validate:"omitempty,url"`
		GeoNamesUsername string        // 为空时只使用默认时区
		LookupTimeout    time.Duration `validate:"gt=0"`
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := &Config{}

	// 默认值
	cfg.Database = config.DatabaseConfig{
		Host:     "localhost",
		Port:     5432,
		User:     "postgres",
		Password: "postgres",
		Database: "trip_planner",
		SSLMode:  "disable",
		MaxConns: 5,
	}
	cfg.Redis = config.RedisConfig{Addr: "localhost:6379"}
	// MQTT 为可选广播通道，未配置 broker 时不启用
	cfg.MQTT = config.MQTTConfig{ClientID: "trip-sync"}
	cfg.AMQP = config.AMQPConfig{
		Host:      "localhost",
		Port:      5672,
		VHost:     "trip_sync",
		User:      "sync_user",
		Heartbeat: 60 * time.Second,
	}

	// 环境变量覆盖
	cfg.Database.LoadFromEnv("DB")
	cfg.Redis.LoadFromEnv("REDIS")
	cfg.MQTT.LoadFromEnv("MQTT")
	cfg.AMQP.LoadFromEnv("RABBITMQ")

	cfg.Consumer.Queue = "telemetry_sync"
	cfg.Consumer.PrefetchCount = 1
	cfg.Consumer.RetryDelay = 5 * time.Second
	cfg.Consumer.MaxReconnectAttempts = getEnvInt("RABBITMQ_MAX_RECONNECT_ATTEMPTS", 0)

	cfg.Detector.MinSpeed = getEnvFloat("DETECTOR_MIN_SPEED", 1.0)
	cfg.Detector.MaxStopDuration = getEnvSeconds("DETECTOR_MAX_STOP_SECONDS", 300)
	cfg.Detector.MinTripDistance = getEnvFloat("DETECTOR_MIN_TRIP_DISTANCE", 200)
	cfg.Detector.MinTripDuration = getEnvSeconds("DETECTOR_MIN_TRIP_SECONDS", 60)
	cfg.Detector.MaxStationaryDistance = getEnvFloat("DETECTOR_MAX_STATIONARY_DISTANCE", 10)
	cfg.Detector.StationaryGap = 5 * time.Second

	cfg.Sync.FreshnessWindow = getEnvSeconds("SYNC_FRESHNESS_SECONDS", 10)
	cfg.Sync.BroadcastTopic = getEnv("SYNC_BROADCAST_TOPIC", "dashboard_updates")
	cfg.Sync.LatestKeyPrefix = getEnv("SYNC_LATEST_KEY_PREFIX", "trip-sync:")
	cfg.Sync.LatestTTL = 10 * time.Minute
	cfg.Sync.MQTTTopicPrefix = getEnv("SYNC_MQTT_TOPIC_PREFIX", "trip-sync")

	cfg.Timezone.Default = getEnv("TIMEZONE_DEFAULT", "UTC")
	cfg.Timezone.GeoNamesURL = getEnv("GEONAMES_URL", "http://api.geonames.org")
	cfg.Timezone.GeoNamesUsername = getEnv("GEONAMES_USERNAME", "")
	cfg.Timezone.LookupTimeout = 3 * time.Second

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return v
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if v, err := strconv.ParseFloat(getEnv(key, ""), 64); err == nil {
		return v
	}
	return defaultValue
}

func getEnvSeconds(key string, defaultSeconds int) time.Duration {
	return time.Duration(getEnvInt(key, defaultSeconds)) * time.Second
}
