package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"
	"trip-sync/common/logger"
	"trip-sync/internal/config"
	"trip-sync/internal/service"

	"go.uber.org/zap"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 初始化Logger
	zlog, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "trip-sync")
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zlog.Sync()

	zlog.Info("Starting trip-sync service",
		zap.String("queue", cfg.Consumer.Queue),
		zap.String("amqp_host", cfg.AMQP.Host),
		zap.String("amqp_vhost", cfg.AMQP.VHost),
		zap.String("broadcast_topic", cfg.Sync.BroadcastTopic),
		zap.Bool("mqtt_enabled", cfg.MQTT.Broker != ""),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 创建服务
	syncService, err := service.NewSyncService(ctx, cfg, zlog)
	if err != nil {
		zlog.Fatal("Failed to create sync service", zap.Error(err))
	}

	// 在 goroutine 中启动服务
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := syncService.Start(ctx); err != nil {
			zlog.Error("Sync service exited", zap.Error(err))
		}
	}()

	// 等待中断信号或服务退出
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigChan:
		zlog.Info("Received signal, shutting down", zap.String("signal", sig.String()))
	case <-done:
		exitCode = 1
	}

	// 优雅关闭：等待当前消息处理完成后再释放连接
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := syncService.Stop(shutdownCtx); err != nil {
		zlog.Error("Error during shutdown", zap.Error(err))
	}
	cancel()
	<-done

	zlog.Info("Service stopped")
	if exitCode != 0 {
		zlog.Sync()
		os.Exit(exitCode)
	}
}
