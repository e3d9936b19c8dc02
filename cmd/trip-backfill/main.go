package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"
	"trip-sync/common/database"
	"trip-sync/common/logger"
	"trip-sync/internal/config"
	"trip-sync/internal/detector"
	"trip-sync/internal/repository"
	"trip-sync/internal/service"

	"go.uber.org/zap"
)

const dateLayout = "2006-01-02"

func main() {
	var (
		from   = flag.String("from", "", "First day to re-detect (YYYY-MM-DD, default: today)")
		to     = flag.String("to", "", "Last day to re-detect (YYYY-MM-DD, default: same as -from)")
		tz     = flag.String("tz", "", "Timezone for day boundaries (default: TIMEZONE_DEFAULT)")
		dryRun = flag.Bool("dry-run", false, "Detect and print trips without saving")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zlog, err := logger.NewLogger(cfg.Log.Level, "console", "trip-backfill")
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zlog.Sync()

	zone := cfg.Timezone.Default
	if *tz != "" {
		zone = *tz
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		zlog.Fatal("Invalid timezone", zap.String("timezone", zone), zap.Error(err))
	}

	start, end, err := window(*from, *to, loc, time.Now())
	if err != nil {
		zlog.Fatal("Invalid date window", zap.Error(err))
	}

	db, err := database.Open(context.Background(), &cfg.Database)
	if err != nil {
		zlog.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer database.Close(db)

	telemetryRepo := repository.NewTelemetryRepository(db, zlog)
	tripRepo := repository.NewTripRepository(db, zlog)
	engine := detector.NewEngine(service.DetectorConfig(cfg), telemetryRepo, zlog)

	ctx := context.Background()
	result, err := engine.Detect(ctx, detector.DetectOptions{Start: start, End: end, UseCache: false})
	if err != nil {
		zlog.Fatal("Trip detection failed", zap.Error(err))
	}

	inserted := 0
	for _, trip := range result.Trips {
		fmt.Printf("%-45s %8.2f km %6.1f min\n", trip.Name(), trip.DistanceMeters/1000, trip.Duration.Minutes())
		if *dryRun {
			continue
		}
		ok, err := tripRepo.Save(ctx, trip)
		if err != nil {
			zlog.Error("Failed to save trip", zap.Time("start_time", trip.StartTime), zap.Error(err))
			continue
		}
		if ok {
			inserted++
		}
	}

	summary := detector.Summarize(result.Trips)
	zlog.Info("Backfill completed",
		zap.Time("from", start),
		zap.Time("to", end),
		zap.Int("detected", summary.TotalTrips),
		zap.Int("inserted", inserted),
		zap.Float64("total_distance_km", summary.TotalDistanceKm),
		zap.Float64("max_speed_kmh", summary.MaxSpeedKmh),
		zap.Bool("dry_run", *dryRun),
	)
}

// window 解析日期区间，返回首日零点到末日结束
func window(from, to string, loc *time.Location, now time.Time) (time.Time, time.Time, error) {
	first := now.In(loc)
	if from != "" {
		d, err := time.ParseInLocation(dateLayout, from, loc)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid -from %q: %w", from, err)
		}
		first = d
	}

	last := first
	if to != "" {
		d, err := time.ParseInLocation(dateLayout, to, loc)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid -to %q: %w", to, err)
		}
		last = d
	}

	start, _ := detector.DayBounds(first, loc)
	_, end := detector.DayBounds(last, loc)
	if end.Before(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("-to %s is before -from %s", to, from)
	}
	return start, end, nil
}
