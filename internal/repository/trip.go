package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
	"trip-sync/internal/models"

	"github.com/paulmach/orb/encoding/wkt"
	"go.uber.org/zap"
)

// TripRepository 行程仓库（trip_logs）
type TripRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewTripRepository 创建行程仓库
func NewTripRepository(db *sql.DB, logger *zap.Logger) *TripRepository {
	return &TripRepository{
		db:     db,
		logger: logger,
	}
}

// tripData trip_logs.data 列内容
type tripData struct {
	TripID          int             `json:"trip_id"`
	DistanceMeters  float64         `json:"distance_meters"`
	DurationSeconds float64         `json:"duration_seconds"`
	PointCount      int             `json:"point_count"`
	StartLocation   models.Location `json:"start_location"`
	EndLocation     models.Location `json:"end_location"`
}

// Save 保存行程，start_time 已存在时不做任何修改
// 返回是否新插入了一行
func (r *TripRepository) Save(ctx context.Context, trip models.Trip) (bool, error) {
	if !trip.EndTime.After(trip.StartTime) {
		return false, fmt.Errorf("trip end time %s is not after start time %s",
			trip.EndTime.Format(time.RFC3339), trip.StartTime.Format(time.RFC3339))
	}

	data, err := json.Marshal(tripData{
		TripID:          trip.TripID,
		DistanceMeters:  trip.DistanceMeters,
		DurationSeconds: trip.Duration.Seconds(),
		PointCount:      trip.PointCount,
		StartLocation:   trip.StartLocation,
		EndLocation:     trip.EndLocation,
	})
	if err != nil {
		return false, fmt.Errorf("failed to marshal trip data: %w", err)
	}

	// PostGIS 的 LineString 至少需要两个点
	var geom interface{}
	if len(trip.Path) >= 2 {
		geom = wkt.MarshalString(trip.Path)
	}

	query := `
		INSERT INTO trip_logs (
			name,
			start_time,
			end_time,
			max_speed,
			avg_speed,
			geom,
			data,
			created_at,
			updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			ST_GeomFromText($6, 4326)::geography,
			$7, NOW(), NOW()
		)
		ON CONFLICT (start_time) DO NOTHING
	`

	result, err := r.db.ExecContext(ctx, query,
		trip.Name(),
		trip.StartTime,
		trip.EndTime,
		trip.MaxSpeed,
		trip.AvgSpeed,
		geom,
		data,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert trip log: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected == 0 {
		r.logger.Debug("Trip already persisted",
			zap.Time("start_time", trip.StartTime),
		)
		return false, nil
	}

	r.logger.Info("Trip persisted",
		zap.Int("trip_id", trip.TripID),
		zap.Time("start_time", trip.StartTime),
		zap.Float64("distance_meters", trip.DistanceMeters),
	)
	return true, nil
}

// CountBetween 统计 start_time 落在 [from, until] 的行程数
func (r *TripRepository) CountBetween(ctx context.Context, from, until time.Time) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM trip_logs
		WHERE start_time >= $1 AND start_time <= $2
	`

	var count int
	if err := r.db.QueryRowContext(ctx, query, from, until).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count trip logs: %w", err)
	}
	return count, nil
}
