package repository

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
	"trip-sync/internal/models"

	"go.uber.org/zap"
)

// TelemetryRepository 遥测日志仓库（telemetry_logs）
type TelemetryRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewTelemetryRepository 创建遥测日志仓库
func NewTelemetryRepository(db *sql.DB, logger *zap.Logger) *TelemetryRepository {
	return &TelemetryRepository{
		db:     db,
		logger: logger,
	}
}

// Upsert 按 external_id 写入或覆盖样本，返回记录 ID
// 重复投递的消息只会覆盖同一行
func (r *TelemetryRepository) Upsert(ctx context.Context, sample *models.TelemetrySample) (int64, error) {
	if err := sample.Validate(); err != nil {
		return 0, err
	}

	data, err := json.Marshal(sample.Data())
	if err != nil {
		return 0, fmt.Errorf("failed to marshal telemetry data: %w", err)
	}

	query := `
		INSERT INTO telemetry_logs (
			external_id,
			timestamp,
			data,
			created_at,
			updated_at
		) VALUES ($1, $2, $3, NOW(), NOW())
		ON CONFLICT (external_id) DO UPDATE SET
			timestamp = EXCLUDED.timestamp,
			data = EXCLUDED.data,
			updated_at = NOW()
		RETURNING id
	`

	var id int64
	err = r.db.QueryRowContext(ctx, query, sample.ExternalID, sample.Timestamp, data).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert telemetry log %s: %w", sample.ExternalID, err)
	}

	return id, nil
}

// SamplesAfter 查询 (after, until] 区间的样本，按时间升序
func (r *TelemetryRepository) SamplesAfter(ctx context.Context, after, until time.Time) ([]*models.TelemetrySample, error) {
	query := `
		SELECT external_id, timestamp, data
		FROM telemetry_logs
		WHERE timestamp > $1
		  AND ($2::timestamptz IS NULL OR timestamp <= $2)
		ORDER BY timestamp ASC, id ASC
	`
	return r.querySamples(ctx, query, after, nullableTime(until))
}

// SamplesBetween 查询 [from, until] 区间的样本，零值时间表示不设边界
func (r *TelemetryRepository) SamplesBetween(ctx context.Context, from, until time.Time) ([]*models.TelemetrySample, error) {
	query := `
		SELECT external_id, timestamp, data
		FROM telemetry_logs
		WHERE ($1::timestamptz IS NULL OR timestamp >= $1)
		  AND ($2::timestamptz IS NULL OR timestamp <= $2)
		ORDER BY timestamp ASC, id ASC
	`
	return r.querySamples(ctx, query, nullableTime(from), nullableTime(until))
}

func (r *TelemetryRepository) querySamples(ctx context.Context, query string, args ...interface{}) ([]*models.TelemetrySample, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query telemetry logs: %w", err)
	}
	defer rows.Close()

	var samples []*models.TelemetrySample
	for rows.Next() {
		var (
			externalID string
			ts         time.Time
			raw        []byte
		)
		if err := rows.Scan(&externalID, &ts, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan telemetry log: %w", err)
		}

		fields, err := decodeData(raw)
		if err != nil {
			// 单行数据损坏不影响其余样本
			r.logger.Warn("Skipping telemetry log with invalid data",
				zap.String("external_id", externalID),
				zap.Error(err),
			)
			continue
		}
		samples = append(samples, models.NewTelemetrySample(externalID, ts, fields))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate telemetry logs: %w", err)
	}

	return samples, nil
}

func decodeData(raw []byte) (map[string]interface{}, error) {
	fields := make(map[string]interface{})
	if len(raw) == 0 {
		return fields, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil {
		return nil, err
	}
	return fields, nil
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
