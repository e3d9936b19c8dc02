package service

import (
	"context"
	"testing"
	"time"
	"trip-sync/internal/config"
	"trip-sync/internal/detector"
	"trip-sync/internal/timezone"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDetectorConfig_FromDefaults(t *testing.T) {
	t.Setenv("DETECTOR_MIN_SPEED", "")
	t.Setenv("DETECTOR_MAX_STOP_SECONDS", "")
	t.Setenv("DETECTOR_MIN_TRIP_DISTANCE", "")
	t.Setenv("DETECTOR_MIN_TRIP_SECONDS", "")
	t.Setenv("DETECTOR_MAX_STATIONARY_DISTANCE", "")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, detector.DefaultConfig(), DetectorConfig(cfg))
}

func TestDetectorConfig_Overrides(t *testing.T) {
	cfg := &config.Config{}
	cfg.Detector.MinSpeed = 2
	cfg.Detector.MaxStopDuration = 10 * time.Minute

	got := DetectorConfig(cfg)
	assert.Equal(t, 2.0, got.MinSpeed)
	assert.Equal(t, 10*time.Minute, got.MaxStopDuration)
}

func TestNewResolver_FixedWithoutUsername(t *testing.T) {
	cfg := &config.Config{}
	cfg.Timezone.Default = "UTC"

	r, err := NewResolver(cfg, zap.NewNop())
	require.NoError(t, err)
	require.IsType(t, &timezone.FixedResolver{}, r)

	loc, err := r.Location(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.Equal(t, time.UTC, loc)
}

func TestNewResolver_GeoNamesWithUsername(t *testing.T) {
	cfg := &config.Config{}
	cfg.Timezone.Default = "UTC"
	cfg.Timezone.GeoNamesURL = "http://127.0.0.1:1"
	cfg.Timezone.GeoNamesUsername = "demo"
	cfg.Timezone.LookupTimeout = time.Second

	r, err := NewResolver(cfg, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &timezone.GeoNamesResolver{}, r)
}

func TestNewResolver_InvalidDefault(t *testing.T) {
	cfg := &config.Config{}
	cfg.Timezone.Default = "Nowhere/Special"

	_, err := NewResolver(cfg, zap.NewNop())
	assert.Error(t, err)
}
