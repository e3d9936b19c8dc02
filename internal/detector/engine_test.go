package detector

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"
	"trip-sync/internal/geo"
	"trip-sync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	baseLat = -8.05
	baseLon = -34.9
)

var metersPerDegree = geo.EarthRadiusMeters * math.Pi / 180

// track 沿经线构造样本，距离可精确计算
type track struct {
	t0      time.Time
	offset  int     // 秒
	north   float64 // 米
	seq     int
	samples []*models.TelemetrySample
}

func newTrack() *track {
	return &track{t0: time.Date(2025, 10, 27, 9, 0, 0, 0, time.UTC)}
}

func (tr *track) at(sec int) time.Time {
	return tr.t0.Add(time.Duration(sec) * time.Second)
}

func (tr *track) add(dt int, meters, speed float64) *models.TelemetrySample {
	tr.offset += dt
	tr.north += meters
	tr.seq++
	s := models.NewTelemetrySample(fmt.Sprintf("log-%d", tr.seq), tr.at(tr.offset), map[string]interface{}{
		models.FieldLatitude:  baseLat + tr.north/metersPerDegree,
		models.FieldLongitude: baseLon,
		models.FieldSpeed:     speed,
	})
	tr.samples = append(tr.samples, s)
	return s
}

// drive 每 30 秒前进 stepMeters，共 steps 步
func (tr *track) drive(steps int, stepMeters float64) {
	for i := 0; i < steps; i++ {
		tr.add(30, stepMeters, 5)
	}
}

// park 原地停留 seconds 秒，每 60 秒一个样本
func (tr *track) park(seconds int) {
	for elapsed := 0; elapsed < seconds; elapsed += 60 {
		tr.add(60, 0, 0)
	}
}

func newTestEngine(source SampleSource) *Engine {
	return NewEngine(DefaultConfig(), source, zap.NewNop())
}

func TestEngine_ShortCandidateIsDiscarded(t *testing.T) {
	tr := newTrack()
	tr.add(0, 0, 5)
	tr.drive(3, 50) // 150 米 / 90 秒
	tr.add(400, 0, 0)

	e := newTestEngine(nil)
	trips := e.Process(tr.samples)

	assert.Empty(t, trips)
	assert.Empty(t, e.AllTrips())
	_, active := e.ActiveCandidate()
	assert.False(t, active)
}

func TestEngine_QualifyingCandidateIsFinalized(t *testing.T) {
	tr := newTrack()
	tr.add(0, 0, 5)
	tr.drive(4, 125) // 500 米 / 120 秒
	tr.add(400, 0, 0)

	e := newTestEngine(nil)
	trips := e.Process(tr.samples)

	require.Len(t, trips, 1)
	trip := trips[0]
	assert.Equal(t, 1, trip.TripID)
	assert.InDelta(t, 500, trip.DistanceMeters, 1e-6)
	assert.Equal(t, 120*time.Second, trip.Duration)
	assert.InDelta(t, 500.0/120.0, trip.AvgSpeed, 1e-6)
	assert.Equal(t, 5.0, trip.MaxSpeed)
	assert.Equal(t, 5, trip.PointCount)
	assert.Len(t, trip.Path, 5)
	assert.True(t, trip.EndTime.After(trip.StartTime))
	assert.Equal(t, baseLon, trip.Path[0][0])
}

func TestEngine_FinalizeThresholds(t *testing.T) {
	e := newTestEngine(nil)
	start := time.Date(2025, 10, 27, 9, 0, 0, 0, time.UTC)

	short := &Candidate{StartTime: start, EndTime: start.Add(90 * time.Second), DistanceMeters: 150}
	assert.Nil(t, e.finalize(short, 1))

	brief := &Candidate{StartTime: start, EndTime: start.Add(30 * time.Second), DistanceMeters: 900}
	assert.Nil(t, e.finalize(brief, 1))

	ok := &Candidate{StartTime: start, EndTime: start.Add(120 * time.Second), DistanceMeters: 500}
	trip := e.finalize(ok, 7)
	require.NotNil(t, trip)
	assert.Equal(t, 7, trip.TripID)
	assert.InDelta(t, 500.0/120.0, trip.AvgSpeed, 1e-9)
}

func TestEngine_ZeroDurationNeverFinalized(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinTripDistance = 0
	cfg.MinTripDuration = 0
	e := NewEngine(cfg, nil, zap.NewNop())

	start := time.Date(2025, 10, 27, 9, 0, 0, 0, time.UTC)
	assert.Nil(t, e.finalize(&Candidate{StartTime: start, EndTime: start, DistanceMeters: 10}, 1))
}

func TestEngine_CandidateDistanceIsMonotonic(t *testing.T) {
	tr := newTrack()
	tr.add(0, 0, 5)
	steps := []float64{40, -30, 25, 0.5, -60, 80, 3, -12, 45}
	for _, m := range steps {
		tr.add(4, m, 6)
	}

	e := newTestEngine(nil)
	var last float64
	var started time.Time
	for _, s := range tr.samples {
		e.Process([]*models.TelemetrySample{s})
		c, ok := e.ActiveCandidate()
		require.True(t, ok)
		if !started.IsZero() {
			require.Equal(t, started, c.StartTime)
		}
		started = c.StartTime
		assert.GreaterOrEqual(t, c.DistanceMeters, last)
		last = c.DistanceMeters
	}
	assert.Greater(t, last, 0.0)
}

func TestEngine_RedeliveredSampleIsIgnored(t *testing.T) {
	tr := newTrack()
	tr.add(0, 0, 5)
	tr.drive(4, 125)
	tr.add(400, 0, 0)

	e := newTestEngine(nil)
	for _, s := range tr.samples {
		e.Process([]*models.TelemetrySample{s})
		e.Process([]*models.TelemetrySample{s})
	}

	assert.Len(t, e.AllTrips(), 1)
}

func TestEngine_GapForceClosesCandidate(t *testing.T) {
	tr := newTrack()
	tr.add(0, 0, 5)
	tr.drive(4, 125) // 结束于 120 秒
	tr.add(400, 125, 5)

	e := newTestEngine(nil)
	trips := e.Process(tr.samples)

	require.Len(t, trips, 1)
	assert.Equal(t, tr.at(120), trips[0].EndTime)

	c, ok := e.ActiveCandidate()
	require.True(t, ok)
	assert.Equal(t, tr.at(520), c.StartTime)
	assert.Equal(t, 0.0, c.DistanceMeters)
	assert.Nil(t, c.StoppedSince)
}

func TestEngine_JitterIsNotMovement(t *testing.T) {
	tr := newTrack()
	tr.add(0, 0, 0)
	tr.add(8, 2, 5) // 速度 5，但 8 秒内只移动 2 米

	e := newTestEngine(nil)
	e.Process(tr.samples)

	_, ok := e.ActiveCandidate()
	assert.False(t, ok)
}

func TestEngine_JitterStartsStopClock(t *testing.T) {
	tr := newTrack()
	tr.add(0, 0, 5)
	tr.drive(2, 100)
	tr.add(8, 2, 5)

	e := newTestEngine(nil)
	e.Process(tr.samples)

	c, ok := e.ActiveCandidate()
	require.True(t, ok)
	require.NotNil(t, c.StoppedSince)
	assert.Equal(t, tr.at(68), *c.StoppedSince)
	assert.Equal(t, tr.at(60), c.EndTime)
}

func TestEngine_ShortIntervalIgnoresJitterRule(t *testing.T) {
	tr := newTrack()
	tr.add(0, 0, 5)
	tr.add(3, 2, 5) // 间隔未超过 5 秒，按速度判断

	e := newTestEngine(nil)
	e.Process(tr.samples)

	c, ok := e.ActiveCandidate()
	require.True(t, ok)
	assert.InDelta(t, 2, c.DistanceMeters, 1e-6)
}

func TestEngine_CurrentlyTravelling(t *testing.T) {
	tr := newTrack()
	e := newTestEngine(nil)

	// 行程 A
	tr.add(0, 0, 5)
	tr.drive(4, 125)
	tr.park(420)
	// 行程 B
	tr.add(60, 125, 5)
	tr.drive(4, 125)
	tr.park(420)
	e.Process(tr.samples)
	require.Len(t, e.AllTrips(), 2)
	assert.False(t, e.CurrentlyTravelling())

	// 行程 C：刚开始时还不算行驶中
	tr.samples = nil
	tr.add(60, 125, 5)
	tr.drive(1, 125)
	e.Process(tr.samples)
	assert.False(t, e.CurrentlyTravelling())

	tr.samples = nil
	tr.drive(3, 125)
	e.Process(tr.samples)
	assert.True(t, e.CurrentlyTravelling())
	assert.Len(t, e.AllTrips(), 2)

	// 停车超过最大时长后结束
	tr.samples = nil
	tr.park(420)
	newTrips := e.Process(tr.samples)
	require.Len(t, newTrips, 1)
	assert.Equal(t, 3, newTrips[0].TripID)
	assert.False(t, e.CurrentlyTravelling())
	assert.Len(t, e.AllTrips(), 3)
}

func TestEngine_IncrementalMatchesBatch(t *testing.T) {
	tr := newTrack()
	tr.add(0, 0, 5)
	tr.drive(6, 90)
	tr.add(8, 2, 5)
	tr.park(240)
	tr.drive(3, 80)
	tr.add(500, 150, 7)
	tr.drive(5, 110)
	tr.park(400)

	batch := newTestEngine(nil)
	batchTrips := batch.Process(tr.samples)

	incremental := newTestEngine(nil)
	var incTrips []models.Trip
	for _, s := range tr.samples {
		incTrips = append(incTrips, incremental.Process([]*models.TelemetrySample{s})...)
	}

	require.Len(t, incTrips, len(batchTrips))
	for i := range batchTrips {
		assert.Equal(t, batchTrips[i].StartTime, incTrips[i].StartTime)
		assert.Equal(t, batchTrips[i].EndTime, incTrips[i].EndTime)
		assert.InDelta(t, batchTrips[i].DistanceMeters, incTrips[i].DistanceMeters, 1e-6)
	}
	assert.Equal(t, batch.Watermark(), incremental.Watermark())
}

func TestEngine_SortsOutOfOrderBatch(t *testing.T) {
	tr := newTrack()
	tr.add(0, 0, 5)
	tr.drive(4, 125)
	tr.add(400, 0, 0)

	reversed := make([]*models.TelemetrySample, len(tr.samples))
	for i, s := range tr.samples {
		reversed[len(tr.samples)-1-i] = s
	}

	e := newTestEngine(nil)
	trips := e.Process(reversed)
	require.Len(t, trips, 1)
	assert.InDelta(t, 500, trips[0].DistanceMeters, 1e-6)
}

func TestEngine_SamplesWithoutGPSAdvanceWatermark(t *testing.T) {
	tr := newTrack()
	tr.add(0, 0, 5)
	noGPS := models.NewTelemetrySample("env-only", tr.at(45), map[string]interface{}{
		models.FieldTemperature: 27.5,
	})

	e := newTestEngine(nil)
	e.Process(append(tr.samples, noGPS))

	assert.Equal(t, tr.at(45), e.Watermark())
	c, ok := e.ActiveCandidate()
	require.True(t, ok)
	assert.Len(t, c.Points, 1)
}

func TestEngine_WatermarkNeverMovesBackward(t *testing.T) {
	tr := newTrack()
	tr.add(0, 0, 5)
	tr.drive(2, 100)

	e := newTestEngine(nil)
	e.Process(tr.samples)
	mark := e.Watermark()

	e.Process(tr.samples[:1])
	assert.Equal(t, mark, e.Watermark())
}

func TestEngine_ClearCache(t *testing.T) {
	tr := newTrack()
	tr.add(0, 0, 5)
	tr.drive(4, 125)
	tr.add(400, 0, 0)
	tr.drive(5, 125)

	e := newTestEngine(nil)
	e.Process(tr.samples)
	require.NotEmpty(t, e.AllTrips())
	require.True(t, e.CurrentlyTravelling())

	e.ClearCache()

	assert.Empty(t, e.AllTrips())
	assert.True(t, e.Watermark().IsZero())
	assert.False(t, e.CurrentlyTravelling())
	_, ok := e.ActiveCandidate()
	assert.False(t, ok)
	assert.Nil(t, e.CurrentTripPoints())
}

func TestEngine_CurrentTripPoints(t *testing.T) {
	tr := newTrack()
	tr.add(0, 0, 5)
	tr.drive(2, 100)

	e := newTestEngine(nil)
	e.Process(tr.samples)

	points := e.CurrentTripPoints()
	require.Len(t, points, 3)
	assert.Equal(t, baseLon, points[0].Lon)
	assert.InDelta(t, baseLat+200/metersPerDegree, points[2].Lat, 1e-12)
}

// fakeSource 内存样本来源
type fakeSource struct {
	samples      []*models.TelemetrySample
	afterCalls   []time.Time
	betweenCalls int
	err          error
}

func (f *fakeSource) SamplesAfter(_ context.Context, after, until time.Time) ([]*models.TelemetrySample, error) {
	f.afterCalls = append(f.afterCalls, after)
	if f.err != nil {
		return nil, f.err
	}
	var out []*models.TelemetrySample
	for _, s := range f.samples {
		if s.Timestamp.After(after) && (until.IsZero() || !s.Timestamp.After(until)) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeSource) SamplesBetween(_ context.Context, from, until time.Time) ([]*models.TelemetrySample, error) {
	f.betweenCalls++
	if f.err != nil {
		return nil, f.err
	}
	var out []*models.TelemetrySample
	for _, s := range f.samples {
		if inWindow(s.Timestamp, from, until) {
			out = append(out, s)
		}
	}
	return out, nil
}

func TestEngine_DetectResumesFromWatermark(t *testing.T) {
	tr := newTrack()
	tr.add(0, 0, 5)
	tr.drive(4, 125)
	src := &fakeSource{samples: tr.samples}
	e := newTestEngine(src)

	start, end := DayBounds(tr.t0, time.UTC)
	res, err := e.Detect(context.Background(), DetectOptions{Start: start, End: end, UseCache: true})
	require.NoError(t, err)
	assert.Equal(t, 1, src.betweenCalls)
	assert.Empty(t, res.Trips)
	assert.True(t, res.Travelling)

	tr.add(400, 0, 0)
	src.samples = tr.samples
	res, err = e.Detect(context.Background(), DetectOptions{Start: start, End: end, UseCache: true})
	require.NoError(t, err)
	require.Len(t, src.afterCalls, 1)
	assert.Equal(t, tr.at(120), src.afterCalls[0])
	require.Len(t, res.NewTrips, 1)
	require.Len(t, res.Trips, 1)
	assert.False(t, res.Travelling)

	// 无新数据时返回缓存的行程
	res, err = e.Detect(context.Background(), DetectOptions{Start: start, End: end, UseCache: true})
	require.NoError(t, err)
	assert.Empty(t, res.NewTrips)
	assert.Len(t, res.Trips, 1)
}

func TestEngine_DetectFiltersCachedTripsByWindow(t *testing.T) {
	tr := newTrack()
	tr.add(0, 0, 5)
	tr.drive(4, 125)
	tr.add(400, 0, 0)

	src := &fakeSource{samples: tr.samples}
	e := newTestEngine(src)
	_, err := e.Detect(context.Background(), DetectOptions{UseCache: true})
	require.NoError(t, err)
	require.Len(t, e.AllTrips(), 1)

	nextDay := tr.t0.Add(24 * time.Hour)
	start, end := DayBounds(nextDay, time.UTC)
	res, err := e.Detect(context.Background(), DetectOptions{Start: start, End: end, UseCache: true})
	require.NoError(t, err)
	assert.Empty(t, res.Trips)
}

func TestEngine_DetectWithoutCacheDoesNotMutateState(t *testing.T) {
	tr := newTrack()
	tr.add(0, 0, 5)
	tr.drive(4, 125)
	src := &fakeSource{samples: tr.samples}
	e := newTestEngine(src)

	res, err := e.Detect(context.Background(), DetectOptions{UseCache: false})
	require.NoError(t, err)

	// 末尾未结束的行程也会完成
	require.Len(t, res.Trips, 1)
	assert.Equal(t, 1, res.Trips[0].TripID)
	assert.Empty(t, e.AllTrips())
	assert.True(t, e.Watermark().IsZero())
	_, ok := e.ActiveCandidate()
	assert.False(t, ok)
}

func TestEngine_DetectSourceError(t *testing.T) {
	src := &fakeSource{err: errors.New("connection refused")}
	e := newTestEngine(src)

	_, err := e.Detect(context.Background(), DetectOptions{UseCache: true})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestDayBounds(t *testing.T) {
	loc := time.FixedZone("BRT", -3*3600)

	now := time.Date(2025, 10, 28, 1, 30, 0, 0, time.UTC) // Recife 27 日 22:30
	start, end := DayBounds(now, loc)

	assert.Equal(t, time.Date(2025, 10, 27, 0, 0, 0, 0, loc), start)
	assert.True(t, end.Before(time.Date(2025, 10, 28, 0, 0, 0, 0, loc)))
	assert.True(t, now.After(start) && now.Before(end))
}

func TestSummarize(t *testing.T) {
	assert.Equal(t, Summary{}, Summarize(nil))

	trips := []models.Trip{
		{DistanceMeters: 1000, Duration: 30 * time.Minute, MaxSpeed: 10},
		{DistanceMeters: 3000, Duration: 90 * time.Minute, MaxSpeed: 20},
	}
	s := Summarize(trips)

	assert.Equal(t, 2, s.TotalTrips)
	assert.InDelta(t, 4.0, s.TotalDistanceKm, 1e-9)
	assert.InDelta(t, 2.0, s.TotalDurationHours, 1e-9)
	assert.InDelta(t, 2.0, s.AvgTripDistanceKm, 1e-9)
	assert.InDelta(t, 60.0, s.AvgTripDurationMinutes, 1e-9)
	assert.InDelta(t, 72.0, s.MaxSpeedKmh, 1e-9)
}
