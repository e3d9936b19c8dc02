package detector

import (
	"time"
	"trip-sync/internal/models"
)

// Candidate 进行中的候选行程
type Candidate struct {
	StartTime time.Time
	StartLat  float64
	StartLon  float64

	EndTime time.Time
	EndLat  float64
	EndLon  float64

	DistanceMeters float64
	MaxSpeed       float64
	Points         []*models.TelemetrySample

	// 本次静止开始的时间，移动时清空
	StoppedSince *time.Time
}

func newCandidate(s *models.TelemetrySample) *Candidate {
	return &Candidate{
		StartTime: s.Timestamp,
		StartLat:  *s.Latitude,
		StartLon:  *s.Longitude,
		EndTime:   s.Timestamp,
		EndLat:    *s.Latitude,
		EndLon:    *s.Longitude,
		MaxSpeed:  s.SpeedValue(),
		Points:    []*models.TelemetrySample{s},
	}
}

// extend 追加一个移动中的样本；距离只增不减
func (c *Candidate) extend(s *models.TelemetrySample, distance float64) {
	if distance > 0 {
		c.DistanceMeters += distance
	}
	c.EndTime = s.Timestamp
	c.EndLat = *s.Latitude
	c.EndLon = *s.Longitude
	if speed := s.SpeedValue(); speed > c.MaxSpeed {
		c.MaxSpeed = speed
	}
	c.Points = append(c.Points, s)
	c.StoppedSince = nil
}

// Duration 候选行程持续时间
func (c *Candidate) Duration() time.Duration {
	return c.EndTime.Sub(c.StartTime)
}

func (c *Candidate) clone() Candidate {
	out := *c
	out.Points = make([]*models.TelemetrySample, len(c.Points))
	copy(out.Points, c.Points)
	if c.StoppedSince != nil {
		ts := *c.StoppedSince
		out.StoppedSince = &ts
	}
	return out
}
