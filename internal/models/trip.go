package models

import (
	"time"

	"github.com/paulmach/orb"
)

// Location 经纬度坐标
type Location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Trip 已完成的行程
type Trip struct {
	TripID         int            `json:"trip_id"`
	StartTime      time.Time      `json:"start_time"`
	EndTime        time.Time      `json:"end_time"`
	Duration       time.Duration  `json:"duration"`
	StartLocation  Location       `json:"start_location"`
	EndLocation    Location       `json:"end_location"`
	DistanceMeters float64        `json:"total_distance_meters"`
	MaxSpeed       float64        `json:"max_speed_ms"`
	AvgSpeed       float64        `json:"avg_speed_ms"`
	PointCount     int            `json:"point_count"`
	Path           orb.LineString `json:"-"` // [lon, lat] 顺序
}

// Name 默认行程名称
func (t *Trip) Name() string {
	return "Trip on " + t.StartTime.Format("January 02, 2006 at 03:04 PM")
}
