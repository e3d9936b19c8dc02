package detector

import "trip-sync/internal/models"

// Summary 行程统计
type Summary struct {
	TotalTrips             int     `json:"total_trips"`
	TotalDistanceKm        float64 `json:"total_distance_km"`
	TotalDurationHours     float64 `json:"total_duration_hours"`
	AvgTripDistanceKm      float64 `json:"avg_trip_distance_km"`
	AvgTripDurationMinutes float64 `json:"avg_trip_duration_minutes"`
	MaxSpeedKmh            float64 `json:"max_speed_kmh"`
}

// Summarize 汇总行程统计，空列表返回零值
func Summarize(trips []models.Trip) Summary {
	if len(trips) == 0 {
		return Summary{}
	}

	var distance, seconds, maxSpeed float64
	for _, t := range trips {
		distance += t.DistanceMeters
		seconds += t.Duration.Seconds()
		if t.MaxSpeed > maxSpeed {
			maxSpeed = t.MaxSpeed
		}
	}
	n := float64(len(trips))

	return Summary{
		TotalTrips:             len(trips),
		TotalDistanceKm:        distance / 1000,
		TotalDurationHours:     seconds / 3600,
		AvgTripDistanceKm:      distance / n / 1000,
		AvgTripDurationMinutes: seconds / n / 60,
		MaxSpeedKmh:            maxSpeed * 3.6,
	}
}
