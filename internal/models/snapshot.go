package models

import "math"

// Snapshot 广播给订阅者的实时状态
type Snapshot struct {
	Travelling  bool        `json:"travelling"`
	DistanceKm  float64     `json:"distance_km"`
	SpeedKmh    float64     `json:"speed_kmh"`
	GPS         GPSInfo     `json:"gps"`
	Temperature *float64    `json:"temperature"`
	Weather     WeatherInfo `json:"weather"`
	Timestamp   string      `json:"timestamp"`
}

// GPSInfo 定位信息
type GPSInfo struct {
	Lat        *float64 `json:"lat"`
	Lon        *float64 `json:"lon"`
	Altitude   *float64 `json:"altitude"`
	Heading    *float64 `json:"heading"`
	Climb      *float64 `json:"climb"`
	Satellites *int     `json:"satellites"`
}

// WeatherInfo 环境读数
type WeatherInfo struct {
	Temperature *float64 `json:"temperature"`
	Humidity    *float64 `json:"humidity"`
	Pressure    *float64 `json:"pressure"`
	Dewpoint    *float64 `json:"dewpoint"`
}

// Round1 保留一位小数
func Round1(v float64) float64 {
	return math.Round(v*10) / 10
}

// Round1Ptr 保留一位小数，nil 保持 nil
func Round1Ptr(v *float64) *float64 {
	if v == nil {
		return nil
	}
	r := Round1(*v)
	return &r
}
