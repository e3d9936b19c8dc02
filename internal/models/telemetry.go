package models

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// 遥测文档字段名
const (
	FieldID          = "_id"
	FieldTimestamp   = "timestamp"
	FieldLatitude    = "gps_latitude"
	FieldLongitude   = "gps_longitude"
	FieldAltitude    = "gps_altitude"
	FieldHeading     = "gps_heading"
	FieldSpeed       = "gps_speed"
	FieldClimb       = "gps_climb"
	FieldSatellites  = "gps_satellites"
	FieldTemperature = "shtc3_temperature"
	FieldHumidity    = "shtc3_humidity"
	FieldDewpoint    = "shtc3_dewpoint"
	FieldPressure    = "bmp581_pressure"
)

// TelemetrySample 单条遥测样本
// 已知传感器字段使用强类型，其它字段保存在 Extra 中
type TelemetrySample struct {
	ExternalID string
	Timestamp  time.Time

	// GPS
	Latitude   *float64
	Longitude  *float64
	Altitude   *float64
	Heading    *float64
	Speed      *float64 // m/s
	Climb      *float64
	Satellites *int

	// 环境传感器
	Temperature *float64
	Humidity    *float64
	Dewpoint    *float64
	Pressure    *float64

	Extra map[string]interface{}
}

var floatFields = map[string]func(s *TelemetrySample) **float64{
	FieldLatitude:    func(s *TelemetrySample) **float64 { return &s.Latitude },
	FieldLongitude:   func(s *TelemetrySample) **float64 { return &s.Longitude },
	FieldAltitude:    func(s *TelemetrySample) **float64 { return &s.Altitude },
	FieldHeading:     func(s *TelemetrySample) **float64 { return &s.Heading },
	FieldSpeed:       func(s *TelemetrySample) **float64 { return &s.Speed },
	FieldClimb:       func(s *TelemetrySample) **float64 { return &s.Climb },
	FieldTemperature: func(s *TelemetrySample) **float64 { return &s.Temperature },
	FieldHumidity:    func(s *TelemetrySample) **float64 { return &s.Humidity },
	FieldDewpoint:    func(s *TelemetrySample) **float64 { return &s.Dewpoint },
	FieldPressure:    func(s *TelemetrySample) **float64 { return &s.Pressure },
}

// NewTelemetrySample 由字段映射构建样本（不含 _id 与 timestamp）
func NewTelemetrySample(externalID string, ts time.Time, fields map[string]interface{}) *TelemetrySample {
	s := &TelemetrySample{
		ExternalID: externalID,
		Timestamp:  ts,
		Extra:      make(map[string]interface{}),
	}

	for key, value := range fields {
		if field, ok := floatFields[key]; ok {
			if f, ok := toFloat(value); ok {
				*field(s) = &f
				continue
			}
		}
		if key == FieldSatellites {
			if f, ok := toFloat(value); ok {
				n := int(f)
				s.Satellites = &n
				continue
			}
		}
		s.Extra[key] = value
	}

	return s
}

// ParseDocumentID 解析文档 _id（字符串、数字或 {"$oid": ...}）
func ParseDocumentID(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case map[string]interface{}:
		if oid, ok := val["$oid"]; ok {
			return fmt.Sprint(oid)
		}
		b, _ := json.Marshal(val)
		return string(b)
	default:
		return fmt.Sprint(val)
	}
}

// Data 返回完整字段映射（用于写入 jsonb）
func (s *TelemetrySample) Data() map[string]interface{} {
	data := make(map[string]interface{}, len(s.Extra)+len(floatFields)+1)
	for k, v := range s.Extra {
		data[k] = v
	}
	for key, field := range floatFields {
		if p := *field(s); p != nil {
			data[key] = *p
		}
	}
	if s.Satellites != nil {
		data[FieldSatellites] = *s.Satellites
	}
	return data
}

// Validate 校验必填字段
func (s *TelemetrySample) Validate() error {
	if s.ExternalID == "" {
		return fmt.Errorf("%w: external id is required", ErrInvalidSample)
	}
	if s.Timestamp.IsZero() {
		return fmt.Errorf("%w: timestamp is required", ErrInvalidSample)
	}
	return nil
}

// HasGPS 是否携带坐标
func (s *TelemetrySample) HasGPS() bool {
	return s.Latitude != nil && s.Longitude != nil
}

// HasValidPosition 坐标存在且在合法范围内
func (s *TelemetrySample) HasValidPosition() bool {
	if !s.HasGPS() {
		return false
	}
	lat, lon := *s.Latitude, *s.Longitude
	if math.IsNaN(lat) || math.IsNaN(lon) {
		return false
	}
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

// SpeedValue 速度（m/s），缺失时为 0
func (s *TelemetrySample) SpeedValue() float64 {
	if s.Speed == nil {
		return 0
	}
	return *s.Speed
}

func toFloat(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(val, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
