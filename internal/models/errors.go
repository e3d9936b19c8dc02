package models

import "errors"

// ErrInvalidSample 遥测样本缺少必填字段
var ErrInvalidSample = errors.New("invalid telemetry sample")
