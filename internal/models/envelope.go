package models

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// CollectionLogs 遥测日志文档类型
const CollectionLogs = "logs"

// Envelope 队列消息外层结构
type Envelope struct {
	Collection string                 `json:"collection"`
	Document   map[string]interface{} `json:"document"`
}

// ParseEnvelope 解析队列消息体，collection 缺失或为 null 时为空串，由调用方按未知类型处理
func ParseEnvelope(body []byte) (*Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	return &env, nil
}
