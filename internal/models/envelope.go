package models

import (
	"encoding/json"
	"fmt"
)

// Envelope 单个设备一次 flush 的数据批次，是上行转发的最小单位
type Envelope struct {
	DeviceID string            `json:"deviceId"`
	Batch    []json.RawMessage `json:"batch"`
}

// NewEnvelope 用已排空的读数快照构建 envelope
func NewEnvelope(deviceID string, readings []string) *Envelope {
	batch := make([]json.RawMessage, len(readings))
	for i, r := range readings {
		batch[i] = json.RawMessage(r)
	}
	return &Envelope{DeviceID: deviceID, Batch: batch}
}

// Marshal 序列化为单行 JSON
func (e *Envelope) Marshal() (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("failed to marshal envelope for %s: %w", e.DeviceID, err)
	}
	return string(b), nil
}

// Len 批次中的读数条数
func (e *Envelope) Len() int {
	return len(e.Batch)
}
