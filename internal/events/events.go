// Package events 把设备状态变化和批次转发结果扇出到 Redis Streams / MQTT。
// 发布是尽力而为：失败由调用方记录日志，不影响设备会话。
package events

import (
	"context"
	"errors"

	"wavy-aggregator/internal/models"
)

// 事件类型
const (
	TypeDeviceStatusChanged = "device.status_changed"
	TypeBatchFlushed        = "batch.flushed"
)

// Event 聚合器事件
type Event struct {
	Type      string                 `json:"event_type"`
	DeviceID  string                 `json:"device_id"`
	Timestamp int64                  `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Envelope  *models.Envelope       `json:"envelope,omitempty"`
}

// Publisher 事件发布者
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// Nop 不发布任何事件
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Multi 依次发布到多个后端，汇总错误
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, evt Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
