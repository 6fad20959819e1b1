package session

import (
	"context"
	"errors"
	"time"

	"wavy-aggregator/internal/batch"
	"wavy-aggregator/internal/events"
	"wavy-aggregator/internal/metrics"
	"wavy-aggregator/internal/models"
	"wavy-aggregator/internal/upstream"

	"go.uber.org/zap"
)

// Forwarder 上行转发（upstream.Link 实现）
type Forwarder interface {
	Forward(ctx context.Context, env *models.Envelope) error
}

// Flusher 把排空的批次交给上行链路，并记录指标和事件。
// 转发失败的批次不重新入队，读数已在本地落盘。
type Flusher struct {
	forwarder Forwarder
	publisher events.Publisher
	logger    *zap.Logger
}

// NewFlusher 创建 Flusher
func NewFlusher(forwarder Forwarder, publisher events.Publisher, logger *zap.Logger) *Flusher {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Flusher{forwarder: forwarder, publisher: publisher, logger: logger}
}

// Flush 转发一个 envelope，返回转发错误
func (f *Flusher) Flush(ctx context.Context, env *models.Envelope, trigger batch.Trigger) error {
	err := f.forwarder.Forward(ctx, env)

	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
	}
	metrics.ObserveFlush(string(trigger), result, env.Len())

	fields := []zap.Field{
		zap.String("device_id", env.DeviceID),
		zap.String("trigger", string(trigger)),
		zap.Int("batch_size", env.Len()),
	}
	if err != nil {
		if errors.Is(err, upstream.ErrNotConnected) {
			f.logger.Info("Batch not forwarded, upstream disconnected", fields...)
		} else {
			f.logger.Warn("Batch forward failed", append(fields, zap.Error(err))...)
		}
	} else {
		f.logger.Debug("Batch forwarded", fields...)
	}

	evt := events.Event{
		Type:      events.TypeBatchFlushed,
		DeviceID:  env.DeviceID,
		Timestamp: time.Now().Unix(),
		Data: map[string]interface{}{
			"trigger":    string(trigger),
			"batch_size": env.Len(),
			"forwarded":  err == nil,
		},
	}
	if err == nil {
		evt.Envelope = env
	}
	if perr := f.publisher.Publish(ctx, evt); perr != nil {
		f.logger.Warn("Failed to publish flush event", append(fields, zap.Error(perr))...)
	}
	return err
}
