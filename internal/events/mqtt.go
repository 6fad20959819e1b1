package events

import (
	"context"
	"encoding/json"
	"fmt"
)

// MQTTClient common/mqtt.Client 满足该接口
type MQTTClient interface {
	Publish(topic string, retained bool, payload []byte) error
}

// MQTTPublisher 把转发成功的批次镜像到 <prefix>/<deviceId>/batch，
// 其余事件发到 <prefix>/<deviceId>/events
type MQTTPublisher struct {
	client MQTTClient
	prefix string
}

// NewMQTTPublisher 创建 MQTT 发布者
func NewMQTTPublisher(client MQTTClient, prefix string) *MQTTPublisher {
	return &MQTTPublisher{client: client, prefix: prefix}
}

func (p *MQTTPublisher) Publish(ctx context.Context, evt Event) error {
	var (
		topic   string
		payload []byte
		err     error
	)
	if evt.Type == TypeBatchFlushed && evt.Envelope != nil {
		topic = fmt.Sprintf("%s/%s/batch", p.prefix, evt.DeviceID)
		payload, err = json.Marshal(evt.Envelope)
	} else {
		topic = fmt.Sprintf("%s/%s/events", p.prefix, evt.DeviceID)
		payload, err = json.Marshal(evt)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", evt.Type, err)
	}
	return p.client.Publish(topic, false, payload)
}
