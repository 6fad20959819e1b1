// Package protocol 定义 WAVY ↔ 聚合器、聚合器 ↔ 采集服务两条链路的文本帧。
//
// 帧以换行结束，字段用 ';' 分隔，子字段为 KEY=value。
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"wavy-aggregator/internal/models"
)

// 命令
const (
	CmdConnectRequest = "CONNECT_REQUEST"
	CmdSendData       = "SEND_DATA"
	CmdEndConn        = "END_CONN"
	CmdPing           = "PING"
)

// 响应
const (
	RespConnectOK           = "CONNECT_OK"
	RespFormatErrorConnect  = "FORMAT_ERROR_CONNECT"
	RespMayClearCache       = "MAY_CLEAR_CACHE"
	RespUpstreamError       = "UPSTREAM_ERROR"
	RespFormatErrorSendData = "FORMAT_ERROR_SEND_DATA"
	RespNotConnected        = "NOT_CONNECTED_ERROR"
	RespAckEndConn          = "ACK_END_CONN"
	RespUnknownCommand      = "UNKNOWN_COMMAND_ERROR"
	RespPong                = "PONG"
	RespFormatErrorJSON     = "FORMAT_ERROR_JSON"
	RespJSONParseError      = "JSON_PARSE_ERROR"
)

// 子字段键
const (
	KeyID      = "ID"
	KeyState   = "STATE"
	KeyPayload = "PAYLOAD"
	KeyAgg     = "AGG"
)

// ErrMalformedFrame 帧格式错误
var ErrMalformedFrame = errors.New("malformed frame")

var deviceIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// Command 返回帧的命令部分（第一个 ';' 之前）
func Command(line string) string {
	if i := strings.IndexByte(line, ';'); i >= 0 {
		return line[:i]
	}
	return line
}

// ConnectRequest 设备握手请求
type ConnectRequest struct {
	DeviceID string
	State    models.DeviceStatus
}

// ParseConnectRequest 解析 CONNECT_REQUEST;ID=<id>[;STATE=<state>]
// STATE 缺省为 associated
func ParseConnectRequest(line string) (*ConnectRequest, error) {
	parts := strings.Split(line, ";")
	if parts[0] != CmdConnectRequest || len(parts) < 2 {
		return nil, fmt.Errorf("%w: connect request needs an ID field", ErrMalformedFrame)
	}

	id, ok := field(parts[1], KeyID)
	if !ok {
		return nil, fmt.Errorf("%w: expected %s=, got %q", ErrMalformedFrame, KeyID, parts[1])
	}
	if err := ValidateDeviceID(id); err != nil {
		return nil, err
	}

	req := &ConnectRequest{DeviceID: id, State: models.StatusAssociated}
	if len(parts) > 2 {
		raw, ok := field(parts[2], KeyState)
		if !ok {
			return nil, fmt.Errorf("%w: expected %s=, got %q", ErrMalformedFrame, KeyState, parts[2])
		}
		state, err := models.ParseDeviceStatus(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		req.State = state
	}
	return req, nil
}

// SendData 设备上报的一条读数
type SendData struct {
	DeviceID string
	Payload  string
}

// ParseSendData 解析 SEND_DATA;ID=<id>;PAYLOAD=<json>
// PAYLOAD 取到行尾，JSON 内部允许出现 ';'
func ParseSendData(line string) (*SendData, error) {
	parts := strings.SplitN(line, ";", 3)
	if parts[0] != CmdSendData || len(parts) < 3 {
		return nil, fmt.Errorf("%w: send data needs ID and PAYLOAD fields", ErrMalformedFrame)
	}

	id, ok := field(parts[1], KeyID)
	if !ok {
		return nil, fmt.Errorf("%w: expected %s=, got %q", ErrMalformedFrame, KeyID, parts[1])
	}
	if err := ValidateDeviceID(id); err != nil {
		return nil, err
	}

	payload, ok := field(parts[2], KeyPayload)
	if !ok || payload == "" {
		return nil, fmt.Errorf("%w: missing %s", ErrMalformedFrame, KeyPayload)
	}
	if !json.Valid([]byte(payload)) {
		return nil, fmt.Errorf("%w: payload is not valid JSON", ErrMalformedFrame)
	}
	return &SendData{DeviceID: id, Payload: payload}, nil
}

// ValidateDeviceID 设备 ID 同时用作本地目录名，只允许安全字符
func ValidateDeviceID(id string) error {
	if id == "" || id == "." || id == ".." || !deviceIDPattern.MatchString(id) {
		return fmt.Errorf("%w: invalid device id %q", ErrMalformedFrame, id)
	}
	return nil
}

// FormatConnectRequest 设备侧握手帧
func FormatConnectRequest(deviceID string, state models.DeviceStatus) string {
	if state == "" {
		return CmdConnectRequest + ";" + KeyID + "=" + deviceID
	}
	return CmdConnectRequest + ";" + KeyID + "=" + deviceID + ";" + KeyState + "=" + string(state)
}

// FormatSendData 设备侧数据帧
func FormatSendData(deviceID, payload string) string {
	return CmdSendData + ";" + KeyID + "=" + deviceID + ";" + KeyPayload + "=" + payload
}

// FormatUpstreamConnect 聚合器 → 采集服务握手帧
func FormatUpstreamConnect(aggregatorID string) string {
	return CmdConnectRequest + ";" + KeyAgg + "=" + aggregatorID
}

// FormatUpstreamSendData 聚合器 → 采集服务数据帧
func FormatUpstreamSendData(envelopeJSON string) string {
	return CmdSendData + ";" + KeyPayload + "=" + envelopeJSON
}

// ParseUpstreamConnect 解析 CONNECT_REQUEST;AGG=<aggregatorId>，缺少 AGG 时返回空串
func ParseUpstreamConnect(line string) string {
	parts := strings.SplitN(line, ";", 2)
	if len(parts) < 2 {
		return ""
	}
	agg, _ := field(parts[1], KeyAgg)
	return agg
}

// ParseUpstreamSendData 解析 SEND_DATA;PAYLOAD=<envelope>，返回 envelope 原文
func ParseUpstreamSendData(line string) (string, error) {
	idx := strings.Index(line, KeyPayload+"=")
	if Command(line) != CmdSendData || idx < 0 {
		return "", fmt.Errorf("%w: missing %s", ErrMalformedFrame, KeyPayload)
	}
	return line[idx+len(KeyPayload)+1:], nil
}

func field(part, key string) (string, bool) {
	prefix := key + "="
	if !strings.HasPrefix(part, prefix) {
		return "", false
	}
	return part[len(prefix):], true
}
