// Package collector 采集服务：接收聚合器转发的批次，逐条加时间戳写入按设备按日的文件。
package collector

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"strings"
	"time"

	"wavy-aggregator/internal/durability"
	"wavy-aggregator/internal/models"
	"wavy-aggregator/internal/protocol"

	"go.uber.org/zap"
)

const (
	maxFrameSize    = 16 << 20
	timestampLayout = "2006-01-02 15:04:05"
	unknownAgg      = "AGG-UNKNOWN"
)

// Handler 聚合器连接处理器
type Handler struct {
	writer *durability.Writer
	logger *zap.Logger
	now    func() time.Time
}

// NewHandler 创建采集服务连接处理器
func NewHandler(writer *durability.Writer, logger *zap.Logger) *Handler {
	return &Handler{writer: writer, logger: logger, now: time.Now}
}

type aggSession struct {
	connected    bool
	aggregatorID string
}

// Serve 处理一个聚合器连接
func (h *Handler) Serve(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	logger := h.logger.With(zap.String("remote_addr", conn.RemoteAddr().String()))
	logger.Info("Aggregator connected")

	s := &aggSession{aggregatorID: unknownAgg}
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		resp := h.Process(s, line)

		if line != protocol.CmdPing {
			logger.Debug("Frame handled",
				zap.String("aggregator_id", s.aggregatorID),
				zap.String("command", protocol.Command(line)),
				zap.String("response", resp),
			)
		}
		if _, err := io.WriteString(conn, resp+"\n"); err != nil {
			logger.Warn("Failed to write response", zap.Error(err))
			return
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		logger.Warn("Aggregator connection error", zap.Error(err))
		return
	}
	logger.Info("Aggregator disconnected", zap.String("aggregator_id", s.aggregatorID))
}

// Process 处理一帧并返回响应
func (h *Handler) Process(s *aggSession, line string) string {
	switch cmd := protocol.Command(line); {
	case line == protocol.CmdPing:
		return protocol.RespPong
	case cmd == protocol.CmdConnectRequest:
		s.connected = true
		if agg := protocol.ParseUpstreamConnect(line); agg != "" {
			s.aggregatorID = agg
		}
		return protocol.RespConnectOK
	case cmd == protocol.CmdSendData && s.connected:
		return h.store(line)
	case cmd == protocol.CmdEndConn:
		return protocol.RespAckEndConn
	case !s.connected:
		return protocol.RespNotConnected
	default:
		return protocol.RespUnknownCommand
	}
}

func (h *Handler) store(line string) string {
	raw, err := protocol.ParseUpstreamSendData(line)
	if err != nil {
		return protocol.RespFormatErrorSendData
	}

	var env models.Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return protocol.RespJSONParseError
	}
	if env.DeviceID == "" || env.Batch == nil || protocol.ValidateDeviceID(env.DeviceID) != nil {
		return protocol.RespFormatErrorJSON
	}

	now := h.now()
	stamp := now.Format(timestampLayout)
	for _, reading := range env.Batch {
		if err := h.writer.Record(env.DeviceID, stamp+";"+string(reading), now); err != nil {
			h.logger.Error("Failed to store batch",
				zap.String("device_id", env.DeviceID),
				zap.Error(err),
			)
			return protocol.RespUpstreamError
		}
	}
	return protocol.RespMayClearCache
}
