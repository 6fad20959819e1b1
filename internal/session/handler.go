// Package session 每个设备连接一个 Handler 实例，运行行协议状态机。
package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"wavy-aggregator/internal/batch"
	"wavy-aggregator/internal/metrics"
	"wavy-aggregator/internal/models"
	"wavy-aggregator/internal/protocol"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	maxFrameSize = 1 << 20
	writeTimeout = 10 * time.Second
)

// Registry 设备台账（registry.Registry 实现）
type Registry interface {
	UpsertStatus(ctx context.Context, deviceID string, status models.DeviceStatus) error
	UpdateLastSync(ctx context.Context, deviceID string, ts time.Time) error
}

// Recorder 本地持久化（durability.Writer 实现）
type Recorder interface {
	Record(deviceID, payload string, ts time.Time) error
}

// Buffers 批次缓冲（batch.Manager 实现）
type Buffers interface {
	Ensure(deviceID string)
	Append(deviceID, payload string) (*models.Envelope, batch.Trigger)
}

// Handler 设备会话处理器，可被多个连接并发使用
type Handler struct {
	registry    Registry
	recorder    Recorder
	buffers     Buffers
	flusher     *Flusher
	idleTimeout time.Duration
	logger      *zap.Logger
	now         func() time.Time
}

// NewHandler 创建会话处理器；idleTimeout 为 0 时不设读超时
func NewHandler(registry Registry, recorder Recorder, buffers Buffers, flusher *Flusher, idleTimeout time.Duration, logger *zap.Logger) *Handler {
	return &Handler{
		registry:    registry,
		recorder:    recorder,
		buffers:     buffers,
		flusher:     flusher,
		idleTimeout: idleTimeout,
		logger:      logger,
		now:         time.Now,
	}
}

// state 单个会话的本地状态
type state struct {
	registered bool
	deviceID   string
	logger     *zap.Logger
}

// Serve 处理一个连接直到对端关闭、I/O 出错、本地落盘失败或 ctx 取消
func (h *Handler) Serve(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	s := &state{
		logger: h.logger.With(
			zap.String("session_id", uuid.NewString()),
			zap.String("remote_addr", conn.RemoteAddr().String()),
		),
	}
	s.logger.Debug("Device session opened")
	metrics.SessionOpened()
	defer metrics.SessionClosed()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)

	for {
		if h.idleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(h.idleTimeout))
		}
		if !scanner.Scan() {
			break
		}
		line := strings.TrimRight(scanner.Text(), "\r")

		resp, err := h.handle(ctx, s, line)
		if err != nil {
			s.logger.Error("Ending device session", zap.Error(err))
			return
		}
		metrics.IncFrame(protocol.Command(line), resp)

		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if _, err := io.WriteString(conn, resp+"\n"); err != nil {
			s.logger.Debug("Failed to write response", zap.Error(err))
			return
		}
	}

	switch err := scanner.Err(); {
	case err == nil:
		s.logger.Debug("Device closed session")
	case errors.Is(err, os.ErrDeadlineExceeded):
		s.logger.Info("Device session idle timeout", zap.Duration("idle_timeout", h.idleTimeout))
	case ctx.Err() != nil:
		s.logger.Debug("Device session cancelled")
	default:
		s.logger.Warn("Device session read error", zap.Error(err))
	}
}

// handle 处理一帧，返回响应；返回错误时会话结束
func (h *Handler) handle(ctx context.Context, s *state, line string) (string, error) {
	switch protocol.Command(line) {
	case protocol.CmdConnectRequest:
		return h.handleConnect(ctx, s, line), nil
	case protocol.CmdSendData:
		return h.handleSendData(ctx, s, line)
	case protocol.CmdEndConn:
		return protocol.RespAckEndConn, nil
	default:
		s.logger.Debug("Unknown command", zap.String("command", protocol.Command(line)))
		return protocol.RespUnknownCommand, nil
	}
}

func (h *Handler) handleConnect(ctx context.Context, s *state, line string) string {
	req, err := protocol.ParseConnectRequest(line)
	if err != nil {
		s.logger.Debug("Malformed connect request", zap.Error(err))
		return protocol.RespFormatErrorConnect
	}

	if err := h.registry.UpsertStatus(ctx, req.DeviceID, req.State); err != nil {
		s.logger.Error("Failed to persist device status",
			zap.String("device_id", req.DeviceID),
			zap.Error(err),
		)
	}
	h.buffers.Ensure(req.DeviceID)

	if s.deviceID != req.DeviceID {
		s.logger = s.logger.With(zap.String("device_id", req.DeviceID))
	}
	s.registered = true
	s.deviceID = req.DeviceID

	s.logger.Info("Device registered", zap.String("status", string(req.State)))
	return protocol.RespConnectOK
}

func (h *Handler) handleSendData(ctx context.Context, s *state, line string) (string, error) {
	if !s.registered {
		return protocol.RespNotConnected, nil
	}

	msg, err := protocol.ParseSendData(line)
	if err != nil {
		s.logger.Debug("Malformed send data", zap.Error(err))
		return protocol.RespFormatErrorSendData, nil
	}
	if msg.DeviceID != s.deviceID {
		s.logger.Warn("Send data id differs from handshake id", zap.String("frame_device_id", msg.DeviceID))
	}

	now := h.now()
	if err := h.registry.UpdateLastSync(ctx, msg.DeviceID, now); err != nil {
		s.logger.Error("Failed to persist last sync", zap.Error(err))
	}

	if err := h.recorder.Record(msg.DeviceID, msg.Payload, now); err != nil {
		metrics.IncReading(metrics.ResultError)
		return "", fmt.Errorf("local durability write failed for %s: %w", msg.DeviceID, err)
	}
	metrics.IncReading(metrics.ResultSuccess)

	env, trigger := h.buffers.Append(msg.DeviceID, msg.Payload)
	if env == nil {
		return protocol.RespMayClearCache, nil
	}

	if err := h.flusher.Flush(ctx, env, trigger); err != nil {
		return protocol.RespUpstreamError, nil
	}
	return protocol.RespMayClearCache, nil
}
