// Package upstream 管理聚合器到采集服务的唯一长连接。
//
// 所有协议交互（握手、心跳、转发）在同一把锁内串行执行，连接不会被两个调用方同时使用。
// 每次交互都设置读写截止时间，对端无响应只会让链路被标记为断开，由下一次心跳重连。
package upstream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"wavy-aggregator/internal/metrics"
	"wavy-aggregator/internal/models"
	"wavy-aggregator/internal/protocol"

	"go.uber.org/zap"
)

var (
	// ErrNotConnected 链路未连接，Forward 立即返回
	ErrNotConnected = errors.New("upstream not connected")
	// ErrRejected 采集服务返回了非预期的响应
	ErrRejected = errors.New("upstream rejected frame")
)

// Config 上行链路配置
type Config struct {
	Addr              string
	AggregatorID      string
	Timeout           time.Duration
	HeartbeatInterval time.Duration
}

// Link 上行链路
type Link struct {
	cfg    Config
	logger *zap.Logger
	dialer net.Dialer

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader

	connected atomic.Bool
}

// NewLink 创建上行链路（不立即连接）
func NewLink(cfg Config, logger *zap.Logger) *Link {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	return &Link{
		cfg:    cfg,
		logger: logger.With(zap.String("upstream_addr", cfg.Addr)),
	}
}

// Connected 链路当前是否可用
func (l *Link) Connected() bool {
	return l.connected.Load()
}

// Connect 建立连接并握手；已连接时直接返回
func (l *Link) Connect(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connectLocked(ctx)
}

// Heartbeat 未连接时重连，已连接时发送 PING 并等待 PONG
func (l *Link) Heartbeat(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.connected.Load() {
		if err := l.connectLocked(ctx); err != nil {
			metrics.IncHeartbeat("reconnect_failed")
			return err
		}
		metrics.IncHeartbeat("reconnected")
		return nil
	}

	resp, err := l.exchangeLocked(protocol.CmdPing)
	if err != nil {
		l.dropLocked("heartbeat failed", err)
		metrics.IncHeartbeat(metrics.ResultError)
		return fmt.Errorf("heartbeat: %w", err)
	}
	if resp != protocol.RespPong {
		err := fmt.Errorf("%w: heartbeat answered %q", ErrRejected, resp)
		l.dropLocked("heartbeat failed", err)
		metrics.IncHeartbeat(metrics.ResultError)
		return err
	}

	l.logger.Debug("Heartbeat ok")
	metrics.IncHeartbeat(metrics.ResultSuccess)
	return nil
}

// Forward 发送一个 envelope，仅当采集服务回复 MAY_CLEAR_CACHE 时返回 nil。
// 未连接时不加锁也不做 I/O，立即返回 ErrNotConnected。
func (l *Link) Forward(ctx context.Context, env *models.Envelope) error {
	if !l.connected.Load() {
		return ErrNotConnected
	}

	payload, err := env.Marshal()
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// 等锁期间链路可能已被心跳断开
	if !l.connected.Load() {
		return ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	start := time.Now()
	resp, err := l.exchangeLocked(protocol.FormatUpstreamSendData(payload))
	if err != nil {
		l.dropLocked("forward failed", err)
		metrics.ObserveForward(metrics.ResultError, time.Since(start))
		return fmt.Errorf("forward batch for %s: %w", env.DeviceID, err)
	}
	if resp != protocol.RespMayClearCache {
		err := fmt.Errorf("%w: forward answered %q", ErrRejected, resp)
		l.dropLocked("forward failed", err)
		metrics.ObserveForward(metrics.ResultError, time.Since(start))
		return err
	}

	metrics.ObserveForward(metrics.ResultSuccess, time.Since(start))
	return nil
}

// Run 启动时连接一次，之后按固定间隔心跳，直到 ctx 取消
func (l *Link) Run(ctx context.Context) error {
	l.logger.Info("Starting upstream heartbeat loop",
		zap.Duration("interval", l.cfg.HeartbeatInterval),
		zap.Duration("timeout", l.cfg.Timeout),
	)

	if err := l.Connect(ctx); err != nil {
		l.logger.Warn("Initial upstream connect failed", zap.Error(err))
	}

	ticker := time.NewTicker(l.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.Close()
			return nil
		case <-ticker.C:
			if err := l.Heartbeat(ctx); err != nil {
				l.logger.Warn("Upstream heartbeat failed", zap.Error(err))
			}
		}
	}
}

// Close 关闭连接
func (l *Link) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		l.logger.Info("Closing upstream link")
	}
	l.closeLocked()
}

func (l *Link) connectLocked(ctx context.Context) error {
	if l.connected.Load() {
		return nil
	}
	l.closeLocked()

	dialCtx, cancel := context.WithTimeout(ctx, l.cfg.Timeout)
	defer cancel()

	conn, err := l.dialer.DialContext(dialCtx, "tcp", l.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to dial upstream %s: %w", l.cfg.Addr, err)
	}
	l.conn = conn
	l.reader = bufio.NewReader(conn)

	resp, err := l.exchangeLocked(protocol.FormatUpstreamConnect(l.cfg.AggregatorID))
	if err != nil {
		l.closeLocked()
		return fmt.Errorf("upstream handshake: %w", err)
	}
	if resp != protocol.RespConnectOK {
		l.closeLocked()
		return fmt.Errorf("%w: handshake answered %q", ErrRejected, resp)
	}

	l.connected.Store(true)
	metrics.SetUpstreamConnected(true)
	l.logger.Info("Upstream link connected", zap.String("aggregator_id", l.cfg.AggregatorID))
	return nil
}

// exchangeLocked 写一帧并读一行响应，整个往返受 Timeout 约束
func (l *Link) exchangeLocked(frame string) (string, error) {
	if l.conn == nil {
		return "", ErrNotConnected
	}
	if err := l.conn.SetDeadline(time.Now().Add(l.cfg.Timeout)); err != nil {
		return "", fmt.Errorf("set deadline: %w", err)
	}
	if _, err := l.conn.Write([]byte(frame + "\n")); err != nil {
		return "", fmt.Errorf("write: %w", err)
	}
	line, err := l.reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (l *Link) dropLocked(reason string, err error) {
	l.logger.Warn("Upstream link marked disconnected", zap.String("reason", reason), zap.Error(err))
	l.closeLocked()
}

func (l *Link) closeLocked() {
	if l.conn != nil {
		_ = l.conn.Close()
	}
	l.conn = nil
	l.reader = nil
	if l.connected.Swap(false) {
		metrics.SetUpstreamConnected(false)
	}
}
