// Package sensor WAVY 传感器模拟客户端：握手后按固定间隔上报一条 JSON 读数。
package sensor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"strings"
	"time"

	"wavy-aggregator/common/config"
	"wavy-aggregator/internal/models"
	"wavy-aggregator/internal/protocol"

	"go.uber.org/zap"
)

// Config 传感器配置
type Config struct {
	AggregatorAddr string
	DeviceID       string
	State          models.DeviceStatus
	Interval       time.Duration
	Timeout        time.Duration

	Log struct {
		Level  string
		Format string
	}
}

// Load 从环境变量加载传感器配置
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.AggregatorAddr = config.GetEnv("SENSOR_AGG_ADDR", "127.0.0.1:5000")
	cfg.DeviceID = config.GetEnv("SENSOR_ID", "WAVY001")
	cfg.Interval = config.GetEnvDuration("SENSOR_INTERVAL", 10*time.Second)
	cfg.Timeout = config.GetEnvDuration("SENSOR_TIMEOUT", 5*time.Second)

	state, err := models.ParseDeviceStatus(config.GetEnv("SENSOR_STATE", string(models.StatusOperating)))
	if err != nil {
		return nil, err
	}
	cfg.State = state
	if err := protocol.ValidateDeviceID(cfg.DeviceID); err != nil {
		return nil, err
	}

	cfg.Log.Level = config.GetEnv("LOG_LEVEL", "info")
	cfg.Log.Format = config.GetEnv("LOG_FORMAT", "console")
	return cfg, nil
}

// ReadingFunc 生成一条读数
type ReadingFunc func(now time.Time) interface{}

// TemperatureReading 默认读数：15~25 摄氏度随机温度
func TemperatureReading(now time.Time) interface{} {
	return map[string]interface{}{
		"temperature_c": math.Round((15+rand.Float64()*10)*100) / 100,
		"timestamp":     now.Format(models.LastSyncLayout),
	}
}

// Client 传感器客户端，非并发安全，由 Run 独占使用
type Client struct {
	cfg     *Config
	reading ReadingFunc
	logger  *zap.Logger

	conn   net.Conn
	reader *bufio.Reader
}

// NewClient 创建传感器客户端；reading 为 nil 时上报温度
func NewClient(cfg *Config, reading ReadingFunc, logger *zap.Logger) *Client {
	if reading == nil {
		reading = TemperatureReading
	}
	return &Client{
		cfg:     cfg,
		reading: reading,
		logger:  logger.With(zap.String("device_id", cfg.DeviceID)),
	}
}

// Run 每个周期：未连接则握手，然后上报一条读数；失败时断开，下个周期重连
func (c *Client) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.Close()
			return nil
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

func (c *Client) tick(ctx context.Context) {
	if c.conn == nil {
		if err := c.Connect(ctx); err != nil {
			c.logger.Warn("Connect to aggregator failed", zap.Error(err))
			return
		}
	}
	resp, err := c.Send(time.Now())
	if err != nil {
		c.logger.Warn("Send failed, disconnecting", zap.Error(err))
		c.teardown()
		return
	}
	c.logger.Info("Reading sent", zap.String("response", resp))
}

// Connect 建立连接并握手
func (c *Client) Connect(ctx context.Context) error {
	c.teardown()

	dialer := net.Dialer{Timeout: c.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.cfg.AggregatorAddr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.AggregatorAddr, err)
	}
	c.conn = conn
	c.reader = bufio.NewReader(conn)

	resp, err := c.exchange(protocol.FormatConnectRequest(c.cfg.DeviceID, c.cfg.State))
	if err != nil {
		c.teardown()
		return err
	}
	if resp != protocol.RespConnectOK {
		c.teardown()
		return fmt.Errorf("handshake rejected: %s", resp)
	}
	c.logger.Info("Connected to aggregator", zap.String("addr", c.cfg.AggregatorAddr))
	return nil
}

// Send 上报一条读数，返回聚合器响应
func (c *Client) Send(now time.Time) (string, error) {
	if c.conn == nil {
		return "", fmt.Errorf("not connected")
	}
	payload, err := json.Marshal(c.reading(now))
	if err != nil {
		return "", fmt.Errorf("marshal reading: %w", err)
	}
	return c.exchange(protocol.FormatSendData(c.cfg.DeviceID, string(payload)))
}

// Close 发送 END_CONN 后断开
func (c *Client) Close() {
	if c.conn == nil {
		return
	}
	if resp, err := c.exchange(protocol.CmdEndConn); err != nil {
		c.logger.Debug("END_CONN not acknowledged", zap.Error(err))
	} else {
		c.logger.Info("Disconnected from aggregator", zap.String("response", resp))
	}
	c.teardown()
}

func (c *Client) exchange(frame string) (string, error) {
	if err := c.conn.SetDeadline(time.Now().Add(c.cfg.Timeout)); err != nil {
		return "", err
	}
	if _, err := io.WriteString(c.conn, frame+"\n"); err != nil {
		return "", fmt.Errorf("write: %w", err)
	}
	line, err := c.reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (c *Client) teardown() {
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.conn = nil
	c.reader = nil
}
