package sensor

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"wavy-aggregator/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeAggregator 记录收到的帧并按前缀回复
type fakeAggregator struct {
	ln     net.Listener
	mu     sync.Mutex
	frames []string
}

func newFakeAggregator(t *testing.T) *fakeAggregator {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	fa := &fakeAggregator{ln: ln}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go fa.serve(conn)
		}
	}()
	t.Cleanup(func() { _ = ln.Close() })
	return fa
}

func (fa *fakeAggregator) serve(conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := scanner.Text()
		fa.mu.Lock()
		fa.frames = append(fa.frames, line)
		fa.mu.Unlock()

		resp := "UNKNOWN_COMMAND_ERROR"
		switch {
		case strings.HasPrefix(line, "CONNECT_REQUEST"):
			resp = "CONNECT_OK"
		case strings.HasPrefix(line, "SEND_DATA"):
			resp = "MAY_CLEAR_CACHE"
		case line == "END_CONN":
			resp = "ACK_END_CONN"
		}
		if _, err := conn.Write([]byte(resp + "\n")); err != nil {
			return
		}
	}
}

func (fa *fakeAggregator) Frames() []string {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	return append([]string(nil), fa.frames...)
}

func testConfig(addr string) *Config {
	return &Config{
		AggregatorAddr: addr,
		DeviceID:       "WAVY001",
		State:          models.StatusOperating,
		Interval:       20 * time.Millisecond,
		Timeout:        time.Second,
	}
}

func TestClient_ConnectSendClose(t *testing.T) {
	fa := newFakeAggregator(t)
	c := NewClient(testConfig(fa.ln.Addr().String()), func(time.Time) interface{} {
		return map[string]float64{"wave_height_m": 1.25}
	}, zap.NewNop())

	require.NoError(t, c.Connect(context.Background()))
	resp, err := c.Send(time.Now())
	require.NoError(t, err)
	assert.Equal(t, "MAY_CLEAR_CACHE", resp)
	c.Close()

	assert.Equal(t, []string{
		"CONNECT_REQUEST;ID=WAVY001;STATE=operating",
		`SEND_DATA;ID=WAVY001;PAYLOAD={"wave_height_m":1.25}`,
		"END_CONN",
	}, fa.Frames())
}

func TestClient_RunReconnectsAndStops(t *testing.T) {
	fa := newFakeAggregator(t)
	c := NewClient(testConfig(fa.ln.Addr().String()), nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool {
		n := 0
		for _, f := range fa.Frames() {
			if strings.HasPrefix(f, "SEND_DATA") {
				n++
			}
		}
		return n >= 3
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}

	frames := fa.Frames()
	assert.Equal(t, "END_CONN", frames[len(frames)-1])
}

func TestTemperatureReading(t *testing.T) {
	raw, err := json.Marshal(TemperatureReading(time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)))
	require.NoError(t, err)

	var got struct {
		Temperature float64 `json:"temperature_c"`
		Timestamp   string  `json:"timestamp"`
	}
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.GreaterOrEqual(t, got.Temperature, 15.0)
	assert.LessOrEqual(t, got.Temperature, 25.0)
	assert.Equal(t, "2025-01-02 03:04:05", got.Timestamp)
}

func TestLoad(t *testing.T) {
	os.Clearenv()
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "WAVY001", cfg.DeviceID)
	assert.Equal(t, models.StatusOperating, cfg.State)

	t.Setenv("SENSOR_STATE", "sleeping")
	_, err = Load()
	assert.Error(t, err)
}
