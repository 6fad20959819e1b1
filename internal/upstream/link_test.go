package upstream

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"wavy-aggregator/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeCollector 环回地址上的采集服务替身
type fakeCollector struct {
	ln    net.Listener
	reply func(line string) (string, bool)

	mu     sync.Mutex
	frames []string
	conns  []net.Conn
}

func defaultReply(line string) (string, bool) {
	switch {
	case strings.HasPrefix(line, "CONNECT_REQUEST"):
		return "CONNECT_OK", true
	case line == "PING":
		return "PONG", true
	case strings.HasPrefix(line, "SEND_DATA"):
		return "MAY_CLEAR_CACHE", true
	}
	return "UNKNOWN_COMMAND_ERROR", true
}

func newFakeCollector(t *testing.T, reply func(string) (string, bool)) *fakeCollector {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	fc := &fakeCollector{ln: ln, reply: reply}
	go fc.accept()
	t.Cleanup(fc.close)
	return fc
}

func (fc *fakeCollector) accept() {
	for {
		conn, err := fc.ln.Accept()
		if err != nil {
			return
		}
		fc.mu.Lock()
		fc.conns = append(fc.conns, conn)
		fc.mu.Unlock()
		go fc.serve(conn)
	}
}

func (fc *fakeCollector) serve(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := scanner.Text()
		fc.mu.Lock()
		fc.frames = append(fc.frames, line)
		reply := fc.reply
		fc.mu.Unlock()

		if resp, ok := reply(line); ok {
			if _, err := conn.Write([]byte(resp + "\n")); err != nil {
				return
			}
		}
	}
}

func (fc *fakeCollector) setReply(reply func(string) (string, bool)) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.reply = reply
}

func (fc *fakeCollector) Frames() []string {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return append([]string(nil), fc.frames...)
}

func (fc *fakeCollector) Conns() int {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return len(fc.conns)
}

func (fc *fakeCollector) close() {
	_ = fc.ln.Close()
	fc.mu.Lock()
	defer fc.mu.Unlock()
	for _, c := range fc.conns {
		_ = c.Close()
	}
}

func newTestLink(addr string) *Link {
	return NewLink(Config{
		Addr:              addr,
		AggregatorID:      "AGG1",
		Timeout:           300 * time.Millisecond,
		HeartbeatInterval: 50 * time.Millisecond,
	}, zap.NewNop())
}

func TestConnect_Handshake(t *testing.T) {
	fc := newFakeCollector(t, defaultReply)
	link := newTestLink(fc.ln.Addr().String())
	defer link.Close()

	require.NoError(t, link.Connect(context.Background()))
	assert.True(t, link.Connected())
	assert.Equal(t, []string{"CONNECT_REQUEST;AGG=AGG1"}, fc.Frames())

	// 已连接时是空操作
	require.NoError(t, link.Connect(context.Background()))
	assert.Equal(t, 1, fc.Conns())
	assert.Len(t, fc.Frames(), 1)
}

func TestConnect_Rejected(t *testing.T) {
	fc := newFakeCollector(t, func(string) (string, bool) { return "NOT_CONNECTED_ERROR", true })
	link := newTestLink(fc.ln.Addr().String())

	err := link.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRejected))
	assert.False(t, link.Connected())
}

func TestConnect_DialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	link := newTestLink(addr)
	assert.Error(t, link.Connect(context.Background()))
	assert.False(t, link.Connected())
}

func TestForward_NotConnectedFailsWithoutIO(t *testing.T) {
	fc := newFakeCollector(t, defaultReply)
	link := newTestLink(fc.ln.Addr().String())

	start := time.Now()
	err := link.Forward(context.Background(), models.NewEnvelope("D1", []string{`1`}))
	assert.True(t, errors.Is(err, ErrNotConnected))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
	assert.Empty(t, fc.Frames())
	assert.Equal(t, 0, fc.Conns())
}

func TestForward_Success(t *testing.T) {
	fc := newFakeCollector(t, defaultReply)
	link := newTestLink(fc.ln.Addr().String())
	defer link.Close()
	require.NoError(t, link.Connect(context.Background()))

	env := models.NewEnvelope("D1", []string{`{"t":1}`, `{"t":2}`})
	require.NoError(t, link.Forward(context.Background(), env))

	frames := fc.Frames()
	require.Len(t, frames, 2)
	assert.Equal(t, `SEND_DATA;PAYLOAD={"deviceId":"D1","batch":[{"t":1},{"t":2}]}`, frames[1])
	assert.True(t, link.Connected())
}

func TestForward_RejectionDisconnects(t *testing.T) {
	fc := newFakeCollector(t, defaultReply)
	link := newTestLink(fc.ln.Addr().String())
	defer link.Close()
	require.NoError(t, link.Connect(context.Background()))

	fc.setReply(func(line string) (string, bool) { return "FORMAT_ERROR_JSON", true })
	err := link.Forward(context.Background(), models.NewEnvelope("D1", []string{`1`}))
	assert.True(t, errors.Is(err, ErrRejected))
	assert.False(t, link.Connected())

	sent := len(fc.Frames())
	err = link.Forward(context.Background(), models.NewEnvelope("D1", []string{`2`}))
	assert.True(t, errors.Is(err, ErrNotConnected))
	assert.Len(t, fc.Frames(), sent)
}

func TestHeartbeat_Pong(t *testing.T) {
	fc := newFakeCollector(t, defaultReply)
	link := newTestLink(fc.ln.Addr().String())
	defer link.Close()
	require.NoError(t, link.Connect(context.Background()))

	require.NoError(t, link.Heartbeat(context.Background()))
	assert.Equal(t, []string{"CONNECT_REQUEST;AGG=AGG1", "PING"}, fc.Frames())
	assert.True(t, link.Connected())
}

func TestHeartbeat_TimeoutThenReconnect(t *testing.T) {
	fc := newFakeCollector(t, defaultReply)
	link := newTestLink(fc.ln.Addr().String())
	defer link.Close()
	require.NoError(t, link.Connect(context.Background()))

	// 采集服务对 PING 不响应
	fc.setReply(func(line string) (string, bool) {
		if line == "PING" {
			return "", false
		}
		return defaultReply(line)
	})
	err := link.Heartbeat(context.Background())
	require.Error(t, err)
	assert.False(t, link.Connected())

	err = link.Forward(context.Background(), models.NewEnvelope("D1", []string{`1`}))
	assert.True(t, errors.Is(err, ErrNotConnected))

	// 下一次心跳重新握手
	require.NoError(t, link.Heartbeat(context.Background()))
	assert.True(t, link.Connected())
	assert.Equal(t, 2, fc.Conns())
}

func TestRun_ConnectsAndStopsOnCancel(t *testing.T) {
	fc := newFakeCollector(t, defaultReply)
	link := newTestLink(fc.ln.Addr().String())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- link.Run(ctx) }()

	require.Eventually(t, func() bool {
		pings := 0
		for _, f := range fc.Frames() {
			if f == "PING" {
				pings++
			}
		}
		return link.Connected() && pings >= 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, link.Connected())
}

func TestRun_RetriesUntilCollectorAppears(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	link := newTestLink(addr)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = link.Run(ctx) }()

	time.Sleep(120 * time.Millisecond)
	assert.False(t, link.Connected())

	ln, err = net.Listen("tcp", addr)
	if err != nil {
		t.Skipf("port %s reused: %v", addr, err)
	}
	fc := &fakeCollector{ln: ln, reply: defaultReply}
	go fc.accept()
	t.Cleanup(fc.close)

	require.Eventually(t, link.Connected, 2*time.Second, 10*time.Millisecond)
}
