// Package server TCP 接入：每个连接一个 goroutine，交给 ConnHandler 处理。
// 聚合器的设备端口和采集服务端口共用这一实现。
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// ConnHandler 连接处理器，Serve 返回前负责关闭 conn
type ConnHandler interface {
	Serve(ctx context.Context, conn net.Conn)
}

// ConnHandlerFunc 函数适配器
type ConnHandlerFunc func(ctx context.Context, conn net.Conn)

func (f ConnHandlerFunc) Serve(ctx context.Context, conn net.Conn) { f(ctx, conn) }

// Server TCP 接入服务
type Server struct {
	addr    string
	handler ConnHandler
	sem     *semaphore.Weighted
	logger  *zap.Logger

	mu       sync.Mutex
	ln       net.Listener
	conns    map[net.Conn]struct{}
	shutdown bool
	wg       sync.WaitGroup
}

// New 创建接入服务；maxConns <= 0 表示不限制并发连接数
func New(addr string, handler ConnHandler, maxConns int, logger *zap.Logger) *Server {
	s := &Server{
		addr:    addr,
		handler: handler,
		logger:  logger,
		conns:   make(map[net.Conn]struct{}),
	}
	if maxConns > 0 {
		s.sem = semaphore.NewWeighted(int64(maxConns))
	}
	return s
}

// Listen 绑定端口；Serve 会在未绑定时自动调用
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.ln = ln
	return nil
}

// Addr 实际监听地址，未绑定时为 nil
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// ActiveConnections 当前连接数
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Serve 接受连接直到 ctx 取消或 Shutdown，返回前等待所有处理器退出
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	ln := s.listener()

	s.logger.Info("Accepting connections", zap.String("addr", ln.Addr().String()))

	stop := context.AfterFunc(ctx, func() { s.closeAll() })
	defer stop()

	err := s.acceptLoop(ctx, ln)
	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	var backoff time.Duration
	for {
		if s.sem != nil {
			if err := s.sem.Acquire(ctx, 1); err != nil {
				return nil
			}
		}

		conn, err := ln.Accept()
		if err != nil {
			s.release()
			if s.isShutdown() || ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("accept: %w", err)
			}
			// EMFILE、ENFILE 等资源耗尽可恢复，退避后继续接入
			backoff = nextBackoff(backoff)
			s.logger.Warn("Accept error, retrying", zap.Error(err), zap.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			continue
		}
		backoff = 0

		if !s.track(conn) {
			_ = conn.Close()
			s.release()
			return nil
		}

		go func() {
			defer s.wg.Done()
			defer s.release()
			defer s.untrack(conn)
			s.handler.Serve(ctx, conn)
		}()
	}
}

// Shutdown 关闭监听和所有连接，等待处理器退出或 ctx 到期
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeAll()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdown = true
	if s.ln != nil {
		_ = s.ln.Close()
	}
	for c := range s.conns {
		_ = c.Close()
	}
}

func (s *Server) listener() net.Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ln
}

func (s *Server) isShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

// track 登记连接并计入 wg；与 closeAll 在同一把锁内判断 shutdown
func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

func (s *Server) release() {
	if s.sem != nil {
		s.sem.Release(1)
	}
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	d *= 2
	if d > time.Second {
		d = time.Second
	}
	return d
}
