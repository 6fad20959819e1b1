package collector

import (
	"context"
	"net"

	"wavy-aggregator/internal/durability"
	"wavy-aggregator/internal/server"

	"go.uber.org/zap"
)

// Service 采集服务
type Service struct {
	config *Config
	logger *zap.Logger
	server *server.Server
}

// NewService 创建采集服务
func NewService(cfg *Config, logger *zap.Logger) *Service {
	writer := durability.NewWriter(cfg.DataDir, cfg.FileExt, cfg.Fsync)
	return &Service{
		config: cfg,
		logger: logger,
		server: server.New(cfg.ListenAddr, NewHandler(writer, logger), 0, logger),
	}
}

// Start 绑定端口并接受聚合器连接，阻塞直到 ctx 取消
func (s *Service) Start(ctx context.Context) error {
	s.logger.Info("Starting collection service",
		zap.String("listen_addr", s.config.ListenAddr),
		zap.String("data_dir", s.config.DataDir),
	)
	if err := s.server.Listen(); err != nil {
		return err
	}
	return s.server.Serve(ctx)
}

// Stop 关闭所有连接
func (s *Service) Stop(ctx context.Context) error {
	s.logger.Info("Stopping collection service")
	return s.server.Shutdown(ctx)
}

// Addr 实际监听地址
func (s *Service) Addr() net.Addr {
	return s.server.Addr()
}
