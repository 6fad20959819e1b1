package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"wavy-aggregator/common/database"
	mqttcommon "wavy-aggregator/common/mqtt"
	rediscommon "wavy-aggregator/common/redis"
	"wavy-aggregator/internal/batch"
	"wavy-aggregator/internal/config"
	"wavy-aggregator/internal/durability"
	"wavy-aggregator/internal/events"
	"wavy-aggregator/internal/metrics"
	"wavy-aggregator/internal/models"
	"wavy-aggregator/internal/registry"
	"wavy-aggregator/internal/repository"
	"wavy-aggregator/internal/server"
	"wavy-aggregator/internal/session"
	"wavy-aggregator/internal/upstream"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Deps 可注入的后端（测试或自定义部署使用）
type Deps struct {
	Store     registry.RosterStore
	Policies  []models.PreProcessPolicy
	Publisher events.Publisher
}

// AggregatorService 聚合器服务
type AggregatorService struct {
	config *config.Config
	logger *zap.Logger

	db          *sql.DB
	redisClient *redis.Client
	mqttClient  *mqttcommon.Client

	registry   *registry.Registry
	writer     *durability.Writer
	buffers    *batch.Manager
	link       *upstream.Link
	flusher    *session.Flusher
	server     *server.Server
	httpServer *http.Server
}

// NewAggregatorService 按配置创建聚合器服务及其后端
func NewAggregatorService(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*AggregatorService, error) {
	var (
		deps        Deps
		db          *sql.DB
		redisClient *redis.Client
		mqttClient  *mqttcommon.Client
		publishers  events.Multi
		err         error
	)

	switch cfg.Roster.Backend {
	case config.RosterBackendPostgres:
		db, err = database.NewPostgresDB(&cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		store := repository.NewPostgresRosterStore(db, logger)
		if err := store.EnsureSchema(ctx); err != nil {
			_ = database.Close(db)
			return nil, err
		}
		if deps.Policies, err = store.LoadPolicies(ctx); err != nil {
			_ = database.Close(db)
			return nil, err
		}
		deps.Store = store
	default:
		deps.Store = repository.NewFileRosterStore(cfg.Roster.File, logger)
		if deps.Policies, err = repository.LoadPolicyFile(cfg.Roster.PolicyFile, logger); err != nil {
			return nil, err
		}
	}

	if cfg.Events.Redis.Enabled {
		redisClient = rediscommon.NewRedisClient(&cfg.Redis)
		if err := rediscommon.Ping(ctx, redisClient); err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		publishers = append(publishers, events.NewRedisPublisher(redisClient, cfg.Events.Redis.Stream, cfg.Events.Redis.MaxLen))
	}
	if cfg.Events.MQTT.Enabled {
		mqttClient, err = mqttcommon.NewClient(&cfg.MQTT)
		if err != nil {
			if redisClient != nil {
				_ = rediscommon.Close(redisClient)
			}
			return nil, fmt.Errorf("failed to connect to mqtt: %w", err)
		}
		publishers = append(publishers, events.NewMQTTPublisher(mqttClient, cfg.Events.MQTT.TopicPrefix))
	}
	if len(publishers) > 0 {
		deps.Publisher = publishers
	}

	logger.Info("Loaded pre-processing policies",
		zap.String("roster_backend", cfg.Roster.Backend),
		zap.Int("policy_count", len(deps.Policies)),
	)

	s := NewAggregatorServiceWithDeps(cfg, deps, logger)
	s.db = db
	s.redisClient = redisClient
	s.mqttClient = mqttClient
	return s, nil
}

// NewAggregatorServiceWithDeps 用注入的后端组装服务
func NewAggregatorServiceWithDeps(cfg *config.Config, deps Deps, logger *zap.Logger) *AggregatorService {
	publisher := deps.Publisher
	if publisher == nil {
		publisher = events.Nop{}
	}

	reg := registry.NewRegistry(deps.Store, deps.Policies, publisher, logger)
	writer := durability.NewWriter(cfg.Storage.DataDir, cfg.Storage.FileExt, cfg.Storage.Fsync)
	buffers := batch.NewManager(reg, cfg.Batch.MaxFlushInterval)
	link := upstream.NewLink(upstream.Config{
		Addr:              cfg.Upstream.Addr,
		AggregatorID:      cfg.Aggregator.ID,
		Timeout:           cfg.Upstream.Timeout,
		HeartbeatInterval: cfg.Upstream.HeartbeatInterval,
	}, logger)
	flusher := session.NewFlusher(link, publisher, logger)
	handler := session.NewHandler(reg, writer, buffers, flusher, cfg.Aggregator.IdleTimeout, logger)

	s := &AggregatorService{
		config:   cfg,
		logger:   logger,
		registry: reg,
		writer:   writer,
		buffers:  buffers,
		link:     link,
		flusher:  flusher,
		server:   server.New(cfg.Aggregator.ListenAddr, handler, cfg.Aggregator.MaxSessions, logger),
	}
	if cfg.Metrics.Addr != "" {
		s.httpServer = &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           metrics.NewHandler(s.health),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}
	return s
}

// Start 加载台账并运行接入、心跳、超时扫描和指标端口，阻塞直到 ctx 取消或任一任务失败
func (s *AggregatorService) Start(ctx context.Context) error {
	s.logger.Info("Starting wavy aggregator",
		zap.String("aggregator_id", s.config.Aggregator.ID),
		zap.String("listen_addr", s.config.Aggregator.ListenAddr),
		zap.String("upstream_addr", s.config.Upstream.Addr),
		zap.Duration("max_flush_interval", s.config.Batch.MaxFlushInterval),
	)

	metrics.Init()

	if err := s.registry.Load(ctx); err != nil {
		return err
	}
	if err := s.server.Listen(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.server.Serve(gctx) })
	g.Go(func() error { return s.link.Run(gctx) })
	g.Go(func() error { return s.runSweeper(gctx) })

	if s.httpServer != nil {
		g.Go(func() error {
			s.logger.Info("Serving metrics", zap.String("addr", s.httpServer.Addr))
			if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return s.httpServer.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

// Stop 关闭连接和外部客户端
func (s *AggregatorService) Stop(ctx context.Context) error {
	s.logger.Info("Stopping wavy aggregator")

	var errs []error
	if err := s.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown acceptor: %w", err))
	}
	s.link.Close()
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown metrics server: %w", err))
		}
	}
	if s.mqttClient != nil {
		s.mqttClient.Disconnect()
	}
	if s.redisClient != nil {
		if err := rediscommon.Close(s.redisClient); err != nil {
			errs = append(errs, err)
		}
	}
	if s.db != nil {
		if err := database.Close(s.db); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Addr 设备端口实际监听地址
func (s *AggregatorService) Addr() net.Addr {
	return s.server.Addr()
}

// runSweeper 定期转发超过时间上限的缓冲，设备停止上报后数据也不会一直滞留
func (s *AggregatorService) runSweeper(ctx context.Context) error {
	ticker := time.NewTicker(s.config.Batch.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *AggregatorService) sweep(ctx context.Context) {
	envs := s.buffers.SweepExpired()
	if len(envs) == 0 {
		return
	}
	s.logger.Debug("Flushing expired buffers", zap.Int("device_count", len(envs)))
	for _, env := range envs {
		_ = s.flusher.Flush(ctx, env, batch.TriggerInterval)
	}
}

func (s *AggregatorService) health() metrics.Health {
	return metrics.Health{
		UpstreamConnected: s.link.Connected(),
		ActiveSessions:    s.server.ActiveConnections(),
		Devices:           len(s.registry.Snapshot()),
	}
}
