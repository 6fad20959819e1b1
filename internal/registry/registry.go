// Package registry 维护设备台账与预处理策略。
//
// 所有读写共用一把锁；每次状态或同步时间变更都在返回前整体重写后端台账。
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"wavy-aggregator/internal/events"
	"wavy-aggregator/internal/models"

	"go.uber.org/zap"
)

// RosterStore 台账持久化后端（文件或 PostgreSQL）
type RosterStore interface {
	Load(ctx context.Context) ([]models.DeviceRecord, error)
	Save(ctx context.Context, records []models.DeviceRecord) error
}

// Registry 设备注册表
type Registry struct {
	mu        sync.Mutex
	records   map[string]*models.DeviceRecord
	order     []string // 保持台账行序
	policies  map[string]models.PreProcessPolicy
	store     RosterStore
	publisher events.Publisher
	logger    *zap.Logger
}

// NewRegistry 创建注册表；策略在启动时一次性注入，运行期只读
func NewRegistry(store RosterStore, policies []models.PreProcessPolicy, publisher events.Publisher, logger *zap.Logger) *Registry {
	if publisher == nil {
		publisher = events.Nop{}
	}
	byID := make(map[string]models.PreProcessPolicy, len(policies))
	for _, p := range policies {
		byID[p.DeviceID] = p
	}
	return &Registry{
		records:   make(map[string]*models.DeviceRecord),
		policies:  byID,
		store:     store,
		publisher: publisher,
		logger:    logger,
	}
}

// Load 从后端加载台账，覆盖内存中的记录
func (r *Registry) Load(ctx context.Context) error {
	records, err := r.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load roster: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.records = make(map[string]*models.DeviceRecord, len(records))
	r.order = r.order[:0]
	for i := range records {
		rec := records[i]
		if _, dup := r.records[rec.DeviceID]; dup {
			r.logger.Warn("Duplicate device in roster, keeping last", zap.String("device_id", rec.DeviceID))
		} else {
			r.order = append(r.order, rec.DeviceID)
		}
		r.records[rec.DeviceID] = &rec
	}

	r.logger.Info("Device roster loaded",
		zap.Int("device_count", len(r.order)),
		zap.Int("policy_count", len(r.policies)),
	)
	return nil
}

// UpsertStatus 创建或更新设备状态，并整体重写台账
func (r *Registry) UpsertStatus(ctx context.Context, deviceID string, status models.DeviceStatus) error {
	r.mu.Lock()
	rec, ok := r.records[deviceID]
	if !ok {
		rec = &models.DeviceRecord{DeviceID: deviceID}
		r.records[deviceID] = rec
		r.order = append(r.order, deviceID)
	}
	previous := rec.Status
	rec.Status = status
	err := r.saveLocked(ctx)
	r.mu.Unlock()

	if err != nil {
		return err
	}

	if previous != status {
		r.publish(ctx, events.Event{
			Type:      events.TypeDeviceStatusChanged,
			DeviceID:  deviceID,
			Timestamp: time.Now().Unix(),
			Data: map[string]interface{}{
				"previous_status": string(previous),
				"status":          string(status),
				"created":         !ok,
			},
		})
	}
	return nil
}

// UpdateLastSync 更新最近同步时间；未登记的设备忽略
func (r *Registry) UpdateLastSync(ctx context.Context, deviceID string, ts time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[deviceID]
	if !ok {
		r.logger.Debug("Last sync for unknown device ignored", zap.String("device_id", deviceID))
		return nil
	}
	rec.LastSync = ts
	return r.saveLocked(ctx)
}

// LookupPolicy 查询设备预处理策略（只读）
func (r *Registry) LookupPolicy(deviceID string) (models.PreProcessPolicy, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.policies[deviceID]
	return p, ok
}

// Get 返回设备记录副本
func (r *Registry) Get(deviceID string) (models.DeviceRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[deviceID]
	if !ok {
		return models.DeviceRecord{}, false
	}
	return *rec, true
}

// Snapshot 按台账行序返回全部记录副本
func (r *Registry) Snapshot() []models.DeviceRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.snapshotLocked()
}

func (r *Registry) snapshotLocked() []models.DeviceRecord {
	out := make([]models.DeviceRecord, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.records[id])
	}
	return out
}

func (r *Registry) saveLocked(ctx context.Context) error {
	if err := r.store.Save(ctx, r.snapshotLocked()); err != nil {
		return fmt.Errorf("failed to persist roster: %w", err)
	}
	return nil
}

func (r *Registry) publish(ctx context.Context, evt events.Event) {
	if err := r.publisher.Publish(ctx, evt); err != nil {
		r.logger.Warn("Failed to publish registry event",
			zap.String("event_type", evt.Type),
			zap.String("device_id", evt.DeviceID),
			zap.Error(err),
		)
	}
}
