// Package batch 按设备缓冲待转发读数，并判断何时 flush。
//
// flush 有两个独立触发条件：条数达到策略阈值（无策略时每条都 flush），
// 或距上次 flush 超过 MaxFlushInterval。排空与追加在同一把设备锁内完成，
// 一条读数不会出现在两个批次中，也不会在排空和下一次追加之间丢失。
package batch

import (
	"sort"
	"sync"
	"time"

	"wavy-aggregator/internal/models"
)

// DefaultMaxFlushInterval 时间触发上限
const DefaultMaxFlushInterval = 5 * time.Minute

// Trigger flush 原因
type Trigger string

const (
	TriggerNone     Trigger = "none"
	TriggerVolume   Trigger = "volume"
	TriggerInterval Trigger = "interval"
)

// PolicyLookup 预处理策略查询（registry.Registry 实现）
type PolicyLookup interface {
	LookupPolicy(deviceID string) (models.PreProcessPolicy, bool)
}

type buffer struct {
	mu        sync.Mutex
	pending   []string
	lastFlush time.Time
}

// Manager 批次缓冲管理器
type Manager struct {
	mu      sync.Mutex // 只保护 buffers map
	buffers map[string]*buffer

	policies    PolicyLookup
	maxInterval time.Duration
	now         func() time.Time
}

// Option 管理器选项
type Option func(*Manager)

// WithClock 替换时钟（测试用）
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager 创建批次缓冲管理器
func NewManager(policies PolicyLookup, maxInterval time.Duration, opts ...Option) *Manager {
	if maxInterval <= 0 {
		maxInterval = DefaultMaxFlushInterval
	}
	m := &Manager{
		buffers:     make(map[string]*buffer),
		policies:    policies,
		maxInterval: maxInterval,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Ensure 懒创建设备缓冲（握手时调用）
func (m *Manager) Ensure(deviceID string) {
	m.get(deviceID)
}

// Append 追加一条读数；若需要 flush，原子地排空缓冲并返回 envelope
func (m *Manager) Append(deviceID, payload string) (*models.Envelope, Trigger) {
	b := m.get(deviceID)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.pending = append(b.pending, payload)

	threshold := len(b.pending)
	if m.policies != nil {
		if p, ok := m.policies.LookupPolicy(deviceID); ok {
			threshold = p.FlushVolumeThreshold
		}
	}

	now := m.now()
	trigger := TriggerNone
	switch {
	case len(b.pending) >= threshold:
		trigger = TriggerVolume
	case now.Sub(b.lastFlush) >= m.maxInterval:
		trigger = TriggerInterval
	}
	if trigger == TriggerNone {
		return nil, TriggerNone
	}

	return m.drainLocked(deviceID, b, now), trigger
}

// SweepExpired 排空所有超过时间上限且非空的缓冲，低频设备停止上报后仍能按时转发
func (m *Manager) SweepExpired() []*models.Envelope {
	m.mu.Lock()
	ids := make([]string, 0, len(m.buffers))
	for id := range m.buffers {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Strings(ids)

	var out []*models.Envelope
	for _, id := range ids {
		b := m.get(id)
		b.mu.Lock()
		now := m.now()
		if len(b.pending) > 0 && now.Sub(b.lastFlush) >= m.maxInterval {
			out = append(out, m.drainLocked(id, b, now))
		}
		b.mu.Unlock()
	}
	return out
}

// Pending 设备当前缓冲条数
func (m *Manager) Pending(deviceID string) int {
	m.mu.Lock()
	b, ok := m.buffers[deviceID]
	m.mu.Unlock()
	if !ok {
		return 0
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Has 设备缓冲是否已创建
func (m *Manager) Has(deviceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.buffers[deviceID]
	return ok
}

func (m *Manager) drainLocked(deviceID string, b *buffer, now time.Time) *models.Envelope {
	snapshot := b.pending
	b.pending = nil
	b.lastFlush = now
	return models.NewEnvelope(deviceID, snapshot)
}

func (m *Manager) get(deviceID string) *buffer {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buffers[deviceID]
	if !ok {
		b = &buffer{lastFlush: m.now()}
		m.buffers[deviceID] = b
	}
	return b
}
