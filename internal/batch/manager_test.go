package batch

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"wavy-aggregator/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticPolicies map[string]int

func (s staticPolicies) LookupPolicy(id string) (models.PreProcessPolicy, bool) {
	n, ok := s[id]
	if !ok {
		return models.PreProcessPolicy{}, false
	}
	return models.PreProcessPolicy{DeviceID: id, Mode: "raw", FlushVolumeThreshold: n}, true
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)}
}

func batchStrings(env *models.Envelope) []string {
	out := make([]string, len(env.Batch))
	for i, r := range env.Batch {
		out[i] = string(r)
	}
	return out
}

func TestAppend_NoPolicyFlushesEveryReading(t *testing.T) {
	m := NewManager(staticPolicies{}, time.Minute, WithClock(newClock().Now))

	for i := 0; i < 5; i++ {
		payload := fmt.Sprintf(`{"i":%d}`, i)
		env, trigger := m.Append("D0", payload)
		require.NotNil(t, env)
		assert.Equal(t, TriggerVolume, trigger)
		assert.Equal(t, []string{payload}, batchStrings(env))
		assert.Equal(t, 0, m.Pending("D0"))
	}
}

func TestAppend_VolumeThreshold(t *testing.T) {
	m := NewManager(staticPolicies{"D1": 3}, time.Minute, WithClock(newClock().Now))

	env, trigger := m.Append("D1", `"r1"`)
	assert.Nil(t, env)
	assert.Equal(t, TriggerNone, trigger)

	env, _ = m.Append("D1", `"r2"`)
	assert.Nil(t, env)
	assert.Equal(t, 2, m.Pending("D1"))

	env, trigger = m.Append("D1", `"r3"`)
	require.NotNil(t, env)
	assert.Equal(t, TriggerVolume, trigger)
	assert.Equal(t, "D1", env.DeviceID)
	assert.Equal(t, []string{`"r1"`, `"r2"`, `"r3"`}, batchStrings(env))
	assert.Equal(t, 0, m.Pending("D1"))

	// 下一轮重新计数
	env, _ = m.Append("D1", `"r4"`)
	assert.Nil(t, env)
	assert.Equal(t, 1, m.Pending("D1"))
}

func TestAppend_IntervalCeiling(t *testing.T) {
	clock := newClock()
	m := NewManager(staticPolicies{"D1": 100}, 5*time.Minute, WithClock(clock.Now))
	m.Ensure("D1")

	env, _ := m.Append("D1", `"a"`)
	assert.Nil(t, env)

	clock.Advance(5 * time.Minute)
	env, trigger := m.Append("D1", `"b"`)
	require.NotNil(t, env)
	assert.Equal(t, TriggerInterval, trigger)
	assert.Equal(t, []string{`"a"`, `"b"`}, batchStrings(env))

	// lastFlush 已重置
	env, _ = m.Append("D1", `"c"`)
	assert.Nil(t, env)
}

func TestSweepExpired_FlushesIdleBuffers(t *testing.T) {
	clock := newClock()
	m := NewManager(staticPolicies{"D1": 10, "D2": 10}, 5*time.Minute, WithClock(clock.Now))

	m.Append("D1", `"a"`)
	m.Append("D1", `"b"`)
	m.Ensure("D2") // 空缓冲不产生 envelope

	assert.Empty(t, m.SweepExpired())

	clock.Advance(5*time.Minute + time.Second)
	envs := m.SweepExpired()
	require.Len(t, envs, 1)
	assert.Equal(t, "D1", envs[0].DeviceID)
	assert.Equal(t, []string{`"a"`, `"b"`}, batchStrings(envs[0]))
	assert.Equal(t, 0, m.Pending("D1"))

	assert.Empty(t, m.SweepExpired())
}

func TestAppend_ConcurrentReadingsFlushedExactlyOnce(t *testing.T) {
	m := NewManager(staticPolicies{"D1": 7}, time.Hour)

	var (
		mu      sync.Mutex
		flushed []string
		wg      sync.WaitGroup
	)
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 70; i++ {
				env, _ := m.Append("D1", fmt.Sprintf(`"%d-%d"`, g, i))
				if env != nil {
					mu.Lock()
					flushed = append(flushed, batchStrings(env)...)
					mu.Unlock()
				}
			}
		}(g)
	}
	wg.Wait()

	// 700 条恰好是 100 个满批次
	assert.Len(t, flushed, 700)
	assert.Equal(t, 0, m.Pending("D1"))
	seen := make(map[string]bool)
	for _, r := range flushed {
		assert.False(t, seen[r], "reading %s flushed twice", r)
		seen[r] = true
	}
}

func TestAppend_DevicesAreIndependent(t *testing.T) {
	m := NewManager(staticPolicies{"A": 2, "B": 3}, time.Hour)
	m.Append("A", `1`)
	m.Append("B", `1`)
	env, _ := m.Append("A", `2`)
	require.NotNil(t, env)
	assert.Equal(t, 1, m.Pending("B"))
	assert.True(t, m.Has("B"))
	assert.False(t, m.Has("C"))

	raw, err := json.Marshal(env)
	require.NoError(t, err)
	assert.JSONEq(t, `{"deviceId":"A","batch":[1,2]}`, string(raw))
}
