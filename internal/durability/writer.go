// Package durability 本地持久化：每条原始读数在进入批次缓冲之前先追加到
// <base>/<deviceId>/<YYYY-MM-DD>.<ext>，与转发结果无关。
package durability

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const dayLayout = "2006-01-02"

// Writer 按设备、按日追加写入
type Writer struct {
	baseDir string
	ext     string
	fsync   bool

	mu    sync.Mutex
	locks map[string]*sync.Mutex // 每个设备一把锁，跨天不新增
}

// NewWriter 创建本地持久化写入器
func NewWriter(baseDir, ext string, fsync bool) *Writer {
	if ext == "" {
		ext = "csv"
	}
	return &Writer{
		baseDir: baseDir,
		ext:     ext,
		fsync:   fsync,
		locks:   make(map[string]*sync.Mutex),
	}
}

// Path 返回某设备某天的记录文件路径
func (w *Writer) Path(deviceID string, ts time.Time) string {
	return filepath.Join(w.baseDir, deviceID, ts.Format(dayLayout)+"."+w.ext)
}

// Record 追加一行原始读数
func (w *Writer) Record(deviceID, payload string, ts time.Time) error {
	lock := w.deviceLock(deviceID)
	lock.Lock()
	defer lock.Unlock()

	path := w.Path(deviceID, ts)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create data dir for %s: %w", deviceID, err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}

	line := make([]byte, 0, len(payload)+1)
	line = append(line, payload...)
	line = append(line, '\n')
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("failed to append to %s: %w", path, err)
	}
	if w.fsync {
		if err := f.Sync(); err != nil {
			f.Close()
			return fmt.Errorf("failed to sync %s: %w", path, err)
		}
	}
	return f.Close()
}

func (w *Writer) deviceLock(deviceID string) *sync.Mutex {
	w.mu.Lock()
	defer w.mu.Unlock()

	l, ok := w.locks[deviceID]
	if !ok {
		l = &sync.Mutex{}
		w.locks[deviceID] = l
	}
	return l
}
