package repository

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"wavy-aggregator/internal/models"

	"go.uber.org/zap"
)

// FileRosterStore 基于文本文件的设备台账（wavy_config.csv）
// 每次保存都整体重写：先写临时文件并 fsync，再 rename 覆盖
type FileRosterStore struct {
	path   string
	logger *zap.Logger
}

// NewFileRosterStore 创建文件台账
func NewFileRosterStore(path string, logger *zap.Logger) *FileRosterStore {
	return &FileRosterStore{path: path, logger: logger}
}

// Load 读取台账，文件不存在时返回空列表；格式错误的行跳过
func (s *FileRosterStore) Load(ctx context.Context) ([]models.DeviceRecord, error) {
	lines, err := readLines(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.logger.Info("Roster file not found, starting empty", zap.String("path", s.path))
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read roster %s: %w", s.path, err)
	}

	records := make([]models.DeviceRecord, 0, len(lines))
	for i, line := range lines {
		rec, err := models.ParseDeviceRecord(line)
		if err != nil {
			s.logger.Warn("Skipping roster line",
				zap.String("path", s.path),
				zap.Int("line", i+1),
				zap.Error(err),
			)
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// Save 整体重写台账
func (s *FileRosterStore) Save(ctx context.Context, records []models.DeviceRecord) error {
	var sb strings.Builder
	for _, rec := range records {
		sb.WriteString(rec.Line())
		sb.WriteByte('\n')
	}
	if err := writeFileAtomic(s.path, []byte(sb.String())); err != nil {
		return fmt.Errorf("failed to save roster %s: %w", s.path, err)
	}
	return nil
}

// LoadPolicyFile 读取预处理策略文件（preprocess_config.csv），文件不存在时返回空列表
func LoadPolicyFile(path string, logger *zap.Logger) ([]models.PreProcessPolicy, error) {
	lines, err := readLines(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Info("Policy file not found, every reading will flush", zap.String("path", path))
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read policies %s: %w", path, err)
	}

	policies := make([]models.PreProcessPolicy, 0, len(lines))
	for i, line := range lines {
		p, err := models.ParsePreProcessPolicy(line)
		if err != nil {
			logger.Warn("Skipping policy line",
				zap.String("path", path),
				zap.Int("line", i+1),
				zap.Error(err),
			)
			continue
		}
		policies = append(policies, p)
	}
	return policies, nil
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	return lines, scanner.Err()
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // rename 成功后为 no-op

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
