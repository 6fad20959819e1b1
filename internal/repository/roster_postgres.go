package repository

import (
	"context"
	"database/sql"
	"fmt"

	"wavy-aggregator/internal/models"

	"go.uber.org/zap"
)

// Schema 台账与策略表结构
const Schema = `
CREATE TABLE IF NOT EXISTS wavy_devices (
	device_id  TEXT PRIMARY KEY,
	status     TEXT NOT NULL,
	data_types TEXT NOT NULL DEFAULT '',
	last_sync  TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS wavy_preprocess_policies (
	device_id              TEXT PRIMARY KEY,
	mode                   TEXT NOT NULL,
	flush_volume_threshold INTEGER NOT NULL,
	server_address         TEXT NOT NULL DEFAULT ''
);`

// PostgresRosterStore PostgreSQL 台账（ROSTER_BACKEND=postgres）
type PostgresRosterStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresRosterStore 创建 PostgreSQL 台账
func NewPostgresRosterStore(db *sql.DB, logger *zap.Logger) *PostgresRosterStore {
	return &PostgresRosterStore{db: db, logger: logger}
}

// EnsureSchema 建表（幂等）
func (s *PostgresRosterStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to ensure roster schema: %w", err)
	}
	return nil
}

// Load 读取全部设备记录
func (s *PostgresRosterStore) Load(ctx context.Context) ([]models.DeviceRecord, error) {
	query := `
		SELECT device_id, status, data_types, last_sync
		FROM wavy_devices
		ORDER BY device_id
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}
	defer rows.Close()

	var records []models.DeviceRecord
	for rows.Next() {
		var (
			rec      models.DeviceRecord
			status   string
			lastSync sql.NullTime
		)
		if err := rows.Scan(&rec.DeviceID, &status, &rec.DataTypes, &lastSync); err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		rec.Status = models.DeviceStatus(status)
		if lastSync.Valid {
			rec.LastSync = lastSync.Time
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate devices: %w", err)
	}
	return records, nil
}

// Save 在一个事务内整体重写台账
func (s *PostgresRosterStore) Save(ctx context.Context, records []models.DeviceRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM wavy_devices`); err != nil {
		return fmt.Errorf("failed to clear devices: %w", err)
	}

	insert := `
		INSERT INTO wavy_devices (device_id, status, data_types, last_sync)
		VALUES ($1, $2, $3, $4)
	`
	for _, rec := range records {
		lastSync := sql.NullTime{Time: rec.LastSync, Valid: !rec.LastSync.IsZero()}
		if _, err := tx.ExecContext(ctx, insert, rec.DeviceID, string(rec.Status), rec.DataTypes, lastSync); err != nil {
			return fmt.Errorf("failed to insert device %s: %w", rec.DeviceID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit roster: %w", err)
	}
	return nil
}

// LoadPolicies 读取预处理策略
func (s *PostgresRosterStore) LoadPolicies(ctx context.Context) ([]models.PreProcessPolicy, error) {
	query := `
		SELECT device_id, mode, flush_volume_threshold, server_address
		FROM wavy_preprocess_policies
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query policies: %w", err)
	}
	defer rows.Close()

	var policies []models.PreProcessPolicy
	for rows.Next() {
		var p models.PreProcessPolicy
		if err := rows.Scan(&p.DeviceID, &p.Mode, &p.FlushVolumeThreshold, &p.ServerAddress); err != nil {
			return nil, fmt.Errorf("failed to scan policy: %w", err)
		}
		policies = append(policies, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate policies: %w", err)
	}
	return policies, nil
}
