package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// LastSyncLayout 台账文件中 lastSync 字段的时间格式
const LastSyncLayout = "2006-01-02 15:04:05"

// DeviceStatus WAVY 设备状态
type DeviceStatus string

const (
	StatusAssociated  DeviceStatus = "associated"
	StatusOperating   DeviceStatus = "operating"
	StatusMaintenance DeviceStatus = "maintenance"
	StatusDeactivated DeviceStatus = "deactivated"
)

// ParseDeviceStatus 解析设备状态，未知状态返回错误
func ParseDeviceStatus(s string) (DeviceStatus, error) {
	switch DeviceStatus(s) {
	case StatusAssociated, StatusOperating, StatusMaintenance, StatusDeactivated:
		return DeviceStatus(s), nil
	default:
		return "", fmt.Errorf("unknown device status: %q", s)
	}
}

// DeviceRecord 设备台账记录（每个 deviceId 唯一）
type DeviceRecord struct {
	DeviceID  string
	Status    DeviceStatus
	DataTypes string // 设备上报的数据类型，如 "[temp]"
	LastSync  time.Time
}

// ParseDeviceRecord 解析一行台账：id:status:dataTypes:lastSync
// lastSync 本身包含冒号，所以最多切 4 段
func ParseDeviceRecord(line string) (DeviceRecord, error) {
	parts := strings.SplitN(line, ":", 4)
	if len(parts) < 4 {
		return DeviceRecord{}, fmt.Errorf("roster line has %d fields, want 4", len(parts))
	}
	if parts[0] == "" {
		return DeviceRecord{}, fmt.Errorf("roster line has empty device id")
	}

	rec := DeviceRecord{
		DeviceID:  parts[0],
		Status:    DeviceStatus(parts[1]),
		DataTypes: parts[2],
	}
	if ts := strings.TrimSpace(parts[3]); ts != "" {
		t, err := time.ParseInLocation(LastSyncLayout, ts, time.Local)
		if err != nil {
			return DeviceRecord{}, fmt.Errorf("invalid lastSync %q: %w", ts, err)
		}
		rec.LastSync = t
	}
	return rec, nil
}

// Line 序列化为台账行
func (r DeviceRecord) Line() string {
	lastSync := ""
	if !r.LastSync.IsZero() {
		lastSync = r.LastSync.Format(LastSyncLayout)
	}
	return fmt.Sprintf("%s:%s:%s:%s", r.DeviceID, r.Status, r.DataTypes, lastSync)
}

// PreProcessPolicy 设备预处理策略（启动时加载，运行期只读）
type PreProcessPolicy struct {
	DeviceID             string
	Mode                 string // raw, average ...
	FlushVolumeThreshold int    // 达到该条数即 flush
	ServerAddress        string // 关联的采集服务地址 ip:port
}

// ParsePreProcessPolicy 解析一行策略：id:mode:flushVolumeThreshold:serverAddress
func ParsePreProcessPolicy(line string) (PreProcessPolicy, error) {
	parts := strings.SplitN(line, ":", 4)
	if len(parts) < 4 {
		return PreProcessPolicy{}, fmt.Errorf("policy line has %d fields, want 4", len(parts))
	}
	if parts[0] == "" {
		return PreProcessPolicy{}, fmt.Errorf("policy line has empty device id")
	}
	threshold, err := strconv.Atoi(strings.TrimSpace(parts[2]))
	if err != nil {
		return PreProcessPolicy{}, fmt.Errorf("invalid flush volume %q: %w", parts[2], err)
	}
	return PreProcessPolicy{
		DeviceID:             parts[0],
		Mode:                 parts[1],
		FlushVolumeThreshold: threshold,
		ServerAddress:        parts[3],
	}, nil
}
