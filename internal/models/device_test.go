package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDeviceRecord_KeepsColonsInLastSync(t *testing.T) {
	rec, err := ParseDeviceRecord("WAVY001:operating:[temp]:2025-05-01 12:30:45")
	require.NoError(t, err)

	assert.Equal(t, "WAVY001", rec.DeviceID)
	assert.Equal(t, StatusOperating, rec.Status)
	assert.Equal(t, "[temp]", rec.DataTypes)
	assert.True(t, time.Date(2025, 5, 1, 12, 30, 45, 0, time.Local).Equal(rec.LastSync))
	assert.Equal(t, "WAVY001:operating:[temp]:2025-05-01 12:30:45", rec.Line())
}

func TestParseDeviceRecord_EmptyLastSync(t *testing.T) {
	rec, err := ParseDeviceRecord("WAVY002:associated::")
	require.NoError(t, err)
	assert.True(t, rec.LastSync.IsZero())
	assert.Equal(t, "WAVY002:associated::", rec.Line())
}

func TestParseDeviceRecord_Invalid(t *testing.T) {
	_, err := ParseDeviceRecord("WAVY003:operating")
	assert.Error(t, err)

	_, err = ParseDeviceRecord(":operating:[temp]:")
	assert.Error(t, err)

	_, err = ParseDeviceRecord("WAVY003:operating:[temp]:yesterday")
	assert.Error(t, err)
}

func TestParsePreProcessPolicy(t *testing.T) {
	p, err := ParsePreProcessPolicy("WAVY001:raw:3:127.0.0.1:6000")
	require.NoError(t, err)
	assert.Equal(t, PreProcessPolicy{
		DeviceID:             "WAVY001",
		Mode:                 "raw",
		FlushVolumeThreshold: 3,
		ServerAddress:        "127.0.0.1:6000",
	}, p)

	_, err = ParsePreProcessPolicy("WAVY001:raw:many:127.0.0.1:6000")
	assert.Error(t, err)
}

func TestParseDeviceStatus(t *testing.T) {
	s, err := ParseDeviceStatus("maintenance")
	require.NoError(t, err)
	assert.Equal(t, StatusMaintenance, s)

	_, err = ParseDeviceStatus("operacao")
	assert.Error(t, err)
}

func TestEnvelope_Marshal(t *testing.T) {
	env := NewEnvelope("D1", []string{`{"t":1}`, `{"t":2}`})
	out, err := env.Marshal()
	require.NoError(t, err)
	assert.JSONEq(t, `{"deviceId":"D1","batch":[{"t":1},{"t":2}]}`, out)
	assert.Equal(t, 2, env.Len())
}
