package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDatabaseConfig_LoadFromEnv(t *testing.T) {
	t.Setenv("ROSTER_DB_HOST", "db.local")
	t.Setenv("ROSTER_DB_PORT", "6543")
	t.Setenv("ROSTER_DB_NAME", "wavy")

	cfg := DatabaseConfig{Host: "localhost", Port: 5432, Database: "owl", SSLMode: "disable"}
	cfg.LoadFromEnv("ROSTER_DB")

	assert.Equal(t, "db.local", cfg.Host)
	assert.Equal(t, 6543, cfg.Port)
	assert.Equal(t, "wavy", cfg.Database)
	assert.Equal(t, "disable", cfg.SSLMode)
	assert.Contains(t, cfg.GetDSN(), "host=db.local port=6543")
}

func TestMQTTConfig_LoadFromEnv_InvalidQoSIgnored(t *testing.T) {
	t.Setenv("MQTT_BROKER", "tcp://broker:1883")
	t.Setenv("MQTT_QOS", "7")

	cfg := MQTTConfig{QoS: 1}
	cfg.LoadFromEnv("MQTT")

	assert.Equal(t, "tcp://broker:1883", cfg.Broker)
	assert.Equal(t, byte(1), cfg.QoS)
}

func TestGetEnvHelpers(t *testing.T) {
	os.Unsetenv("WAVY_TEST_MISSING")
	t.Setenv("WAVY_TEST_INT", "42")
	t.Setenv("WAVY_TEST_BOOL", "false")
	t.Setenv("WAVY_TEST_DUR", "15s")
	t.Setenv("WAVY_TEST_BAD_DUR", "soon")

	assert.Equal(t, "fallback", GetEnv("WAVY_TEST_MISSING", "fallback"))
	assert.Equal(t, 42, GetEnvInt("WAVY_TEST_INT", 1))
	assert.False(t, GetEnvBool("WAVY_TEST_BOOL", true))
	assert.Equal(t, 15*time.Second, GetEnvDuration("WAVY_TEST_DUR", time.Second))
	assert.Equal(t, time.Second, GetEnvDuration("WAVY_TEST_BAD_DUR", time.Second))
}
