package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newViper(values map[string]any) *viper.Viper {
	v := viper.New()
	setDefaults(v)
	for k, val := range values {
		v.Set(k, val)
	}
	return v
}

func TestFromViper_Defaults(t *testing.T) {
	cfg := fromViper(newViper(nil))

	assert.Equal(t, "localhost", cfg.DBHost)
	assert.Equal(t, 5432, cfg.DBPort)
	assert.Equal(t, 8080, cfg.APIPort)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 120, cfg.NodeHistorySize)
	assert.Equal(t, 30*time.Second, cfg.BandwidthBucket)
	assert.Equal(t, "http", cfg.AgentTransport)
	assert.False(t, cfg.ArchiveEnabled())
	assert.True(t, cfg.RedisEnabled())
}

func TestFromViper_GeneratesJWTSecretWithWarning(t *testing.T) {
	cfg := fromViper(newViper(nil))

	require.Len(t, cfg.JWTSecret, 64)
	assert.Contains(t, cfg.Warnings[0], "JWT_SECRET")
	assert.Equal(t, "changeme", cfg.DBPassword)
}

func TestFromViper_Overrides(t *testing.T) {
	cfg := fromViper(newViper(map[string]any{
		"JWT_SECRET":             "s3cret",
		"DB_PASSWORD":            "pw",
		"REDIS_HOST":             "",
		"AGENT_TRANSPORT":        "AMQP",
		"HEARTBEAT_INTERVAL_MS":  10000,
		"AUDIT_ARCHIVE_FTP_HOST": "ftp.example.net",
	}))

	assert.Equal(t, "s3cret", cfg.JWTSecret)
	assert.Empty(t, cfg.Warnings)
	assert.Equal(t, "amqp", cfg.AgentTransport)
	assert.Equal(t, 10*time.Second, cfg.HeartbeatInterval)
	assert.False(t, cfg.RedisEnabled())
	assert.True(t, cfg.ArchiveEnabled())
}
