package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/swarm")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "nats://localhost:4222", cfg.NATSURL)
	require.Equal(t, "SWARM", cfg.NATSStream)
	require.Equal(t, "default", cfg.ScopeID)
	require.Equal(t, "8087", cfg.MITLPort)
	require.Equal(t, 0.75, cfg.NearFinalityThreshold)
	require.Equal(t, 0.92, cfg.AutoFinalityThreshold)
	require.Equal(t, 15*time.Second, cfg.WatchdogInterval)
	require.Equal(t, 30*time.Second, cfg.WatchdogQuiescence)
}

func TestLoadRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	_, err := Load()
	require.Error(t, err)
	require.Contains(t, err.Error(), "DATABASE_URL")
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/swarm")
	t.Setenv("NEAR_FINALITY_THRESHOLD", "0.8")
	t.Setenv("WATCHDOG_INTERVAL_MS", "5000")
	t.Setenv("WATCHDOG_QUIESCENCE_MS", "60000")
	t.Setenv("S3_PATH_STYLE", "true")
	t.Setenv("MITL_JWT_SECRET", "hunter2")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 0.8, cfg.NearFinalityThreshold)
	require.Equal(t, 5*time.Second, cfg.WatchdogInterval)
	require.Equal(t, time.Minute, cfg.WatchdogQuiescence)
	require.True(t, cfg.S3PathStyle)
	require.Equal(t, "hunter2", cfg.MITLJWTSecret)
}

func TestLoadRejectsMalformedDurations(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/swarm")
	t.Setenv("WATCHDOG_INTERVAL_MS", "soon")

	_, err := Load()
	require.Error(t, err)

	t.Setenv("WATCHDOG_INTERVAL_MS", "-5")
	_, err = Load()
	require.Error(t, err)
}
