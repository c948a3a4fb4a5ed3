package kernel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "./manifests", cfg.ManifestDir)
	assert.False(t, cfg.WatchManifests)
	assert.Empty(t, cfg.AdminAddr)
	assert.Equal(t, 30*time.Second, cfg.Registry.InitTimeout)
	assert.Equal(t, 30*time.Second, cfg.Registry.StopTimeout)
	assert.Equal(t, 64, cfg.EventBus.BufferSize)
	assert.Equal(t, 10*time.Second, cfg.EventBus.ShutdownGracePeriod)
	assert.Equal(t, "@hourly", cfg.EventBus.RetentionSchedule)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("KERNEL_MANIFEST_DIR", "/etc/kernel/manifests")
	t.Setenv("KERNEL_WATCH_MANIFESTS", "true")
	t.Setenv("KERNEL_ADMIN_ADDR", ":8181")
	t.Setenv("KERNEL_INIT_TIMEOUT", "45s")
	t.Setenv("KERNEL_BUFFER_SIZE", "128")
	t.Setenv("KERNEL_RETENTION", "72h")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "/etc/kernel/manifests", cfg.ManifestDir)
	assert.True(t, cfg.WatchManifests)
	assert.Equal(t, ":8181", cfg.AdminAddr)
	assert.Equal(t, 45*time.Second, cfg.Registry.InitTimeout)
	assert.Equal(t, 128, cfg.EventBus.BufferSize)
	assert.Equal(t, 72*time.Hour, cfg.EventBus.Retention)
}

func TestLoadConfigBadDuration(t *testing.T) {
	t.Setenv("KERNEL_INIT_TIMEOUT", "soon")
	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "KERNEL_INIT_TIMEOUT")
}

func TestApplyDefaultsKeepsExplicitValues(t *testing.T) {
	cfg := &Config{ManifestDir: "/custom"}
	require.NoError(t, ApplyDefaults(cfg))
	assert.Equal(t, "/custom", cfg.ManifestDir)
	assert.Equal(t, 30*time.Second, cfg.Registry.InitTimeout)
}

func TestFeedEnvRejectsNonStruct(t *testing.T) {
	var n int
	assert.ErrorIs(t, FeedEnv(&n, "X"), ErrConfigInvalidStructure)
	assert.ErrorIs(t, FeedEnv(nil, "X"), ErrConfigInvalidStructure)
	assert.ErrorIs(t, ApplyDefaults("nope"), ErrConfigInvalidStructure)
}
