package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_WithNoOverlayAndNoFeedURLFailsValidation(t *testing.T) {
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FEED_URL")
}

func TestLoad_EnvOverlayAppliesOnTopOfDefaults(t *testing.T) {
	t.Setenv("FEED_URL", "wss://example.test/feed")
	t.Setenv("BATCH_SIZE", "250")
	t.Setenv("WHITELIST", "mintA, mintB ,mintC")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "wss://example.test/feed", cfg.FeedURL)
	assert.Equal(t, 250, cfg.BatchSize)
	assert.Equal(t, []string{"mintA", "mintB", "mintC"}, cfg.Whitelist)
	assert.Equal(t, Default().ReconnectDelay, cfg.ReconnectDelay)
}

func TestLoad_YAMLOverlayThenEnvOverlayWins(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("feed_url: wss://from-yaml.test\nbatch_size: 50\n"), 0o644))

	t.Setenv("BATCH_SIZE", "777")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "wss://from-yaml.test", cfg.FeedURL)
	assert.Equal(t, 777, cfg.BatchSize, "env overlay must apply after the YAML overlay")
}

func TestLoad_MissingOverlayFileIsNotAnError(t *testing.T) {
	t.Setenv("FEED_URL", "wss://example.test/feed")
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
}

func TestValidate_RejectsOutOfRangeFractions(t *testing.T) {
	cfg := Default()
	cfg.FeedURL = "wss://example.test"
	cfg.RugPriceDrop = 1.5
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RUG_PRICE_DROP")
}

func TestValidate_RejectsNonPositiveMinVolume(t *testing.T) {
	cfg := Default()
	cfg.FeedURL = "wss://example.test"
	cfg.MinVolume24h = 0
	err := cfg.Validate()
	require.Error(t, err)
}

func TestIsWhitelisted_MatchesConfiguredMintsOnly(t *testing.T) {
	cfg := Default()
	cfg.Whitelist = []string{"mintA", "mintB"}
	assert.True(t, cfg.IsWhitelisted("mintA"))
	assert.False(t, cfg.IsWhitelisted("mintC"))
}

func TestMS_ParsesIntegerMillisecondEnvVar(t *testing.T) {
	var d time.Duration
	t.Setenv("X_TEST_MS", "1500")
	ms(&d, "X_TEST_MS")
	assert.Equal(t, 1500*time.Millisecond, d)
}
