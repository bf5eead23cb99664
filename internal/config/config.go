// Package config loads and validates tokenwatch's runtime configuration:
// defaults from spec.md section 6's option table, overridable by a YAML
// file and then by environment variables, mirroring the
// default-then-override shape of the teacher's provider configs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config holds every recognized option from spec.md section 6.
type Config struct {
	FeedURL              string        `yaml:"feed_url"`
	ReconnectDelay       time.Duration `yaml:"reconnect_delay_ms"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_ms"`
	MaxTokensTracked     int           `yaml:"max_tokens_tracked"`

	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval_ms"`
	DedupWindow   time.Duration `yaml:"dedup_window_ms"`

	AnalysisInterval time.Duration `yaml:"analysis_interval_ms"`

	CleanupInterval               time.Duration `yaml:"cleanup_interval_ms"`
	GracePeriod                   time.Duration `yaml:"grace_period_ms"`
	InactivityThreshold           time.Duration `yaml:"inactivity_threshold_ms"`
	MinVolume24h                  float64       `yaml:"min_volume_24h"`
	ConsecutiveZeroVolumePeriods  int           `yaml:"consecutive_zero_volume_periods"`
	RugPriceDrop                  float64       `yaml:"rug_price_drop"`
	RugVolumeDrop                 float64       `yaml:"rug_volume_drop"`
	LiqThreshold                  float64       `yaml:"liq_threshold"`
	MaxCleanupPercentage          float64       `yaml:"max_cleanup_percentage"`
	MinTokensToKeep               int           `yaml:"min_tokens_to_keep"`
	Whitelist                     []string      `yaml:"whitelist"`
	CleanupEnabled                bool          `yaml:"cleanup_enabled"`
}

// Default returns the option table's defaults from spec.md section 6.
func Default() Config {
	return Config{
		ReconnectDelay:               5000 * time.Millisecond,
		MaxReconnectAttempts:         10,
		HeartbeatInterval:            30000 * time.Millisecond,
		MaxTokensTracked:             1000,
		BatchSize:                    100,
		FlushInterval:                5000 * time.Millisecond,
		DedupWindow:                  1000 * time.Millisecond,
		AnalysisInterval:             60000 * time.Millisecond,
		CleanupInterval:              300000 * time.Millisecond,
		GracePeriod:                  1800000 * time.Millisecond,
		InactivityThreshold:          3600000 * time.Millisecond,
		MinVolume24h:                 10,
		ConsecutiveZeroVolumePeriods: 3,
		RugPriceDrop:                 0.95,
		RugVolumeDrop:                0.99,
		LiqThreshold:                 100,
		MaxCleanupPercentage:         0.10,
		MinTokensToKeep:              100,
		CleanupEnabled:               true,
	}
}

// Load reads defaults, overlays configPath (if non-empty and present), then
// overlays recognized environment variables, and finally validates.
func Load(configPath string) (Config, error) {
	cfg := Default()

	if configPath != "" {
		if data, err := os.ReadFile(configPath); err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("config: parse %s: %w", configPath, err)
			}
		} else if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("config: read %s: %w", configPath, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	cfg.warn()

	return cfg, nil
}

func (c *Config) applyEnv() {
	str(&c.FeedURL, "FEED_URL")
	ms(&c.ReconnectDelay, "RECONNECT_DELAY_MS")
	integer(&c.MaxReconnectAttempts, "MAX_RECONNECT_ATTEMPTS")
	ms(&c.HeartbeatInterval, "HEARTBEAT_MS")
	integer(&c.MaxTokensTracked, "MAX_TOKENS_TRACKED")
	integer(&c.BatchSize, "BATCH_SIZE")
	ms(&c.FlushInterval, "FLUSH_INTERVAL_MS")
	ms(&c.DedupWindow, "DEDUP_WINDOW_MS")
	ms(&c.AnalysisInterval, "ANALYSIS_INTERVAL_MS")
	ms(&c.CleanupInterval, "CLEANUP_INTERVAL_MS")
	ms(&c.GracePeriod, "GRACE_PERIOD_MS")
	ms(&c.InactivityThreshold, "INACTIVITY_THRESHOLD_MS")
	float(&c.MinVolume24h, "MIN_VOLUME_24H")
	integer(&c.ConsecutiveZeroVolumePeriods, "CONSECUTIVE_ZERO_VOLUME_PERIODS")
	float(&c.RugPriceDrop, "RUG_PRICE_DROP")
	float(&c.RugVolumeDrop, "RUG_VOLUME_DROP")
	float(&c.LiqThreshold, "LIQ_THRESHOLD")
	float(&c.MaxCleanupPercentage, "MAX_CLEANUP_PERCENTAGE")
	integer(&c.MinTokensToKeep, "MIN_TOKENS_TO_KEEP")
	boolean(&c.CleanupEnabled, "CLEANUP_ENABLED")
	if v := os.Getenv("WHITELIST"); v != "" {
		c.Whitelist = splitCSV(v)
	}
}

// Validate enforces spec.md section 4.3.6's errors: refuse to start.
func (c *Config) Validate() error {
	if c.FeedURL == "" {
		return fmt.Errorf("config: FEED_URL is required")
	}
	positive := map[string]float64{
		"MIN_VOLUME_24H":      c.MinVolume24h,
		"LIQ_THRESHOLD":       c.LiqThreshold,
		"MIN_TOKENS_TO_KEEP":  float64(c.MinTokensToKeep),
	}
	for name, v := range positive {
		if v <= 0 {
			return fmt.Errorf("config: %s must be > 0, got %v", name, v)
		}
	}
	if c.MaxCleanupPercentage <= 0 || c.MaxCleanupPercentage > 1 {
		return fmt.Errorf("config: MAX_CLEANUP_PERCENTAGE must be in (0,1], got %v", c.MaxCleanupPercentage)
	}
	if c.RugPriceDrop <= 0 || c.RugPriceDrop > 1 {
		return fmt.Errorf("config: RUG_PRICE_DROP must be in (0,1], got %v", c.RugPriceDrop)
	}
	if c.RugVolumeDrop <= 0 || c.RugVolumeDrop > 1 {
		return fmt.Errorf("config: RUG_VOLUME_DROP must be in (0,1], got %v", c.RugVolumeDrop)
	}
	if c.ConsecutiveZeroVolumePeriods < 0 {
		return fmt.Errorf("config: CONSECUTIVE_ZERO_VOLUME_PERIODS must be >= 0")
	}
	return nil
}

// warn logs (but does not refuse to start on) spec.md section 4.3.6's
// warning conditions.
func (c *Config) warn() {
	if c.InactivityThreshold < time.Minute {
		log.Warn().Dur("inactivity_threshold", c.InactivityThreshold).Msg("config: inactivity threshold below 1 minute")
	}
	if c.CleanupInterval < time.Minute {
		log.Warn().Dur("cleanup_interval", c.CleanupInterval).Msg("config: cleanup interval below 1 minute")
	}
	if c.MaxCleanupPercentage > 0.5 {
		log.Warn().Float64("max_cleanup_percentage", c.MaxCleanupPercentage).Msg("config: max cleanup percentage above 0.5")
	}
	if c.GracePeriod < 5*time.Minute {
		log.Warn().Dur("grace_period", c.GracePeriod).Msg("config: grace period below 5 minutes")
	}
	if c.CleanupInterval < c.AnalysisInterval {
		log.Warn().Msg("config: cleanup interval is shorter than analysis interval")
	}
	if c.InactivityThreshold < c.GracePeriod {
		log.Warn().Msg("config: inactivity threshold below grace period — tokens would never be considered inactive")
	}
}

// IsWhitelisted reports whether mint is in the permanent configured
// whitelist.
func (c Config) IsWhitelisted(mint string) bool {
	for _, m := range c.Whitelist {
		if m == mint {
			return true
		}
	}
	return false
}

func str(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func integer(dst *int, env string) {
	if v := os.Getenv(env); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func float(dst *float64, env string) {
	if v := os.Getenv(env); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func boolean(dst *bool, env string) {
	if v := os.Getenv(env); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func ms(dst *time.Duration, env string) {
	if v := os.Getenv(env); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Millisecond
		}
	}
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
