package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Transform.URLs = []string{"https://transform.internal/q"}
	return cfg
}

func TestValidateDefaults(t *testing.T) {
	assert.NoError(t, validConfig().Validate())
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing host", func(c *Config) { c.Server.Host = "" }},
		{"bad admin port", func(c *Config) { c.Server.AdminPort = 0 }},
		{"missing database host", func(c *Config) { c.Database.Host = "" }},
		{"missing database name", func(c *Config) { c.Database.Database = "" }},
		{"missing database user", func(c *Config) { c.Database.User = "" }},
		{"zero load attempts", func(c *Config) { c.CVR.LoadMaxAttempts = 0 }},
		{"non power-of-two batch size", func(c *Config) { c.CVR.MaxRowBatchSize = 500 }},
		{"zero batch size", func(c *Config) { c.CVR.MaxRowBatchSize = 0 }},
		{"negative inline limit", func(c *Config) { c.CVR.InlineRowLimit = -1 }},
		{"zero catchup page", func(c *Config) { c.CVR.CatchupPageSize = 0 }},
		{"no transform URLs", func(c *Config) { c.Transform.URLs = nil }},
		{"zero cache TTL", func(c *Config) { c.Transform.CacheTTL = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidatePowerOfTwoBatchSizes(t *testing.T) {
	for _, size := range []int{16, 64, 512, 1024} {
		cfg := validConfig()
		cfg.CVR.MaxRowBatchSize = size
		assert.NoError(t, cfg.Validate(), "size %d", size)
	}
}

func TestValidateFillsLoggingDefaults(t *testing.T) {
	cfg := validConfig()
	cfg.Logging.Level = ""
	cfg.Logging.Format = ""
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}
