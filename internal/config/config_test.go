package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 6.0, cfg.Pricing.TTLHours)
	assert.Equal(t, 3.0, cfg.Pricing.TolerancePct)
	assert.Equal(t, 3, cfg.Pricing.FanoutConcurrency)
	assert.Equal(t, 45*time.Second, cfg.Pricing.SourceTimeout)
	assert.Equal(t, 10*time.Second, cfg.Transport.FetchTimeout())
	assert.Equal(t, 180*time.Second, cfg.Transport.CacheTTL())
	assert.Equal(t, 3, cfg.Transport.MaxRetries)
	assert.Equal(t, DriverMemory, cfg.Storage.Driver)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, time.Hour, cfg.Scheduler.Interval)
	assert.True(t, cfg.Scheduler.AlignToInterval)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
pricing:
  ttl_hours: 2
  source_timeout: 20s
transport:
  proxies: ["10.0.0.1:3128", "10.0.0.2:3128"]
storage:
  driver: sqlite
  sqlite:
    path: /tmp/pt.db
scheduler:
  enabled: true
  interval: 30m
  tracked: ["sku:AB-1"]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	t.Setenv("PRICETRUTH_PRICING_TOLERANCE_PCT", "2.5")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2.0, cfg.Pricing.TTLHours)
	assert.Equal(t, 2.5, cfg.Pricing.TolerancePct)
	assert.Equal(t, 20*time.Second, cfg.Pricing.SourceTimeout)
	assert.Equal(t, []string{"10.0.0.1:3128", "10.0.0.2:3128"}, cfg.Transport.Proxies)
	assert.Equal(t, DriverSQLite, cfg.Storage.Driver)
	assert.Equal(t, "/tmp/pt.db", cfg.Storage.SQLite.Path)
	assert.Equal(t, 30*time.Minute, cfg.Scheduler.Interval)
	assert.Equal(t, []string{"sku:AB-1"}, cfg.Scheduler.Tracked)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	cases := map[string]func(c *Config){
		"ttl":             func(c *Config) { c.Pricing.TTLHours = 0 },
		"tolerance":       func(c *Config) { c.Pricing.TolerancePct = -1 },
		"trim":            func(c *Config) { c.Pricing.TrimFraction = 0.5 },
		"fanout":          func(c *Config) { c.Pricing.FanoutConcurrency = 0 },
		"per host":        func(c *Config) { c.Transport.MaxPerHostConcurrency = 0 },
		"retries":         func(c *Config) { c.Transport.MaxRetries = -1 },
		"jitter":          func(c *Config) { c.Transport.JitterFraction = 1 },
		"driver":          func(c *Config) { c.Storage.Driver = "mongo" },
		"postgres dsn":    func(c *Config) { c.Storage.Driver = DriverPostgres },
		"export":          func(c *Config) { c.Export.MaxDataPoints = 0 },
		"telegram token":  func(c *Config) { c.Alerting.Telegram.Enabled = true; c.Alerting.Telegram.ChatID = "1" },
		"move threshold":  func(c *Config) { c.Alerting.MoveThresholdPct = -5 },
		"scheduler every": func(c *Config) { c.Scheduler.Enabled = true; c.Scheduler.Interval = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := valid()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, valid().Validate())
}

func TestResolveMaxPoints(t *testing.T) {
	cfg := &Config{Export: ExportConfig{MaxDataPoints: 500}}
	assert.Equal(t, 500, cfg.ResolveMaxPoints(0))
	assert.Equal(t, 20, cfg.ResolveMaxPoints(20))
}
