package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "state/factbase.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 5000, cfg.Server.Port)
	assert.Equal(t, 400, cfg.Discovery.MaxItems)
	assert.Equal(t, 10, cfg.Discovery.IdleCycles)
	assert.Equal(t, 5, cfg.Discovery.CheckpointEvery)
	assert.True(t, cfg.Discovery.Headless)
	assert.Contains(t, cfg.Discovery.ConsentMarkers, "I agree")
	assert.Contains(t, cfg.Discovery.LoadMoreLabels, "load more")
	assert.Equal(t, DefaultLinkPattern, cfg.Discovery.LinkPattern)
	assert.Equal(t, 4, cfg.Scrape.Concurrency)
	assert.InDelta(t, 1.0, cfg.Scrape.RPS, 0.001)
	assert.Equal(t, 3, cfg.Scrape.MaxAttempts)
	assert.True(t, cfg.Scrape.RespectRobots)
	assert.False(t, cfg.Scrape.KeepHTML)
	assert.Equal(t, "out", cfg.Paths.OutDir)
	assert.Equal(t, "state", cfg.Paths.StateDir)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/factbase
log:
  level: debug
  format: console
server:
  port: 9090
scrape:
  concurrency: 16
  rps: 5
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 16, cfg.Scrape.Concurrency)
	assert.InDelta(t, 5.0, cfg.Scrape.RPS, 0.001)
	// Defaults still apply for unset values
	assert.Equal(t, 400, cfg.Discovery.MaxItems)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("FACTBASE_STORE_DRIVER", "postgres")
	t.Setenv("FACTBASE_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)

	t.Setenv("FACTBASE_SERVER_PORT", "3000")
	t.Setenv("FACTBASE_SCRAPE_RPS", "2.5")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.InDelta(t, 2.5, cfg.Scrape.RPS, 0.001)
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("store: [unclosed"), 0644))

	_, err := Load()
	assert.Error(t, err)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

func validDefaults() *Config {
	return &Config{
		Discovery: DiscoveryConfig{StartURL: DefaultStartURL, MaxItems: 400},
		Scrape:    ScrapeConfig{Concurrency: 4, RPS: 1, MaxAttempts: 3},
		Store:     StoreConfig{Driver: "sqlite", DatabaseURL: "state/factbase.db"},
		Server:    ServerConfig{Port: 5000},
	}
}

func TestValidate_Defaults(t *testing.T) {
	cfg := validDefaults()
	for _, mode := range []string{"discover", "scrape", "serve", "search", "export"} {
		assert.NoError(t, cfg.Validate(mode), mode)
	}
}

func TestValidate_UnknownMode(t *testing.T) {
	err := validDefaults().Validate("enrichment")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown validation mode")
}

func TestValidate_ScrapeBounds(t *testing.T) {
	cfg := validDefaults()
	cfg.Scrape.Concurrency = 0
	assert.Error(t, cfg.Validate("scrape"))

	cfg = validDefaults()
	cfg.Scrape.RPS = 0
	assert.Error(t, cfg.Validate("scrape"))

	cfg = validDefaults()
	cfg.Scrape.MaxAttempts = 0
	assert.Error(t, cfg.Validate("scrape"))
}

func TestValidate_ServePort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 70000
	assert.Error(t, cfg.Validate("serve"))
}

func TestValidate_StoreDriver(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "mysql"
	assert.Error(t, cfg.Validate("search"))

	cfg = validDefaults()
	cfg.Store.DatabaseURL = ""
	err := cfg.Validate("search")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url")
}

func TestValidate_DiscoverStartURL(t *testing.T) {
	cfg := validDefaults()
	cfg.Discovery.StartURL = ""
	err := cfg.Validate("discover")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "discovery.start_url")
}
