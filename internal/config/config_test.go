package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entsoe-watch/internal/series"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "app:\n  environment: test\n"))
	require.NoError(t, err)

	assert.Equal(t, "test", cfg.App.Environment)
	assert.Equal(t, BackendFile, cfg.Cache.Backend)
	assert.Equal(t, []string{"B16", "B18", "B19"}, cfg.Market.PSRTypes)
	assert.Equal(t, 24*time.Hour, cfg.TTL(series.DayAheadPrice))
	assert.Equal(t, 15*time.Minute, cfg.TTL(series.LoadActual))
	assert.Equal(t, time.Hour, cfg.TTL(series.NetPosition))
	assert.Equal(t, 3, cfg.ResolveMaxBlocks(0))
	assert.Equal(t, 5, cfg.ResolveMaxBlocks(5))

	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, "Europe/Amsterdam", loc.String())

	datasets, err := cfg.DatasetTypes()
	require.NoError(t, err)
	assert.NotContains(t, datasets, series.Exchange)
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	t.Setenv("ENTSOEWATCH_UPSTREAM_API_KEY", "secret")
	path := writeConfig(t, `
market:
  zone: 10Y1001A1001A82H
  timezone: Europe/Berlin
  psr_types: B16,B19
cache:
  backend: sqlite
  ttl:
    load_actual: 5m
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "secret", cfg.Upstream.APIKey)
	assert.Equal(t, "10Y1001A1001A82H", cfg.Market.Zone)
	assert.Equal(t, []string{"B16", "B19"}, cfg.Market.PSRTypes)
	assert.Equal(t, BackendSQLite, cfg.Cache.Backend)
	assert.Equal(t, 5*time.Minute, cfg.TTL(series.LoadActual))
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"timezone":      "market:\n  timezone: Mars/Olympus\n",
		"dataset":       "market:\n  datasets: [day_ahead_price, weather]\n",
		"exchange":      "market:\n  datasets: [exchange]\n",
		"sign":          "market:\n  net_position_sign: sideways\n",
		"backend":       "cache:\n  backend: redis\n",
		"postgres dsn":  "cache:\n  backend: postgres\n",
		"ttl":           "cache:\n  ttl:\n    exchange: 0s\n",
		"jitter":        "scheduler:\n  jitter_fraction: 1.5\n",
		"telegram chat": "alerting:\n  telegram:\n    enabled: true\n    bot_token: x\n",
	}
	for name, body := range cases {
		body := body
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}
