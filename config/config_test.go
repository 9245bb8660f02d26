package config_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/tontine-engine/config"
	"github.com/warp/tontine-engine/ledger"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "0 2 1 * *", cfg.Billing.Schedule)
	assert.Equal(t, ledger.SettleImmediate, cfg.Settlement())

	rules, err := cfg.FeeRules()
	require.NoError(t, err)
	assert.Equal(t, ledger.DefaultFeeRules().MinMise, rules.MinMise)
	assert.Equal(t, int64(31), rules.MisesPerFee)
	assert.True(t, rules.FlexiblePercent.Equal(decimal.RequireFromString("0.05")))

	cal, err := cfg.Calendar()
	require.NoError(t, err)
	assert.Equal(t, ledger.DefaultTimezone, cal.Location.String())
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("TONTINE_SERVER_PORT", "9090")
	t.Setenv("TONTINE_DATABASE_DRIVER", "postgres")
	t.Setenv("TONTINE_DATABASE_DSN", "postgres://localhost/tontine")
	t.Setenv("TONTINE_FEES_MISES_PER_FEE", "30")
	t.Setenv("TONTINE_FEES_SETTLEMENT", "deferred")
	t.Setenv("TONTINE_SERVER_CORS_ORIGINS", "https://a.example,https://b.example")

	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "postgres://localhost/tontine", cfg.Database.DSN)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
	assert.Equal(t, ledger.SettleDeferred, cfg.Settlement())

	rules, err := cfg.FeeRules()
	require.NoError(t, err)
	assert.Equal(t, int64(30), rules.MisesPerFee)
}

func TestLoad_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tontine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  driver: memory
fees:
  min_flexible_fee: 250
reporting:
  timezone: UTC
log:
  level: debug
  format: text
`), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.Equal(t, int64(250), cfg.Fees.MinFlexibleFee)
	assert.Equal(t, "UTC", cfg.Reporting.Timezone)

	var buf bytes.Buffer
	cfg.Logger(&buf).Debug("hello", "k", "v")
	assert.Contains(t, buf.String(), "msg=hello")
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]map[string]string{
		"driver":     {"TONTINE_DATABASE_DRIVER": "mysql"},
		"settlement": {"TONTINE_FEES_SETTLEMENT": "weekly"},
		"timezone":   {"TONTINE_REPORTING_TIMEZONE": "Mars/Olympus"},
		"percent":    {"TONTINE_FEES_FLEXIBLE_PERCENT": "five"},
		"block size": {"TONTINE_FEES_MISES_PER_FEE": "0"},
		"log level":  {"TONTINE_LOG_LEVEL": "loud"},
		"port":       {"TONTINE_SERVER_PORT": "70000"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := config.Load("")
			assert.Error(t, err)
		})
	}

	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadEnvFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(path, []byte("TONTINE_LOG_FORMAT=text\n"), 0o600))
	t.Setenv("TONTINE_LOG_FORMAT", "")
	os.Unsetenv("TONTINE_LOG_FORMAT")

	require.NoError(t, config.LoadEnvFiles(path, filepath.Join(dir, "absent.env")))
	assert.Equal(t, "text", os.Getenv("TONTINE_LOG_FORMAT"))
}
