/*
Package config loads the server configuration.

SOURCES (later wins):
  1. Defaults below
  2. Optional config file (--config, yaml/toml/json)
  3. Environment variables: TONTINE_ prefix, "." becomes "_"
     (TONTINE_DATABASE_DSN, TONTINE_FEES_MISES_PER_FEE, ...)
  A .env file in the working directory is loaded into the environment
  first by LoadEnvFiles.

KEYS:
  server.port            HTTP port (8080)
  server.cors_origins    Allowed CORS origins (comma separated in env)
  database.driver        sqlite | postgres | memory
  database.dsn           File path for sqlite, connection string for postgres
  fees.min_mise          Minimum mise and minimum deposit (50)
  fees.mises_per_fee     Mises per charged block (31)
  fees.flexible_percent  Flexible fee rate as a decimal string ("0.05")
  fees.min_flexible_fee  Flexible fee floor (200)
  fees.min_subscription  Subscription range low bound (1000)
  fees.max_subscription  Subscription range high bound (5000)
  fees.settlement        immediate | deferred
  reporting.timezone     IANA zone for days, term locks and reports
  billing.enabled        Run subscription billing on a schedule
  billing.schedule       Cron expression for billing
  log.level              debug | info | warn | error
  log.format             json | text
*/
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"strings"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/warp/tontine-engine/ledger"
)

const EnvPrefix = "TONTINE"

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Fees      FeesConfig      `mapstructure:"fees"`
	Reporting ReportingConfig `mapstructure:"reporting"`
	Billing   BillingConfig   `mapstructure:"billing"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Port        int      `mapstructure:"port"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type FeesConfig struct {
	MinMise         int64  `mapstructure:"min_mise"`
	MisesPerFee     int64  `mapstructure:"mises_per_fee"`
	FlexiblePercent string `mapstructure:"flexible_percent"`
	MinFlexibleFee  int64  `mapstructure:"min_flexible_fee"`
	MinSubscription int64  `mapstructure:"min_subscription"`
	MaxSubscription int64  `mapstructure:"max_subscription"`
	Settlement      string `mapstructure:"settlement"`
}

type ReportingConfig struct {
	Timezone string `mapstructure:"timezone"`
}

type BillingConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	d := ledger.DefaultFeeRules()

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "tontine.db")
	v.SetDefault("fees.min_mise", int64(d.MinMise))
	v.SetDefault("fees.mises_per_fee", d.MisesPerFee)
	v.SetDefault("fees.flexible_percent", d.FlexiblePercent.String())
	v.SetDefault("fees.min_flexible_fee", int64(d.MinFlexibleFee))
	v.SetDefault("fees.min_subscription", int64(d.MinSubscription))
	v.SetDefault("fees.max_subscription", int64(d.MaxSubscription))
	v.SetDefault("fees.settlement", string(ledger.SettleImmediate))
	v.SetDefault("reporting.timezone", ledger.DefaultTimezone)
	v.SetDefault("billing.enabled", true)
	v.SetDefault("billing.schedule", "0 2 1 * *") // 02:00 on the first of the month
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// LoadEnvFiles loads .env style files into the process environment.
// Missing files are skipped; variables already set are kept.
func LoadEnvFiles(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Load reads the configuration. path may be empty.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres", "memory":
	default:
		return fmt.Errorf("database.driver: unsupported driver %q", c.Database.Driver)
	}
	if c.Database.Driver != "memory" && c.Database.DSN == "" {
		return errors.New("database.dsn is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port: invalid port %d", c.Server.Port)
	}
	if _, err := c.FeeRules(); err != nil {
		return err
	}
	if _, err := ledger.ParseSettlementPolicy(c.Fees.Settlement); err != nil {
		return err
	}
	if _, err := ledger.NewCalendar(c.Reporting.Timezone); err != nil {
		return err
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// FeeRules converts the fees section.
func (c *Config) FeeRules() (ledger.FeeRules, error) {
	pct, err := decimal.NewFromString(c.Fees.FlexiblePercent)
	if err != nil {
		return ledger.FeeRules{}, fmt.Errorf("fees.flexible_percent: %w", err)
	}
	rules := ledger.FeeRules{
		MinMise:         ledger.Money(c.Fees.MinMise),
		MisesPerFee:     c.Fees.MisesPerFee,
		FlexiblePercent: pct,
		MinFlexibleFee:  ledger.Money(c.Fees.MinFlexibleFee),
		MinSubscription: ledger.Money(c.Fees.MinSubscription),
		MaxSubscription: ledger.Money(c.Fees.MaxSubscription),
	}
	if err := rules.Validate(); err != nil {
		return ledger.FeeRules{}, err
	}
	return rules, nil
}

func (c *Config) Settlement() ledger.SettlementPolicy {
	p, _ := ledger.ParseSettlementPolicy(c.Fees.Settlement)
	return p
}

func (c *Config) Calendar() (ledger.Calendar, error) {
	return ledger.NewCalendar(c.Reporting.Timezone)
}

// Logger builds the process logger.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	level, _ := parseLevel(c.Log.Level)
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Log.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}
