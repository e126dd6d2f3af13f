// Package config loads the engine's YAML configuration with viper,
// expanding ${VAR} placeholders via envsubst before decoding — the same
// two-step load (substitute, then unmarshal) the teacher's own CLI
// bootstrap uses for its service configs.
package config

import (
	"bytes"
	"fmt"
	"os"

	"github.com/drone/envsubst"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/zitadel/projection-engine/internal/query/projection"
	"github.com/zitadel/projection-engine/internal/zerrors"
)

// Config is the root configuration document decoded from YAML.
type Config struct {
	Database   DatabaseConfig     `mapstructure:"Database"`
	Admin      AdminConfig        `mapstructure:"Admin"`
	Log        LogConfig          `mapstructure:"Log"`
	Projection projection.Config  `mapstructure:"Projections"`
	Telemetry  TelemetryConfig    `mapstructure:"Telemetry"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"Host"`
	Port     uint16 `mapstructure:"Port"`
	Database string `mapstructure:"Database"`
	User     string `mapstructure:"User"`
	Password string `mapstructure:"Password"`
	SSLMode  string `mapstructure:"SSLMode"`
	MaxConns uint32 `mapstructure:"MaxOpenConns"`
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		d.Host, d.Port, d.Database, d.User, d.Password, d.SSLMode,
	)
}

type AdminConfig struct {
	ListenAddr string `mapstructure:"ListenAddr"`
}

type LogConfig struct {
	Level  string `mapstructure:"Level"`
	Format string `mapstructure:"Format"`
}

// TelemetryConfig gates both tracing (otel TracerProvider) and metrics
// (the Prometheus exporter mounted at /metrics) — the engine treats them
// as one observability switch rather than two independent ones.
type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"Enabled"`
	ServiceName string `mapstructure:"ServiceName"`
}

// New reads the file at path, substitutes ${VAR}-style environment
// placeholders, and decodes it into Config. An empty path falls back to
// environment variables and viper defaults alone.
func New(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PROJECTION_ENGINE")
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, zerrors.ThrowInternal(err, "CONF-1a2b3", "unable to read config file")
		}
		expanded, err := envsubst.EvalEnv(string(raw))
		if err != nil {
			return nil, zerrors.ThrowInternal(err, "CONF-3c4d5", "unable to expand config placeholders")
		}
		v.SetConfigType("yaml")
		if err := v.ReadConfig(bytes.NewBufferString(expanded)); err != nil {
			return nil, zerrors.ThrowInternal(err, "CONF-5e6f7", "unable to parse config file")
		}
	}

	cfg := &Config{}
	decodeHook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
	)
	if err := v.Unmarshal(cfg, viper.DecodeHook(decodeHook)); err != nil {
		return nil, zerrors.ThrowInternal(err, "CONF-7g8h9", "unable to decode config")
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("Database.Port", 5432)
	v.SetDefault("Database.SSLMode", "disable")
	v.SetDefault("Database.MaxOpenConns", 10)
	v.SetDefault("Admin.ListenAddr", ":8081")
	v.SetDefault("Log.Level", "info")
	v.SetDefault("Log.Format", "text")

	defaults := projection.DefaultConfig()
	v.SetDefault("Projections.RequeueEvery", defaults.RequeueEvery.Duration.String())
	v.SetDefault("Projections.RetryFailedAfter", defaults.RetryFailedAfter.Duration.String())
	v.SetDefault("Projections.BulkLimit", defaults.BulkLimit)
	v.SetDefault("Projections.MaxFailureCount", defaults.MaxFailureCount)
	v.SetDefault("Projections.ImmediateRetries", defaults.ImmediateRetries)
	v.SetDefault("Projections.EnableLocking", defaults.EnableLocking)
	v.SetDefault("Projections.LockTTL", defaults.LockTTL.Duration.String())
	v.SetDefault("Projections.ConcurrentInstances", defaults.ConcurrentInstances)
	v.SetDefault("Projections.HandleActiveInstances", defaults.HandleActiveInstances.Duration.String())
}
