package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for every environment variable read by Load.
const EnvPrefix = "SHELF"

// Load reads configuration from an optional .env file, an optional
// config.yaml in the working directory, and SHELF_ environment variables.
// Environment variables take precedence over the config file. The result is
// validated before it is returned.
func Load() (*Config, error) {
	// .env is a developer convenience; a missing file is not an error.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvs(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.rate_limit_per_minute", 120)
	v.SetDefault("queue.poll_interval_ms", 1000)
	v.SetDefault("queue.concurrency", 1)
	v.SetDefault("queue.timeout_secs", 60)
	v.SetDefault("queue.num_retries", 3)
	v.SetDefault("queue.keep_failed_jobs", true)
	v.SetDefault("queue.maintenance_schedule", "@hourly")
	v.SetDefault("queue.failed_retention_hours", 168)
}

// bindEnvs makes keys without defaults visible to Unmarshal when they are
// only present in the environment.
func bindEnvs(v *viper.Viper) {
	for _, key := range []string{
		"database.url",
		"database.sqlite_path",
		"redis.url",
		"auth.jwt_secret",
		"queue.monitored",
	} {
		_ = v.BindEnv(key)
	}
}
