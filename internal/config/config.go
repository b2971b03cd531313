package config

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server" validate:"required"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Queue    QueueConfig    `mapstructure:"queue" validate:"required"`
	Auth     AuthConfig     `mapstructure:"auth" validate:"required"`
}

// ServerConfig contains the admin HTTP server settings.
type ServerConfig struct {
	Port     int    `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
	// RateLimitPerMinute bounds admin API requests per client IP.
	RateLimitPerMinute int `mapstructure:"rate_limit_per_minute" validate:"gte=0"`
}

// DatabaseConfig selects the SQL backend. URL wins over SQLitePath when both
// are set.
type DatabaseConfig struct {
	URL        string `mapstructure:"url" validate:"omitempty,url"`
	SQLitePath string `mapstructure:"sqlite_path"`
}

// RedisConfig enables the distributed backend when URL is set.
type RedisConfig struct {
	URL string `mapstructure:"url" validate:"omitempty,url"`
}

// QueueConfig contains runner defaults shared by every queue.
type QueueConfig struct {
	PollIntervalMs int  `mapstructure:"poll_interval_ms" validate:"required,gt=0"`
	Concurrency    int  `mapstructure:"concurrency" validate:"required,gt=0"`
	TimeoutSecs    int  `mapstructure:"timeout_secs" validate:"required,gt=0"`
	NumRetries     int  `mapstructure:"num_retries" validate:"gte=0"`
	KeepFailedJobs bool `mapstructure:"keep_failed_jobs"`
	// MaintenanceSchedule is a cron expression for admin maintenance tasks.
	// Empty disables scheduled maintenance.
	MaintenanceSchedule  string `mapstructure:"maintenance_schedule"`
	FailedRetentionHours int    `mapstructure:"failed_retention_hours" validate:"gte=0"`
	// Monitored lists the queues exported as metrics and covered by scheduled
	// maintenance in addition to the admin queue.
	Monitored []string `mapstructure:"monitored" validate:"dive,required,excludes=/"`
}

// AuthConfig contains admin API authentication settings.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret" validate:"required,min=32"`
}
