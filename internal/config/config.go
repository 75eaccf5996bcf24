package config

import (
	"errors"
	"time"

	"github.com/caarlos0/env/v11"
)

const day = 24 * time.Hour

type DB struct {
	URL             string        `env:"DATABASE_URL,required"`
	MigrationsPath  string        `env:"DB_MIGRATIONS_PATH" envDefault:"file://db/migrations"`
	MaxOpenConns    int           `env:"DB_MAX_OPEN_CONNS" envDefault:"16"`
	MaxIdleConns    int           `env:"DB_MAX_IDLE_CONNS" envDefault:"8"`
	ConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME" envDefault:"1h"`
	ConnMaxIdleTime time.Duration `env:"DB_CONN_MAX_IDLE_TIME" envDefault:"15m"`
}

type Audit struct {
	MaxLogAgeDays       int    `env:"AUDIT_MAX_LOG_AGE_DAYS" envDefault:"90"`
	MaxLogSize          int64  `env:"AUDIT_MAX_LOG_SIZE" envDefault:"104857600"`
	CompressionEnabled  bool   `env:"AUDIT_COMPRESSION_ENABLED" envDefault:"true"`
	ArchiveLocation     string `env:"AUDIT_ARCHIVE_LOCATION" envDefault:"./archives"`
	RetentionPeriodDays int    `env:"AUDIT_RETENTION_PERIOD_DAYS" envDefault:"365"`
	SecretKey           string `env:"AUDIT_SECRET_KEY"`
	SecretKeyFile       string `env:"AUDIT_SECRET_KEY_FILE"`
}

func (a Audit) MaxLogAge() time.Duration {
	return time.Duration(a.MaxLogAgeDays) * day
}

func (a Audit) RetentionPeriod() time.Duration {
	return time.Duration(a.RetentionPeriodDays) * day
}

type Scheduler struct {
	Enabled          bool          `env:"AUDIT_SCHEDULER_ENABLED" envDefault:"true"`
	RotationInterval time.Duration `env:"AUDIT_ROTATION_INTERVAL" envDefault:"24h"`
	CleanupInterval  time.Duration `env:"AUDIT_CLEANUP_INTERVAL" envDefault:"24h"`
}

type Kafka struct {
	BootstrapServers string `env:"KAFKA_BOOTSTRAP_SERVERS"`
	Topic            string `env:"KAFKA_AUDIT_TOPIC" envDefault:"audit-events"`
	ClientID         string `env:"KAFKA_CLIENT_ID" envDefault:"audit-service"`
}

type Log struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"text"`
}

type Config struct {
	Port      string `env:"PORT" envDefault:"8080"`
	DB        DB
	Audit     Audit
	Scheduler Scheduler
	Kafka     Kafka
	Log       Log
}

func Load() (*Config, error) {
	return parse(env.Options{})
}

// LoadFrom parses configuration from the given variables instead of the
// process environment.
func LoadFrom(environment map[string]string) (*Config, error) {
	return parse(env.Options{Environment: environment})
}

func parse(opts env.Options) (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch {
	case c.Audit.MaxLogAgeDays <= 0:
		return errors.New("AUDIT_MAX_LOG_AGE_DAYS must be greater than 0")
	case c.Audit.RetentionPeriodDays <= 0:
		return errors.New("AUDIT_RETENTION_PERIOD_DAYS must be greater than 0")
	case c.Audit.MaxLogSize < 0:
		return errors.New("AUDIT_MAX_LOG_SIZE must not be negative")
	case c.Audit.ArchiveLocation == "":
		return errors.New("AUDIT_ARCHIVE_LOCATION is required")
	case c.Scheduler.RotationInterval <= 0 || c.Scheduler.CleanupInterval <= 0:
		return errors.New("scheduler intervals must be greater than 0")
	}
	return nil
}
