package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	envPrefix = "CARDVAULT"
	service   = "cardvault"
)

// BaseConfig holds base configuration
type BaseConfig struct {
	Debug     bool   `mapstructure:"debug"`
	SentryDSN string `mapstructure:"sentry_dsn"`
}

// DatabaseConfig holds the SQLite file and connection settings
type DatabaseConfig struct {
	Path           string        `mapstructure:"path"`
	BusyTimeout    time.Duration `mapstructure:"busy_timeout"`
	MaxOpenConns   int           `mapstructure:"max_open_conns"`
	SkipMigrations bool          `mapstructure:"skip_migrations"`
}

// SearchConfig holds card search configuration
type SearchConfig struct {
	MinFullTextLen int `mapstructure:"min_full_text_len"` // shorter queries use a LIKE scan
	DefaultLimit   int `mapstructure:"default_limit"`
}

// CacheConfig holds the card read cache configuration
type CacheConfig struct {
	Size int           `mapstructure:"size"`
	TTL  time.Duration `mapstructure:"ttl"`
}

// S3Config holds the optional S3 backup destination
type S3Config struct {
	Bucket       string `mapstructure:"bucket"`
	Prefix       string `mapstructure:"prefix"`
	Region       string `mapstructure:"region"`
	Endpoint     string `mapstructure:"endpoint"`
	AccessKey    string `mapstructure:"access_key"`
	SecretKey    string `mapstructure:"secret_key"`
	UsePathStyle bool   `mapstructure:"use_path_style"`
}

// BackupConfig holds snapshot destinations and retention
type BackupConfig struct {
	Dir  string   `mapstructure:"dir"`
	Keep int      `mapstructure:"keep"`
	S3   S3Config `mapstructure:"s3"`
}

// MaintenanceConfig holds cron schedules; an empty schedule disables the job
type MaintenanceConfig struct {
	CheckpointSchedule string `mapstructure:"checkpoint_schedule"`
	OptimizeSchedule   string `mapstructure:"optimize_schedule"`
	BackupSchedule     string `mapstructure:"backup_schedule"`
	HealthSchedule     string `mapstructure:"health_schedule"`
}

// ServerConfig holds listen addresses for the serve command
type ServerConfig struct {
	HealthAddr  string `mapstructure:"health_addr"`
	MetricsAddr string `mapstructure:"metrics_addr"`
}

// ImportConfig holds CSV import configuration
type ImportConfig struct {
	BatchSize int `mapstructure:"batch_size"`
}

// Config holds configuration for the cardvault command
type Config struct {
	BaseConfig  `mapstructure:",squash"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Search      SearchConfig      `mapstructure:"search"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Backup      BackupConfig      `mapstructure:"backup"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
	Server      ServerConfig      `mapstructure:"server"`
	Import      ImportConfig      `mapstructure:"import"`
}

// Load reads configuration from configFile (or config.yaml in the usual places), .env
// files under envPath and CARDVAULT_* environment variables, in increasing precedence.
func Load(configFile string, envPath string) (*Config, error) {
	v := configureViper(configFile, envPath)

	v.SetDefault("debug", false)
	v.SetDefault("database.path", "cardvault.db")
	v.SetDefault("database.busy_timeout", 5*time.Second)
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.skip_migrations", false)
	v.SetDefault("search.min_full_text_len", 3)
	v.SetDefault("search.default_limit", 50)
	v.SetDefault("cache.size", 1024)
	v.SetDefault("cache.ttl", 5*time.Minute)
	v.SetDefault("backup.dir", "backups")
	v.SetDefault("backup.keep", 7)
	v.SetDefault("backup.s3.region", "us-east-1")
	v.SetDefault("maintenance.checkpoint_schedule", "@every 15m")
	v.SetDefault("maintenance.optimize_schedule", "@daily")
	v.SetDefault("maintenance.backup_schedule", "@daily")
	v.SetDefault("maintenance.health_schedule", "@every 30s")
	v.SetDefault("server.health_addr", ":9090")
	v.SetDefault("server.metrics_addr", ":9091")
	v.SetDefault("import.batch_size", 500)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found, use environment variables
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if c.Backup.Keep < 0 {
		errs = append(errs, fmt.Errorf("backup.keep must be >= 0, got %d", c.Backup.Keep))
	}
	if c.Import.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("import.batch_size must be > 0, got %d", c.Import.BatchSize))
	}
	if c.Search.MinFullTextLen <= 0 {
		errs = append(errs, fmt.Errorf("search.min_full_text_len must be > 0, got %d", c.Search.MinFullTextLen))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func configureViper(configFile string, envPath string) *viper.Viper {
	v := viper.New()

	loadEnv(envPath)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("config/")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Unmarshal only sees env values for keys viper knows about.
	bindAllEnvVars(v)
	return v
}

func bindAllEnvVars(v *viper.Viper) {
	keys := []string{
		"debug",
		"sentry_dsn",
		"database.path",
		"database.busy_timeout",
		"database.max_open_conns",
		"database.skip_migrations",
		"search.min_full_text_len",
		"search.default_limit",
		"cache.size",
		"cache.ttl",
		"backup.dir",
		"backup.keep",
		"backup.s3.bucket",
		"backup.s3.prefix",
		"backup.s3.region",
		"backup.s3.endpoint",
		"backup.s3.access_key",
		"backup.s3.secret_key",
		"backup.s3.use_path_style",
		"maintenance.checkpoint_schedule",
		"maintenance.optimize_schedule",
		"maintenance.backup_schedule",
		"maintenance.health_schedule",
		"server.health_addr",
		"server.metrics_addr",
		"import.batch_size",
	}
	for _, key := range keys {
		_ = v.BindEnv(key)
	}
}

// loadEnv loads .env, .env.local and .env.cardvault.local from envPath (default
// config/), later files overriding earlier ones.
func loadEnv(envPath string) {
	if envPath == "" {
		envPath = "config/"
	}
	for _, envFile := range []string{".env", ".env.local", ".env." + service + ".local"} {
		_ = godotenv.Overload(filepath.Join(envPath, envFile))
	}
}
