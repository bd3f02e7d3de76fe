package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/curate-ml/curate/internal/blob"
	"github.com/curate-ml/curate/internal/logging"
)

// Config represents the curate configuration
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Results  ResultsConfig  `mapstructure:"results"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Export   ExportConfig   `mapstructure:"export"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// DatabaseConfig represents the MongoDB connection
type DatabaseConfig struct {
	URI          string `mapstructure:"uri"`
	Name         string `mapstructure:"name"`
	Transactions bool   `mapstructure:"transactions"`
}

// ResultsConfig selects where run results are stored
type ResultsConfig struct {
	Backend string       `mapstructure:"backend"`
	Redis   RedisConfig  `mapstructure:"redis"`
	MinIO   MinIOConfig  `mapstructure:"minio"`
	GridFS  GridFSConfig `mapstructure:"gridfs"`
}

// RedisConfig represents the redis results backend
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// MinIOConfig represents the S3-compatible results backend
type MinIOConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// GridFSConfig represents the GridFS results backend
type GridFSConfig struct {
	Bucket string `mapstructure:"bucket"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ExportConfig represents export configuration
type ExportConfig struct {
	Workers int `mapstructure:"workers"`
}

// MetricsConfig represents metrics configuration
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// EnvPrefix prefixes every environment override, e.g. CURATE_DATABASE_URI
const EnvPrefix = "CURATE"

// Load loads the configuration from curate.yml or curate.yaml in dir,
// with CURATE_* environment variables taking precedence
func Load(dir string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("database.uri", "mongodb://localhost:27017")
	v.SetDefault("database.name", "curate")
	v.SetDefault("database.transactions", true)
	v.SetDefault("results.backend", string(blob.BackendGridFS))
	v.SetDefault("results.redis.addr", "localhost:6379")
	v.SetDefault("results.redis.password", "")
	v.SetDefault("results.redis.db", 0)
	v.SetDefault("results.redis.prefix", "curate:")
	v.SetDefault("results.minio.endpoint", "localhost:9000")
	v.SetDefault("results.minio.access_key", "")
	v.SetDefault("results.minio.secret_key", "")
	v.SetDefault("results.minio.bucket", "curate-results")
	v.SetDefault("results.minio.use_ssl", false)
	v.SetDefault("results.gridfs.bucket", "results")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("export.workers", 4)
	v.SetDefault("metrics.enabled", false)

	v.SetConfigName("curate")
	v.SetConfigType("yaml")
	if dir == "" {
		dir = "."
	}
	v.AddConfigPath(dir)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found - use defaults
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate validates the configuration
func Validate(cfg *Config) error {
	if cfg.Database.URI == "" {
		return fmt.Errorf("database.uri must not be empty")
	}
	if cfg.Database.Name == "" {
		return fmt.Errorf("database.name must not be empty")
	}

	switch blob.Backend(cfg.Results.Backend) {
	case blob.BackendGridFS, blob.BackendRedis, blob.BackendMinIO, blob.BackendMemory:
	default:
		return fmt.Errorf("results.backend must be one of gridfs, redis, minio, memory, got: %s", cfg.Results.Backend)
	}
	if blob.Backend(cfg.Results.Backend) == blob.BackendMinIO && cfg.Results.MinIO.Bucket == "" {
		return fmt.Errorf("results.minio.bucket must be set for the minio backend")
	}

	if cfg.Export.Workers <= 0 {
		return fmt.Errorf("export.workers must be positive, got: %d", cfg.Export.Workers)
	}

	switch logging.Level(cfg.Logging.Level) {
	case logging.Debug, logging.Info, logging.Warning, logging.Error:
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error, got: %s", cfg.Logging.Level)
	}
	if f := cfg.Logging.Format; f != "json" && f != "console" {
		return fmt.Errorf("logging.format must be json or console, got: %s", f)
	}
	return nil
}

// BlobConfig converts the results section for blob.Open
func (c *Config) BlobConfig() blob.Config {
	return blob.Config{
		Backend: blob.Backend(c.Results.Backend),
		Redis: blob.RedisConfig{
			Addr:     c.Results.Redis.Addr,
			Password: c.Results.Redis.Password,
			DB:       c.Results.Redis.DB,
			Prefix:   c.Results.Redis.Prefix,
		},
		MinIO: blob.MinIOConfig{
			Endpoint:  c.Results.MinIO.Endpoint,
			AccessKey: c.Results.MinIO.AccessKey,
			SecretKey: c.Results.MinIO.SecretKey,
			Bucket:    c.Results.MinIO.Bucket,
			UseSSL:    c.Results.MinIO.UseSSL,
		},
		GridFS: blob.GridFSConfig{Bucket: c.Results.GridFS.Bucket},
	}
}

// LoggerConfig converts the logging section for logging.New
func (c *Config) LoggerConfig() logging.Config {
	return logging.Config{
		Level:  logging.Level(c.Logging.Level),
		Format: c.Logging.Format,
	}
}

// FindConfigDir walks up from the working directory to the nearest
// directory holding curate.yml or curate.yaml. It returns the working
// directory when none is found.
func FindConfigDir() (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for dir := wd; ; {
		for _, name := range []string{"curate.yml", "curate.yaml"} {
			if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
				return dir, nil
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return wd, nil
		}
		dir = parent
	}
}
