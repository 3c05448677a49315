package conf

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/lk2023060901/file-vault-backend/internal/pkg/database"
	"github.com/lk2023060901/file-vault-backend/internal/pkg/logger"
	"github.com/lk2023060901/file-vault-backend/internal/pkg/minio"
	"github.com/lk2023060901/file-vault-backend/internal/pkg/workerpool"
)

type Config struct {
	Server   ServerConfig      `mapstructure:"server"`
	Database database.Config   `mapstructure:"database"`
	Redis    RedisConfig       `mapstructure:"redis"`
	MinIO    MinIOConfig       `mapstructure:"minio"`
	Log      logger.Config     `mapstructure:"log"`
	Upload   UploadConfig      `mapstructure:"upload"`
	Worker   workerpool.Config `mapstructure:"worker"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type MinIOConfig struct {
	minio.Config `mapstructure:",squash"`

	Bucket string `mapstructure:"bucket"`
}

type UploadConfig struct {
	MaxFileSize    int64         `mapstructure:"max_file_size"`    // 单文件大小上限（字节）
	MaxBatchFiles  int           `mapstructure:"max_batch_files"`  // 批量上传文件数上限
	PresignExpiry  time.Duration `mapstructure:"presign_expiry"`   // 下载链接有效期
	StatsCacheTTL  time.Duration `mapstructure:"stats_cache_ttl"`  // 统计缓存有效期
	RetryAttempts  int           `mapstructure:"retry_attempts"`   // 繁忙重试次数
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"` // 重试基础退避
}

func LoadConfig(path string) (*Config, error) {
	viper.SetConfigFile(path)
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)

	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.sslmode", "disable")

	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)

	viper.SetDefault("minio.bucket", "file-vault")

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "json")
	viper.SetDefault("log.output", "console")

	viper.SetDefault("upload.max_file_size", 100<<20)
	viper.SetDefault("upload.max_batch_files", 20)
	viper.SetDefault("upload.presign_expiry", time.Hour)
	viper.SetDefault("upload.stats_cache_ttl", time.Minute)
	viper.SetDefault("upload.retry_attempts", 3)
	viper.SetDefault("upload.retry_base_delay", 500*time.Millisecond)

	viper.SetDefault("worker.workers", 32)
	viper.SetDefault("worker.queue_size", 256)
}

func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
