package data

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lk2023060901/file-vault-backend/internal/conf"
	filedata "github.com/lk2023060901/file-vault-backend/internal/file/data"
	"github.com/lk2023060901/file-vault-backend/internal/pkg/database"
	"github.com/lk2023060901/file-vault-backend/internal/pkg/logger"
	"github.com/lk2023060901/file-vault-backend/internal/pkg/minio"
)

// Data holds all external resource clients
type Data struct {
	DB          *database.DB
	RedisClient *redis.Client
	MinIOClient *minio.Client
	Logger      *zap.Logger
}

// NewData initializes all external resources and returns a cleanup function
func NewData(config *conf.Config, log *logger.Logger) (*Data, func(), error) {
	// Initialize PostgreSQL
	db, err := database.New(&config.Database, log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to init database: %w", err)
	}

	if err := db.AutoMigrate(&filedata.FilePO{}); err != nil {
		return nil, nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	// Initialize Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr:     config.Redis.Addr(),
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	// Initialize MinIO and ensure the bucket exists
	minioClient, err := minio.NewClient(&config.MinIO.Config, log.Logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to init minio: %w", err)
	}
	if err := minioClient.EnsureBucket(ctx, config.MinIO.Bucket); err != nil {
		return nil, nil, fmt.Errorf("failed to ensure bucket %s: %w", config.MinIO.Bucket, err)
	}

	d := &Data{
		DB:          db,
		RedisClient: redisClient,
		MinIOClient: minioClient,
		Logger:      log.Logger,
	}

	cleanup := func() {
		log.Info("cleaning up data resources")

		if err := db.Close(); err != nil {
			log.Warn("failed to close database", zap.Error(err))
		}
		if err := redisClient.Close(); err != nil {
			log.Warn("failed to close redis client", zap.Error(err))
		}
	}

	return d, cleanup, nil
}
