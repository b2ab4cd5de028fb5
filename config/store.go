package config

import (
	"sync"
)

var (
	redisOnce   sync.Once
	redisConfig *RedisConfig

	objectStoreOnce   sync.Once
	objectStoreConfig *ObjectStoreConfig
)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// GetRedisConfig loads the durable store configuration once.
func GetRedisConfig() *RedisConfig {
	redisOnce.Do(func() {
		loadEnv()

		redisConfig = &RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		}
	})
	return redisConfig
}

// ObjectStoreConfig selects and configures the page-preview backend.
// Backend "" disables preview uploads.
type ObjectStoreConfig struct {
	Backend string // "", "minio" or "s3"

	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioUseSSL    bool
	MinioRegion    string
	MinioBucket    string

	S3Bucket    string
	S3Region    string
	S3AccessKey string
	S3SecretKey string
}

// GetObjectStoreConfig loads the preview storage configuration once.
func GetObjectStoreConfig() *ObjectStoreConfig {
	objectStoreOnce.Do(func() {
		loadEnv()

		objectStoreConfig = &ObjectStoreConfig{
			Backend: getEnv("PREVIEW_STORE_BACKEND", ""),

			MinioEndpoint:  getEnv("MINIO_ENDPOINT", ""),
			MinioAccessKey: getEnv("MINIO_ACCESS_KEY", ""),
			MinioSecretKey: getEnv("MINIO_SECRET_KEY", ""),
			MinioUseSSL:    getEnvBool("MINIO_USE_SSL", false),
			MinioRegion:    getEnv("MINIO_REGION", ""),
			MinioBucket:    getEnv("MINIO_BUCKET_NAME", "ocr-previews"),

			S3Bucket:    getEnv("AWS_S3_BUCKET_NAME", ""),
			S3Region:    getEnv("AWS_REGION", ""),
			S3AccessKey: getEnv("AWS_ACCESS_KEY", ""),
			S3SecretKey: getEnv("AWS_SECRET_KEY", ""),
		}
	})
	return objectStoreConfig
}
