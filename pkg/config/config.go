// Package config loads process configuration from environment variables,
// optionally seeded from a .env file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates all subsystem configuration.
type Config struct {
	HTTPPort     string
	APISecretKey string

	Broker      BrokerConfig
	EventStore  EventStoreConfig
	ObjectStore ObjectStoreConfig
	Ingest      IngestConfig
	Executor    ExecutorConfig
}

// BrokerConfig holds RabbitMQ connection settings.
type BrokerConfig struct {
	Host string
	Port int
	User string
	Pass string

	// PublishConfirmTimeout bounds the wait for a publisher confirm.
	PublishConfirmTimeout time.Duration
	// ReconnectDelay is the pause between redial attempts.
	ReconnectDelay time.Duration
}

// URL renders the AMQP connection URI.
func (c BrokerConfig) URL() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%d/", c.User, c.Pass, c.Host, c.Port)
}

// EventStoreConfig holds Elasticsearch connection settings.
type EventStoreConfig struct {
	Host     string
	Port     int
	User     string
	Password string
}

// Address renders the node URL.
func (c EventStoreConfig) Address() string {
	return fmt.Sprintf("http://%s:%d", c.Host, c.Port)
}

// ObjectStoreConfig holds MinIO connection settings.
type ObjectStoreConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// IngestConfig controls the batch ingestion worker.
type IngestConfig struct {
	// ChunkSize is the number of JSONL lines indexed and published per chunk.
	ChunkSize int
	// MaxRetries bounds bulk-index and bulk-publish retry attempts.
	MaxRetries int
}

// ExecutorConfig controls the execution worker.
type ExecutorConfig struct {
	// MaxParallelTasks is the worker pool size; broker prefetch equals it.
	MaxParallelTasks int
	// MaxRetries bounds upstream invocation attempts.
	MaxRetries int
	// LLMTimeout is the hard per-task upstream timeout.
	LLMTimeout time.Duration
	// GracefulShutdownTimeout is the max time to drain in-flight tasks.
	GracefulShutdownTimeout time.Duration
}

// LoadEnvFile loads a .env file if present. Missing files are not an error;
// the process keeps the existing environment.
func LoadEnvFile(path string) {
	if err := godotenv.Load(path); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", path, "error", err)
		return
	}
	slog.Info("Loaded environment", "path", path)
}

// LoadFromEnv reads all configuration from the environment.
func LoadFromEnv() (*Config, error) {
	brokerPort, err := intEnv("RABBITMQ_PORT", 5672)
	if err != nil {
		return nil, err
	}
	esPort, err := intEnv("ELASTICSEARCH_PORT", 9200)
	if err != nil {
		return nil, err
	}
	chunkSize, err := intEnv("CHUNK_SIZE", 1000)
	if err != nil {
		return nil, err
	}
	maxRetries, err := intEnv("MAX_RETRIES", 3)
	if err != nil {
		return nil, err
	}
	maxParallel, err := intEnv("MAX_PARALLEL_TASKS", 200)
	if err != nil {
		return nil, err
	}
	llmTimeoutSecs, err := intEnv("LLM_TIMEOUT", 300)
	if err != nil {
		return nil, err
	}

	return &Config{
		HTTPPort:     getEnvOrDefault("HTTP_PORT", "8080"),
		APISecretKey: os.Getenv("API_SECRET_KEY"),
		Broker: BrokerConfig{
			Host:                  getEnvOrDefault("RABBITMQ_HOST", "localhost"),
			Port:                  brokerPort,
			User:                  getEnvOrDefault("RABBITMQ_USER", "guest"),
			Pass:                  getEnvOrDefault("RABBITMQ_PASS", "guest"),
			PublishConfirmTimeout: 30 * time.Second,
			ReconnectDelay:        5 * time.Second,
		},
		EventStore: EventStoreConfig{
			Host:     getEnvOrDefault("ELASTICSEARCH_HOST", "localhost"),
			Port:     esPort,
			User:     getEnvOrDefault("ELASTICSEARCH_USER", "elastic"),
			Password: getEnvOrDefault("ELASTICSEARCH_PASSWORD", "elastic"),
		},
		ObjectStore: ObjectStoreConfig{
			Endpoint:  getEnvOrDefault("MINIO_ENDPOINT", "localhost:9000"),
			AccessKey: getEnvOrDefault("MINIO_ROOT_USER", "minioadmin"),
			SecretKey: getEnvOrDefault("MINIO_ROOT_PASSWORD", "minioadmin"),
			Bucket:    getEnvOrDefault("MINIO_BUCKET_NAME", "batches"),
			UseSSL:    getEnvOrDefault("MINIO_USE_SSL", "false") == "true",
		},
		Ingest: IngestConfig{
			ChunkSize:  chunkSize,
			MaxRetries: maxRetries,
		},
		Executor: ExecutorConfig{
			MaxParallelTasks:        maxParallel,
			MaxRetries:              maxRetries,
			LLMTimeout:              time.Duration(llmTimeoutSecs) * time.Second,
			GracefulShutdownTimeout: 2 * time.Minute,
		},
	}, nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func intEnv(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}
