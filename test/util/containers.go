// Package util provides shared test infrastructure: one container per
// backing service, started once per package and reused by every test.
// CI can point the suite at external services via CI_* env vars instead.
package util

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	elastic "github.com/elastic/go-elasticsearch/v8"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcelastic "github.com/testcontainers/testcontainers-go/modules/elasticsearch"
	tcminio "github.com/testcontainers/testcontainers-go/modules/minio"
	tcrabbit "github.com/testcontainers/testcontainers-go/modules/rabbitmq"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/llmbatch/llmbatch/pkg/config"
)

var (
	esOnce   sync.Once
	esConfig elastic.Config
	esErr    error

	rabbitOnce   sync.Once
	rabbitConfig config.BrokerConfig
	rabbitErr    error

	minioOnce   sync.Once
	minioConfig config.ObjectStoreConfig
	minioErr    error
)

// ElasticsearchConfig returns a client config for the shared Elasticsearch.
// Local runs start a single-node container; CI sets CI_ELASTICSEARCH_URL.
func ElasticsearchConfig(t *testing.T) elastic.Config {
	t.Helper()
	esOnce.Do(func() {
		if addr := os.Getenv("CI_ELASTICSEARCH_URL"); addr != "" {
			t.Log("Using external Elasticsearch from CI_ELASTICSEARCH_URL")
			esConfig = elastic.Config{
				Addresses: []string{addr},
				Username:  os.Getenv("CI_ELASTICSEARCH_USER"),
				Password:  os.Getenv("CI_ELASTICSEARCH_PASSWORD"),
			}
			return
		}

		ctx := context.Background()
		t.Log("Starting shared Elasticsearch testcontainer")
		container, err := tcelastic.Run(ctx,
			"docker.elastic.co/elasticsearch/elasticsearch:8.17.1")
		if err != nil {
			esErr = fmt.Errorf("failed to start elasticsearch container: %w", err)
			return
		}
		esConfig = elastic.Config{
			Addresses: []string{container.Settings.Address},
			Username:  "elastic",
			Password:  container.Settings.Password,
			CACert:    container.Settings.CACert,
		}
	})
	require.NoError(t, esErr, "failed to set up Elasticsearch")
	return esConfig
}

// BrokerConfig returns connection settings for the shared RabbitMQ.
func BrokerConfig(t *testing.T) config.BrokerConfig {
	t.Helper()
	rabbitOnce.Do(func() {
		if raw := os.Getenv("CI_RABBITMQ_URL"); raw != "" {
			t.Log("Using external RabbitMQ from CI_RABBITMQ_URL")
			rabbitConfig, rabbitErr = parseAMQPURL(raw)
			return
		}

		ctx := context.Background()
		t.Log("Starting shared RabbitMQ testcontainer")
		container, err := tcrabbit.Run(ctx,
			"rabbitmq:3.13-management-alpine",
			tcrabbit.WithAdminUsername("guest"),
			tcrabbit.WithAdminPassword("guest"),
		)
		if err != nil {
			rabbitErr = fmt.Errorf("failed to start rabbitmq container: %w", err)
			return
		}
		amqpURL, err := container.AmqpURL(ctx)
		if err != nil {
			rabbitErr = fmt.Errorf("failed to get rabbitmq url: %w", err)
			return
		}
		rabbitConfig, rabbitErr = parseAMQPURL(amqpURL)
	})
	require.NoError(t, rabbitErr, "failed to set up RabbitMQ")
	return rabbitConfig
}

// ObjectStoreConfig returns connection settings for the shared MinIO.
func ObjectStoreConfig(t *testing.T) config.ObjectStoreConfig {
	t.Helper()
	minioOnce.Do(func() {
		if endpoint := os.Getenv("CI_MINIO_ENDPOINT"); endpoint != "" {
			t.Log("Using external MinIO from CI_MINIO_ENDPOINT")
			minioConfig = config.ObjectStoreConfig{
				Endpoint:  endpoint,
				AccessKey: os.Getenv("CI_MINIO_ACCESS_KEY"),
				SecretKey: os.Getenv("CI_MINIO_SECRET_KEY"),
				Bucket:    "batches-test",
			}
			return
		}

		ctx := context.Background()
		t.Log("Starting shared MinIO testcontainer")
		container, err := tcminio.Run(ctx,
			"minio/minio:RELEASE.2024-01-16T16-07-38Z",
			tcminio.WithUsername("minioadmin"),
			tcminio.WithPassword("minioadmin"),
			testcontainers.WithWaitStrategy(
				wait.ForHTTP("/minio/health/ready").WithPort("9000/tcp").
					WithStartupTimeout(60*time.Second)),
		)
		if err != nil {
			minioErr = fmt.Errorf("failed to start minio container: %w", err)
			return
		}
		endpoint, err := container.ConnectionString(ctx)
		if err != nil {
			minioErr = fmt.Errorf("failed to get minio endpoint: %w", err)
			return
		}
		minioConfig = config.ObjectStoreConfig{
			Endpoint:  endpoint,
			AccessKey: "minioadmin",
			SecretKey: "minioadmin",
			Bucket:    "batches-test",
		}
	})
	require.NoError(t, minioErr, "failed to set up MinIO")
	return minioConfig
}

// parseAMQPURL splits an amqp:// URL into broker settings.
func parseAMQPURL(raw string) (config.BrokerConfig, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return config.BrokerConfig{}, fmt.Errorf("invalid amqp url: %w", err)
	}
	port := 5672
	if p := u.Port(); p != "" {
		if port, err = strconv.Atoi(p); err != nil {
			return config.BrokerConfig{}, fmt.Errorf("invalid amqp port: %w", err)
		}
	}
	pass, _ := u.User.Password()
	return config.BrokerConfig{
		Host:                  u.Hostname(),
		Port:                  port,
		User:                  u.User.Username(),
		Pass:                  pass,
		PublishConfirmTimeout: 30 * time.Second,
		ReconnectDelay:        time.Second,
	}, nil
}
