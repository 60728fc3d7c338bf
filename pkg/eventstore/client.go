// Package eventstore persists task events in an Elasticsearch index and
// serves the aggregations, scans, and conditional state transitions the
// workers and the API are built on.
package eventstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/llmbatch/llmbatch/pkg/config"
)

// IndexName is the single index holding all task events, keyed by message_id.
const IndexName = "events"

var (
	// ErrNotFound is returned when no event exists for a message_id.
	ErrNotFound = errors.New("event not found")

	// ErrConflict is returned when a conditional transition loses the race:
	// either the stored status does not match the expected prior status, or
	// the document changed between read and update.
	ErrConflict = errors.New("event transition conflict")
)

// indexMapping pins field types so that exact-match keys stay keywords and
// timestamps support range queries and date histograms. body, result, and
// source stay schemaless objects.
const indexMapping = `{
  "settings": {
    "number_of_replicas": 0,
    "number_of_shards": 1
  },
  "mappings": {
    "properties": {
      "batch_id": {"type": "keyword"},
      "message_id": {"type": "keyword"},
      "custom_id": {"type": "keyword"},
      "method": {"type": "keyword"},
      "url": {"type": "keyword"},
      "body": {"type": "object", "enabled": false},
      "body_hash": {"type": "keyword"},
      "result": {"type": "object", "enabled": false},
      "completions": {"type": "object", "enabled": false},
      "status": {"type": "keyword"},
      "created_at": {"type": "date"},
      "started_at": {"type": "date"},
      "completed_at": {"type": "date"},
      "duration": {"type": "long"},
      "prompt_tokens": {"type": "integer"},
      "completion_tokens": {"type": "integer"},
      "total_tokens": {"type": "integer"},
      "cached": {"type": "boolean"},
      "attempt": {"type": "integer"},
      "dataset": {"type": "keyword"},
      "source": {"type": "object", "enabled": false}
    }
  }
}`

// Client wraps the Elasticsearch client. One instance per process; safe for
// concurrent use.
type Client struct {
	es         *elasticsearch.Client
	scrollSize int
}

// NewClient connects to the event store and ensures the events index exists.
func NewClient(ctx context.Context, cfg config.EventStoreConfig) (*Client, error) {
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{cfg.Address()},
		Username:  cfg.User,
		Password:  cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create event store client: %w", err)
	}

	c := &Client{es: es, scrollSize: scrollChunkSize}
	if err := c.ensureIndex(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// NewClientFromES wraps an existing Elasticsearch client (useful for testing).
func NewClientFromES(es *elasticsearch.Client) *Client {
	return &Client{es: es, scrollSize: scrollChunkSize}
}

// WithScrollSize overrides the documents-per-page bound of export scans.
// Lets tests cross chunk boundaries without indexing tens of thousands of
// documents.
func (c *Client) WithScrollSize(n int) *Client {
	c.scrollSize = n
	return c
}

// EnsureIndex creates the events index if missing. Exposed for test setup.
func (c *Client) EnsureIndex(ctx context.Context) error {
	return c.ensureIndex(ctx)
}

func (c *Client) ensureIndex(ctx context.Context) error {
	res, err := c.es.Indices.Exists([]string{IndexName},
		c.es.Indices.Exists.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to check index %s: %w", IndexName, err)
	}
	defer drainAndClose(res)

	if res.StatusCode == 200 {
		return nil
	}

	createRes, err := c.es.Indices.Create(IndexName,
		c.es.Indices.Create.WithContext(ctx),
		c.es.Indices.Create.WithBody(strings.NewReader(indexMapping)))
	if err != nil {
		return fmt.Errorf("failed to create index %s: %w", IndexName, err)
	}
	defer drainAndClose(createRes)

	if createRes.IsError() {
		// Another replica may have won the race.
		if createRes.StatusCode == 400 {
			slog.Warn("Index already exists, continuing", "index", IndexName)
			return nil
		}
		return fmt.Errorf("failed to create index %s: %s", IndexName, createRes.String())
	}

	slog.Info("Created event index", "index", IndexName)
	return nil
}

// Health verifies the cluster responds.
func (c *Client) Health(ctx context.Context) error {
	res, err := c.es.Ping(c.es.Ping.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("event store unreachable: %w", err)
	}
	defer drainAndClose(res)

	if res.IsError() {
		return fmt.Errorf("event store ping failed: %s", res.Status())
	}
	return nil
}

// drainAndClose releases the response body so the transport can reuse the
// connection.
func drainAndClose(res *esapi.Response) {
	if res != nil && res.Body != nil {
		_, _ = io.Copy(io.Discard, res.Body)
		_ = res.Body.Close()
	}
}
