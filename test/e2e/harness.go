// Package e2e boots the full pipeline against real backing services and a
// scripted upstream, and drives it over HTTP.
package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	elastic "github.com/elastic/go-elasticsearch/v8"
	"github.com/stretchr/testify/require"

	"github.com/llmbatch/llmbatch/pkg/api"
	"github.com/llmbatch/llmbatch/pkg/broker"
	"github.com/llmbatch/llmbatch/pkg/config"
	"github.com/llmbatch/llmbatch/pkg/eventstore"
	"github.com/llmbatch/llmbatch/pkg/executor"
	"github.com/llmbatch/llmbatch/pkg/ingest"
	"github.com/llmbatch/llmbatch/pkg/llm"
	"github.com/llmbatch/llmbatch/pkg/models"
	"github.com/llmbatch/llmbatch/pkg/objectstore"
	"github.com/llmbatch/llmbatch/pkg/services"
	"github.com/llmbatch/llmbatch/test/util"
)

const testSecret = "e2e-secret"

// TestApp is one complete llmbatch instance wired to shared containers and
// a scripted upstream server.
type TestApp struct {
	Store    *eventstore.Client
	Upstream *httptest.Server
	BaseURL  string

	t       *testing.T
	httpSrv *httptest.Server
	client  *http.Client
}

// StartApp boots ingestion, execution and the HTTP API. upstream serves the
// task invocations; maxRetries is the per-task attempt budget.
func StartApp(t *testing.T, upstream http.Handler, maxRetries int) *TestApp {
	t.Helper()
	ctx := context.Background()

	es, err := elastic.NewClient(util.ElasticsearchConfig(t))
	require.NoError(t, err)
	store := eventstore.NewClientFromES(es)
	require.NoError(t, store.EnsureIndex(ctx))

	brokerCfg := util.BrokerConfig(t)
	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	brokerClient, err := broker.Connect(connectCtx, brokerCfg)
	require.NoError(t, err)
	require.NoError(t, brokerClient.DeclareQueues(broker.QueueBatchJobs, broker.QueueTasks))
	t.Cleanup(func() { _ = brokerClient.Close() })

	blobs, err := objectstore.NewClient(ctx, util.ObjectStoreConfig(t))
	require.NoError(t, err)

	publisher, err := broker.NewPublisher(brokerClient)
	require.NoError(t, err)
	t.Cleanup(func() { _ = publisher.Close() })

	upstreamSrv := httptest.NewServer(upstream)
	t.Cleanup(upstreamSrv.Close)

	proc := ingest.NewProcessor(store, publisher, blobs, 1000, 3)
	ingestWorker := ingest.NewWorker(brokerClient, proc, brokerCfg.ReconnectDelay)
	ingestWorker.Start()
	t.Cleanup(ingestWorker.Stop)

	upstreamClient := llm.NewClient(maxRetries, 30*time.Second).
		WithRetryInterval(50*time.Millisecond, 200*time.Millisecond)
	pool := executor.NewPool(brokerClient, executor.NewExecutor(store, upstreamClient),
		config.ExecutorConfig{
			MaxParallelTasks:        20,
			MaxRetries:              maxRetries,
			LLMTimeout:              30 * time.Second,
			GracefulShutdownTimeout: 10 * time.Second,
		}, brokerCfg.ReconnectDelay)
	pool.Start()
	t.Cleanup(pool.Stop)

	server := api.NewServer(testSecret,
		services.NewBatchService(store, blobs, publisher),
		services.NewTaskService(store, publisher),
		brokerClient.Health, store.Health)
	httpSrv := httptest.NewServer(server.Handler())
	t.Cleanup(httpSrv.Close)

	return &TestApp{
		Store:    store,
		Upstream: upstreamSrv,
		BaseURL:  httpSrv.URL,
		t:        t,
		httpSrv:  httpSrv,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

// EchoUpstream is a well-behaved upstream: echoes the request body and
// reports fixed token usage.
func EchoUpstream() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"echo": body,
			"usage": map[string]any{
				"prompt_tokens":     10,
				"completion_tokens": 20,
				"total_tokens":      30,
			},
		})
	})
}

// Do performs an authenticated request against the API.
func (a *TestApp) Do(method, path string, body io.Reader, contentType string) *http.Response {
	a.t.Helper()
	req, err := http.NewRequest(method, a.BaseURL+path, body)
	require.NoError(a.t, err)
	req.Header.Set("Authorization", "Bearer "+testSecret)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := a.client.Do(req)
	require.NoError(a.t, err)
	return resp
}

// GetJSON performs a GET and decodes the response into out. Returns the
// status code.
func (a *TestApp) GetJSON(path string, out any) int {
	a.t.Helper()
	resp := a.Do(http.MethodGet, path, nil, "")
	defer func() { _ = resp.Body.Close() }()
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(a.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

// UploadBatch posts a JSONL file built from lines and returns the receipt.
func (a *TestApp) UploadBatch(batchID string, lines ...string) *services.UploadReceipt {
	a.t.Helper()

	buf := &strings.Builder{}
	w := multipart.NewWriter(buf)
	fw, err := w.CreateFormFile("file", "tasks.jsonl")
	require.NoError(a.t, err)
	_, err = fw.Write([]byte(strings.Join(lines, "\n") + "\n"))
	require.NoError(a.t, err)
	require.NoError(a.t, w.Close())

	path := "/api/v1/batches"
	if batchID != "" {
		path += "?batch_id=" + batchID
	}
	resp := a.Do(http.MethodPost, path, strings.NewReader(buf.String()), w.FormDataContentType())
	defer func() { _ = resp.Body.Close() }()
	require.Equal(a.t, http.StatusOK, resp.StatusCode)

	var receipt services.UploadReceipt
	require.NoError(a.t, json.NewDecoder(resp.Body).Decode(&receipt))
	return &receipt
}

// TaskLine renders one JSONL submission targeting the scripted upstream.
func (a *TestApp) TaskLine(customID, prompt string) string {
	line, err := json.Marshal(map[string]any{
		"custom_id": customID,
		"method":    http.MethodPost,
		"url":       a.Upstream.URL,
		"body":      map[string]any{"model": "test-model", "prompt": prompt},
	})
	require.NoError(a.t, err)
	return string(line)
}

// WaitForBatch polls the batch rollup until cond holds.
func (a *TestApp) WaitForBatch(batchID string, cond func(*models.BatchStats) bool) *models.BatchStats {
	a.t.Helper()
	var last *models.BatchStats
	require.Eventually(a.t, func() bool {
		var stats models.BatchStats
		if code := a.GetJSON("/api/v1/batches/"+batchID, &stats); code != http.StatusOK {
			return false
		}
		last = &stats
		return cond(&stats)
	}, 60*time.Second, 500*time.Millisecond,
		"batch %s did not reach the expected state, last: %+v", batchID, last)
	return last
}

// BatchTasks fetches every task of a batch in one page.
func (a *TestApp) BatchTasks(batchID string) []*models.Event {
	a.t.Helper()
	var page models.TaskPage
	code := a.GetJSON(fmt.Sprintf("/api/v1/batches/%s/tasks?page_size=1000", batchID), &page)
	require.Equal(a.t, http.StatusOK, code)
	return page.Tasks
}
