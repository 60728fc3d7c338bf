package eventstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/elastic/go-elasticsearch/v8/esutil"

	"github.com/llmbatch/llmbatch/pkg/models"
)

const (
	// scrollChunkSize is the default bound on documents per scroll page.
	scrollChunkSize = 10000
	// scrollKeepAlive is the cursor lifetime between Next calls.
	scrollKeepAlive = 2 * time.Minute
)

func batchTasksQuery(batchID string, status *models.TaskStatus) map[string]any {
	must := []any{
		map[string]any{"term": map[string]any{"batch_id": batchID}},
	}
	if status != nil {
		must = append(must, map[string]any{"term": map[string]any{"status": *status}})
	}
	return map[string]any{"bool": map[string]any{"must": must}}
}

// ListTasks returns one bounded page of a batch's events, newest first.
func (c *Client) ListTasks(ctx context.Context, batchID string, status *models.TaskStatus, page, pageSize int) (*models.TaskPage, error) {
	query := map[string]any{
		"query":            batchTasksQuery(batchID, status),
		"sort":             []any{map[string]any{"created_at": map[string]any{"order": "desc"}}},
		"from":             (page - 1) * pageSize,
		"size":             pageSize,
		"track_total_hits": true,
	}

	sr, err := c.search(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("task listing failed for batch %s: %w", batchID, err)
	}

	tasks, err := decodeHits(sr.Hits.Hits)
	if err != nil {
		return nil, err
	}
	return &models.TaskPage{
		Tasks:    tasks,
		Total:    sr.Hits.Total.Value,
		Page:     page,
		PageSize: pageSize,
	}, nil
}

// TaskScroll is a restartable cursor over a batch's events. Chunks arrive
// newest first in pages bounded by the client's scroll size. The cursor
// must be
// released with Close on every exit path, including abandonment.
type TaskScroll struct {
	client   *Client
	scrollID string
	total    int
	done     bool
	closed   bool
}

// ScrollTasks opens a scroll cursor over a batch's events, optionally
// filtered by status.
func (c *Client) ScrollTasks(ctx context.Context, batchID string, status *models.TaskStatus) (*TaskScroll, []*models.Event, error) {
	query := map[string]any{
		"query":            batchTasksQuery(batchID, status),
		"sort":             []any{map[string]any{"created_at": map[string]any{"order": "desc"}}},
		"size":             c.scrollSize,
		"track_total_hits": true,
	}

	res, err := c.es.Search(
		c.es.Search.WithContext(ctx),
		c.es.Search.WithIndex(IndexName),
		c.es.Search.WithScroll(scrollKeepAlive),
		c.es.Search.WithBody(esutil.NewJSONReader(query)))
	if err != nil {
		return nil, nil, fmt.Errorf("scroll open failed for batch %s: %w", batchID, err)
	}
	defer drainAndClose(res)

	if res.IsError() {
		return nil, nil, fmt.Errorf("scroll open failed for batch %s: %s", batchID, res.String())
	}

	var sr searchResponse
	if err := json.NewDecoder(res.Body).Decode(&sr); err != nil {
		return nil, nil, fmt.Errorf("failed to decode scroll response: %w", err)
	}

	tasks, err := decodeHits(sr.Hits.Hits)
	if err != nil {
		return nil, nil, err
	}

	scroll := &TaskScroll{
		client:   c,
		scrollID: sr.ScrollID,
		total:    sr.Hits.Total.Value,
		done:     len(tasks) == 0,
	}
	return scroll, tasks, nil
}

// Total is the match count at cursor-open time.
func (s *TaskScroll) Total() int {
	return s.total
}

// Next fetches the next chunk. A nil slice means the scan is exhausted.
func (s *TaskScroll) Next(ctx context.Context) ([]*models.Event, error) {
	if s.done {
		return nil, nil
	}

	res, err := s.client.es.Scroll(
		s.client.es.Scroll.WithContext(ctx),
		s.client.es.Scroll.WithScrollID(s.scrollID),
		s.client.es.Scroll.WithScroll(scrollKeepAlive))
	if err != nil {
		return nil, fmt.Errorf("scroll advance failed: %w", err)
	}
	defer drainAndClose(res)

	if res.IsError() {
		return nil, fmt.Errorf("scroll advance failed: %s", res.String())
	}

	var sr searchResponse
	if err := json.NewDecoder(res.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("failed to decode scroll response: %w", err)
	}
	if sr.ScrollID != "" {
		s.scrollID = sr.ScrollID
	}

	tasks, err := decodeHits(sr.Hits.Hits)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		s.done = true
		return nil, nil
	}
	return tasks, nil
}

// Close releases the server-side cursor. Safe to call more than once.
func (s *TaskScroll) Close(ctx context.Context) {
	if s.closed || s.scrollID == "" {
		return
	}
	s.closed = true

	body := map[string]any{"scroll_id": []string{s.scrollID}}
	res, err := s.client.es.ClearScroll(
		s.client.es.ClearScroll.WithContext(ctx),
		s.client.es.ClearScroll.WithBody(esutil.NewJSONReader(body)))
	if err != nil {
		slog.Warn("Failed to clear scroll cursor", "error", err)
		return
	}
	drainAndClose(res)
}

func decodeHits(hits []searchHit) ([]*models.Event, error) {
	events := make([]*models.Event, 0, len(hits))
	for _, h := range hits {
		var ev models.Event
		if err := json.Unmarshal(h.Source, &ev); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event %s: %w", h.ID, err)
		}
		events = append(events, &ev)
	}
	return events, nil
}
