package eventstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/elastic/go-elasticsearch/v8/esutil"

	"github.com/llmbatch/llmbatch/pkg/models"
)

// searchHit is the envelope of one search or get result.
type searchHit struct {
	ID          string          `json:"_id"`
	SeqNo       *int64          `json:"_seq_no"`
	PrimaryTerm *int64          `json:"_primary_term"`
	Found       bool            `json:"found"`
	Source      json.RawMessage `json:"_source"`
}

// searchResponse is the envelope of a search result.
type searchResponse struct {
	ScrollID string `json:"_scroll_id"`
	Hits     struct {
		Total struct {
			Value int `json:"value"`
		} `json:"total"`
		Hits []searchHit `json:"hits"`
	} `json:"hits"`
	Aggregations map[string]json.RawMessage `json:"aggregations"`
}

// CreatePendingBulk indexes new PENDING events in one bulk request, keyed on
// message_id. The write uses a refresh barrier so the batch is listable as
// soon as ingestion reports success. Indexing is an upsert by id: repeating
// the same message_ids (broker redelivery) rewrites identical documents
// instead of duplicating them.
func (c *Client) CreatePendingBulk(ctx context.Context, events []*models.Event) error {
	if len(events) == 0 {
		return nil
	}

	var buf bytes.Buffer
	for _, ev := range events {
		meta := map[string]any{
			"index": map[string]any{"_index": IndexName, "_id": ev.MessageID},
		}
		if err := json.NewEncoder(&buf).Encode(meta); err != nil {
			return fmt.Errorf("failed to encode bulk action: %w", err)
		}
		if err := json.NewEncoder(&buf).Encode(ev); err != nil {
			return fmt.Errorf("failed to encode event %s: %w", ev.MessageID, err)
		}
	}

	res, err := c.es.Bulk(&buf,
		c.es.Bulk.WithContext(ctx),
		c.es.Bulk.WithIndex(IndexName),
		c.es.Bulk.WithRefresh("true"))
	if err != nil {
		return fmt.Errorf("bulk index failed: %w", err)
	}
	defer drainAndClose(res)

	if res.IsError() {
		return fmt.Errorf("bulk index failed: %s", res.String())
	}

	var bulkRes struct {
		Errors bool `json:"errors"`
		Items  []map[string]struct {
			Status int `json:"status"`
			Error  *struct {
				Type   string `json:"type"`
				Reason string `json:"reason"`
			} `json:"error"`
		} `json:"items"`
	}
	if err := json.NewDecoder(res.Body).Decode(&bulkRes); err != nil {
		return fmt.Errorf("failed to decode bulk response: %w", err)
	}
	if bulkRes.Errors {
		for _, item := range bulkRes.Items {
			for _, r := range item {
				if r.Error != nil {
					return fmt.Errorf("bulk index item failed: %s: %s", r.Error.Type, r.Error.Reason)
				}
			}
		}
		return fmt.Errorf("bulk index reported errors")
	}
	return nil
}

// Get fetches a single event by message_id.
func (c *Client) Get(ctx context.Context, messageID string) (*models.Event, error) {
	ev, _, _, err := c.getWithVersion(ctx, messageID)
	return ev, err
}

// getWithVersion fetches an event along with the sequence number and primary
// term needed for compare-and-set updates.
func (c *Client) getWithVersion(ctx context.Context, messageID string) (*models.Event, int64, int64, error) {
	res, err := c.es.Get(IndexName, messageID,
		c.es.Get.WithContext(ctx))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("failed to get event %s: %w", messageID, err)
	}
	defer drainAndClose(res)

	if res.StatusCode == 404 {
		return nil, 0, 0, ErrNotFound
	}
	if res.IsError() {
		return nil, 0, 0, fmt.Errorf("failed to get event %s: %s", messageID, res.String())
	}

	var hit searchHit
	if err := json.NewDecoder(res.Body).Decode(&hit); err != nil {
		return nil, 0, 0, fmt.Errorf("failed to decode event %s: %w", messageID, err)
	}
	if !hit.Found {
		return nil, 0, 0, ErrNotFound
	}

	var ev models.Event
	if err := json.Unmarshal(hit.Source, &ev); err != nil {
		return nil, 0, 0, fmt.Errorf("failed to unmarshal event %s: %w", messageID, err)
	}

	var seqNo, primaryTerm int64
	if hit.SeqNo != nil {
		seqNo = *hit.SeqNo
	}
	if hit.PrimaryTerm != nil {
		primaryTerm = *hit.PrimaryTerm
	}
	return &ev, seqNo, primaryTerm, nil
}

// Transition performs a conditional state update: the stored status must
// equal fromExpected or ErrConflict is returned. The update is guarded with
// the document's sequence number, so a concurrent writer also surfaces as
// ErrConflict. Execution-path updates skip the refresh barrier.
func (c *Client) Transition(ctx context.Context, messageID string, fromExpected, to models.TaskStatus, patch *models.EventPatch) error {
	ev, seqNo, primaryTerm, err := c.getWithVersion(ctx, messageID)
	if err != nil {
		return err
	}
	if ev.Status != fromExpected {
		return fmt.Errorf("%w: status is %s, expected %s", ErrConflict, ev.Status, fromExpected)
	}

	doc := map[string]any{"status": to}
	if patch != nil {
		applyPatch(doc, patch)
	}

	body := map[string]any{"doc": doc}
	res, err := c.es.Update(IndexName, messageID, esutil.NewJSONReader(body),
		c.es.Update.WithContext(ctx),
		c.es.Update.WithIfSeqNo(int(seqNo)),
		c.es.Update.WithIfPrimaryTerm(int(primaryTerm)),
		c.es.Update.WithRefresh("false"))
	if err != nil {
		return fmt.Errorf("failed to update event %s: %w", messageID, err)
	}
	defer drainAndClose(res)

	switch {
	case res.StatusCode == 404:
		return ErrNotFound
	case res.StatusCode == 409:
		return fmt.Errorf("%w: concurrent update of %s", ErrConflict, messageID)
	case res.IsError():
		return fmt.Errorf("failed to update event %s: %s", messageID, res.String())
	}
	return nil
}

func applyPatch(doc map[string]any, patch *models.EventPatch) {
	if patch.StartedAt != nil {
		doc["started_at"] = patch.StartedAt.UTC().Format(time.RFC3339Nano)
	}
	if patch.CompletedAt != nil {
		doc["completed_at"] = patch.CompletedAt.UTC().Format(time.RFC3339Nano)
	}
	if patch.Duration != nil {
		doc["duration"] = *patch.Duration
	}
	if patch.Result != nil {
		doc["result"] = patch.Result
	}
	if patch.Completions != nil {
		doc["completions"] = patch.Completions
	}
	if patch.PromptTokens != nil {
		doc["prompt_tokens"] = *patch.PromptTokens
	}
	if patch.CompletionTokens != nil {
		doc["completion_tokens"] = *patch.CompletionTokens
	}
	if patch.TotalTokens != nil {
		doc["total_tokens"] = *patch.TotalTokens
	}
	if patch.Cached != nil {
		doc["cached"] = *patch.Cached
	}
	if patch.Attempt != nil {
		doc["attempt"] = *patch.Attempt
	}
}

// FindCachedCompletion returns the earliest completed, non-cached event with
// the given body hash, or nil when the cache has no entry.
func (c *Client) FindCachedCompletion(ctx context.Context, bodyHash string) (*models.Event, error) {
	query := map[string]any{
		"query": map[string]any{
			"bool": map[string]any{
				"must": []any{
					map[string]any{"term": map[string]any{"status": models.StatusCompleted}},
					map[string]any{"term": map[string]any{"body_hash": bodyHash}},
					map[string]any{"term": map[string]any{"cached": false}},
				},
			},
		},
		"sort": []any{map[string]any{"created_at": map[string]any{"order": "asc"}}},
		"size": 1,
	}

	res, err := c.es.Search(
		c.es.Search.WithContext(ctx),
		c.es.Search.WithIndex(IndexName),
		c.es.Search.WithBody(esutil.NewJSONReader(query)))
	if err != nil {
		return nil, fmt.Errorf("cache lookup failed: %w", err)
	}
	defer drainAndClose(res)

	if res.IsError() {
		return nil, fmt.Errorf("cache lookup failed: %s", res.String())
	}

	var sr searchResponse
	if err := json.NewDecoder(res.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("failed to decode cache lookup: %w", err)
	}
	if len(sr.Hits.Hits) == 0 {
		return nil, nil
	}

	var ev models.Event
	if err := json.Unmarshal(sr.Hits.Hits[0].Source, &ev); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached event: %w", err)
	}
	return &ev, nil
}

// Delete removes a single event. The refresh barrier makes the deletion
// visible to subsequent queries immediately.
func (c *Client) Delete(ctx context.Context, messageID string) error {
	res, err := c.es.Delete(IndexName, messageID,
		c.es.Delete.WithContext(ctx),
		c.es.Delete.WithRefresh("true"))
	if err != nil {
		return fmt.Errorf("failed to delete event %s: %w", messageID, err)
	}
	defer drainAndClose(res)

	if res.StatusCode == 404 {
		return ErrNotFound
	}
	if res.IsError() {
		return fmt.Errorf("failed to delete event %s: %s", messageID, res.String())
	}
	return nil
}

// DeleteByBatch removes every event of a batch and returns the number of
// deleted documents. Deleting all members implicitly destroys the batch.
func (c *Client) DeleteByBatch(ctx context.Context, batchID string) (int, error) {
	query := map[string]any{
		"query": map[string]any{"term": map[string]any{"batch_id": batchID}},
	}

	res, err := c.es.DeleteByQuery([]string{IndexName}, esutil.NewJSONReader(query),
		c.es.DeleteByQuery.WithContext(ctx),
		c.es.DeleteByQuery.WithRefresh(true))
	if err != nil {
		return 0, fmt.Errorf("failed to delete batch %s: %w", batchID, err)
	}
	defer drainAndClose(res)

	if res.IsError() {
		return 0, fmt.Errorf("failed to delete batch %s: %s", batchID, res.String())
	}

	var dr struct {
		Deleted int `json:"deleted"`
	}
	if err := json.NewDecoder(res.Body).Decode(&dr); err != nil {
		return 0, fmt.Errorf("failed to decode delete response: %w", err)
	}
	if dr.Deleted == 0 {
		return 0, ErrNotFound
	}
	return dr.Deleted, nil
}
