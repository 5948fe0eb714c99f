// Package transform notifies the downstream analytics job runner that campaign
// data is ready to be rebuilt.
package transform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/splax/aicwd/internal/domain"
)

const statusTriggered = "triggered"

// Job is the payload handed to the job runner.
type Job struct {
	CampaignID  string    `json:"campaign_id,omitempty"`
	TriggeredAt time.Time `json:"triggered_at"`
}

// Noop acknowledges every trigger without contacting anything.
type Noop struct {
	now func() time.Time
}

// NewNoop returns a trigger that only produces receipts.
func NewNoop() *Noop {
	return &Noop{now: time.Now}
}

// Schedule returns a triggered receipt.
func (n *Noop) Schedule(_ context.Context, campaignID string) (domain.TransformReceipt, error) {
	return receipt(campaignID, n.now()), nil
}

// Webhook posts each job as JSON to a job runner URL.
type Webhook struct {
	url  string
	http *http.Client
	now  func() time.Time
}

// NewWebhook constructs a Webhook trigger.
func NewWebhook(url string, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Webhook{url: strings.TrimSpace(url), http: &http.Client{Timeout: timeout}, now: time.Now}
}

// Schedule posts the job and reports non-2xx answers as errors.
func (w *Webhook) Schedule(ctx context.Context, campaignID string) (domain.TransformReceipt, error) {
	job := Job{CampaignID: campaignID, TriggeredAt: w.now().UTC()}
	payload, err := json.Marshal(job)
	if err != nil {
		return domain.TransformReceipt{}, fmt.Errorf("transform: encode job: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return domain.TransformReceipt{}, fmt.Errorf("transform: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.http.Do(req)
	if err != nil {
		return domain.TransformReceipt{}, fmt.Errorf("transform: request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.TransformReceipt{}, fmt.Errorf("transform: unexpected status %d", resp.StatusCode)
	}
	return receipt(campaignID, job.TriggeredAt), nil
}

type listPusher interface {
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
}

// Queue pushes each job onto a Redis list consumed by the job runner.
type Queue struct {
	client listPusher
	key    string
	now    func() time.Time
}

// NewQueue constructs a Redis list trigger.
func NewQueue(client *redis.Client, key string) *Queue {
	if key == "" {
		key = "aicwd:transform:jobs"
	}
	return &Queue{client: client, key: key, now: time.Now}
}

// Schedule LPUSHes the encoded job.
func (q *Queue) Schedule(ctx context.Context, campaignID string) (domain.TransformReceipt, error) {
	job := Job{CampaignID: campaignID, TriggeredAt: q.now().UTC()}
	payload, err := json.Marshal(job)
	if err != nil {
		return domain.TransformReceipt{}, fmt.Errorf("transform: encode job: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, payload).Err(); err != nil {
		return domain.TransformReceipt{}, fmt.Errorf("transform: push job: %w", err)
	}
	return receipt(campaignID, job.TriggeredAt), nil
}

func receipt(campaignID string, at time.Time) domain.TransformReceipt {
	return domain.TransformReceipt{Status: statusTriggered, CampaignID: campaignID, TriggeredAt: at.UTC()}
}
