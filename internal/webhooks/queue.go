// Package webhooks is the durable inbound queue. Ingest only persists; a
// worker pool hands jobs to a Handler one source at a time, retries failures
// with exponential backoff and dead-letters jobs that keep failing.
package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"chainflow/internal/logging"
	"chainflow/internal/metrics"
	"chainflow/internal/repository"
	"chainflow/pkg/models"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-Webhook-Signature"

var (
	// ErrInvalidPayload is returned by Ingest for bodies that are not JSON.
	ErrInvalidPayload = errors.New("payload is not valid JSON")
	// ErrBadSignature is returned by Ingest when a secret is configured and
	// the signature is missing or wrong.
	ErrBadSignature = errors.New("invalid webhook signature")
)

// Handler processes one job. A returned error counts as a failed attempt.
type Handler interface {
	HandleJob(ctx context.Context, job *models.WebhookJob) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job *models.WebhookJob) error

// HandleJob calls f.
func (f HandlerFunc) HandleJob(ctx context.Context, job *models.WebhookJob) error { return f(ctx, job) }

// Config tunes the worker pool.
type Config struct {
	Workers           int
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	PollInterval      time.Duration
	VisibilityTimeout time.Duration
	// Secret enables signature verification when set.
	Secret string
}

func (c *Config) setDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = 5 * time.Minute
	}
}

// Queue ingests and processes inbound webhook jobs.
type Queue struct {
	store   repository.WebhookStore
	handler Handler
	cfg     Config
	logger  *logging.Logger
	now     func() time.Time

	signal chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewQueue creates a new Queue.
func NewQueue(store repository.WebhookStore, handler Handler, cfg Config, logger *logging.Logger) *Queue {
	cfg.setDefaults()
	return &Queue{
		store:   store,
		handler: handler,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		signal:  make(chan struct{}, cfg.Workers),
	}
}

// WithClock overrides the queue's clock.
func (q *Queue) WithClock(now func() time.Time) *Queue {
	q.now = now
	return q
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (q *Queue) verify(body []byte, signature string) error {
	if q.cfg.Secret == "" {
		return nil
	}
	got, ok := strings.CutPrefix(signature, "sha256=")
	if !ok {
		return ErrBadSignature
	}
	sig, err := hex.DecodeString(got)
	if err != nil {
		return ErrBadSignature
	}
	mac := hmac.New(sha256.New, []byte(q.cfg.Secret))
	mac.Write(body)
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return ErrBadSignature
	}
	return nil
}

// Ingest persists payload as a queued job and returns without processing it.
func (q *Queue) Ingest(ctx context.Context, sourceID string, payload []byte, signature string) (*models.WebhookJob, error) {
	if err := q.verify(payload, signature); err != nil {
		return nil, err
	}
	if !json.Valid(payload) {
		return nil, ErrInvalidPayload
	}
	now := q.now().UTC()
	job := &models.WebhookJob{
		ID:          uuid.NewString(),
		SourceID:    sourceID,
		Payload:     append(json.RawMessage(nil), payload...),
		Status:      models.WebhookQueued,
		ReceivedAt:  now,
		AvailableAt: now,
	}
	if err := q.store.EnqueueJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to enqueue webhook: %w", err)
	}
	metrics.RecordWebhookIngested(sourceID)
	q.notify()
	return job, nil
}

// notify wakes an idle worker, if any.
func (q *Queue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Start launches the workers and the visibility reaper.
func (q *Queue) Start(ctx context.Context) {
	ctx, q.cancel = context.WithCancel(ctx)
	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.work(ctx)
	}
	q.wg.Add(1)
	go q.reap(ctx)
	q.logger.Info("webhook workers started", "workers", q.cfg.Workers)
}

// Stop stops the workers and waits for in-flight jobs.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
}

func (q *Queue) work(ctx context.Context) {
	defer q.wg.Done()
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		for ctx.Err() == nil {
			processed, err := q.ProcessNext(ctx)
			if err != nil {
				q.logger.Error("webhook worker error", "error", err)
				break
			}
			if !processed {
				break
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-q.signal:
		case <-ticker.C:
		}
	}
}

// ProcessNext claims and handles one job. It reports false when no job was
// runnable.
func (q *Queue) ProcessNext(ctx context.Context) (bool, error) {
	job, err := q.store.ClaimNextJob(ctx, q.now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to claim webhook job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := q.handle(ctx, job); err != nil {
		return true, q.fail(ctx, job, err)
	}
	if err := q.store.CompleteJob(ctx, job.ID, q.now().UTC()); err != nil {
		return true, fmt.Errorf("failed to complete job %s: %w", job.ID, err)
	}
	metrics.RecordWebhookJob("done")
	return true, nil
}

func (q *Queue) handle(ctx context.Context, job *models.WebhookJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return q.handler.HandleJob(ctx, job)
}

func (q *Queue) fail(ctx context.Context, job *models.WebhookJob, cause error) error {
	attempts := job.Attempts + 1
	now := q.now().UTC()
	if attempts >= q.cfg.MaxAttempts {
		if err := q.store.BuryJob(ctx, job.ID, attempts, cause.Error(), now); err != nil {
			return fmt.Errorf("failed to bury job %s: %w", job.ID, err)
		}
		metrics.RecordWebhookJob("dead")
		q.logger.Error("webhook job dead-lettered", "job_id", job.ID, "source_id", job.SourceID,
			"attempt", attempts, "error", cause)
		return nil
	}

	delay := q.Backoff(attempts)
	if err := q.store.RetryJob(ctx, job.ID, attempts, cause.Error(), now.Add(delay)); err != nil {
		return fmt.Errorf("failed to retry job %s: %w", job.ID, err)
	}
	metrics.RecordWebhookJob("retried")
	q.logger.Warn("webhook job failed, will retry", "job_id", job.ID, "source_id", job.SourceID,
		"attempt", attempts, "retry_in", delay, "error", cause)
	return nil
}

// Backoff is the delay before retrying a job that failed attempts times:
// InitialBackoff doubled per earlier failure, capped at MaxBackoff.
func (q *Queue) Backoff(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = q.cfg.InitialBackoff
	b.MaxInterval = q.cfg.MaxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	delay := b.InitialInterval
	for i := 0; i < attempts; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

// reap returns jobs whose worker died mid-processing to the queue.
func (q *Queue) reap(ctx context.Context) {
	defer q.wg.Done()
	ticker := time.NewTicker(q.cfg.VisibilityTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := q.RequeueStale(ctx); err != nil {
				q.logger.Error("failed to requeue stale webhook jobs", "error", err)
			}
		}
	}
}

// RequeueStale returns jobs locked longer than the visibility timeout to
// the queue.
func (q *Queue) RequeueStale(ctx context.Context) (int, error) {
	n, err := q.store.RequeueStaleJobs(ctx, q.now().UTC().Add(-q.cfg.VisibilityTimeout))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.logger.Warn("requeued stale webhook jobs", "count", n)
		q.notify()
	}
	return n, nil
}

// ListDead lists dead-lettered jobs, oldest first.
func (q *Queue) ListDead(ctx context.Context, limit int) ([]*models.WebhookJob, error) {
	return q.store.ListJobs(ctx, models.WebhookDead, limit)
}

// Requeue moves a dead job back to the queue with its attempts reset.
func (q *Queue) Requeue(ctx context.Context, id string) error {
	if err := q.store.RequeueDeadJob(ctx, id, q.now().UTC()); err != nil {
		return err
	}
	q.logger.Info("webhook job requeued", "job_id", id)
	q.notify()
	return nil
}

// Stats counts jobs by status.
func (q *Queue) Stats(ctx context.Context) (models.WebhookStats, error) {
	counts, err := q.store.CountJobsByStatus(ctx)
	if err != nil {
		return models.WebhookStats{}, fmt.Errorf("failed to count webhook jobs: %w", err)
	}
	return models.WebhookStats{
		Queued:     counts[models.WebhookQueued],
		Processing: counts[models.WebhookProcessing],
		Dead:       counts[models.WebhookDead],
	}, nil
}
