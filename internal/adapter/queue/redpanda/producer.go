// Package redpanda provides the durable batch-job queue over
// Redpanda/Kafka.
//
// Jobs are produced transactionally and keyed by their deterministic
// job id; a Redis dedup window coalesces re-enqueues of the same id so
// a resumed ingest does not flood the topic with batches the workers
// already hold. Consumption is a transactional group session with an
// in-process worker pool and header-driven retry bookkeeping.
package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/fairyhunter13/woo-catalog-sync/internal/adapter/observability"
	"github.com/fairyhunter13/woo-catalog-sync/internal/domain"
)

const (
	// DefaultTopic is the batch-job topic unless configuration overrides it.
	DefaultTopic = "catalog.batch.jobs"

	headerJobID     = "job_id"
	headerFeedKey   = "feed_key"
	headerAttempts  = "attempts"
	headerNotBefore = "not_before"

	dedupPrefix = "dedup:"
	dedupTTL    = 24 * time.Hour

	topicPartitions  = int32(8)
	topicReplication = int16(1)
)

func dedupKey(jobID string) string { return dedupPrefix + jobID }

// Producer wraps a transactional Kafka producer and implements
// domain.Queue.
type Producer struct {
	client *kgo.Client
	rdb    *redis.Client
	topic  string
	// Serializes transactions; the client allows one at a time.
	transactionChan chan struct{}
}

// NewProducer constructs a Producer with exactly-once production
// semantics. rdb may be nil; dedup is then skipped and the queue relies
// on consumer-side idempotency alone.
func NewProducer(brokers []string, topic string, rdb *redis.Client) (*Producer, error) {
	return NewProducerWithTransactionalID(brokers, topic, rdb, "catalog-sync-producer")
}

// NewProducerWithTransactionalID constructs a Producer with a custom
// transactional ID. Tests use distinct ids to avoid fencing each other.
func NewProducerWithTransactionalID(brokers []string, topic string, rdb *redis.Client, transactionalID string) (*Producer, error) {
	slog.Info("creating redpanda producer",
		slog.Any("brokers", brokers),
		slog.String("topic", topic),
		slog.String("transactional_id", transactionalID))

	if len(brokers) == 0 {
		return nil, fmt.Errorf("at least one seed broker is required")
	}
	if topic == "" {
		topic = DefaultTopic
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.TransactionalID(transactionalID),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1000000),
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		slog.Error("redpanda client init failed", slog.Any("error", err))
		return nil, fmt.Errorf("create redpanda client: %w", err)
	}

	ctx := context.Background()
	if err := createTopicIfNotExists(ctx, client, topic, topicPartitions, topicReplication); err != nil {
		slog.Warn("topic create failed, assuming it exists",
			slog.String("topic", topic),
			slog.Any("error", err))
	}

	return &Producer{
		client:          client,
		rdb:             rdb,
		topic:           topic,
		transactionChan: make(chan struct{}, 1),
	}, nil
}

// Enqueue publishes one batch job. Re-enqueues of a job id inside the
// dedup window are suppressed and return nil: the id is deterministic,
// so the already-queued job covers the same rows.
func (p *Producer) Enqueue(ctx domain.Context, job domain.BatchJob) error {
	if err := job.Validate(); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}

	if p.rdb != nil {
		set, err := p.rdb.SetNX(ctx, dedupKey(job.JobID), 1, dedupTTL).Result()
		switch {
		case err != nil:
			// Dedup is an optimization; losing it must not lose work.
			slog.Warn("dedup check unavailable, enqueueing anyway",
				slog.String("job_id", job.JobID),
				slog.Any("error", err))
		case !set:
			slog.Info("duplicate job suppressed",
				slog.String("job_id", job.JobID),
				slog.String("feed_key", job.FeedKey))
			return nil
		}
	}

	b, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	select {
	case p.transactionChan <- struct{}{}:
		defer func() { <-p.transactionChan }()
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := p.client.BeginTransaction(); err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(job.JobID),
		Value: b,
		Headers: []kgo.RecordHeader{
			{Key: headerJobID, Value: []byte(job.JobID)},
			{Key: headerFeedKey, Value: []byte(job.FeedKey)},
			{Key: headerAttempts, Value: []byte("0")},
		},
	}

	e := kgo.AbortingFirstErrPromise(p.client)
	p.client.Produce(ctx, record, e.Promise())
	if err := e.Err(); err != nil {
		slog.Error("failed to produce job",
			slog.String("job_id", job.JobID),
			slog.String("topic", p.topic),
			slog.Any("error", err))
		if abortErr := p.client.EndTransaction(ctx, kgo.TryAbort); abortErr != nil {
			slog.Error("transaction abort failed", slog.Any("error", abortErr))
		}
		p.releaseDedup(ctx, job.JobID)
		return fmt.Errorf("produce: %w", err)
	}

	if err := p.client.EndTransaction(ctx, kgo.TryCommit); err != nil {
		p.releaseDedup(ctx, job.JobID)
		return fmt.Errorf("commit transaction: %w", err)
	}

	observability.EnqueueJob(job.FeedKey)
	slog.Info("batch job enqueued",
		slog.String("job_id", job.JobID),
		slog.String("feed_key", job.FeedKey),
		slog.Int("rows", len(job.Rows)),
		slog.String("topic", p.topic))
	return nil
}

// releaseDedup drops the dedup marker after a failed produce so the
// caller's retry is not silently swallowed.
func (p *Producer) releaseDedup(ctx context.Context, jobID string) {
	if p.rdb == nil {
		return
	}
	if err := p.rdb.Del(ctx, dedupKey(jobID)).Err(); err != nil {
		slog.Warn("failed to release dedup marker",
			slog.String("job_id", jobID), slog.Any("error", err))
	}
}

// Close releases the underlying Kafka client.
func (p *Producer) Close() error {
	if p.client != nil {
		p.client.Close()
	}
	return nil
}
