package redpanda

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/fairyhunter13/woo-catalog-sync/internal/adapter/observability"
	"github.com/fairyhunter13/woo-catalog-sync/internal/domain"
	obsctx "github.com/fairyhunter13/woo-catalog-sync/internal/observability"
)

// deferInlineMax bounds how long a delivery blocks its worker slot
// waiting for a not-before time; anything longer is pushed back to the
// topic instead.
const deferInlineMax = 5 * time.Second

// Consumer drives batch-job deliveries through a transactional group
// session. Each delivery runs the handler under the policy timeout;
// failed deliveries are republished with incremented attempts and a
// not-before header, atomically with the offset commit.
type Consumer struct {
	session     *kgo.GroupTransactSession
	topic       string
	groupID     string
	handler     domain.JobHandler
	policy      domain.DeliveryPolicy
	events      domain.EventSink
	concurrency int
}

// NewConsumer constructs a Consumer with exactly-once offset/republish
// semantics. sink may be nil.
func NewConsumer(brokers []string, groupID, topic string, concurrency int, policy domain.DeliveryPolicy, handler domain.JobHandler, sink domain.EventSink) (*Consumer, error) {
	return NewConsumerWithTransactionalID(brokers, groupID, "catalog-sync-consumer", topic, concurrency, policy, handler, sink)
}

// NewConsumerWithTransactionalID constructs a Consumer with a custom
// transactional ID. Tests use distinct ids to avoid fencing each other.
func NewConsumerWithTransactionalID(brokers []string, groupID, transactionalID, topic string, concurrency int, policy domain.DeliveryPolicy, handler domain.JobHandler, sink domain.EventSink) (*Consumer, error) {
	slog.Info("creating redpanda consumer",
		slog.Any("brokers", brokers),
		slog.String("group_id", groupID),
		slog.String("topic", topic),
		slog.String("transactional_id", transactionalID))

	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}
	if groupID == "" {
		return nil, fmt.Errorf("missing required group ID")
	}
	if handler == nil {
		return nil, fmt.Errorf("missing job handler")
	}
	if topic == "" {
		topic = DefaultTopic
	}
	if concurrency < 1 {
		concurrency = 1
	}

	ctx := context.Background()
	tempClient, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("temp client: %w", err)
	}
	defer tempClient.Close()
	if err := createTopicIfNotExists(ctx, tempClient, topic, topicPartitions, topicReplication); err != nil {
		slog.Warn("failed to create topic, it may already exist",
			slog.String("topic", topic),
			slog.Any("error", err))
	}

	kotelTracer := kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider()))
	kotelService := kotel.NewKotel(kotel.WithTracer(kotelTracer))

	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.TransactionalID(transactionalID),
		kgo.FetchIsolationLevel(kgo.ReadCommitted()),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(topic),
		kgo.RequireStableFetchOffsets(),
		kgo.WithHooks(kotelService.Hooks()...),

		kgo.DialTimeout(10 * time.Second),
		kgo.SessionTimeout(30 * time.Second),
		kgo.HeartbeatInterval(3 * time.Second),
		kgo.RebalanceTimeout(10 * time.Second),
		kgo.FetchMaxWait(5 * time.Second),
		kgo.FetchMaxBytes(10 * 1024 * 1024),
	}

	session, err := kgo.NewGroupTransactSession(opts...)
	if err != nil {
		return nil, fmt.Errorf("redpanda transactional session: %w", err)
	}

	return &Consumer{
		session:     session,
		topic:       topic,
		groupID:     groupID,
		handler:     handler,
		policy:      policy,
		events:      sink,
		concurrency: concurrency,
	}, nil
}

// Start consumes until ctx is cancelled or the session is closed.
func (c *Consumer) Start(ctx context.Context) error {
	slog.Info("starting queue consumer",
		slog.String("group_id", c.groupID),
		slog.String("topic", c.topic),
		slog.Int("concurrency", c.concurrency))

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		fetches := c.session.PollFetches(ctx)
		if fetches.IsClientClosed() {
			slog.Info("queue consumer session closed")
			return nil
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			fatal := false
			for _, fe := range errs {
				if errors.Is(fe.Err, context.Canceled) || errors.Is(fe.Err, context.DeadlineExceeded) {
					fatal = fatal || ctx.Err() != nil
					continue
				}
				slog.Error("fetch error",
					slog.String("topic", fe.Topic),
					slog.Int("partition", int(fe.Partition)),
					slog.Any("error", fe.Err))
			}
			if fatal {
				return ctx.Err()
			}
			time.Sleep(time.Second)
			continue
		}
		if fetches.NumRecords() == 0 {
			continue
		}

		c.session.Begin()
		republish := c.processFetches(ctx, fetches)

		aborted := false
		for _, rec := range republish {
			if err := c.session.ProduceSync(ctx, rec).FirstErr(); err != nil {
				slog.Error("failed to republish job, aborting batch",
					slog.String("job_id", headerValue(rec, headerJobID)),
					slog.Any("error", err))
				aborted = true
				break
			}
		}
		try := kgo.TryCommit
		if aborted {
			// Abort rolls the whole fetch back; every record redelivers.
			try = kgo.TryAbort
		}
		if _, err := c.session.End(ctx, try); err != nil {
			slog.Error("transaction end failed, batch will redeliver", slog.Any("error", err))
		}
	}
}

// processFetches runs deliveries through the worker pool and collects
// records that need republishing.
func (c *Consumer) processFetches(ctx context.Context, fetches kgo.Fetches) []*kgo.Record {
	var (
		mu        sync.Mutex
		republish []*kgo.Record
	)
	g := &errgroup.Group{}
	g.SetLimit(c.concurrency)
	fetches.EachRecord(func(rec *kgo.Record) {
		g.Go(func() error {
			if out := c.processRecord(ctx, rec); out != nil {
				mu.Lock()
				republish = append(republish, out)
				mu.Unlock()
			}
			return nil
		})
	})
	_ = g.Wait()
	return republish
}

// processRecord handles one delivery. A non-nil return is a record to
// republish inside the batch transaction: either a retry with bumped
// bookkeeping or an unmodified push-back of a not-yet-due delivery.
func (c *Consumer) processRecord(ctx context.Context, rec *kgo.Record) *kgo.Record {
	attempts := headerInt(rec, headerAttempts)
	if notBefore, ok := headerTime(rec, headerNotBefore); ok {
		wait := time.Until(notBefore)
		if wait > deferInlineMax {
			observability.JobEvent("deferred")
			c.emit(domain.BatchJob{JobID: string(rec.Key)}, domain.JobStateWaiting, attempts, nil)
			return pushBack(c.topic, rec)
		}
		if wait > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return pushBack(c.topic, rec)
			}
		}
	}

	var job domain.BatchJob
	if err := json.Unmarshal(rec.Value, &job); err != nil {
		slog.Error("malformed job payload, dropping",
			slog.String("key", string(rec.Key)),
			slog.Int64("offset", rec.Offset),
			slog.Any("error", err))
		observability.JobEvent("malformed")
		c.emit(domain.BatchJob{JobID: string(rec.Key)}, domain.JobStateFailed, attempts, err)
		return nil
	}
	if err := job.Validate(); err != nil {
		slog.Error("invalid job, dropping",
			slog.String("job_id", job.JobID),
			slog.Any("error", err))
		observability.JobEvent("malformed")
		c.emit(job, domain.JobStateFailed, attempts, err)
		return nil
	}

	lg := obsctx.LoggerFromContext(ctx).With(
		slog.String("job_id", job.JobID),
		slog.String("feed_key", job.FeedKey),
		slog.Int("attempt", attempts+1),
		slog.Int("rows", len(job.Rows)))
	ctx = obsctx.ContextWithLogger(ctx, lg)

	observability.JobEvent("active")
	observability.JobsProcessing.Inc()
	defer observability.JobsProcessing.Dec()
	c.emit(job, domain.JobStateActive, attempts, nil)

	hctx, cancel := context.WithTimeout(ctx, c.policy.Timeout)
	err := c.handler(hctx, job)
	cancel()

	if err == nil {
		lg.Info("job completed")
		observability.JobEvent("completed")
		c.emit(job, domain.JobStateCompleted, attempts, nil)
		return nil
	}

	if errors.Is(err, domain.ErrInvalidArgument) {
		lg.Error("job failed on invalid input, not retrying", slog.Any("error", err))
		observability.JobEvent("failed")
		c.emit(job, domain.JobStateFailed, attempts, err)
		return nil
	}

	if c.policy.Exhausted(attempts) {
		lg.Error("job permanently failed, attempts exhausted", slog.Any("error", err))
		observability.JobEvent("failed")
		c.emit(job, domain.JobStateFailed, attempts, err)
		return nil
	}

	delay := c.policy.NextDelay(attempts)
	lg.Warn("job attempt failed, scheduling retry",
		slog.Duration("delay", delay),
		slog.Any("error", err))
	observability.JobEvent("retry")
	c.emit(job, domain.JobStateError, attempts, err)
	return retryRecord(c.topic, rec, job, attempts+1, time.Now().Add(delay))
}

func (c *Consumer) emit(job domain.BatchJob, state domain.JobState, attempt int, err error) {
	if c.events != nil {
		c.events(job, state, attempt, err)
	}
}

// Close closes the underlying session; an in-flight Start returns once
// polling observes the closure.
func (c *Consumer) Close() error {
	if c.session != nil {
		c.session.Close()
	}
	return nil
}

// pushBack clones a delivery unchanged so it can be re-queued behind
// the current batch.
func pushBack(topic string, rec *kgo.Record) *kgo.Record {
	return &kgo.Record{
		Topic:   topic,
		Key:     rec.Key,
		Value:   rec.Value,
		Headers: rec.Headers,
	}
}

// retryRecord builds the redelivery clone with bumped attempts and the
// not-before gate.
func retryRecord(topic string, rec *kgo.Record, job domain.BatchJob, attempts int, notBefore time.Time) *kgo.Record {
	return &kgo.Record{
		Topic: topic,
		Key:   rec.Key,
		Value: rec.Value,
		Headers: []kgo.RecordHeader{
			{Key: headerJobID, Value: []byte(job.JobID)},
			{Key: headerFeedKey, Value: []byte(job.FeedKey)},
			{Key: headerAttempts, Value: []byte(strconv.Itoa(attempts))},
			{Key: headerNotBefore, Value: []byte(notBefore.UTC().Format(time.RFC3339Nano))},
		},
	}
}

func headerValue(rec *kgo.Record, key string) string {
	for _, h := range rec.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func headerInt(rec *kgo.Record, key string) int {
	v := headerValue(rec, key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func headerTime(rec *kgo.Record, key string) (time.Time, bool) {
	v := headerValue(rec, key)
	if v == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
