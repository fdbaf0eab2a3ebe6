//go:build integration

package redpanda

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	tc "github.com/testcontainers/testcontainers-go"

	"github.com/fairyhunter13/woo-catalog-sync/internal/domain"
)

// isDockerAvailable reports whether testcontainers can run here. CI
// runners without Docker skip the broker-backed tests.
func isDockerAvailable() bool {
	if os.Getenv("CI") == "true" || os.Getenv("GITHUB_ACTIONS") == "true" {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: tc.ContainerRequest{Image: "hello-world"},
		Started:          false,
	})
	return err == nil
}

// startRedpanda leases a pooled broker for one test.
func startRedpanda(t *testing.T) BrokerLease {
	t.Helper()
	if !isDockerAvailable() {
		t.Skip("Docker not available, skipping broker test")
	}
	lease, err := leaseBroker(t)
	if err != nil {
		t.Skipf("pooled broker unavailable: %v", err)
	}
	t.Cleanup(func() { sharedBrokers.release(lease) })
	return lease
}

func uniqueName(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

func TestQueue_ProduceConsume_EndToEnd(t *testing.T) {
	broker := startRedpanda(t)
	rdb, _ := testRedis(t)
	topic := uniqueName("catalog.batch.jobs.it")

	producer, err := NewProducerWithTransactionalID([]string{broker.Addr}, topic, rdb, uniqueName("producer"))
	if err != nil {
		t.Fatalf("new producer: %v", err)
	}
	defer func() { _ = producer.Close() }()

	handled := make(chan domain.BatchJob, 1)
	consumer, err := NewConsumerWithTransactionalID(
		[]string{broker.Addr}, uniqueName("group"), uniqueName("consumer"), topic,
		2, domain.DefaultDeliveryPolicy(),
		func(_ context.Context, job domain.BatchJob) error {
			handled <- job
			return nil
		}, nil)
	if err != nil {
		t.Fatalf("new consumer: %v", err)
	}
	defer func() { _ = consumer.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()
	go func() { _ = consumer.Start(ctx) }()

	job := testJob(t)
	if err := producer.Enqueue(ctx, job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	// Same id again inside the dedup window: silent no-op.
	if err := producer.Enqueue(ctx, job); err != nil {
		t.Fatalf("duplicate enqueue: %v", err)
	}

	select {
	case got := <-handled:
		if got.JobID != job.JobID || got.FeedKey != job.FeedKey || len(got.Rows) != len(job.Rows) {
			t.Fatalf("delivered job does not match: %+v", got)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for delivery")
	}

	// The duplicate must not surface as a second delivery.
	select {
	case got := <-handled:
		t.Fatalf("unexpected second delivery: %+v", got)
	case <-time.After(5 * time.Second):
	}
}

func TestQueue_RetryUntilSuccess(t *testing.T) {
	broker := startRedpanda(t)
	rdb, _ := testRedis(t)
	topic := uniqueName("catalog.batch.jobs.retry")

	producer, err := NewProducerWithTransactionalID([]string{broker.Addr}, topic, rdb, uniqueName("producer"))
	if err != nil {
		t.Fatalf("new producer: %v", err)
	}
	defer func() { _ = producer.Close() }()

	var attempts int32
	succeeded := make(chan int32, 1)
	policy := domain.DeliveryPolicy{
		MaxAttempts:  4,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
		Timeout:      30 * time.Second,
	}
	consumer, err := NewConsumerWithTransactionalID(
		[]string{broker.Addr}, uniqueName("group"), uniqueName("consumer"), topic,
		1, policy,
		func(_ context.Context, _ domain.BatchJob) error {
			n := atomic.AddInt32(&attempts, 1)
			if n < 3 {
				return fmt.Errorf("transient failure %d", n)
			}
			succeeded <- n
			return nil
		}, nil)
	if err != nil {
		t.Fatalf("new consumer: %v", err)
	}
	defer func() { _ = consumer.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()
	go func() { _ = consumer.Start(ctx) }()

	if err := producer.Enqueue(ctx, testJob(t)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	select {
	case n := <-succeeded:
		if n != 3 {
			t.Fatalf("expected success on third attempt, got %d", n)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for retried delivery, attempts=%d", atomic.LoadInt32(&attempts))
	}
}

// TestMain tears the container pool down after the run.
func TestMain(m *testing.M) {
	code := m.Run()
	sharedBrokers.shutdown()
	os.Exit(code)
}
