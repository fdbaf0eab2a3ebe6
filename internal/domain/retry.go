// Package domain defines delivery and retry entities for the durable
// batch-job queue.
package domain

import (
	"time"
)

// JobState is the queue-visible lifecycle state of a batch job.
type JobState string

const (
	// JobStateWaiting indicates the job is enqueued and not yet picked up.
	JobStateWaiting JobState = "waiting"
	// JobStateActive indicates a worker is processing the job.
	JobStateActive JobState = "active"
	// JobStateCompleted indicates the job was acknowledged.
	JobStateCompleted JobState = "completed"
	// JobStateError indicates an attempt failed and a retry is pending.
	JobStateError JobState = "error"
	// JobStateFailed indicates attempts are exhausted; terminal.
	JobStateFailed JobState = "failed"
)

// EventSink receives job lifecycle transitions. attempt is zero-based;
// err is non-nil only for error and failed states. The job may carry
// only its id when the payload could not be decoded.
type EventSink func(job BatchJob, state JobState, attempt int, err error)

// DeliveryPolicy defines queue-level retry behavior for batch jobs.
type DeliveryPolicy struct {
	// MaxAttempts is the total number of deliveries before a job is
	// terminally failed.
	MaxAttempts int
	// InitialDelay is the delay before the first redelivery.
	InitialDelay time.Duration
	// MaxDelay caps the delay between redeliveries.
	MaxDelay time.Duration
	// Multiplier is the exponential backoff multiplier.
	Multiplier float64
	// Timeout bounds the processing time of a single delivery.
	Timeout time.Duration
}

// DefaultDeliveryPolicy returns the standard policy: five attempts,
// exponential backoff starting at five seconds, three-minute handler
// timeout.
func DefaultDeliveryPolicy() DeliveryPolicy {
	return DeliveryPolicy{
		MaxAttempts:  5,
		InitialDelay: 5 * time.Second,
		MaxDelay:     2 * time.Minute,
		Multiplier:   2.0,
		Timeout:      3 * time.Minute,
	}
}

// NextDelay returns the backoff before redelivering attempt+1. attempt
// is zero-based, so the first redelivery waits InitialDelay.
func (p DeliveryPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := p.InitialDelay
	for i := 0; i < attempt; i++ {
		d = time.Duration(float64(d) * p.Multiplier)
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Exhausted reports whether a job that just finished zero-based attempt
// has no deliveries left.
func (p DeliveryPolicy) Exhausted(attempt int) bool {
	return attempt+1 >= p.MaxAttempts
}
