// Package retry computes backoff for failed mutation records.
//
// A record that fails with a retryable error is rescheduled at
//
//	now + min(BaseDelay * 2^attempts, MaxDelay) + jitter
//
// where jitter is bounded by JitterFactor so that records queued during an
// outage do not all retry at the same instant after a reconnect. After
// MaxAttempts attempts the record is dead-lettered instead. Permanent
// failures never consult the scheduler.
package retry
