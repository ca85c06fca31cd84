// Package gateway defines the boundary to the remote authoritative store.
//
// A Gateway submits one mutation and classifies the outcome. It never
// retries: retry timing belongs to the mutation log and its scheduler.
package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/casesync/internal/mutation"
	"github.com/roach88/casesync/internal/payload"
)

// Status classifies the outcome of a submission.
type Status int

const (
	// StatusSuccess means the remote applied the mutation.
	StatusSuccess Status = iota + 1

	// StatusRetryable is a transient failure: network, timeout or 5xx.
	StatusRetryable

	// StatusPermanent means the remote will never accept the mutation.
	StatusPermanent

	// StatusBackpressure means the remote asked the client to slow down.
	// The drain stops and the record is retried later.
	StatusBackpressure
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "Success"
	case StatusRetryable:
		return "RetryableFailure"
	case StatusPermanent:
		return "PermanentFailure"
	case StatusBackpressure:
		return "Backpressure"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Request is one mutation with every local reference already resolved.
type Request struct {
	EntityType mutation.EntityType
	Action     mutation.Action
	Payload    payload.Object

	// RemoteID is the entity's own remote id. Empty for Create.
	RemoteID string

	// IdempotencyKey is stable across retries of the same record.
	IdempotencyKey string
}

// Result is the classified outcome of Submit.
type Result struct {
	// RemoteID is the canonical id assigned by the remote, set on a
	// successful Create.
	RemoteID   string
	Status     Status
	Reason     string
	RetryAfter time.Duration
}

// Gateway submits mutations to the remote store.
type Gateway interface {
	Submit(ctx context.Context, req Request) Result
}

// Success builds a successful result.
func Success(remoteID string) Result {
	return Result{Status: StatusSuccess, RemoteID: remoteID}
}

// Retryable builds a transient failure result.
func Retryable(reason string) Result {
	return Result{Status: StatusRetryable, Reason: reason}
}

// Permanent builds a permanent failure result.
func Permanent(reason string) Result {
	return Result{Status: StatusPermanent, Reason: reason}
}

// Backpressure builds a rate-limit result.
func Backpressure(reason string, retryAfter time.Duration) Result {
	return Result{Status: StatusBackpressure, Reason: reason, RetryAfter: retryAfter}
}

// Err converts a failed result into the matching mutation error.
// Returns nil for StatusSuccess.
func (r Result) Err() error {
	switch r.Status {
	case StatusSuccess:
		return nil
	case StatusRetryable, StatusBackpressure:
		return &mutation.RetryableRemoteError{Reason: r.Reason, RetryAfter: r.RetryAfter}
	case StatusPermanent:
		return &mutation.PermanentRemoteError{Reason: r.Reason}
	default:
		return &mutation.PermanentRemoteError{Reason: fmt.Sprintf("unknown gateway status %d: %s", int(r.Status), r.Reason)}
	}
}

// Retryable reports whether the failure should consume retry budget rather
// than dead-letter immediately.
func (r Result) Retryable() bool {
	return r.Status == StatusRetryable || r.Status == StatusBackpressure
}
