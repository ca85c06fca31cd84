// Package mutation defines the data model of the offline mutation queue.
//
// A Record is an immutable description of one pending local change: which
// entity it targets, what happened to it (Create, Update or Delete), a full
// payload snapshot, and the retry bookkeeping maintained by the log.
//
// Records move through a small state machine:
//
//	Pending -> InFlight -> Completed (purged from the log)
//	                    -> Pending (rescheduled with backoff)
//	                    -> DeadLettered (retry ceiling or permanent failure)
//
// Ordering is defined by Record.ID, the log sequence number. Records for the
// same entity are replayed strictly in ID order; records for different
// entities are unordered relative to each other except where DependsOn (or a
// payload Ref) introduces a parent/child dependency.
//
// This package contains types only. It imports nothing internal except
// payload, so every other package can depend on it.
package mutation
