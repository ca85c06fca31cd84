// Package syncer drains the mutation log to the remote store.
//
// A Worker is the single active drainer. It is the only component that moves
// records between Pending, InFlight, Completed and DeadLettered. Drains are
// triggered by Notify (connectivity regained, app foregrounded), by the
// periodic ticker inside Run, or synchronously by Flush.
//
// Per drain cycle:
//
//  1. Fetch the next due batch (heads of per-entity queues, in id order).
//  2. Rewrite local references to remote ids; a blocked record is skipped
//     and stays Pending without using an attempt.
//  3. Mark the record InFlight (counting the attempt) and submit it.
//  4. Success: record the remote id mapping of a Create, then complete.
//  5. Retryable failure: reschedule with backoff, or dead-letter at the
//     attempt ceiling.
//  6. Permanent failure: dead-letter and report to the DeadLetterSink.
//  7. Backpressure: reschedule and end the drain.
//
// Cycles repeat while records complete, so children unblocked by a new
// mapping go out in the same drain.
//
// # Concurrency
//
// Concurrent Drain calls share one running drain (singleflight). Notify
// never blocks; notifications that arrive during a drain collapse into a
// single follow-up drain.
//
// If the drain's context is cancelled during a remote call, the record is
// left InFlight with its attempt recorded. Run resolves such records through
// the log's RecoverInFlight before draining again.
package syncer
