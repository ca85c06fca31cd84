// Package store provides SQLite-backed durable storage for the mutation log,
// the identifier mappings, and the local entity rows.
//
// Tables:
//   - mutations: ordered log of pending remote changes (id = sequence number)
//   - id_mappings: local id to remote canonical id, write-once
//   - entities: local case-management rows, written with their mutation
//
// # Invariants
//
// Append only runs inside WithTx, so an entity write and its mutation commit
// or roll back together.
//
// Records of one entity drain in id order. NextDueBatch only returns the head
// of each entity's queue: the lowest id among its Pending and InFlight
// records. DeadLettered records are set aside and do not hold back later
// records of the same entity.
//
// Completed records are deleted. MarkCompleted on a deleted id is a no-op.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Payloads are stored as RFC 8785 canonical JSON (see package payload) so
// identical snapshots are byte-identical.
package store
