// Package harness runs end-to-end queue scenarios against a real mutation
// log, sync worker and scripted remote.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: offline_report_then_evidence
//	description: "Evidence waits for its report's remote id"
//	settings:
//	  max_attempts: 3
//	  max_cycles_per_drain: 1
//	steps:
//	  - create: { type: Report, body: { title: Complaint } }
//	  - create:
//	      type: Evidence
//	      depends_on: Report:1
//	      body: { report: { $ref: { type: Report, local_id: 1 } } }
//	  - gateway: offline
//	  - drain: { expect: { submitted: 1, blocked: 1 } }
//	  - advance: 1m
//	  - restart: true
//	assertions:
//	  - type: mapping
//	    entity: Report:1
//	    remote_id: R-100
//
// # Steps
//
// Exactly one of the following keys is set per step:
//
//   - create, update, delete: a local write through casefile
//   - gateway: switch the scripted remote (online, offline, reject,
//     backpressure, hang)
//   - drain: run one drain; interrupt: true cancels it once the remote hangs
//   - advance: move the fake clock by a Go duration
//   - restart: reopen the database and recover InFlight records
//
// # Assertion Types
//
//   - mapping: the entity's remote id ("" for unmapped)
//   - pending_count: unsynced records of the entity
//   - queue: subset match on pending, in_flight, dead_lettered, mappings
//   - trace_order: the given strings appear in trace details in order
//   - trace_count: trace details containing the string, exactly count times
package harness
