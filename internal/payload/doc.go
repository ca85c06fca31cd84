// Package payload provides the value model for mutation snapshots.
//
// A payload is a full snapshot of the fields needed to replay a mutation
// remotely. Values are a sealed set: Null, String, Int, Bool, Array, Object
// and Ref. Floats are rejected at every boundary so that a snapshot always
// serializes to the same bytes.
//
// Ref is a foreign-key reference to another entity by its local id. Refs are
// stored as-is in the mutation log and replaced with remote ids just before
// submission (see internal/idmap). On the wire a Ref is encoded as:
//
//	{"$ref":{"local_id":1,"type":"Report"}}
//
// All persisted payloads use RFC 8785 canonical JSON: object keys sorted by
// UTF-16 code units, no HTML escaping, NFC-normalized strings.
package payload
