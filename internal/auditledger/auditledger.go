// Package auditledger implements the hash-chained, append-only audit ledger
// that backs the governance dashboard.
//
// A ledger is partitioned into scopes (one chain per organisation, agent or
// whatever key the caller chooses). Within a scope every entry records the
// hash of its predecessor; the first entry points at the GenesisPrevHash
// sentinel. Each entry's own hash is a digest over its canonical encoding
// (see Canonical), so any modification of historical data is detectable by
// Verify without a trusted third party.
//
// Writers go through Ledger.Append, which serialises appends per scope and
// relies on the Store's conditional "append if tail matches" contract so that
// several server instances can share one store. Two Store implementations
// are provided:
//   - MemoryStore: in-process, for testing and single-instance development.
//   - PostgresStore: durable, for production use.
package auditledger
