// Package ledger implements the append-only double-entry ledger protected by
// a running hash chain.
//
// Every value movement is recorded as a paired debit and credit between two
// accounts, and every entry's hash binds it to its predecessor, so a
// retroactive edit anywhere in the history is detectable by Verify. Entries
// carry an explicit monotonic sequence number assigned at commit time; the
// sequence, not the wall clock, defines the chain order.
//
// Two implementations of the Store interface are provided:
//   - MemoryStore: in-process, for testing and single-process deployments.
//   - PostgresStore: durable, for production use. Appends are serialised
//     with a transaction-scoped advisory lock so that no two postings can
//     observe the same chain tail.
package ledger
