// Package store provides SQLite-backed durable storage for provsync.
//
// The store holds four groups of tables:
//   - Catalog: systems, roles, role systems and their attributes,
//     attribute mappings, break configs and sync configs
//   - Identity state: accounts and identity links
//   - Provisioning: pending operations and the append-only archive
//   - Synchronization: sync tokens and sync log trees (log, items, actions)
//
// # Critical Patterns
//
// Exactly-once archive
//   - UNIQUE(operation_id) on provisioning_archives
//   - Archiving and removing the pending row happen in one transaction
//   - Triggers reject UPDATE and DELETE on archives
//
// Deterministic query results
//   - All list queries order by seq (or a natural key) with
//     id COLLATE BINARY as tiebreaker
//
// Explicit cascades
//   - Foreign keys are declared without ON DELETE CASCADE; owners delete
//     their children explicitly, child first, inside one transaction
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Payloads and attribute sets are stored as RFC 8785 canonical JSON produced
// by internal/ir.
package store
