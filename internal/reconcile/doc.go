// Package reconcile compares the accounts of one (system, entity type) with
// what the target system reports and reacts to every difference.
//
// A run streams remote objects from the connector, either as a full Search
// or as a change delta resumed from the stored token. Each item is
// classified by the pure Classify function into a situation, and the
// reaction configured for that situation is applied: remote changes go
// through the provisioning executor, local changes through the store. The
// local mutations of an item commit in one transaction with its item log
// and action logs, so a run interrupted at any point leaves a consistent
// prefix.
//
// Hierarchical entity types are buffered in a tree.Aggregator and processed
// parents first.
package reconcile
