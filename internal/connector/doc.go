// Package connector defines the contract between provsync and target
// systems, plus an in-memory reference implementation.
//
// A Connector reads, writes and enumerates remote objects of one system.
// Change-delta support is an optional capability (DeltaFetcher) discovered
// by type assertion. Every failure a connector reports is classified through
// *Error as retryable (the system is unavailable) or fatal (the system
// rejected the request); the executor and the break policy rely on that
// classification.
//
// Connectors are built explicitly from catalog systems through a Registry.
// There is no global service locator.
package connector
