// Package provisioning executes changes against target systems.
//
// Every submitted change is first persisted as a pending operation in state
// CREATED, keyed by an idempotency key built from the target system, the
// entity UID, the operation kind and a logical sequence number. The executor
// then:
//
//  1. serializes work per (system, UID) in submission order,
//  2. consults the break policy and short-circuits while it is open,
//  3. moves the operation to RUNNING and calls the connector,
//  4. archives the outcome (EXECUTED or EXCEPTION) and removes the pending
//     row in the same store transaction.
//
// Duplicate submissions (same target, kind and payload hash) merge into the
// pending operation instead of creating a second one. A waiting UPDATE with
// a different payload is replaced by the newer payload.
//
// Operations left behind by a crash are finished by Recover.
package provisioning
