// Package harness runs provsync conformance scenarios.
//
// A scenario is a YAML file naming a catalog directory, the initial state
// of every remote system, a list of steps and a list of assertions. Each
// scenario runs against a fresh in-memory store with the real executor,
// break policy, notification dispatcher and sync engine wired to in-memory
// connectors. Clocks and identifiers are deterministic, so two runs of the
// same scenario produce the same trace.
//
// Steps either act (sync, provision, delete, recover) or change the world
// between actions (put, remove, fail, advance). Actions and break
// notifications are recorded in the trace; world changes are not.
//
// Example:
//
//	name: remote_authoritative_sync
//	description: accounts follow the directory
//	catalog: catalogs/directory
//	remote:
//	  ldap:
//	    objects:
//	      user:
//	        - uid: ada
//	          attributes: {uid: ada, cn: Ada}
//	steps:
//	  - sync: users
//	    expect: {state: FINISHED, items: 1}
//	  - put: {system: ldap, entity_type: user, uid: ada, attributes: {uid: ada, cn: Ada Lovelace}}
//	  - sync: users
//	assertions:
//	  - type: account
//	    system: ldap
//	    entity_type: user
//	    uid: ada
//	    attributes: {name: Ada Lovelace}
//
// Traces can be compared against golden files with RunWithGolden; set
// -update to regenerate them.
package harness
