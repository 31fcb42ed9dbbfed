// Package catalog loads the declarative provsync catalog written in CUE.
//
// A catalog names target systems, roles and what they grant, attribute
// mappings, break policies, sync configs and optionally seed accounts. It
// is validated against an embedded schema, checked for cross references
// and applied to the store idempotently: every record gets an ID derived
// from its position in the catalog, so applying the same catalog twice
// changes nothing.
//
//	systems: ldap: connector: "memory"
//	mappings: ldap: user: [
//		{remote: "uid", internal: "login", uid: true},
//		{remote: "cn", internal: "name"},
//	]
//	syncs: users: {
//		system:        "ldap"
//		entity_type:   "user"
//		authoritative: "remote"
//		reactions: create_entity: "create_account"
//	}
package catalog
