// Package mapping resolves attribute values between internal accounts and
// remote objects.
//
// Outbound values come from the account's internal attributes through
// outbound/both mappings, overridden by role-system attributes. When several
// role-system attributes target the same remote attribute the winner is
// chosen deterministically:
//
//  1. higher attribute priority
//  2. higher role priority
//  3. earlier creation sequence
//  4. lower attribute id
//
// Inbound values come from the remote object through inbound/both mappings.
// A remote attribute that is absent leaves the internal value untouched
// unless the mapping is marked clear_when_absent.
//
// UID-forming attributes are immutable: a remote value that disagrees with
// the account is an *IdentityConflictError, never a rename.
package mapping
