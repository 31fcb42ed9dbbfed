// Package ir provides the canonical value and record types shared by every
// provsync package.
//
// This package contains type definitions and canonical encoding only. All
// other internal packages import ir; ir imports nothing internal.
//
// Key design constraints:
//   - Attribute values are constrained to Str, Int, Bool, List, Attrs and the
//     explicit Null "clear" marker. NO float types anywhere.
//   - Payloads persisted or hashed are encoded with MarshalCanonical
//     (RFC 8785 key order, NFC-normalized strings).
//   - All JSON tags use snake_case.
//   - Sequence numbers order operations; wall-clock timestamps are recorded
//     for audit and time windows only.
package ir
