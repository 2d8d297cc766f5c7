// Package store implements the Canonical Entity Store.
//
// The Store:
//   - Holds at most one Account per login (a second record always replaces)
//   - Keeps a login → position index alongside the backing slice for O(1) lookup
//   - Applies a coalesced batch atomically, capturing each login's prior value once
//   - Replaces the whole collection from a bulk snapshot without regressing newer stream updates
package store
