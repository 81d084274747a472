// Package syncstore implements the synchronous key-value stores: a
// session-scoped store visible to one browsing context, and a store shared by
// every context of the same origin.
//
// Both are reached through an Adapter with identical behaviour; they differ
// only in the Medium underneath:
//   - MemoryMedium: a map owned by one context (session-scoped)
//   - DirMedium: one file per key under the origin directory (shared-across-tabs)
//
// Every operation is a direct call into the medium. Nothing suspends and there
// is no handle to open. Values are stored as canonical JSON records (package
// record); a record that fails to decode degrades to the caller's default.
package syncstore
