// Package kvstore implements the asynchronous transactional key-value store.
//
// A database is a bbolt file holding one named collection (bucket) plus a
// meta bucket with the schema version. Opening walks the state machine
//
//	closed -> opening -> upgrading (only when the stored version is older) -> open -> closed
//
// Handles are shared process-wide through a Registry: opening the same path
// twice returns the same handle, reference counted. Opening it again with
// another collection or version is refused.
//
// Every Get/Put on a handle is queued and executed by a single worker in
// submission order. The *Async variants return an Op immediately; Wait blocks
// until the worker has run it. The worker holds the bbolt file lock only
// while it has work and releases it after a short idle period, so several
// processes can keep handles on one database. An operation that cannot take
// the lock within OpenTimeout fails with a ConnectionError.
package kvstore
