// Package sqlengine binds an embedded SQLite database whose entire state is
// persisted as one binary image.
//
// ARCHITECTURE:
//
// Runtime:
// LoadRuntime registers a go-sqlite3 driver (pragmas, extensions located
// under ResourceDir) and probes it. The load happens once per process and is
// shared by every Engine; concurrent callers wait on the same attempt.
//
// Engine lifecycle:
//
//	uninitialized -> loadingRuntime -> loadingImage -> ready
//	                       \                \
//	                        +----------------+-> faulted
//
// Init runs the whole chain. Each run is stamped with an attempt number and
// only the current attempt may perform the ready (or faulted) transition, so
// a stale completion after Close or a re-Init is discarded. A faulted engine
// stays faulted until the caller runs Init again.
//
// Durability:
// The database lives in memory on one pinned connection. Persist serializes
// the main schema and hands the bytes to an ImageStore as a single record.
// Nothing else makes mutations durable; statements executed after the last
// Persist are lost when the process goes away.
package sqlengine
