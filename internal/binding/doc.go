// Package binding pairs in-memory values with the persistence backends.
//
// A Context is one browsing context (a tab) inside a Profile. It owns the
// session store, the shared store with its change notifier, and access to
// the async KV store and the relational engine runtime. A Scope is the
// lifetime of one consumer inside a Context; bindings created in a Scope
// stop receiving updates and release their backend handles when the Scope
// is closed.
//
// Three kinds of binding exist:
//
//	BindSync              session or shared store, read at creation
//	BindAsyncKV           async KV store, hydrated in the background
//	BindRelationalEngine  in-memory SQLite database with a persisted image
//
// Failures in background steps land in the binding's Err slot. Only
// statement errors and use-before-ready are returned directly to callers.
package binding
