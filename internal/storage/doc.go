// Package storage persists the subscriber registry.
//
// Two drivers are available:
//   - file: a JSON array of chat ids, replaced atomically on every save
//   - sqlite: a single subscribers table (modernc.org/sqlite, no cgo)
//
// Both drivers store the complete set on every Save; there are no deltas.
package storage
